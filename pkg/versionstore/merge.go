package versionstore

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
)

// MergeBehavior chooses how a key changed on the source side is resolved.
type MergeBehavior uint8

const (
	// MergeNormal applies the source change unless the target changed the
	// key differently since the common ancestor.
	MergeNormal MergeBehavior = iota
	// MergeForce applies the source state regardless of the target.
	MergeForce
	// MergeDrop keeps the target state.
	MergeDrop
)

func (b MergeBehavior) String() string {
	switch b {
	case MergeNormal:
		return "NORMAL"
	case MergeForce:
		return "FORCE"
	case MergeDrop:
		return "DROP"
	default:
		return fmt.Sprintf("MergeBehavior(%d)", uint8(b))
	}
}

// ParseMergeBehavior accepts the names printed by String, in any case.
func ParseMergeBehavior(s string) (MergeBehavior, error) {
	switch strings.ToUpper(s) {
	case "NORMAL":
		return MergeNormal, nil
	case "FORCE":
		return MergeForce, nil
	case "DROP":
		return MergeDrop, nil
	}
	return 0, fmt.Errorf("%w: unknown merge behavior %q", logic.ErrInvalidArgument, s)
}

// KeyOutcome is what a merge did with one key.
type KeyOutcome uint8

const (
	OutcomeApplied KeyOutcome = iota + 1
	// OutcomeNoOp marks a source change the target already has.
	OutcomeNoOp
	OutcomeConflict
	// OutcomeSkipped marks a change dropped by MergeDrop.
	OutcomeSkipped
)

func (o KeyOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "APPLIED"
	case OutcomeNoOp:
		return "NOOP"
	case OutcomeConflict:
		return "CONFLICT"
	case OutcomeSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("KeyOutcome(%d)", uint8(o))
	}
}

// KeyDetails records one key of a merge or transplant. Nil ops are absent
// keys.
type KeyDetails struct {
	Key      index.StoreKey
	Behavior MergeBehavior
	Outcome  KeyOutcome
	// SourceCommit is the commit the change came from.
	SourceCommit object.ObjID
	Base         *index.CommitOp
	Source       *index.CommitOp
	Target       *index.CommitOp
}

// MergeResult describes a merge or transplant, applied or not.
type MergeResult struct {
	TargetBranch   string
	SourceHash     object.ObjID
	TargetHash     object.ObjID
	CommonAncestor object.ObjID
	// ResultantHash is the new head of the target branch, or TargetHash
	// when nothing was written.
	ResultantHash object.ObjID
	// CreatedCommits lists written commits, oldest first.
	CreatedCommits []object.ObjID
	Keys           []KeyDetails
	DryRun         bool
	WasApplied     bool
}

// Conflicts returns the conflicting keys.
func (r *MergeResult) Conflicts() []KeyDetails {
	var out []KeyDetails
	for _, k := range r.Keys {
		if k.Outcome == OutcomeConflict {
			out = append(out, k)
		}
	}
	return out
}

// MergeConflictError carries the result of a merge or transplant that
// found conflicts. Nothing was written.
type MergeConflictError struct {
	Result *MergeResult
}

func (e *MergeConflictError) Error() string {
	conflicts := e.Result.Conflicts()
	keys := make([]string, len(conflicts))
	for i, c := range conflicts {
		keys[i] = string(c.Key)
	}
	return fmt.Sprintf("merge into %s: %d conflicting key(s): %s", e.Result.TargetBranch, len(keys), strings.Join(keys, ", "))
}

func (e *MergeConflictError) Is(target error) bool { return target == logic.ErrConflict }

// MergeOp merges the history of FromHash into ToBranch.
type MergeOp struct {
	FromHash        object.ObjID
	ToBranch        string
	ExpectedHash    *object.ObjID
	KeyBehaviors    map[index.StoreKey]MergeBehavior
	DefaultBehavior MergeBehavior
	DryRun          bool
	Message         string
	Headers         object.Headers
}

func behaviorFor(key index.StoreKey, behaviors map[index.StoreKey]MergeBehavior, def MergeBehavior) MergeBehavior {
	if b, ok := behaviors[key]; ok {
		return b
	}
	return def
}

// resolveKey classifies one source change. base, source and target are
// the key's states at the common ancestor, the source and the current
// target.
func resolveKey(behavior MergeBehavior, base, source, target *index.CommitOp) KeyOutcome {
	switch {
	case behavior == MergeDrop:
		return OutcomeSkipped
	case sameState(source, target):
		return OutcomeNoOp
	case behavior == MergeForce, sameState(base, target):
		return OutcomeApplied
	default:
		return OutcomeConflict
	}
}

// applyOp returns the logic operation turning target into source.
func applyOp(create *logic.CreateCommit, key index.StoreKey, source, target *index.CommitOp) {
	if source != nil {
		add := logic.Add{Key: key, Payload: source.Payload, Value: *source.Value, ContentID: source.ContentID}
		if target != nil {
			v := *target.Value
			add.ExpectedValue = &v
		}
		create.Adds = append(create.Adds, add)
		return
	}
	create.Removes = append(create.Removes, logic.Remove{
		Key: key, Payload: target.Payload, ExpectedValue: *target.Value, ContentID: target.ContentID,
	})
}

func getVisible(ctx context.Context, r index.Reader, key index.StoreKey) (*index.CommitOp, error) {
	op, ok, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return visible(op, ok), nil
}

// Merge applies the changes made on FromHash since its common ancestor
// with ToBranch. A merge that reports any conflict writes nothing and
// fails with *MergeConflictError. Merging a commit the branch already
// contains is a no-op.
func (s *Store) Merge(ctx context.Context, op MergeOp) (res *MergeResult, err error) {
	ctx, span := s.startSpan(ctx, "versionstore.Merge",
		attribute.String("branch", op.ToBranch), attribute.String("from", op.FromHash.String()),
		attribute.Bool("dry_run", op.DryRun))
	defer func() { endSpan(span, err) }()

	if err := s.check(ctx, AccessMerge, logic.BranchRef(op.ToBranch), nil); err != nil {
		return nil, err
	}
	if err := s.checkCommit(ctx, op.FromHash); err != nil {
		return nil, err
	}

	return logic.CommitRetry(ctx, s.p, func(ctx context.Context, attempt int) (*MergeResult, error) {
		ref, err := s.branchHead(ctx, op.ToBranch, op.ExpectedHash)
		if err != nil {
			return nil, err
		}
		res := &MergeResult{
			TargetBranch:  op.ToBranch,
			SourceHash:    op.FromHash,
			TargetHash:    ref.Pointer,
			ResultantHash: ref.Pointer,
			DryRun:        op.DryRun,
		}
		contained, err := s.bases.isAncestor(ctx, op.FromHash, ref.Pointer)
		if err != nil {
			return nil, err
		}
		if contained {
			res.CommonAncestor = op.FromHash
			return res, nil
		}
		base, _, err := s.bases.FindMergeBase(ctx, op.FromHash, ref.Pointer)
		if err != nil {
			return nil, err
		}
		res.CommonAncestor = base

		baseView, err := s.commitView(ctx, base)
		if err != nil {
			return nil, err
		}
		sourceView, err := s.commitView(ctx, op.FromHash)
		if err != nil {
			return nil, err
		}
		targetView, err := s.commitView(ctx, ref.Pointer)
		if err != nil {
			return nil, err
		}
		changes, err := diffViews(ctx, baseView, sourceView, "")
		if err != nil {
			return nil, err
		}

		var create logic.CreateCommit
		for _, ch := range changes {
			target, err := getVisible(ctx, targetView, ch.Key)
			if err != nil {
				return nil, err
			}
			behavior := behaviorFor(ch.Key, op.KeyBehaviors, op.DefaultBehavior)
			kd := KeyDetails{
				Key: ch.Key, Behavior: behavior, SourceCommit: op.FromHash,
				Base: ch.From, Source: ch.To, Target: target,
			}
			kd.Outcome = resolveKey(behavior, ch.From, ch.To, target)
			if kd.Outcome == OutcomeApplied {
				applyOp(&create, ch.Key, ch.To, target)
			}
			res.Keys = append(res.Keys, kd)
		}
		if len(res.Conflicts()) > 0 {
			return nil, &MergeConflictError{Result: res}
		}
		if op.DryRun {
			return res, nil
		}

		create.ParentCommitID = ref.Pointer
		create.SecondaryParents = []object.ObjID{op.FromHash}
		create.Message = op.Message
		if create.Message == "" {
			create.Message = fmt.Sprintf("Merge %s into %s", op.FromHash.Short(), op.ToBranch)
		}
		create.Headers = op.Headers.Clone()
		commit, err := s.commits.DoCommit(ctx, create, nil)
		if err != nil {
			return nil, err
		}
		if err := s.advance(ctx, ref, commit.ID()); err != nil {
			return nil, err
		}
		res.ResultantHash = commit.ID()
		res.CreatedCommits = []object.ObjID{commit.ID()}
		res.WasApplied = true
		s.logger.Info("merged", "branch", op.ToBranch, "from", op.FromHash.Short(), "hash", commit.ID().Short(), "attempt", attempt)
		return res, nil
	})
}

// TransplantOp replays Sequence onto ToBranch.
type TransplantOp struct {
	// Sequence lists the commits to replay, oldest first.
	Sequence        []object.ObjID
	ToBranch        string
	ExpectedHash    *object.ObjID
	KeyBehaviors    map[index.StoreKey]MergeBehavior
	DefaultBehavior MergeBehavior
	DryRun          bool
}

const headerTransplanted = "transplanted-from"

// Transplant replays each commit of the sequence onto ToBranch as a new
// commit holding that commit's own changes. The sequence is applied whole
// or not at all.
func (s *Store) Transplant(ctx context.Context, op TransplantOp) (res *MergeResult, err error) {
	ctx, span := s.startSpan(ctx, "versionstore.Transplant",
		attribute.String("branch", op.ToBranch), attribute.Int("commits", len(op.Sequence)),
		attribute.Bool("dry_run", op.DryRun))
	defer func() { endSpan(span, err) }()

	if len(op.Sequence) == 0 {
		return nil, fmt.Errorf("%w: empty transplant sequence", logic.ErrInvalidArgument)
	}
	if err := s.check(ctx, AccessTransplant, logic.BranchRef(op.ToBranch), nil); err != nil {
		return nil, err
	}
	sources := make([]*object.CommitObj, len(op.Sequence))
	for i, id := range op.Sequence {
		c, err := s.commits.FetchCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: cannot transplant the empty commit", logic.ErrInvalidArgument)
		}
		sources[i] = c
	}

	return logic.CommitRetry(ctx, s.p, func(ctx context.Context, attempt int) (*MergeResult, error) {
		ref, err := s.branchHead(ctx, op.ToBranch, op.ExpectedHash)
		if err != nil {
			return nil, err
		}
		res := &MergeResult{
			TargetBranch:  op.ToBranch,
			SourceHash:    op.Sequence[len(op.Sequence)-1],
			TargetHash:    ref.Pointer,
			ResultantHash: ref.Pointer,
			DryRun:        op.DryRun,
		}
		targetView, err := s.commitView(ctx, ref.Pointer)
		if err != nil {
			return nil, err
		}
		overlay := index.NewSegment()
		working := index.Layered(targetView, overlay)

		plans := make([]logic.CreateCommit, len(sources))
		for i, src := range sources {
			own, err := s.indexes.IncrementalIndex(src)
			if err != nil {
				return nil, err
			}
			parentView, err := s.commitView(ctx, src.DirectParent())
			if err != nil {
				return nil, err
			}
			create := logic.CreateCommit{
				Message: src.Message,
				Headers: src.Headers.With(headerTransplanted, src.ID().String()),
			}
			for _, e := range own.Elements() {
				if !e.Op.Action.CurrentCommit() {
					continue
				}
				base, err := getVisible(ctx, parentView, e.Key)
				if err != nil {
					return nil, err
				}
				target, err := getVisible(ctx, working, e.Key)
				if err != nil {
					return nil, err
				}
				source := visible(e.Op, true)
				if sameState(base, source) {
					continue
				}
				behavior := behaviorFor(e.Key, op.KeyBehaviors, op.DefaultBehavior)
				kd := KeyDetails{
					Key: e.Key, Behavior: behavior, SourceCommit: src.ID(),
					Base: base, Source: source, Target: target,
				}
				kd.Outcome = resolveKey(behavior, base, source, target)
				if kd.Outcome == OutcomeApplied {
					applyOp(&create, e.Key, source, target)
					if source != nil {
						overlay.Put(e.Key, *source)
					} else {
						overlay.Put(e.Key, index.CommitOp{Action: index.ActionRemove})
					}
				}
				res.Keys = append(res.Keys, kd)
			}
			plans[i] = create
		}
		if len(res.Conflicts()) > 0 {
			return nil, &MergeConflictError{Result: res}
		}
		if op.DryRun {
			return res, nil
		}

		parent := ref.Pointer
		for _, create := range plans {
			create.ParentCommitID = parent
			commit, err := s.commits.DoCommit(ctx, create, nil)
			if err != nil {
				return nil, err
			}
			parent = commit.ID()
			res.CreatedCommits = append(res.CreatedCommits, parent)
		}
		if err := s.advance(ctx, ref, parent); err != nil {
			return nil, err
		}
		res.ResultantHash = parent
		res.WasApplied = true
		s.logger.Info("transplanted", "branch", op.ToBranch, "commits", len(plans), "hash", parent.Short(), "attempt", attempt)
		return res, nil
	})
}
