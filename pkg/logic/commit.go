package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Add puts Value under Key. A nil ExpectedValue requires the key to be
// absent at the parent; otherwise the key must exist with that value. The
// value object pins payload and content id, so replacing a value may change
// both.
type Add struct {
	Key           index.StoreKey
	Payload       byte
	Value         object.ObjID
	ContentID     string
	ExpectedValue *object.ObjID
}

// Remove deletes Key, which must exist at the parent with ExpectedValue,
// Payload and ContentID.
type Remove struct {
	Key           index.StoreKey
	Payload       byte
	ExpectedValue object.ObjID
	ContentID     string
}

// Unchanged asserts the state of Key at the parent without changing it.
type Unchanged struct {
	Key           index.StoreKey
	Payload       byte
	ExpectedValue object.ObjID
	ContentID     string
}

// CreateCommit describes a commit to build on ParentCommitID.
type CreateCommit struct {
	ParentCommitID   object.ObjID
	SecondaryParents []object.ObjID
	Message          string
	Headers          object.Headers
	CommitType       object.CommitType

	Adds      []Add
	Removes   []Remove
	Unchanged []Unchanged
}

// CommitLogic builds, checks and persists commits.
type CommitLogic struct {
	p       persist.Persist
	indexes *IndexesLogic
	logger  *slog.Logger
}

func NewCommitLogic(p persist.Persist, opts ...Option) *CommitLogic {
	o := buildOptions(opts)
	return &CommitLogic{p: p, indexes: NewIndexesLogic(p), logger: o.logger}
}

// Indexes returns the index resolver bound to the same backend.
func (l *CommitLogic) Indexes() *IndexesLogic { return l.indexes }

// FetchCommit returns nil for EmptyObjID.
func (l *CommitLogic) FetchCommit(ctx context.Context, id object.ObjID) (*object.CommitObj, error) {
	if id.IsZero() {
		return nil, nil
	}
	obj, err := l.p.FetchTypedObj(ctx, id, object.TypeCommit)
	if err != nil {
		return nil, fmt.Errorf("fetch commit %s: %w", id.Short(), err)
	}
	return obj.(*object.CommitObj), nil
}

// DoCommit checks c against the view at its parent, then persists the
// resulting commit together with additional objects. Conflicts are reported
// all at once in a *CommitConflictError. The caller advances references.
func (l *CommitLogic) DoCommit(ctx context.Context, c CreateCommit, additional []object.Obj) (*object.CommitObj, error) {
	start := time.Now()
	defer func() { commitDuration.Observe(time.Since(start).Seconds()) }()

	commit, err := l.BuildCommitObj(ctx, c)
	if err != nil {
		return nil, err
	}
	return l.StoreCommit(ctx, commit, additional)
}

// StoreCommit persists commit and additional. When the commit's index is
// too large to embed, its view is spilled into a striped reference index
// and the stored commit differs from the argument.
func (l *CommitLogic) StoreCommit(ctx context.Context, commit *object.CommitObj, additional []object.Obj) (*object.CommitObj, error) {
	if len(additional) > 0 {
		if _, err := l.p.StoreObjs(ctx, additional); err != nil {
			return nil, fmt.Errorf("store commit objects: %w", err)
		}
	}
	_, err := l.p.StoreObj(ctx, commit)
	if errors.Is(err, object.ErrObjTooLarge) {
		if commit, err = l.spill(ctx, commit); err != nil {
			return nil, err
		}
		_, err = l.p.StoreObj(ctx, commit)
	}
	if err != nil {
		return nil, fmt.Errorf("store commit: %w", err)
	}
	return commit, nil
}

// BuildCommitObj returns the sealed commit c would produce without
// persisting anything.
func (l *CommitLogic) BuildCommitObj(ctx context.Context, c CreateCommit) (*object.CommitObj, error) {
	if err := checkDuplicateKeys(c); err != nil {
		return nil, err
	}
	parent, err := l.FetchCommit(ctx, c.ParentCommitID)
	if err != nil {
		return nil, err
	}
	view, err := l.indexes.CommitIndex(ctx, parent)
	if err != nil {
		return nil, err
	}
	if err := checkConflicts(ctx, view, c); err != nil {
		return nil, err
	}

	seg, err := l.indexes.IncrementalIndexForUpdate(ctx, parent)
	if err != nil {
		return nil, err
	}
	for _, a := range c.Adds {
		v := a.Value
		seg.Put(a.Key, index.CommitOp{Action: index.ActionAdd, Payload: a.Payload, Value: &v, ContentID: a.ContentID})
	}
	for _, r := range c.Removes {
		v := r.ExpectedValue
		seg.Put(r.Key, index.CommitOp{Action: index.ActionRemove, Payload: r.Payload, Value: &v, ContentID: r.ContentID})
	}

	commit, err := l.newCommit(ctx, c, parent)
	if err != nil {
		return nil, err
	}
	if parent != nil && !parent.IncompleteIndex {
		commit.ReferenceIndex = parent.ReferenceIndex
		commit.ReferenceIndexStripes = parent.ReferenceIndexStripes
	}
	if commit.IncrementalIndex, err = seg.Encode(); err != nil {
		return nil, err
	}
	if err := object.Seal(commit); err != nil {
		return nil, err
	}
	return commit, nil
}

// ImportCommit persists a commit that only records its own ops and marks
// its index incomplete. No conflict checks are made.
func (l *CommitLogic) ImportCommit(ctx context.Context, c CreateCommit, additional []object.Obj) (*object.CommitObj, error) {
	if err := checkDuplicateKeys(c); err != nil {
		return nil, err
	}
	parent, err := l.FetchCommit(ctx, c.ParentCommitID)
	if err != nil {
		return nil, err
	}
	commit, err := l.newCommit(ctx, c, parent)
	if err != nil {
		return nil, err
	}
	seg := index.NewSegment()
	for _, a := range c.Adds {
		v := a.Value
		seg.Put(a.Key, index.CommitOp{Action: index.ActionAdd, Payload: a.Payload, Value: &v, ContentID: a.ContentID})
	}
	for _, r := range c.Removes {
		v := r.ExpectedValue
		seg.Put(r.Key, index.CommitOp{Action: index.ActionRemove, Payload: r.Payload, Value: &v, ContentID: r.ContentID})
	}
	commit.IncompleteIndex = true
	if commit.IncrementalIndex, err = seg.Encode(); err != nil {
		return nil, err
	}
	if err := object.Seal(commit); err != nil {
		return nil, err
	}
	if len(additional) > 0 {
		if _, err := l.p.StoreObjs(ctx, additional); err != nil {
			return nil, fmt.Errorf("import commit objects: %w", err)
		}
	}
	if _, err := l.p.StoreObj(ctx, commit); err != nil {
		return nil, fmt.Errorf("import commit: %w", err)
	}
	return commit, nil
}

// newCommit fills the graph fields of a commit on parent.
func (l *CommitLogic) newCommit(ctx context.Context, c CreateCommit, parent *object.CommitObj) (*object.CommitObj, error) {
	cfg := l.p.Config().WithDefaults()

	tail := []object.ObjID{c.ParentCommitID}
	var seq uint64
	if parent != nil {
		tail = append(tail, parent.Tail...)
		seq = parent.Seq
	}
	if len(tail) > cfg.ParentsPerCommit {
		tail = tail[:cfg.ParentsPerCommit]
	}
	for _, id := range c.SecondaryParents {
		sp, err := l.FetchCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		if sp != nil && sp.Seq > seq {
			seq = sp.Seq
		}
	}

	return &object.CommitObj{
		Created:          cfg.Now().UnixMicro(),
		Seq:              seq + 1,
		Message:          c.Message,
		Headers:          c.Headers.Clone(),
		Tail:             tail,
		SecondaryParents: append([]object.ObjID(nil), c.SecondaryParents...),
		CommitType:       c.CommitType,
	}, nil
}

// spill writes the full view of commit as striped index segments and
// returns a resealed copy whose embedded index only holds its own ops.
func (l *CommitLogic) spill(ctx context.Context, commit *object.CommitObj) (*object.CommitObj, error) {
	cfg := l.p.Config().WithDefaults()

	full, err := l.indexes.CommitIndex(ctx, commit)
	if err != nil {
		return nil, err
	}
	view, err := index.Materialize(ctx, full)
	if err != nil {
		return nil, err
	}
	embedded, err := l.indexes.IncrementalIndex(commit)
	if err != nil {
		return nil, err
	}
	own := index.NewSegment()
	for _, e := range embedded.Elements() {
		if e.Op.Action.CurrentCommit() {
			own.Put(e.Key, e.Op)
		}
	}

	var stripes []object.IndexStripe
	if view.Len() > 0 {
		parts, err := view.Split(cfg.MaxSerializedIndexSize)
		if err != nil {
			return nil, fmt.Errorf("spill index of %s: %w", commit.ID(), err)
		}
		objs := make([]object.Obj, 0, len(parts))
		for _, part := range parts {
			data, err := part.Encode()
			if err != nil {
				return nil, err
			}
			obj := &object.IndexObj{Index: data}
			if err := object.Seal(obj); err != nil {
				return nil, err
			}
			objs = append(objs, obj)
			stripes = append(stripes, object.IndexStripe{
				FirstKey:  string(part.First()),
				LastKey:   string(part.Last()),
				SegmentID: obj.ID(),
			})
		}
		if _, err := l.p.StoreObjs(ctx, objs); err != nil {
			return nil, fmt.Errorf("store index stripes: %w", err)
		}
	}

	out := *commit
	out.ReferenceIndex = nil
	out.ReferenceIndexStripes = stripes
	if len(stripes) > cfg.MaxReferenceStripesPerCommit {
		segs := &object.IndexSegmentsObj{Stripes: stripes}
		if err := object.Seal(segs); err != nil {
			return nil, err
		}
		if _, err := l.p.StoreObj(ctx, segs); err != nil {
			return nil, fmt.Errorf("store index segments: %w", err)
		}
		id := segs.ID()
		out.ReferenceIndex = &id
		out.ReferenceIndexStripes = nil
	}
	if out.IncrementalIndex, err = own.Encode(); err != nil {
		return nil, err
	}
	if err := object.Seal(&out); err != nil {
		return nil, err
	}
	indexSpills.Inc()
	l.logger.Debug("spilled commit index", "keys", view.Len(), "stripes", len(stripes))
	return &out, nil
}

func checkDuplicateKeys(c CreateCommit) error {
	seen := make(map[index.StoreKey]struct{}, len(c.Adds)+len(c.Removes)+len(c.Unchanged))
	check := func(k index.StoreKey) error {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: key %q appears more than once in commit", ErrInvalidArgument, k)
		}
		seen[k] = struct{}{}
		return nil
	}
	for _, a := range c.Adds {
		if err := check(a.Key); err != nil {
			return err
		}
	}
	for _, r := range c.Removes {
		if err := check(r.Key); err != nil {
			return err
		}
	}
	for _, u := range c.Unchanged {
		if err := check(u.Key); err != nil {
			return err
		}
	}
	return nil
}

// checkConflicts evaluates every op against view and returns all
// conflicts found.
func checkConflicts(ctx context.Context, view index.Reader, c CreateCommit) error {
	var conflicts []Conflict
	lookup := func(k index.StoreKey) (*index.CommitOp, error) {
		op, ok, err := view.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok || !op.Exists() {
			return nil, nil
		}
		return &op, nil
	}
	expect := func(k index.StoreKey, existing *index.CommitOp, payload byte, contentID string, value object.ObjID) {
		switch {
		case existing == nil:
			conflicts = append(conflicts, Conflict{Type: ConflictKeyDoesNotExist, Key: k})
		case existing.Payload != payload:
			conflicts = append(conflicts, Conflict{Type: ConflictPayloadDiffers, Key: k, Existing: existing})
		case existing.ContentID != contentID:
			conflicts = append(conflicts, Conflict{Type: ConflictContentIDDiffers, Key: k, Existing: existing})
		case !index.SameValue(existing.Value, &value):
			conflicts = append(conflicts, Conflict{Type: ConflictValueDiffers, Key: k, Existing: existing})
		}
	}

	for _, a := range c.Adds {
		existing, err := lookup(a.Key)
		if err != nil {
			return err
		}
		if a.ExpectedValue == nil {
			if existing != nil {
				conflicts = append(conflicts, Conflict{Type: ConflictKeyExists, Key: a.Key, Existing: existing})
			}
			continue
		}
		switch {
		case existing == nil:
			conflicts = append(conflicts, Conflict{Type: ConflictKeyDoesNotExist, Key: a.Key})
		case !index.SameValue(existing.Value, a.ExpectedValue):
			conflicts = append(conflicts, Conflict{Type: ConflictValueDiffers, Key: a.Key, Existing: existing})
		}
	}
	for _, r := range c.Removes {
		existing, err := lookup(r.Key)
		if err != nil {
			return err
		}
		expect(r.Key, existing, r.Payload, r.ContentID, r.ExpectedValue)
	}
	for _, u := range c.Unchanged {
		existing, err := lookup(u.Key)
		if err != nil {
			return err
		}
		expect(u.Key, existing, u.Payload, u.ContentID, u.ExpectedValue)
	}

	if len(conflicts) > 0 {
		return &CommitConflictError{Conflicts: conflicts}
	}
	return nil
}

// CommitIterator walks first-parent history, newest first.
type CommitIterator struct {
	ctx  context.Context
	l    *CommitLogic
	next object.ObjID
	cur  *object.CommitObj
	err  error
}

// CommitLog iterates from start along the direct parents.
func (l *CommitLogic) CommitLog(ctx context.Context, start object.ObjID) *CommitIterator {
	return &CommitIterator{ctx: ctx, l: l, next: start}
}

func (it *CommitIterator) Next() bool {
	if it.err != nil || it.next.IsZero() {
		return false
	}
	c, err := it.l.FetchCommit(it.ctx, it.next)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = c
	it.next = c.DirectParent()
	return true
}

func (it *CommitIterator) Commit() *object.CommitObj { return it.cur }
func (it *CommitIterator) Err() error                { return it.err }
