package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// ReferenceLogic manages named references. Every create and delete is
// first recorded in the audit reference int/refs, so a crashed operation
// can be finished by whoever next touches the reference.
type ReferenceLogic struct {
	p       persist.Persist
	commits *CommitLogic
	indexes *IndexesLogic
	logger  *slog.Logger
}

func NewReferenceLogic(p persist.Persist, opts ...Option) *ReferenceLogic {
	o := buildOptions(opts)
	commits := NewCommitLogic(p, opts...)
	return &ReferenceLogic{p: p, commits: commits, indexes: commits.Indexes(), logger: o.logger}
}

func rejectInternal(name string) error {
	if persist.IsInternalReferenceName(name) {
		return fmt.Errorf("%w: reference %q is internal", ErrInvalidArgument, name)
	}
	return nil
}

// refsIndex lazily loads the index of the current int/refs head at most
// once per operation.
type refsIndex struct {
	l      *ReferenceLogic
	loaded bool
	r      index.Reader
	err    error
}

func (l *ReferenceLogic) newRefsIndex() *refsIndex { return &refsIndex{l: l} }

func (x *refsIndex) reader(ctx context.Context) (index.Reader, error) {
	if !x.loaded {
		x.r, x.err = x.l.loadRefsIndex(ctx)
		x.loaded = true
	}
	return x.r, x.err
}

func (x *refsIndex) lookup(ctx context.Context, name string) (index.CommitOp, bool, error) {
	r, err := x.reader(ctx)
	if err != nil {
		return index.CommitOp{}, false, err
	}
	return r.Get(ctx, index.StoreKey(name))
}

func (l *ReferenceLogic) loadRefsIndex(ctx context.Context) (index.Reader, error) {
	head, err := l.p.FetchReference(ctx, persist.RefRefs)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", persist.RefRefs, err)
	}
	if head == nil {
		return index.Empty, nil
	}
	commit, err := l.commits.FetchCommit(ctx, head.Pointer)
	if err != nil {
		return nil, err
	}
	return l.indexes.CommitIndex(ctx, commit)
}

// GetReference returns the live reference, or nil when it does not exist.
// Internal references are reported as absent.
func (l *ReferenceLogic) GetReference(ctx context.Context, name string) (*persist.Reference, error) {
	refs, err := l.GetReferences(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	return refs[0], nil
}

// GetReferences resolves names in order, finishing interrupted creates and
// deletes on the way. Absent and internal references yield nil slots.
func (l *ReferenceLogic) GetReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	refs, err := l.p.FetchReferences(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("fetch references: %w", err)
	}
	idx := l.newRefsIndex()
	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		if persist.IsInternalReferenceName(name) {
			continue
		}
		ref, err := l.maybeRecover(ctx, name, refs[i], idx)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

type createState uint8

const (
	addedToIndex createState = iota
	refRowExists
	refRowMissing
)

type createResult struct {
	ref   persist.Reference
	state createState
}

// CreateReference creates name pointing at pointer. It fails with
// *persist.RefAlreadyExistsError carrying the live row when the name is
// taken, including by an earlier interrupted create of the same name.
func (l *ReferenceLogic) CreateReference(ctx context.Context, name string, pointer object.ObjID) (ref persist.Reference, err error) {
	defer func() { referenceOps.WithLabelValues("create", resultLabel(err)).Inc() }()
	if err := rejectInternal(name); err != nil {
		return persist.Reference{}, err
	}

	for {
		res, err := l.commitCreateReference(ctx, name, pointer)
		if err != nil {
			return persist.Reference{}, err
		}

		switch res.state {
		case addedToIndex:
			created, err := l.p.AddReference(ctx, res.ref)
			if err == nil {
				l.logger.Debug("reference created", "ref", name, "pointer", pointer)
				return created, nil
			}
			var exists *persist.RefAlreadyExistsError
			if !errors.As(err, &exists) || !exists.Existing.Deleted {
				return persist.Reference{}, err
			}
			// A deleted row still blocks the name; the next round recovers it.

		case refRowMissing:
			// An earlier create recorded the name but never wrote the row.
			live, err := l.p.AddReference(ctx, res.ref)
			if err != nil {
				var exists *persist.RefAlreadyExistsError
				if !errors.As(err, &exists) {
					return persist.Reference{}, err
				}
				live = exists.Existing
			} else {
				referenceRecoveries.WithLabelValues("resume_create").Inc()
				l.logger.Info("resumed interrupted reference creation", "ref", name, "pointer", live.Pointer)
			}
			return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: live}

		case refRowExists:
			if !res.ref.Deleted {
				return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: res.ref}
			}
			existing := res.ref
			if _, err := l.maybeRecover(ctx, name, &existing, l.newRefsIndex()); err != nil {
				return persist.Reference{}, err
			}
		}
	}
}

// commitCreateReference records the creation of name in int/refs.
func (l *ReferenceLogic) commitCreateReference(ctx context.Context, name string, pointer object.ObjID) (createResult, error) {
	res, err := CommitRetry(ctx, l.p, func(ctx context.Context, attempt int) (createResult, error) {
		refRefs, err := l.fetchRefRefs(ctx)
		if err != nil {
			return createResult{}, err
		}
		now := l.p.Config().Now()
		refObj := &object.RefObj{Name: name, InitialPointer: pointer, CreatedAt: now.UnixMicro()}
		if err := object.Seal(refObj); err != nil {
			return createResult{}, err
		}
		c := CreateCommit{
			ParentCommitID: refRefs.Pointer,
			Message:        fmt.Sprintf("Create reference %s pointing to %s", name, pointer),
			Headers:        auditHeaders("create", name, pointer, now.UnixMilli(), now.UTC().Format(timestampLayout)),
			CommitType:     object.CommitInternal,
			Adds:           []Add{{Key: index.StoreKey(name), Payload: 0, Value: refObj.ID()}},
		}
		if err := l.commitReferenceChange(ctx, *refRefs, c, refObj); err != nil {
			return createResult{}, err
		}
		return createResult{ref: persist.Reference{Name: name, Pointer: pointer}, state: addedToIndex}, nil
	})
	if err == nil {
		return res, nil
	}

	var conflict *CommitConflictError
	if !errors.As(err, &conflict) {
		return createResult{}, fmt.Errorf("record creation of reference %q: %w", name, err)
	}
	if len(conflict.Conflicts) != 1 || conflict.Conflicts[0].Type != ConflictKeyExists || conflict.Conflicts[0].Existing == nil {
		return createResult{}, fmt.Errorf("%w: unexpected conflicts recording creation of %q: %v", ErrInternal, name, conflict)
	}

	existing, err := l.p.FetchReference(ctx, name)
	if err != nil {
		return createResult{}, fmt.Errorf("fetch reference %q: %w", name, err)
	}
	if existing != nil {
		return createResult{ref: *existing, state: refRowExists}, nil
	}
	refObj, err := l.fetchRefObj(ctx, *conflict.Conflicts[0].Existing)
	if err != nil {
		return createResult{}, err
	}
	return createResult{ref: persist.Reference{Name: name, Pointer: refObj.InitialPointer}, state: refRowMissing}, nil
}

// DeleteReference removes name when it points at expected. It reports
// not-found when the reference is absent or was already being deleted.
func (l *ReferenceLogic) DeleteReference(ctx context.Context, name string, expected object.ObjID) (err error) {
	defer func() { referenceOps.WithLabelValues("delete", resultLabel(err)).Inc() }()
	if err := rejectInternal(name); err != nil {
		return err
	}

	idx := l.newRefsIndex()
	ref, err := l.p.FetchReference(ctx, name)
	if err != nil {
		return fmt.Errorf("fetch reference %q: %w", name, err)
	}
	if ref == nil {
		if _, ok, err := idx.lookup(ctx, name); err != nil {
			return err
		} else if !ok {
			return &persist.RefNotFoundError{Name: name}
		}
		if ref, err = l.maybeRecover(ctx, name, nil, idx); err != nil {
			return err
		}
		if ref == nil {
			return &persist.RefNotFoundError{Name: name}
		}
	}

	alreadyDeleted := ref.Deleted
	if ref.Pointer != expected && !ref.Deleted {
		actual := *ref
		recovered, err := l.maybeRecover(ctx, name, ref, idx)
		if err != nil {
			return err
		}
		if recovered != nil {
			actual = *recovered
		}
		return &persist.RefConditionFailedError{Actual: actual}
	}

	if !ref.Deleted {
		marked, err := l.p.MarkReferenceAsDeleted(ctx, *ref)
		if err != nil {
			return err
		}
		ref = &marked
	}
	if err := l.commitDeleteReference(ctx, *ref); err != nil {
		return err
	}
	if err := l.p.PurgeReference(ctx, *ref); err != nil {
		return err
	}
	if alreadyDeleted {
		return &persist.RefNotFoundError{Name: name}
	}
	l.logger.Debug("reference deleted", "ref", name, "pointer", ref.Pointer)
	return nil
}

// commitDeleteReference records the removal of ref in int/refs unless the
// audit index no longer lists it.
func (l *ReferenceLogic) commitDeleteReference(ctx context.Context, ref persist.Reference) error {
	_, err := CommitRetry(ctx, l.p, func(ctx context.Context, attempt int) (struct{}, error) {
		refRefs, err := l.fetchRefRefs(ctx)
		if err != nil {
			return struct{}{}, err
		}
		head, err := l.commits.FetchCommit(ctx, refRefs.Pointer)
		if err != nil {
			return struct{}{}, err
		}
		view, err := l.indexes.CommitIndex(ctx, head)
		if err != nil {
			return struct{}{}, err
		}
		key := index.StoreKey(ref.Name)
		op, ok, err := view.Get(ctx, key)
		if err != nil {
			return struct{}{}, err
		}
		if !ok || !op.Exists() {
			return struct{}{}, nil
		}
		if op.Value == nil {
			return struct{}{}, fmt.Errorf("%w: audit entry of %q has no value", ErrInternal, ref.Name)
		}
		now := l.p.Config().Now()
		c := CreateCommit{
			ParentCommitID: refRefs.Pointer,
			Message:        fmt.Sprintf("Drop reference %s pointing to %s", ref.Name, ref.Pointer),
			Headers:        auditHeaders("delete", ref.Name, ref.Pointer, now.UnixMilli(), now.UTC().Format(timestampLayout)),
			CommitType:     object.CommitInternal,
			Removes:        []Remove{{Key: key, Payload: 0, ExpectedValue: *op.Value, ContentID: op.ContentID}},
		}
		return struct{}{}, l.commitReferenceChange(ctx, *refRefs, c)
	})
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: recording deletion of %q: %v", ErrInternal, ref.Name, err)
	}
	if err != nil {
		return fmt.Errorf("record deletion of reference %q: %w", ref.Name, err)
	}
	return nil
}

// commitReferenceChange commits c to int/refs and advances it. A lost
// race on the audit reference asks CommitRetry for another attempt.
func (l *ReferenceLogic) commitReferenceChange(ctx context.Context, refRefs persist.Reference, c CreateCommit, additional ...object.Obj) error {
	commit, err := l.commits.DoCommit(ctx, c, additional)
	if err != nil {
		return err
	}
	if _, err := l.p.UpdateReferencePointer(ctx, refRefs, commit.ID()); err != nil {
		switch {
		case errors.Is(err, persist.ErrConditionFailed):
			return fmt.Errorf("advance %s: %w", persist.RefRefs, ErrRetry)
		case errors.Is(err, persist.ErrNotFound):
			return fmt.Errorf("%w: %s vanished", ErrInternal, persist.RefRefs)
		default:
			return err
		}
	}
	return nil
}

// AssignReference moves current to newPointer if it is unchanged.
func (l *ReferenceLogic) AssignReference(ctx context.Context, current persist.Reference, newPointer object.ObjID) (ref persist.Reference, err error) {
	defer func() { referenceOps.WithLabelValues("assign", resultLabel(err)).Inc() }()
	if err := rejectInternal(current.Name); err != nil {
		return persist.Reference{}, err
	}
	return l.p.UpdateReferencePointer(ctx, current, newPointer)
}

// maybeRecover reconciles a fetched row with the audit index and returns
// the live reference, or nil when the reference is gone. Every path
// tolerates a concurrent recovery of the same name.
func (l *ReferenceLogic) maybeRecover(ctx context.Context, name string, ref *persist.Reference, idx *refsIndex) (*persist.Reference, error) {
	if ref != nil && !ref.Deleted {
		return ref, nil
	}
	op, ok, err := idx.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	if ref == nil {
		if !ok || !op.Exists() {
			return nil, nil
		}
		refObj, err := l.fetchRefObj(ctx, op)
		if err != nil {
			return nil, err
		}
		created, err := l.p.AddReference(ctx, persist.Reference{Name: name, Pointer: refObj.InitialPointer})
		if err != nil {
			var exists *persist.RefAlreadyExistsError
			if !errors.As(err, &exists) {
				return nil, fmt.Errorf("recover reference %q: %w", name, err)
			}
			return &exists.Existing, nil
		}
		referenceRecoveries.WithLabelValues("resume_create").Inc()
		l.logger.Info("resumed interrupted reference creation", "ref", name, "pointer", created.Pointer)
		return &created, nil
	}

	// A missing entry is a REMOVE that later audit commits compacted away.
	kind := "purge"
	if ok && op.Exists() {
		kind = "resume_delete"
		if err := l.commitDeleteReference(ctx, *ref); err != nil {
			return nil, err
		}
	}
	if err := l.p.PurgeReference(ctx, *ref); err != nil {
		var cf *persist.RefConditionFailedError
		switch {
		case errors.Is(err, persist.ErrNotFound):
			// Purged concurrently.
		case errors.As(err, &cf):
			// The name was purged and created again meanwhile.
			if !cf.Actual.Deleted {
				return &cf.Actual, nil
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("recover reference %q: %w", name, err)
		}
	}
	referenceRecoveries.WithLabelValues(kind).Inc()
	l.logger.Info("finished interrupted reference deletion", "ref", name, "pointer", ref.Pointer, "kind", kind)
	return nil, nil
}

func (l *ReferenceLogic) fetchRefRefs(ctx context.Context) (*persist.Reference, error) {
	ref, err := l.p.FetchReference(ctx, persist.RefRefs)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", persist.RefRefs, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s missing", ErrNotInitialized, persist.RefRefs)
	}
	return ref, nil
}

func (l *ReferenceLogic) fetchRefObj(ctx context.Context, op index.CommitOp) (*object.RefObj, error) {
	if op.Value == nil {
		return nil, fmt.Errorf("%w: audit entry has no value", ErrInternal)
	}
	obj, err := l.p.FetchTypedObj(ctx, *op.Value, object.TypeRef)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch reference creation record: %v", ErrInternal, err)
	}
	return obj.(*object.RefObj), nil
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

func auditHeaders(operation, name string, head object.ObjID, millis int64, timestamp string) object.Headers {
	h := object.NewHeaders()
	h.Add("operation", operation)
	h.Add("name", name)
	h.Add("head", head.String())
	h.Add("timestamp", timestamp)
	h.Add("timestamp.millis", strconv.FormatInt(millis, 10))
	return h
}
