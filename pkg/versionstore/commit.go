package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/strata/pkg/content"
	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Operation is one change of a commit: Put, Delete or Unchanged.
type Operation interface {
	StoreKey() index.StoreKey
	isOperation()
}

// Put stores Data as the value of Key. A new key gets ContentID, or a fresh
// random id when ContentID is empty; an existing key keeps its id.
type Put struct {
	Key       index.StoreKey
	Type      content.Type
	Data      []byte
	ContentID string
	// ExpectedValue, when set, makes the put conditional on the key's
	// current value.
	ExpectedValue *object.ObjID
}

// Delete removes Key, which must exist.
type Delete struct {
	Key index.StoreKey
}

// Unchanged fails the commit when Key is absent at the branch head. It
// guards keys the commit's puts were derived from.
type Unchanged struct {
	Key index.StoreKey
}

func (p Put) StoreKey() index.StoreKey       { return p.Key }
func (d Delete) StoreKey() index.StoreKey    { return d.Key }
func (u Unchanged) StoreKey() index.StoreKey { return u.Key }
func (Put) isOperation()                     {}
func (Delete) isOperation()                  {}
func (Unchanged) isOperation()               {}

// CommitMeta is the descriptive part of a commit.
type CommitMeta struct {
	Message string
	Author  string
	Headers object.Headers
}

const headerAuthor = "author"

func (m CommitMeta) headers() object.Headers {
	h := m.Headers.Clone()
	if m.Author != "" {
		h = h.With(headerAuthor, m.Author)
	}
	return h
}

// CommitResult is a successful commit.
type CommitResult struct {
	Hash   object.ObjID
	Commit *object.CommitObj
	// Added maps each put key to its content id.
	Added map[index.StoreKey]string
}

func commitKeys(ops []Operation) []index.StoreKey {
	keys := make([]index.StoreKey, len(ops))
	for i, op := range ops {
		keys[i] = op.StoreKey()
	}
	return keys
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// branchHead fetches branch and checks it against expected.
func (s *Store) branchHead(ctx context.Context, branch string, expected *object.ObjID) (persist.Reference, error) {
	full := logic.BranchRef(branch)
	ref, err := s.refs.GetReference(ctx, full)
	if err != nil {
		return persist.Reference{}, err
	}
	if ref == nil {
		return persist.Reference{}, &persist.RefNotFoundError{Name: full}
	}
	if expected != nil && *expected != ref.Pointer {
		return persist.Reference{}, &persist.RefConditionFailedError{Actual: *ref}
	}
	return *ref, nil
}

// advance moves ref to commit. Losing the race to another writer asks
// the retry loop for another attempt.
func (s *Store) advance(ctx context.Context, ref persist.Reference, commit object.ObjID) error {
	if _, err := s.refs.AssignReference(ctx, ref, commit); err != nil {
		if errors.Is(err, persist.ErrConditionFailed) {
			return fmt.Errorf("advance %s: %w", ref.Name, logic.ErrRetry)
		}
		return fmt.Errorf("advance %s: %w", ref.Name, err)
	}
	return nil
}

// Commit applies ops on top of branch. When expected is set the branch
// must point at it. Concurrent commits to the branch are rebased onto the
// new head and re-checked.
func (s *Store) Commit(ctx context.Context, branch string, expected *object.ObjID, meta CommitMeta, ops ...Operation) (*CommitResult, error) {
	return s.commitOps(ctx, "versionstore.Commit", branch, expected, meta, ops, s.commits.DoCommit)
}

// Import writes ops on top of branch as one bulk-load commit. The commit
// records only its own changes and marks its index incomplete; readers
// complete it from the parent chain. Puts and deletes are not checked
// against the head, deletes of absent keys and Unchanged ops are dropped.
func (s *Store) Import(ctx context.Context, branch string, expected *object.ObjID, meta CommitMeta, ops ...Operation) (*CommitResult, error) {
	return s.commitOps(ctx, "versionstore.Import", branch, expected, meta, ops,
		func(ctx context.Context, create logic.CreateCommit, values []object.Obj) (*object.CommitObj, error) {
			create.Unchanged = nil
			removes := create.Removes[:0]
			for _, r := range create.Removes {
				if !r.ExpectedValue.IsZero() {
					removes = append(removes, r)
				}
			}
			create.Removes = removes
			for i := range create.Adds {
				create.Adds[i].ExpectedValue = nil
			}
			return s.commits.ImportCommit(ctx, create, values)
		})
}

type writeCommit func(ctx context.Context, create logic.CreateCommit, values []object.Obj) (*object.CommitObj, error)

func (s *Store) commitOps(ctx context.Context, spanName, branch string, expected *object.ObjID, meta CommitMeta, ops []Operation, write writeCommit) (res *CommitResult, err error) {
	ctx, span := s.startSpan(ctx, spanName,
		attribute.String("branch", branch), attribute.Int("operations", len(ops)))
	defer func() { endSpan(span, err) }()

	if err := s.check(ctx, AccessCommit, logic.BranchRef(branch), commitKeys(ops)); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if put, ok := op.(Put); ok {
			if _, err := s.types.ForPayload(put.Type.Payload); err != nil {
				return nil, fmt.Errorf("%w: key %s: %w", logic.ErrInvalidArgument, put.Key, err)
			}
		}
	}

	return logic.CommitRetry(ctx, s.p, func(ctx context.Context, attempt int) (*CommitResult, error) {
		ref, err := s.branchHead(ctx, branch, expected)
		if err != nil {
			return nil, err
		}
		head, err := s.commits.FetchCommit(ctx, ref.Pointer)
		if err != nil {
			return nil, err
		}
		view, err := s.indexes.CommitIndex(ctx, head)
		if err != nil {
			return nil, err
		}
		create, values, added, err := s.buildOps(ctx, view, ops)
		if err != nil {
			return nil, err
		}
		create.ParentCommitID = ref.Pointer
		create.Message = meta.Message
		create.Headers = meta.headers()

		commit, err := write(ctx, create, values)
		if err != nil {
			return nil, err
		}
		if err := s.advance(ctx, ref, commit.ID()); err != nil {
			return nil, err
		}
		s.logger.Debug("commit", "branch", branch, "hash", commit.ID().Short(), "incomplete_index", commit.IncompleteIndex, "attempt", attempt)
		span.SetAttributes(attribute.String("hash", commit.ID().String()))
		return &CommitResult{Hash: commit.ID(), Commit: commit, Added: added}, nil
	})
}

// buildOps turns ops into logic operations against the head view.
func (s *Store) buildOps(ctx context.Context, view index.Reader, ops []Operation) (logic.CreateCommit, []object.Obj, map[index.StoreKey]string, error) {
	var (
		create logic.CreateCommit
		values []object.Obj
		added  = make(map[index.StoreKey]string)
	)
	current := func(key index.StoreKey) (index.CommitOp, bool, error) {
		op, ok, err := view.Get(ctx, key)
		if err != nil || !ok || !op.Exists() {
			return index.CommitOp{}, false, err
		}
		return op, true, nil
	}
	for _, op := range ops {
		existing, exists, err := current(op.StoreKey())
		if err != nil {
			return create, nil, nil, err
		}
		switch o := op.(type) {
		case Put:
			contentID := o.ContentID
			switch {
			case exists && contentID != "" && contentID != existing.ContentID:
				return create, nil, nil, fmt.Errorf("%w: key %s already holds content %s", logic.ErrInvalidArgument, o.Key, existing.ContentID)
			case exists:
				contentID = existing.ContentID
			case contentID == "":
				contentID = uuid.NewString()
			}
			value := &object.ContentValueObj{ContentID: contentID, Payload: o.Type.Payload, Data: o.Data}
			if err := object.Seal(value); err != nil {
				return create, nil, nil, err
			}
			add := logic.Add{Key: o.Key, Payload: o.Type.Payload, Value: value.ID(), ContentID: contentID, ExpectedValue: o.ExpectedValue}
			if add.ExpectedValue == nil && exists {
				v := *existing.Value
				add.ExpectedValue = &v
			}
			create.Adds = append(create.Adds, add)
			values = append(values, value)
			added[o.Key] = contentID
		case Delete:
			rm := logic.Remove{Key: o.Key}
			if exists {
				rm.Payload, rm.ContentID, rm.ExpectedValue = existing.Payload, existing.ContentID, *existing.Value
			}
			create.Removes = append(create.Removes, rm)
		case Unchanged:
			u := logic.Unchanged{Key: o.Key}
			if exists {
				u.Payload, u.ContentID, u.ExpectedValue = existing.Payload, existing.ContentID, *existing.Value
			}
			create.Unchanged = append(create.Unchanged, u)
		default:
			return create, nil, nil, fmt.Errorf("%w: unsupported operation %T", logic.ErrInvalidArgument, op)
		}
	}
	return create, values, added, nil
}

// KeyNotFoundError reports a key absent at a commit.
type KeyNotFoundError struct {
	Key    index.StoreKey
	Commit object.ObjID
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found at %s", e.Key, e.Commit.Short())
}

func (e *KeyNotFoundError) Is(target error) bool { return target == persist.ErrNotFound }

// Value is a content value resolved at a commit.
type Value struct {
	Key       index.StoreKey
	Type      content.Type
	ContentID string
	ValueID   object.ObjID
	Data      []byte
}

func (s *Store) commitView(ctx context.Context, commit object.ObjID) (index.Reader, error) {
	c, err := s.commits.FetchCommit(ctx, commit)
	if err != nil {
		return nil, err
	}
	return s.indexes.CommitIndex(ctx, c)
}

func (s *Store) contentType(payload byte) content.Type {
	t, err := s.types.ForPayload(payload)
	if err != nil {
		return content.Type{Payload: payload}
	}
	return t
}

// GetValue returns the value of key at commit.
func (s *Store) GetValue(ctx context.Context, commit object.ObjID, key index.StoreKey) (*Value, error) {
	values, err := s.GetValues(ctx, commit, []index.StoreKey{key})
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, &KeyNotFoundError{Key: key, Commit: commit}
	}
	return v, nil
}

// GetValues returns the values of keys at commit. Absent keys are omitted.
func (s *Store) GetValues(ctx context.Context, commit object.ObjID, keys []index.StoreKey) (map[index.StoreKey]*Value, error) {
	view, err := s.commitView(ctx, commit)
	if err != nil {
		return nil, err
	}
	var (
		found []index.Element
		ids   []object.ObjID
	)
	for _, k := range keys {
		op, ok, err := view.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok && op.Exists() && op.Value != nil {
			found = append(found, index.Element{Key: k, Op: op})
			ids = append(ids, *op.Value)
		}
	}
	out := make(map[index.StoreKey]*Value, len(found))
	if len(ids) == 0 {
		return out, nil
	}
	objs, err := s.p.FetchObjs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, e := range found {
		if objs[i] == nil {
			return nil, fmt.Errorf("%w: value %s of key %s is missing", logic.ErrInternal, ids[i].Short(), e.Key)
		}
		obj, err := persist.CheckType(ids[i], objs[i], object.TypeValue)
		if err != nil {
			return nil, err
		}
		cv := obj.(*object.ContentValueObj)
		out[e.Key] = &Value{
			Key:       e.Key,
			Type:      s.contentType(cv.Payload),
			ContentID: cv.ContentID,
			ValueID:   ids[i],
			Data:      cv.Data,
		}
	}
	return out, nil
}

// KeyListEntry is one visible key of a commit.
type KeyListEntry struct {
	Key       index.StoreKey
	Type      content.Type
	ContentID string
	Value     object.ObjID
	// Commit is the commit that introduced the key's current value. It is
	// only set when KeysQuery.ResolveCommits is true.
	Commit object.ObjID
}

// KeysQuery scopes GetKeys.
type KeysQuery struct {
	// Namespace limits the listing to keys at or below it.
	Namespace index.StoreKey
	// PagingToken resumes after the key it was taken at.
	PagingToken logic.PagingToken
	// ResolveCommits fills KeyListEntry.Commit. The first entries that need
	// it walk the first-parent history once.
	ResolveCommits bool
}

// KeyIterator yields KeyListEntry values in key order.
type KeyIterator struct {
	ctx    context.Context
	s      *Store
	owners *ownerWalker
	it     index.Iterator
	ns     index.StoreKey
	after  index.StoreKey
	skip   bool
	cur    KeyListEntry
	err    error
}

// GetKeys lists the keys visible at commit.
func (s *Store) GetKeys(ctx context.Context, commit object.ObjID, q KeysQuery) (*KeyIterator, error) {
	view, err := s.commitView(ctx, commit)
	if err != nil {
		return nil, err
	}
	ki := &KeyIterator{ctx: ctx, s: s, ns: q.Namespace}
	if q.ResolveCommits {
		ki.owners = &ownerWalker{s: s, next: commit, owners: make(map[index.StoreKey]object.ObjID)}
	}
	begin := q.Namespace
	if q.PagingToken != nil {
		ki.after = q.PagingToken.Key()
		ki.skip = true
		if ki.after > begin {
			begin = ki.after
		}
	}
	ki.it = view.Iterator(ctx, begin, string(q.Namespace))
	return ki, nil
}

func (it *KeyIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.it.Next() {
		e := it.it.Element()
		if it.skip && e.Key <= it.after {
			continue
		}
		if !e.Op.Exists() || !e.Key.IsInNamespace(it.ns) {
			continue
		}
		it.cur = KeyListEntry{Key: e.Key, Type: it.s.contentType(e.Op.Payload), ContentID: e.Op.ContentID}
		if e.Op.Value != nil {
			it.cur.Value = *e.Op.Value
		}
		if it.owners != nil {
			owner, err := it.owners.owner(it.ctx, e.Key)
			if err != nil {
				it.err = err
				return false
			}
			it.cur.Commit = owner
		}
		return true
	}
	it.err = it.it.Err()
	return false
}

func (it *KeyIterator) Entry() KeyListEntry { return it.cur }
func (it *KeyIterator) Err() error          { return it.err }

// Token returns the token resuming after the current entry.
func (it *KeyIterator) Token() logic.PagingToken { return logic.TokenForKey(it.cur.Key) }

// ownerWalker finds the commit that last changed a key by walking first
// parents from the listed commit. The newest commit whose own ops touch a
// visible key is the one that added its current value. Commits already
// walked are remembered, so a listing reads each commit at most once.
type ownerWalker struct {
	s      *Store
	next   object.ObjID
	owners map[index.StoreKey]object.ObjID
}

func (w *ownerWalker) owner(ctx context.Context, key index.StoreKey) (object.ObjID, error) {
	for {
		if id, ok := w.owners[key]; ok {
			return id, nil
		}
		if w.next.IsZero() {
			return object.EmptyObjID, nil
		}
		c, err := w.s.commits.FetchCommit(ctx, w.next)
		if err != nil {
			return object.EmptyObjID, err
		}
		own, err := w.s.indexes.IncrementalIndex(c)
		if err != nil {
			return object.EmptyObjID, err
		}
		for _, e := range own.Elements() {
			if !e.Op.Action.CurrentCommit() {
				continue
			}
			if _, seen := w.owners[e.Key]; !seen {
				w.owners[e.Key] = c.ID()
			}
		}
		w.next = c.DirectParent()
	}
}
