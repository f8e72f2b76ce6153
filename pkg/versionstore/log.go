package versionstore

import (
	"context"
	"fmt"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Log iterates first-parent history from start, newest first.
func (s *Store) Log(ctx context.Context, start object.ObjID) *logic.CommitIterator {
	return s.commits.CommitLog(ctx, start)
}

// HashOnReference returns the head of ref when hash is nil, otherwise hash
// after checking that it is reachable from the head.
func (s *Store) HashOnReference(ctx context.Context, ref NamedRef, hash *object.ObjID) (object.ObjID, error) {
	if hash == nil {
		return ref.Hash, nil
	}
	ok, err := s.bases.isAncestor(ctx, *hash, ref.Hash)
	if err != nil {
		return object.EmptyObjID, err
	}
	if !ok {
		return object.EmptyObjID, fmt.Errorf("commit %s on %s: %w", hash.Short(), ref.Name, persist.ErrNotFound)
	}
	return *hash, nil
}

// ChangeType classifies a key difference between two commits.
type ChangeType int

const (
	Added    ChangeType = iota // Key exists only at the later commit.
	Removed                    // Key exists only at the earlier commit.
	Modified                   // Key exists at both with different values.
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "modified"
	}
}

// DiffEntry is one differing key. From is nil for Added, To for Removed.
type DiffEntry struct {
	Type ChangeType
	Key  index.StoreKey
	From *index.CommitOp
	To   *index.CommitOp
}

// sameState reports whether two visible ops describe the same content. A
// nil op is an absent key.
func sameState(a, b *index.CommitOp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Payload == b.Payload && a.ContentID == b.ContentID && index.SameValue(a.Value, b.Value)
}

func visible(op index.CommitOp, ok bool) *index.CommitOp {
	if !ok || !op.Exists() {
		return nil
	}
	return &op
}

// diffViews walks both views in key order and returns the keys whose
// visible state differs.
func diffViews(ctx context.Context, from, to index.Reader, ns index.StoreKey) ([]DiffEntry, error) {
	left := newVisibleIterator(from.Iterator(ctx, ns, string(ns)), ns)
	right := newVisibleIterator(to.Iterator(ctx, ns, string(ns)), ns)
	var out []DiffEntry
	for left.valid || right.valid {
		switch {
		case !right.valid || (left.valid && left.cur.Key < right.cur.Key):
			op := left.cur.Op
			out = append(out, DiffEntry{Type: Removed, Key: left.cur.Key, From: &op})
			left.advance()
		case !left.valid || right.cur.Key < left.cur.Key:
			op := right.cur.Op
			out = append(out, DiffEntry{Type: Added, Key: right.cur.Key, To: &op})
			right.advance()
		default:
			a, b := left.cur.Op, right.cur.Op
			if !sameState(&a, &b) {
				out = append(out, DiffEntry{Type: Modified, Key: left.cur.Key, From: &a, To: &b})
			}
			left.advance()
			right.advance()
		}
	}
	if err := left.it.Err(); err != nil {
		return nil, err
	}
	if err := right.it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// visibleIterator skips removes and keys outside ns.
type visibleIterator struct {
	it    index.Iterator
	ns    index.StoreKey
	cur   index.Element
	valid bool
}

func newVisibleIterator(it index.Iterator, ns index.StoreKey) *visibleIterator {
	v := &visibleIterator{it: it, ns: ns}
	v.advance()
	return v
}

func (v *visibleIterator) advance() {
	for v.it.Next() {
		e := v.it.Element()
		if e.Op.Exists() && e.Key.IsInNamespace(v.ns) {
			v.cur, v.valid = e, true
			return
		}
	}
	v.valid = false
}

// Diff returns the key differences from commit from to commit to, below
// namespace ns when it is not empty.
func (s *Store) Diff(ctx context.Context, from, to object.ObjID, ns index.StoreKey) ([]DiffEntry, error) {
	fromView, err := s.commitView(ctx, from)
	if err != nil {
		return nil, err
	}
	toView, err := s.commitView(ctx, to)
	if err != nil {
		return nil, err
	}
	return diffViews(ctx, fromView, toView, ns)
}
