package logic

import (
	"context"
	"fmt"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// IndexesLogic resolves the key index visible at a commit.
type IndexesLogic struct {
	p persist.Persist
}

func NewIndexesLogic(p persist.Persist) *IndexesLogic {
	return &IndexesLogic{p: p}
}

// IncrementalIndex decodes the index embedded in c.
func (l *IndexesLogic) IncrementalIndex(c *object.CommitObj) (*index.Segment, error) {
	seg, err := index.DecodeSegment(c.IncrementalIndex)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c.ID(), err)
	}
	return seg, nil
}

func hasReferenceIndex(c *object.CommitObj) bool {
	return c.ReferenceIndex != nil || len(c.ReferenceIndexStripes) > 0
}

func (l *IndexesLogic) loadSegment(ctx context.Context, id object.ObjID) (*index.Segment, error) {
	obj, err := l.p.FetchTypedObj(ctx, id, object.TypeIndex)
	if err != nil {
		return nil, err
	}
	return index.DecodeSegment(obj.(*object.IndexObj).Index)
}

// ReferenceIndex returns the spilled part of c's index, or index.Empty.
func (l *IndexesLogic) ReferenceIndex(ctx context.Context, c *object.CommitObj) (index.Reader, error) {
	if len(c.ReferenceIndexStripes) > 0 {
		return index.Striped(c.ReferenceIndexStripes, l.loadSegment), nil
	}
	if c.ReferenceIndex == nil {
		return index.Empty, nil
	}
	obj, err := l.p.FetchObj(ctx, *c.ReferenceIndex)
	if err != nil {
		return nil, fmt.Errorf("fetch reference index of %s: %w", c.ID(), err)
	}
	switch o := obj.(type) {
	case *object.IndexSegmentsObj:
		return index.Striped(o.Stripes, l.loadSegment), nil
	case *object.IndexObj:
		return index.DecodeSegment(o.Index)
	default:
		return nil, fmt.Errorf("%w: reference index %s of commit %s is a %s", ErrInternal, o.ID(), c.ID(), o.Type())
	}
}

// CommitIndex returns the full key view at c. A nil commit has an empty
// view.
func (l *IndexesLogic) CommitIndex(ctx context.Context, c *object.CommitObj) (index.Reader, error) {
	if c == nil {
		return index.Empty, nil
	}
	if c.IncompleteIndex {
		return l.completeIndex(ctx, c)
	}
	embedded, err := l.IncrementalIndex(c)
	if err != nil {
		return nil, err
	}
	if !hasReferenceIndex(c) {
		return embedded, nil
	}
	ref, err := l.ReferenceIndex(ctx, c)
	if err != nil {
		return nil, err
	}
	return index.Layered(ref, embedded), nil
}

// completeIndex builds the view of an imported commit by walking back to
// the nearest ancestor with a complete index and replaying the ops of every
// commit in between, oldest first.
func (l *IndexesLogic) completeIndex(ctx context.Context, c *object.CommitObj) (*index.Segment, error) {
	chain := []*object.CommitObj{c}
	cur := c
	for cur.IncompleteIndex {
		parent := cur.DirectParent()
		if parent.IsZero() {
			break
		}
		obj, err := l.p.FetchTypedObj(ctx, parent, object.TypeCommit)
		if err != nil {
			return nil, fmt.Errorf("complete index of %s: %w", c.ID(), err)
		}
		cur = obj.(*object.CommitObj)
		chain = append(chain, cur)
	}

	view := index.NewSegment()
	if !cur.IncompleteIndex {
		base, err := l.CommitIndex(ctx, cur)
		if err != nil {
			return nil, err
		}
		if view, err = index.Materialize(ctx, base); err != nil {
			return nil, err
		}
		chain = chain[:len(chain)-1]
	}
	for i := len(chain) - 1; i >= 0; i-- {
		seg, err := l.IncrementalIndex(chain[i])
		if err != nil {
			return nil, err
		}
		for _, e := range seg.Elements() {
			switch e.Op.Action {
			case index.ActionAdd:
				view.Put(e.Key, e.Op.Carried())
			case index.ActionRemove:
				view.Delete(e.Key)
			}
		}
	}
	return view, nil
}

// IncrementalIndexForUpdate returns the index a child of c starts from:
// c's embedded index in carried form. A child of an imported commit starts
// from the full view instead.
func (l *IndexesLogic) IncrementalIndexForUpdate(ctx context.Context, c *object.CommitObj) (*index.Segment, error) {
	if c == nil {
		return index.NewSegment(), nil
	}
	if c.IncompleteIndex {
		return l.completeIndex(ctx, c)
	}
	seg, err := l.IncrementalIndex(c)
	if err != nil {
		return nil, err
	}
	return seg.ForUpdate(hasReferenceIndex(c)), nil
}
