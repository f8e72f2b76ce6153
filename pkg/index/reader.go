package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odvcencio/strata/pkg/object"
)

// Reader is a sorted StoreKey to CommitOp mapping. Lookups and iteration may
// perform backend I/O.
type Reader interface {
	Get(ctx context.Context, key StoreKey) (CommitOp, bool, error)
	// Iterator yields elements in key order starting at begin (inclusive)
	// and stops at the first key that does not start with prefix.
	Iterator(ctx context.Context, begin StoreKey, prefix string) Iterator
}

// Iterator is a pull-based sequence of elements.
//
//	it := r.Iterator(ctx, "", "")
//	for it.Next() {
//		e := it.Element()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next() bool
	Element() Element
	Err() error
}

// Empty is a Reader with no entries.
var Empty Reader = NewSegment()

// ---------------------------------------------------------------------------
// Layered
// ---------------------------------------------------------------------------

type layered struct {
	reference Reader
	embedded  Reader
}

// Layered overlays embedded on reference. An entry in embedded, including a
// remove, hides the reference entry for the same key.
func Layered(reference, embedded Reader) Reader {
	return &layered{reference: reference, embedded: embedded}
}

func (l *layered) Get(ctx context.Context, key StoreKey) (CommitOp, bool, error) {
	op, ok, err := l.embedded.Get(ctx, key)
	if err != nil || ok {
		return op, ok, err
	}
	return l.reference.Get(ctx, key)
}

func (l *layered) Iterator(ctx context.Context, begin StoreKey, prefix string) Iterator {
	return &mergeIterator{
		top:    newPeek(l.embedded.Iterator(ctx, begin, prefix)),
		bottom: newPeek(l.reference.Iterator(ctx, begin, prefix)),
	}
}

type peekIterator struct {
	it    Iterator
	cur   Element
	valid bool
}

func newPeek(it Iterator) *peekIterator {
	p := &peekIterator{it: it}
	p.advance()
	return p
}

func (p *peekIterator) advance() {
	p.valid = p.it.Next()
	if p.valid {
		p.cur = p.it.Element()
	}
}

type mergeIterator struct {
	top, bottom *peekIterator
	cur         Element
	err         error
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if err := m.top.it.Err(); err != nil {
		m.err = err
		return false
	}
	if err := m.bottom.it.Err(); err != nil {
		m.err = err
		return false
	}
	switch {
	case !m.top.valid && !m.bottom.valid:
		return false
	case !m.bottom.valid || (m.top.valid && m.top.cur.Key < m.bottom.cur.Key):
		m.cur = m.top.cur
		m.top.advance()
	case !m.top.valid || m.bottom.cur.Key < m.top.cur.Key:
		m.cur = m.bottom.cur
		m.bottom.advance()
	default:
		m.cur = m.top.cur
		m.top.advance()
		m.bottom.advance()
	}
	return true
}

func (m *mergeIterator) Element() Element { return m.cur }
func (m *mergeIterator) Err() error       { return m.err }

// ---------------------------------------------------------------------------
// Striped
// ---------------------------------------------------------------------------

// SegmentLoader fetches and decodes the segment stored under id.
type SegmentLoader func(ctx context.Context, id object.ObjID) (*Segment, error)

type striped struct {
	stripes []object.IndexStripe
	load    SegmentLoader

	mu     sync.Mutex
	loaded map[object.ObjID]*Segment
}

// Striped serves a reference index partitioned into stripes, loading each
// stripe's segment on first use.
func Striped(stripes []object.IndexStripe, load SegmentLoader) Reader {
	return &striped{stripes: stripes, load: load, loaded: make(map[object.ObjID]*Segment)}
}

func (s *striped) segment(ctx context.Context, i int) (*Segment, error) {
	id := s.stripes[i].SegmentID
	s.mu.Lock()
	seg, ok := s.loaded[id]
	s.mu.Unlock()
	if ok {
		return seg, nil
	}
	seg, err := s.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load index stripe %s: %w", id, err)
	}
	s.mu.Lock()
	s.loaded[id] = seg
	s.mu.Unlock()
	return seg, nil
}

// stripeFor returns the first stripe whose last key is >= key.
func (s *striped) stripeFor(key StoreKey) int {
	return sort.Search(len(s.stripes), func(i int) bool {
		return s.stripes[i].LastKey >= string(key)
	})
}

func (s *striped) Get(ctx context.Context, key StoreKey) (CommitOp, bool, error) {
	i := s.stripeFor(key)
	if i == len(s.stripes) || string(key) < s.stripes[i].FirstKey {
		return CommitOp{}, false, nil
	}
	seg, err := s.segment(ctx, i)
	if err != nil {
		return CommitOp{}, false, err
	}
	op, ok := seg.Lookup(key)
	return op, ok, nil
}

func (s *striped) Iterator(ctx context.Context, begin StoreKey, prefix string) Iterator {
	start := begin
	if StoreKey(prefix) > start {
		start = StoreKey(prefix)
	}
	return &stripedIterator{ctx: ctx, s: s, stripe: s.stripeFor(start) - 1, begin: start, prefix: prefix}
}

type stripedIterator struct {
	ctx    context.Context
	s      *striped
	stripe int
	begin  StoreKey
	prefix string
	cur    Iterator
	err    error
	done   bool
}

func (it *stripedIterator) Next() bool {
	for !it.done && it.err == nil {
		if it.cur != nil && it.cur.Next() {
			return true
		}
		if it.cur != nil {
			// A stripe iterator ends either at its last element or at the
			// first key outside the prefix; only the former continues.
			last := it.s.stripes[it.stripe].LastKey
			if !StoreKey(last).StartsWith(it.prefix) {
				it.done = true
				return false
			}
		}
		it.stripe++
		if it.stripe >= len(it.s.stripes) {
			it.done = true
			return false
		}
		if first := StoreKey(it.s.stripes[it.stripe].FirstKey); !first.StartsWith(it.prefix) && first > StoreKey(it.prefix) {
			it.done = true
			return false
		}
		seg, err := it.s.segment(it.ctx, it.stripe)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = seg.Iterator(it.ctx, it.begin, it.prefix)
	}
	return false
}

func (it *stripedIterator) Element() Element { return it.cur.Element() }
func (it *stripedIterator) Err() error       { return it.err }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Collect drains it, keeping elements for which keep returns true. A nil
// keep keeps everything.
func Collect(it Iterator, keep func(Element) bool) ([]Element, error) {
	var out []Element
	for it.Next() {
		e := it.Element()
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out, it.Err()
}

// Materialize copies the visible entries of r into a new segment, with each
// op in its carried form.
func Materialize(ctx context.Context, r Reader) (*Segment, error) {
	seg := NewSegment()
	it := r.Iterator(ctx, "", "")
	for it.Next() {
		e := it.Element()
		if e.Op.Exists() {
			seg.elems = append(seg.elems, Element{Key: e.Key, Op: e.Op.Carried()})
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return seg, nil
}
