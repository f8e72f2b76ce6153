package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/odvcencio/strata/pkg/object"
)

// Segment is a sorted, in-memory key table. The incremental index of a
// commit and every stripe of a reference index are segments.
type Segment struct {
	elems []Element
}

// NewSegment returns an empty segment.
func NewSegment() *Segment { return &Segment{} }

func (s *Segment) search(key StoreKey) (int, bool) {
	i := sort.Search(len(s.elems), func(i int) bool { return s.elems[i].Key >= key })
	return i, i < len(s.elems) && s.elems[i].Key == key
}

// Put inserts or replaces the op for key.
func (s *Segment) Put(key StoreKey, op CommitOp) {
	i, found := s.search(key)
	if found {
		s.elems[i].Op = op
		return
	}
	s.elems = append(s.elems, Element{})
	copy(s.elems[i+1:], s.elems[i:])
	s.elems[i] = Element{Key: key, Op: op}
}

// Delete drops key from s.
func (s *Segment) Delete(key StoreKey) {
	if i, found := s.search(key); found {
		s.elems = append(s.elems[:i], s.elems[i+1:]...)
	}
}

// Lookup returns the op recorded for key.
func (s *Segment) Lookup(key StoreKey) (CommitOp, bool) {
	i, found := s.search(key)
	if !found {
		return CommitOp{}, false
	}
	return s.elems[i].Op, true
}

func (s *Segment) Len() int { return len(s.elems) }

// Elements returns the entries in key order. The slice must not be
// modified.
func (s *Segment) Elements() []Element { return s.elems }

func (s *Segment) First() StoreKey {
	if len(s.elems) == 0 {
		return ""
	}
	return s.elems[0].Key
}

func (s *Segment) Last() StoreKey {
	if len(s.elems) == 0 {
		return ""
	}
	return s.elems[len(s.elems)-1].Key
}

// ForUpdate returns a copy of s as carried into a child commit's
// incremental index: ops become their carried form and unchanged markers
// are dropped. Carried removes are dropped too unless keepRemoves is set,
// which a commit that layers over a reference index needs to mask entries.
func (s *Segment) ForUpdate(keepRemoves bool) *Segment {
	out := &Segment{elems: make([]Element, 0, len(s.elems))}
	for _, e := range s.elems {
		op := e.Op.Carried()
		switch op.Action {
		case ActionNone:
			continue
		case ActionIncrementalRemove:
			if !keepRemoves {
				continue
			}
		}
		out.elems = append(out.elems, Element{Key: e.Key, Op: op})
	}
	return out
}

func (s *Segment) Get(_ context.Context, key StoreKey) (CommitOp, bool, error) {
	op, ok := s.Lookup(key)
	return op, ok, nil
}

func (s *Segment) Iterator(_ context.Context, begin StoreKey, prefix string) Iterator {
	start := begin
	if StoreKey(prefix) > start {
		start = StoreKey(prefix)
	}
	i, _ := s.search(start)
	return &segmentIterator{elems: s.elems, pos: i - 1, prefix: prefix}
}

type segmentIterator struct {
	elems  []Element
	pos    int
	prefix string
}

func (it *segmentIterator) Next() bool {
	it.pos++
	if it.pos >= len(it.elems) {
		return false
	}
	if !it.elems[it.pos].Key.StartsWith(it.prefix) {
		it.pos = len(it.elems)
		return false
	}
	return true
}

func (it *segmentIterator) Element() Element { return it.elems[it.pos] }
func (it *segmentIterator) Err() error       { return nil }

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type elementWire struct {
	_         struct{} `cbor:",toarray"`
	Key       string
	Action    uint8
	Payload   uint8
	Value     []byte
	ContentID string
}

func elementToWire(e Element) elementWire {
	w := elementWire{Key: string(e.Key), Action: uint8(e.Op.Action), Payload: e.Op.Payload, ContentID: e.Op.ContentID}
	if e.Op.Value != nil {
		w.Value = e.Op.Value.Bytes()
	}
	return w
}

// Encode serializes s deterministically.
func (s *Segment) Encode() ([]byte, error) {
	ws := make([]elementWire, len(s.elems))
	for i, e := range s.elems {
		ws[i] = elementToWire(e)
	}
	data, err := object.MarshalCBOR(ws)
	if err != nil {
		return nil, fmt.Errorf("encode index segment: %w", err)
	}
	return data, nil
}

// DecodeSegment is the inverse of Segment.Encode. Empty input yields an
// empty segment.
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) == 0 {
		return NewSegment(), nil
	}
	var ws []elementWire
	if err := object.UnmarshalCBOR(data, &ws); err != nil {
		return nil, fmt.Errorf("decode index segment: %w", err)
	}
	s := &Segment{elems: make([]Element, len(ws))}
	for i, w := range ws {
		e := Element{
			Key: StoreKey(w.Key),
			Op:  CommitOp{Action: Action(w.Action), Payload: w.Payload, ContentID: w.ContentID},
		}
		if w.Value != nil {
			id, err := object.ObjIDFromBytes(w.Value)
			if err != nil {
				return nil, fmt.Errorf("decode index segment: key %q: %w", w.Key, err)
			}
			e.Op.Value = &id
		}
		if i > 0 && s.elems[i-1].Key >= e.Key {
			return nil, fmt.Errorf("decode index segment: keys out of order at %q", w.Key)
		}
		s.elems[i] = e
	}
	return s, nil
}

// cborArrayHeaderMax is the largest CBOR array header.
const cborArrayHeaderMax = 9

// Split partitions s into consecutive segments whose encodings each fit
// into maxBytes. A non-positive maxBytes returns s unsplit.
func (s *Segment) Split(maxBytes int) ([]*Segment, error) {
	if maxBytes <= 0 || s.Len() == 0 {
		return []*Segment{s}, nil
	}
	var (
		out  []*Segment
		cur  = &Segment{}
		size = cborArrayHeaderMax
	)
	for _, e := range s.elems {
		enc, err := object.MarshalCBOR(elementToWire(e))
		if err != nil {
			return nil, fmt.Errorf("split index segment: %w", err)
		}
		if cborArrayHeaderMax+len(enc) > maxBytes {
			return nil, &object.ObjTooLargeError{Size: cborArrayHeaderMax + len(enc), Limit: maxBytes}
		}
		if size+len(enc) > maxBytes && cur.Len() > 0 {
			out = append(out, cur)
			cur = &Segment{}
			size = cborArrayHeaderMax
		}
		cur.elems = append(cur.elems, e)
		size += len(enc)
	}
	out = append(out, cur)
	return out, nil
}
