package index

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
)

func valueID(b byte) *object.ObjID {
	var id object.ObjID
	id[0] = b
	return &id
}

func add(b byte) CommitOp {
	return CommitOp{Action: ActionAdd, Payload: 1, Value: valueID(b), ContentID: fmt.Sprintf("cid-%d", b)}
}

func keys(elems []Element) []string {
	var out []string
	for _, e := range elems {
		out = append(out, string(e.Key))
	}
	return out
}

func TestKeyValidation(t *testing.T) {
	if _, err := Key("a", "", "b"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Key with empty element error = %v, want ErrInvalidKey", err)
	}
	if _, err := Key("a/b"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Key with slash error = %v, want ErrInvalidKey", err)
	}
	k, err := ParseKey("ns/sub/table")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if got := k.Elements(); !reflect.DeepEqual(got, []string{"ns", "sub", "table"}) {
		t.Fatalf("Elements = %v", got)
	}
}

func TestKeyNamespaceVersusPrefix(t *testing.T) {
	k := MustKey("a", "bc")
	if !k.StartsWith("a/b") {
		t.Fatal("raw StartsWith(a/b) = false, want true")
	}
	if k.IsInNamespace(MustKey("a", "b")) {
		t.Fatal("IsInNamespace(a/b) = true, want false")
	}
	if !k.IsInNamespace(MustKey("a")) {
		t.Fatal("IsInNamespace(a) = false, want true")
	}
}

func TestSegmentPutKeepsOrder(t *testing.T) {
	s := NewSegment()
	for _, k := range []string{"m", "c", "x", "a", "c"} {
		s.Put(StoreKey(k), add(1))
	}
	if got := keys(s.Elements()); !reflect.DeepEqual(got, []string{"a", "c", "m", "x"}) {
		t.Fatalf("keys = %v", got)
	}
}

func TestSegmentEncodeRoundTrip(t *testing.T) {
	s := NewSegment()
	s.Put("a/x", add(1))
	s.Put("b", CommitOp{Action: ActionRemove, Payload: 2})
	s.Put("c", CommitOp{Action: ActionIncrementalAdd, Value: valueID(3)})
	data, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeSegment(data)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if !reflect.DeepEqual(got.Elements(), s.Elements()) {
		t.Fatalf("segment round-trip mismatch:\n got %+v\nwant %+v", got.Elements(), s.Elements())
	}
}

func TestSegmentForUpdate(t *testing.T) {
	s := NewSegment()
	s.Put("a", add(1))
	s.Put("b", CommitOp{Action: ActionRemove})
	s.Put("c", CommitOp{Action: ActionNone})

	carried := s.ForUpdate(false)
	if got := keys(carried.Elements()); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("ForUpdate(false) keys = %v, want [a]", got)
	}
	if op, _ := carried.Lookup("a"); op.Action != ActionIncrementalAdd {
		t.Fatalf("carried action = %v, want INCREMENTAL_ADD", op.Action)
	}

	masked := s.ForUpdate(true)
	if got := keys(masked.Elements()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("ForUpdate(true) keys = %v, want [a b]", got)
	}
}

func TestSegmentIteratorPrefix(t *testing.T) {
	s := NewSegment()
	for _, k := range []string{"a", "ns/a", "ns/b", "nt", "z"} {
		s.Put(StoreKey(k), add(1))
	}
	got, err := Collect(s.Iterator(context.Background(), "", "ns/"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys(got), []string{"ns/a", "ns/b"}) {
		t.Fatalf("prefix iteration = %v", keys(got))
	}
	got, _ = Collect(s.Iterator(context.Background(), "ns/b", "ns/"), nil)
	if !reflect.DeepEqual(keys(got), []string{"ns/b"}) {
		t.Fatalf("resumed iteration = %v", keys(got))
	}
}

func TestLayeredOverrides(t *testing.T) {
	ctx := context.Background()
	ref := NewSegment()
	ref.Put("a", add(1).Carried())
	ref.Put("b", add(2).Carried())
	ref.Put("d", add(4).Carried())
	emb := NewSegment()
	emb.Put("b", CommitOp{Action: ActionRemove})
	emb.Put("c", add(3))
	emb.Put("d", add(5))

	l := Layered(ref, emb)
	op, ok, err := l.Get(ctx, "b")
	if err != nil || !ok || op.Exists() {
		t.Fatalf("Get(b) = %+v, %v, %v; want a remove", op, ok, err)
	}
	op, ok, _ = l.Get(ctx, "a")
	if !ok || !op.Exists() {
		t.Fatalf("Get(a) = %+v, %v; want reference entry", op, ok)
	}

	view, err := Materialize(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if got := keys(view.Elements()); !reflect.DeepEqual(got, []string{"a", "c", "d"}) {
		t.Fatalf("materialized keys = %v, want [a c d]", got)
	}
	if op, _ := view.Lookup("d"); !SameValue(op.Value, valueID(5)) {
		t.Fatalf("d value = %v, want embedded value", op.Value)
	}
}

func TestStripedLookupAndIteration(t *testing.T) {
	ctx := context.Background()
	full := NewSegment()
	for i := 0; i < 50; i++ {
		full.Put(StoreKey(fmt.Sprintf("k%03d", i)), add(byte(i)).Carried())
	}
	parts, err := full.Split(300)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(parts) < 3 {
		t.Fatalf("Split produced %d parts, want several", len(parts))
	}

	store := map[object.ObjID]*Segment{}
	var stripes []object.IndexStripe
	for i, p := range parts {
		data, err := p.Encode()
		if err != nil {
			t.Fatal(err)
		}
		if len(data) > 300 {
			t.Fatalf("part %d encodes to %d bytes, limit 300", i, len(data))
		}
		id := object.HashBytes(data)
		store[id] = p
		stripes = append(stripes, object.IndexStripe{FirstKey: string(p.First()), LastKey: string(p.Last()), SegmentID: id})
	}
	loads := 0
	r := Striped(stripes, func(_ context.Context, id object.ObjID) (*Segment, error) {
		loads++
		return store[id], nil
	})

	op, ok, err := r.Get(ctx, "k025")
	if err != nil || !ok || !SameValue(op.Value, valueID(25)) {
		t.Fatalf("Get(k025) = %+v, %v, %v", op, ok, err)
	}
	if loads != 1 {
		t.Fatalf("point lookup loaded %d stripes, want 1", loads)
	}
	if _, ok, _ := r.Get(ctx, "zzz"); ok {
		t.Fatal("Get(zzz) found an entry past the last stripe")
	}

	all, err := Collect(r.Iterator(ctx, "", ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 50 {
		t.Fatalf("iterated %d entries, want 50", len(all))
	}

	scoped, err := Collect(r.Iterator(ctx, "", "k01"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 10 || scoped[0].Key != "k010" || scoped[9].Key != "k019" {
		t.Fatalf("prefix iteration = %v", keys(scoped))
	}
}

func TestStripedLoaderError(t *testing.T) {
	boom := errors.New("boom")
	r := Striped([]object.IndexStripe{{FirstKey: "a", LastKey: "z"}}, func(context.Context, object.ObjID) (*Segment, error) {
		return nil, boom
	})
	if _, _, err := r.Get(context.Background(), "m"); !errors.Is(err, boom) {
		t.Fatalf("Get error = %v, want loader error", err)
	}
	it := r.Iterator(context.Background(), "", "")
	if it.Next() {
		t.Fatal("Next = true after loader error")
	}
	if !errors.Is(it.Err(), boom) {
		t.Fatalf("Err = %v, want loader error", it.Err())
	}
}

func TestSplitRejectsOversizedElement(t *testing.T) {
	s := NewSegment()
	s.Put(StoreKey(string(make([]byte, 100))), add(1))
	if _, err := s.Split(20); !errors.Is(err, object.ErrObjTooLarge) {
		t.Fatalf("Split error = %v, want ErrObjTooLarge", err)
	}
}
