package logic

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

func put(key string, value object.ObjID) Add {
	return Add{Key: index.StoreKey(key), Payload: 1, Value: value, ContentID: "cid-" + key}
}

func viewKeys(t *testing.T, l *CommitLogic, c *object.CommitObj) []string {
	t.Helper()
	ctx := context.Background()
	r, err := l.Indexes().CommitIndex(ctx, c)
	if err != nil {
		t.Fatalf("CommitIndex: %v", err)
	}
	elems, err := index.Collect(r.Iterator(ctx, "", ""), func(e index.Element) bool { return e.Op.Exists() })
	if err != nil {
		t.Fatalf("iterate index: %v", err)
	}
	var out []string
	for _, e := range elems {
		out = append(out, string(e.Key))
	}
	return out
}

func TestDoCommitBuildsOnParent(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{}))

	c1, err := l.DoCommit(ctx, CreateCommit{
		Message: "first",
		Adds:    []Add{put("a", hashOf("a1")), put("b", hashOf("b1"))},
	}, nil)
	if err != nil {
		t.Fatalf("DoCommit: %v", err)
	}
	c2, err := l.DoCommit(ctx, CreateCommit{
		ParentCommitID: c1.ID(),
		Message:        "second",
		Adds:           []Add{put("c", hashOf("c1"))},
		Removes:        []Remove{{Key: "a", Payload: 1, ExpectedValue: hashOf("a1"), ContentID: "cid-a"}},
	}, nil)
	if err != nil {
		t.Fatalf("DoCommit: %v", err)
	}

	if got := viewKeys(t, l, c2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("view at c2 = %v, want [b c]", got)
	}
	if got := viewKeys(t, l, c1); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("view at c1 = %v, want [a b]", got)
	}
	if c2.DirectParent() != c1.ID() || c2.Seq != c1.Seq+1 {
		t.Fatalf("c2 parent = %s seq = %d, want %s seq %d", c2.DirectParent().Short(), c2.Seq, c1.ID().Short(), c1.Seq+1)
	}
	if c1.Seq != 1 || !c1.DirectParent().IsZero() {
		t.Fatalf("root commit seq = %d parent = %s", c1.Seq, c1.DirectParent())
	}

	stored, err := l.FetchCommit(ctx, c2.ID())
	if err != nil {
		t.Fatalf("FetchCommit: %v", err)
	}
	if stored.Message != "second" {
		t.Fatalf("stored message = %q", stored.Message)
	}
}

func TestDoCommitReportsAllConflicts(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{}))

	base, err := l.DoCommit(ctx, CreateCommit{Adds: []Add{put("k1", hashOf("1")), put("k2", hashOf("2")), put("k3", hashOf("3"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.DoCommit(ctx, CreateCommit{
		ParentCommitID: base.ID(),
		Adds:           []Add{put("k1", hashOf("x")), put("k2", hashOf("x")), put("k3", hashOf("x")), put("k4", hashOf("x"))},
	}, nil)
	var conflict *CommitConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("DoCommit error = %v, want conflict", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatal("conflict error does not match ErrConflict")
	}
	if len(conflict.Conflicts) != 3 {
		t.Fatalf("conflicts = %v, want 3", conflict.Conflicts)
	}
	for i, c := range conflict.Conflicts {
		if c.Type != ConflictKeyExists || c.Key != index.StoreKey(fmt.Sprintf("k%d", i+1)) || c.Existing == nil {
			t.Fatalf("conflict %d = %+v", i, c)
		}
	}
}

func TestDoCommitConflictTypes(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{}))
	base, err := l.DoCommit(ctx, CreateCommit{Adds: []Add{put("t", hashOf("v1"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	v1 := hashOf("v1")
	other := hashOf("other")

	tests := []struct {
		name string
		c    CreateCommit
		want ConflictType
	}{
		{"remove missing", CreateCommit{Removes: []Remove{{Key: "nope", Payload: 1, ExpectedValue: v1}}}, ConflictKeyDoesNotExist},
		{"payload", CreateCommit{Removes: []Remove{{Key: "t", Payload: 2, ExpectedValue: v1, ContentID: "cid-t"}}}, ConflictPayloadDiffers},
		{"content id", CreateCommit{Removes: []Remove{{Key: "t", Payload: 1, ExpectedValue: v1, ContentID: "cid-x"}}}, ConflictContentIDDiffers},
		{"value", CreateCommit{Adds: []Add{{Key: "t", Payload: 1, Value: other, ContentID: "cid-t", ExpectedValue: &other}}}, ConflictValueDiffers},
		{"unchanged", CreateCommit{Unchanged: []Unchanged{{Key: "t", Payload: 1, ExpectedValue: other, ContentID: "cid-t"}}}, ConflictValueDiffers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.c.ParentCommitID = base.ID()
			_, err := l.DoCommit(ctx, tt.c, nil)
			var conflict *CommitConflictError
			if !errors.As(err, &conflict) || len(conflict.Conflicts) != 1 {
				t.Fatalf("DoCommit error = %v, want one conflict", err)
			}
			if got := conflict.Conflicts[0].Type; got != tt.want {
				t.Fatalf("conflict type = %v, want %v", got, tt.want)
			}
		})
	}

	// An update with the right expectation applies.
	c, err := l.DoCommit(ctx, CreateCommit{
		ParentCommitID: base.ID(),
		Adds:           []Add{{Key: "t", Payload: 1, Value: other, ContentID: "cid-t", ExpectedValue: &v1}},
	}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	r, _ := l.Indexes().CommitIndex(ctx, c)
	op, ok, _ := r.Get(ctx, "t")
	if !ok || !index.SameValue(op.Value, &other) {
		t.Fatalf("updated op = %+v", op)
	}
}

func TestDoCommitRejectsDuplicateKeys(t *testing.T) {
	l := NewCommitLogic(newTestPersist(persist.Config{}))
	_, err := l.DoCommit(context.Background(), CreateCommit{
		Adds:    []Add{put("a", hashOf("1"))},
		Removes: []Remove{{Key: "a", ExpectedValue: hashOf("1")}},
	}, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("DoCommit error = %v, want invalid argument", err)
	}
}

func TestCommitTailIsBounded(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{ParentsPerCommit: 3}))

	var ids []object.ObjID
	parent := object.EmptyObjID
	for i := 0; i < 5; i++ {
		c, err := l.DoCommit(ctx, CreateCommit{ParentCommitID: parent, Adds: []Add{put(fmt.Sprintf("k%d", i), hashOf("v"))}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID())
		parent = c.ID()
	}
	last, _ := l.FetchCommit(ctx, parent)
	want := []object.ObjID{ids[3], ids[2], ids[1]}
	if !reflect.DeepEqual(last.Tail, want) {
		t.Fatalf("tail = %v, want newest three ancestors", last.Tail)
	}
	if last.Seq != 5 {
		t.Fatalf("seq = %d, want 5", last.Seq)
	}

	n := 0
	it := l.CommitLog(ctx, parent)
	for it.Next() {
		if it.Commit().ID() != ids[len(ids)-1-n] {
			t.Fatalf("log entry %d = %s", n, it.Commit().ID().Short())
		}
		n++
	}
	if it.Err() != nil || n != 5 {
		t.Fatalf("log walked %d commits, err %v", n, it.Err())
	}
}

func TestSecondaryParentSeq(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{}))
	a, _ := l.DoCommit(ctx, CreateCommit{Adds: []Add{put("a", hashOf("a"))}}, nil)
	b, _ := l.DoCommit(ctx, CreateCommit{ParentCommitID: a.ID(), Adds: []Add{put("b", hashOf("b"))}}, nil)
	c, _ := l.DoCommit(ctx, CreateCommit{ParentCommitID: b.ID(), Adds: []Add{put("c", hashOf("c"))}}, nil)

	m, err := l.DoCommit(ctx, CreateCommit{ParentCommitID: a.ID(), SecondaryParents: []object.ObjID{c.ID()}, Adds: []Add{put("m", hashOf("m"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != c.Seq+1 {
		t.Fatalf("merge seq = %d, want %d", m.Seq, c.Seq+1)
	}
	if got := m.Parents(); !reflect.DeepEqual(got, []object.ObjID{a.ID(), c.ID()}) {
		t.Fatalf("parents = %v", got)
	}
}

func TestDoCommitSpillsLargeIndex(t *testing.T) {
	ctx := context.Background()
	p := newTestPersist(persist.Config{
		MaxIncrementalIndexSize:      2000,
		MaxSerializedIndexSize:       1000,
		MaxReferenceStripesPerCommit: 2,
	})
	l := NewCommitLogic(p)

	parent := object.EmptyObjID
	var head *object.CommitObj
	spilled := false
	for batch := 0; batch < 10; batch++ {
		var adds []Add
		for i := 0; i < 10; i++ {
			adds = append(adds, put(fmt.Sprintf("key-%03d", batch*10+i), hashOf(fmt.Sprint(batch, i))))
		}
		c, err := l.DoCommit(ctx, CreateCommit{ParentCommitID: parent, Adds: adds}, nil)
		if err != nil {
			t.Fatalf("batch %d: %v", batch, err)
		}
		if hasReferenceIndex(c) {
			spilled = true
		}
		if len(c.IncrementalIndex) > 2000 {
			t.Fatalf("batch %d embedded index is %d bytes", batch, len(c.IncrementalIndex))
		}
		parent, head = c.ID(), c
	}
	if !spilled {
		t.Fatal("no commit spilled its index")
	}
	if got := viewKeys(t, l, head); len(got) != 100 || got[0] != "key-000" || got[99] != "key-099" {
		t.Fatalf("view has %d keys: %v", len(got), got)
	}

	// A remove must mask an entry held only by the reference index.
	c, err := l.DoCommit(ctx, CreateCommit{
		ParentCommitID: parent,
		Removes:        []Remove{{Key: "key-005", Payload: 1, ExpectedValue: hashOf(fmt.Sprint(0, 5)), ContentID: "cid-key-005"}},
	}, nil)
	if err != nil {
		t.Fatalf("remove after spill: %v", err)
	}
	got := viewKeys(t, l, c)
	if len(got) != 99 || got[5] != "key-006" {
		t.Fatalf("view after remove has %d keys", len(got))
	}
	child, err := l.DoCommit(ctx, CreateCommit{ParentCommitID: c.ID(), Adds: []Add{put("zzz", hashOf("z"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := viewKeys(t, l, child); len(got) != 100 {
		t.Fatalf("view of child has %d keys, want 100", len(got))
	}
}

func TestImportCommitIncompleteIndex(t *testing.T) {
	ctx := context.Background()
	l := NewCommitLogic(newTestPersist(persist.Config{}))

	base, err := l.DoCommit(ctx, CreateCommit{Adds: []Add{put("a", hashOf("a")), put("b", hashOf("b"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	i1, err := l.ImportCommit(ctx, CreateCommit{ParentCommitID: base.ID(), Adds: []Add{put("c", hashOf("c"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	i2, err := l.ImportCommit(ctx, CreateCommit{ParentCommitID: i1.ID(), Removes: []Remove{{Key: "a", Payload: 1, ExpectedValue: hashOf("a")}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !i2.IncompleteIndex {
		t.Fatal("imported commit not marked incomplete")
	}
	if got := viewKeys(t, l, i2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("view at import = %v, want [b c]", got)
	}

	c, err := l.DoCommit(ctx, CreateCommit{ParentCommitID: i2.ID(), Adds: []Add{put("d", hashOf("d"))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.IncompleteIndex {
		t.Fatal("commit on imported parent is incomplete")
	}
	if got := viewKeys(t, l, c); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("view = %v, want [b c d]", got)
	}
}
