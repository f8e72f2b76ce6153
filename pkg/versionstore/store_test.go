package versionstore

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

func TestInitializeCreatesDefaultBranch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ref, err := s.GetNamedRef(ctx, "main")
	if err != nil {
		t.Fatalf("GetNamedRef(main): %v", err)
	}
	if ref.Type != Branch || !ref.Hash.IsZero() {
		t.Fatalf("main = %+v, want empty branch", ref)
	}
	name, err := s.DefaultBranch(ctx)
	if err != nil || name != "main" {
		t.Fatalf("DefaultBranch = %q, %v; want main", name, err)
	}
}

func TestCreateBranchFromCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := put(t, s, "main", "a", "1")

	ref, err := s.CreateBranch(ctx, "dev", h)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if ref.Hash != h || ref.FullName() != "refs/heads/dev" {
		t.Fatalf("CreateBranch = %+v", ref)
	}
	if _, err := s.CreateBranch(ctx, "dev", h); !errors.Is(err, persist.ErrAlreadyExists) {
		t.Fatalf("second CreateBranch error = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.CreateBranch(ctx, "bad", hashOf("missing")); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("CreateBranch from missing commit error = %v, want ErrNotFound", err)
	}
}

func TestCreateTagLightweightAndAnnotated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := put(t, s, "main", "a", "1")

	light, err := s.CreateTag(ctx, "v1", h, nil)
	if err != nil {
		t.Fatalf("CreateTag(v1): %v", err)
	}
	if light.Pointer != h {
		t.Fatalf("lightweight tag pointer = %s, want %s", light.Pointer.Short(), h.Short())
	}
	if tag, err := s.TagAnnotation(ctx, light); err != nil || tag != nil {
		t.Fatalf("TagAnnotation(v1) = %v, %v; want nil", tag, err)
	}

	if _, err := s.CreateTag(ctx, "v2", h, &TagAnnotation{Message: "release 2"}); err != nil {
		t.Fatalf("CreateTag(v2): %v", err)
	}
	annotated, err := s.GetReference(ctx, Tag, "v2")
	if err != nil {
		t.Fatalf("GetReference(v2): %v", err)
	}
	if annotated.Hash != h || annotated.Pointer == h {
		t.Fatalf("annotated tag = %+v, want peeled hash %s behind a tag object", annotated, h.Short())
	}
	tag, err := s.TagAnnotation(ctx, annotated)
	if err != nil {
		t.Fatalf("TagAnnotation(v2): %v", err)
	}
	if tag == nil || tag.Message == nil || *tag.Message != "release 2" {
		t.Fatalf("TagAnnotation(v2) = %+v", tag)
	}

	resolved, err := s.ResolveRef(ctx, "v2")
	if err != nil || resolved != h {
		t.Fatalf("ResolveRef(v2) = %s, %v; want %s", resolved.Short(), err, h.Short())
	}
	if err := s.DeleteReference(ctx, Tag, "v2", h); err != nil {
		t.Fatalf("DeleteReference(v2): %v", err)
	}
}

func TestResolveRefAcceptsHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := put(t, s, "main", "a", "1")
	got, err := s.ResolveRef(ctx, h.String())
	if err != nil || got != h {
		t.Fatalf("ResolveRef(hash) = %s, %v", got.Short(), err)
	}
	if _, err := s.ResolveRef(ctx, "nope"); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("ResolveRef(nope) error = %v, want ErrNotFound", err)
	}
}

func TestAssignReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := put(t, s, "main", "a", "1")
	second := put(t, s, "main", "a", "2")
	branchFrom(t, s, "dev", "main")

	if _, err := s.AssignReference(ctx, Branch, "dev", first, first); !errors.Is(err, persist.ErrConditionFailed) {
		t.Fatalf("AssignReference with stale expected error = %v, want ErrConditionFailed", err)
	}
	ref, err := s.AssignReference(ctx, Branch, "dev", second, first)
	if err != nil {
		t.Fatalf("AssignReference: %v", err)
	}
	if ref.Hash != first || head(t, s, "dev") != first {
		t.Fatalf("dev = %s, want %s", head(t, s, "dev").Short(), first.Short())
	}
	if _, err := s.AssignReference(ctx, Branch, "dev", first, hashOf("missing")); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("AssignReference to missing commit error = %v, want ErrNotFound", err)
	}
}

func TestDeleteBranch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	branchFrom(t, s, "dev", "main")
	if err := s.DeleteReference(ctx, Branch, "dev", hashOf("wrong")); !errors.Is(err, persist.ErrConditionFailed) {
		t.Fatalf("DeleteReference with wrong hash error = %v, want ErrConditionFailed", err)
	}
	if err := s.DeleteReference(ctx, Branch, "dev", object.EmptyObjID); err != nil {
		t.Fatalf("DeleteReference: %v", err)
	}
	if _, err := s.GetReference(ctx, Branch, "dev"); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("GetReference after delete error = %v, want ErrNotFound", err)
	}
}

func TestListReferencesPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, name := range []string{"c", "a", "b"} {
		branchFrom(t, s, name, "main")
	}
	if _, err := s.CreateTag(ctx, "v1", object.EmptyObjID, nil); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}

	names := func(page *ReferencesPage) []string {
		var out []string
		for _, r := range page.References {
			out = append(out, r.Name)
		}
		return out
	}

	page, err := s.ListReferences(ctx, Branch, "", nil, 2)
	if err != nil {
		t.Fatalf("ListReferences page 1: %v", err)
	}
	if got := names(page); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("page 1 = %v, want [a b]", got)
	}
	if page.Next == nil {
		t.Fatal("page 1 has no continuation token")
	}
	page, err = s.ListReferences(ctx, Branch, "", page.Next, 2)
	if err != nil {
		t.Fatalf("ListReferences page 2: %v", err)
	}
	if got := names(page); !reflect.DeepEqual(got, []string{"c", "main"}) {
		t.Fatalf("page 2 = %v, want [c main]", got)
	}
	if page.Next != nil {
		t.Fatalf("page 2 token = %v, want none", page.Next)
	}

	all, err := s.ListReferences(ctx, 0, "", nil, 0)
	if err != nil {
		t.Fatalf("ListReferences all: %v", err)
	}
	if len(all.References) != 5 || all.References[4].Type != Tag {
		t.Fatalf("all references = %+v", all.References)
	}
}

func TestAccessCheckerRejects(t *testing.T) {
	ctx := context.Background()
	deny := AccessCheckerFunc(func(_ context.Context, access Access, ref string, keys []index.StoreKey) error {
		if access == AccessCommit && ref == logic.BranchRef("main") {
			return ErrForbidden
		}
		return nil
	})
	s := newTestStore(t, WithAccessChecker(deny))
	_, err := s.Commit(ctx, "main", nil, CommitMeta{Message: "x"}, Delete{Key: "a"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Commit error = %v, want ErrForbidden", err)
	}
	if _, err := s.CreateBranch(ctx, "dev", object.EmptyObjID); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
}
