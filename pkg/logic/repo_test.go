package logic

import (
	"context"
	"errors"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

func TestInitializeRepository(t *testing.T) {
	ctx := context.Background()
	p := newTestPersist(persist.Config{})
	l := NewRepositoryLogic(p)

	ok, err := l.Initialized(ctx)
	if err != nil || ok {
		t.Fatalf("Initialized before init = %v, %v", ok, err)
	}
	desc := RepositoryDescription{DefaultBranch: "trunk", Properties: map[string]string{"owner": "data-eng"}}
	if err := InitializeRepository(ctx, p, desc); err != nil {
		t.Fatalf("InitializeRepository: %v", err)
	}
	// Idempotent.
	if err := InitializeRepository(ctx, p, desc); err != nil {
		t.Fatalf("second InitializeRepository: %v", err)
	}

	ok, err = l.Initialized(ctx)
	if err != nil || !ok {
		t.Fatalf("Initialized = %v, %v", ok, err)
	}
	got, err := l.FetchRepositoryDescription(ctx)
	if err != nil {
		t.Fatalf("FetchRepositoryDescription: %v", err)
	}
	if got.DefaultBranch != "trunk" || got.Properties["owner"] != "data-eng" || got.CreatedAt == 0 {
		t.Fatalf("description = %+v", got)
	}

	trunk, err := l.References().GetReference(ctx, BranchRef("trunk"))
	if err != nil || trunk == nil || trunk.Pointer != object.EmptyObjID {
		t.Fatalf("default branch = %+v, %v", trunk, err)
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	refs := NewReferenceLogic(newTestPersist(persist.Config{}))
	_, err := refs.CreateReference(context.Background(), "refs/heads/main", object.EmptyObjID)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("CreateReference error = %v, want ErrNotInitialized", err)
	}
}

func TestShortName(t *testing.T) {
	for in, want := range map[string]string{
		"refs/heads/main": "main",
		"refs/tags/v1":    "v1",
		"other":           "other",
	} {
		if got := ShortName(in); got != want {
			t.Fatalf("ShortName(%q) = %q, want %q", in, got, want)
		}
	}
}
