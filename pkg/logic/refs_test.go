package logic

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/odvcencio/strata/pkg/persist"
)

func TestCreateReferenceTwiceReportsOriginalPointer(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()

	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
		t.Fatalf("CreateReference: %v", err)
	}
	_, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h1"))
	var exists *persist.RefAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("second CreateReference error = %v, want already-exists", err)
	}
	if exists.Existing.Pointer != hashOf("h0") {
		t.Fatalf("already-exists pointer = %s, want h0", exists.Existing.Pointer.Short())
	}
}

func TestDeleteReferenceWrongPointer(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()

	ref, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := refs.AssignReference(ctx, ref, hashOf("h1")); err != nil {
		t.Fatalf("AssignReference: %v", err)
	}
	err = refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0"))
	var failed *persist.RefConditionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("DeleteReference error = %v, want condition-failed", err)
	}
	if failed.Actual.Pointer != hashOf("h1") {
		t.Fatalf("condition-failed pointer = %s, want h1", failed.Actual.Pointer.Short())
	}
}

func TestDeleteReferenceTwice(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()

	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
		t.Fatal(err)
	}
	if err := refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
		t.Fatalf("first DeleteReference: %v", err)
	}
	if err := refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("second DeleteReference error = %v, want not-found", err)
	}
	got, err := refs.GetReference(ctx, "refs/heads/dev")
	if err != nil || got != nil {
		t.Fatalf("GetReference after delete = %+v, %v; want nil", got, err)
	}
	// The name is free again.
	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h2")); err != nil {
		t.Fatalf("re-create after delete: %v", err)
	}
}

func TestDeleteMissingReference(t *testing.T) {
	refs := initRepo(t, newTestPersist(persist.Config{})).References()
	if err := refs.DeleteReference(context.Background(), "refs/heads/nope", hashOf("h0")); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("DeleteReference error = %v, want not-found", err)
	}
}

func TestIdempotentCreateAfterCrash(t *testing.T) {
	ctx := context.Background()
	base := newTestPersist(persist.Config{})
	initRepo(t, base)
	p := newCrashingPersist(base)
	refs := NewReferenceLogic(p)

	p.crashAdd("refs/heads/dev")
	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, errCrash) {
		t.Fatalf("crashed CreateReference error = %v, want crash", err)
	}
	if row, _ := base.FetchReference(ctx, "refs/heads/dev"); row != nil {
		t.Fatalf("row written despite crash: %+v", row)
	}

	_, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h1"))
	var exists *persist.RefAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("CreateReference after crash error = %v, want already-exists", err)
	}
	if exists.Existing.Pointer != hashOf("h0") {
		t.Fatalf("recovered pointer = %s, want h0", exists.Existing.Pointer.Short())
	}
	row, err := base.FetchReference(ctx, "refs/heads/dev")
	if err != nil || row == nil || row.Deleted || row.Pointer != hashOf("h0") {
		t.Fatalf("row after recovery = %+v, %v; want live at h0", row, err)
	}
}

func TestRecoveryConvergesOnInterruptedCreate(t *testing.T) {
	resolvers := map[string]func(t *testing.T, refs *ReferenceLogic) *persist.Reference{
		"fetch": func(t *testing.T, refs *ReferenceLogic) *persist.Reference {
			ref, err := refs.GetReference(context.Background(), "refs/heads/dev")
			if err != nil {
				t.Fatalf("GetReference: %v", err)
			}
			return ref
		},
		"list": func(t *testing.T, refs *ReferenceLogic) *persist.Reference {
			it, err := refs.QueryReferences(context.Background(), ReferencesQuery{Prefix: "refs/heads/d"})
			if err != nil {
				t.Fatalf("QueryReferences: %v", err)
			}
			var found *persist.Reference
			for it.Next() {
				ref := it.Reference()
				found = &ref
			}
			if err := it.Err(); err != nil {
				t.Fatalf("iterate: %v", err)
			}
			return found
		},
		"create": func(t *testing.T, refs *ReferenceLogic) *persist.Reference {
			_, err := refs.CreateReference(context.Background(), "refs/heads/dev", hashOf("other"))
			var exists *persist.RefAlreadyExistsError
			if !errors.As(err, &exists) {
				t.Fatalf("CreateReference error = %v, want already-exists", err)
			}
			return &exists.Existing
		},
	}

	for name, resolve := range resolvers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := newTestPersist(persist.Config{})
			initRepo(t, base)
			p := newCrashingPersist(base)
			refs := NewReferenceLogic(p)

			p.crashAdd("refs/heads/dev")
			if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, errCrash) {
				t.Fatalf("crashed CreateReference error = %v", err)
			}

			got := resolve(t, refs)
			if got == nil || got.Pointer != hashOf("h0") || got.Deleted {
				t.Fatalf("resolved reference = %+v, want live at h0", got)
			}
			row, err := base.FetchReference(ctx, "refs/heads/dev")
			if err != nil || row == nil || row.Pointer != hashOf("h0") {
				t.Fatalf("row = %+v, %v; want live at h0", row, err)
			}
		})
	}
}

func TestRecoveryFinishesInterruptedDelete(t *testing.T) {
	t.Run("before audit", func(t *testing.T) {
		ctx := context.Background()
		p := newTestPersist(persist.Config{})
		refs := initRepo(t, p).References()

		ref, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0"))
		if err != nil {
			t.Fatal(err)
		}
		// Crash right after marking the row deleted: the audit log still
		// has the ADD entry.
		if _, err := p.MarkReferenceAsDeleted(ctx, ref); err != nil {
			t.Fatal(err)
		}
		got, err := refs.GetReference(ctx, "refs/heads/dev")
		if err != nil || got != nil {
			t.Fatalf("GetReference = %+v, %v; want nil", got, err)
		}
		if row, _ := p.FetchReference(ctx, "refs/heads/dev"); row != nil {
			t.Fatalf("row not purged: %+v", row)
		}
		if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h1")); err != nil {
			t.Fatalf("CreateReference after recovery: %v", err)
		}
	})

	t.Run("before purge", func(t *testing.T) {
		ctx := context.Background()
		base := newTestPersist(persist.Config{})
		initRepo(t, base)
		p := newCrashingPersist(base)
		refs := NewReferenceLogic(p)

		if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
			t.Fatal(err)
		}
		p.crashPurge("refs/heads/dev")
		if err := refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, errCrash) {
			t.Fatalf("crashed DeleteReference error = %v", err)
		}
		row, _ := base.FetchReference(ctx, "refs/heads/dev")
		if row == nil || !row.Deleted {
			t.Fatalf("row after crash = %+v, want deleted", row)
		}
		// Resuming reports not-found: the deletion already took effect.
		if err := refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, persist.ErrNotFound) {
			t.Fatalf("resumed DeleteReference error = %v, want not-found", err)
		}
		if row, _ := base.FetchReference(ctx, "refs/heads/dev"); row != nil {
			t.Fatalf("row not purged: %+v", row)
		}
	})
}

func TestRecoveryPurgesAfterAuditCompaction(t *testing.T) {
	ctx := context.Background()
	base := newTestPersist(persist.Config{})
	initRepo(t, base)
	p := newCrashingPersist(base)
	refs := NewReferenceLogic(p)

	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
		t.Fatal(err)
	}
	p.crashPurge("refs/heads/dev")
	if err := refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0")); !errors.Is(err, errCrash) {
		t.Fatalf("crashed DeleteReference error = %v", err)
	}
	// The next audit commit carries the index forward without the REMOVE.
	if _, err := refs.CreateReference(ctx, "refs/heads/other", hashOf("h1")); err != nil {
		t.Fatal(err)
	}

	got, err := refs.GetReference(ctx, "refs/heads/dev")
	if err != nil || got != nil {
		t.Fatalf("GetReference = %+v, %v; want nil", got, err)
	}
	if row, _ := base.FetchReference(ctx, "refs/heads/dev"); row != nil {
		t.Fatalf("row not purged: %+v", row)
	}
	all, err := refs.GetReferences(ctx, []string{"refs/heads/dev", "refs/heads/other"})
	if err != nil {
		t.Fatalf("GetReferences: %v", err)
	}
	if all[0] != nil || all[1] == nil || all[1].Pointer != hashOf("h1") {
		t.Fatalf("GetReferences = %+v, %+v", all[0], all[1])
	}
	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h2")); err != nil {
		t.Fatalf("CreateReference after recovery: %v", err)
	}
}

func TestRecoveryPurgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	base := newTestPersist(persist.Config{})
	initRepo(t, base)
	p := newCrashingPersist(base)
	refs := NewReferenceLogic(p)

	if _, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0")); err != nil {
		t.Fatal(err)
	}
	p.crashPurge("refs/heads/dev")
	_ = refs.DeleteReference(ctx, "refs/heads/dev", hashOf("h0"))
	row, _ := base.FetchReference(ctx, "refs/heads/dev")

	// Two recoveries of the same deleted row: the second finds it gone.
	for i := 0; i < 2; i++ {
		got, err := refs.maybeRecover(ctx, "refs/heads/dev", row, refs.newRefsIndex())
		if err != nil || got != nil {
			t.Fatalf("recovery %d = %+v, %v; want nil", i, got, err)
		}
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()
	stale, err := refs.CreateReference(ctx, "refs/heads/dev", hashOf("h0"))
	if err != nil {
		t.Fatal(err)
	}

	targets := []string{"h1", "h2"}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = refs.AssignReference(ctx, stale, hashOf(target))
		}()
	}
	wg.Wait()

	winners := 0
	var failed *persist.RefConditionFailedError
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.As(err, &failed):
		default:
			t.Fatalf("unexpected assign error: %v", err)
		}
	}
	if winners != 1 || failed == nil {
		t.Fatalf("winners = %d, condition failures = %v; want exactly one of each", winners, failed)
	}
	current, _ := refs.GetReference(ctx, "refs/heads/dev")
	if failed.Actual.Pointer != current.Pointer {
		t.Fatalf("loser saw %s, winner wrote %s", failed.Actual.Pointer.Short(), current.Pointer.Short())
	}
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = refs.CreateReference(ctx, "refs/heads/race", hashOf("h0"))
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, persist.ErrAlreadyExists):
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	// A racer that finds the audit entry before the row may write the row
	// itself and report already-exists, so at most one call succeeds.
	if created > 1 {
		t.Fatalf("created = %d, want at most 1", created)
	}
	ref, err := refs.GetReference(ctx, "refs/heads/race")
	if err != nil || ref == nil || ref.Pointer != hashOf("h0") {
		t.Fatalf("GetReference = %+v, %v; want live at h0", ref, err)
	}
}

func TestInternalReferencesHidden(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()

	if _, err := refs.CreateReference(ctx, "int/mine", hashOf("h0")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("CreateReference(int/mine) error = %v, want invalid argument", err)
	}
	if err := refs.DeleteReference(ctx, persist.RefRefs, hashOf("h0")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("DeleteReference(int/refs) error = %v, want invalid argument", err)
	}
	got, err := refs.GetReference(ctx, persist.RefRefs)
	if err != nil || got != nil {
		t.Fatalf("GetReference(int/refs) = %+v, %v; want nil", got, err)
	}
}

func collectNames(t *testing.T, it *ReferenceIterator, limit int) []string {
	t.Helper()
	var out []string
	for (limit <= 0 || len(out) < limit) && it.Next() {
		out = append(out, it.Reference().Name)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate references: %v", err)
	}
	return out
}

func TestQueryReferencesPrefixAndPaging(t *testing.T) {
	ctx := context.Background()
	refs := initRepo(t, newTestPersist(persist.Config{})).References()
	for _, name := range []string{"refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/tags/v1", "refs/heads/gone"} {
		if _, err := refs.CreateReference(ctx, name, hashOf(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := refs.DeleteReference(ctx, "refs/heads/gone", hashOf("refs/heads/gone")); err != nil {
		t.Fatal(err)
	}

	it, err := refs.QueryReferences(ctx, ReferencesQuery{Prefix: "refs/heads/"})
	if err != nil {
		t.Fatal(err)
	}
	page := collectNames(t, it, 2)
	if !reflect.DeepEqual(page, []string{"refs/heads/a", "refs/heads/b"}) {
		t.Fatalf("first page = %v", page)
	}
	token, err := ParsePagingToken(it.Token().String())
	if err != nil {
		t.Fatalf("ParsePagingToken: %v", err)
	}

	it, err = refs.QueryReferences(ctx, ReferencesQuery{Prefix: "refs/heads/", PagingToken: token})
	if err != nil {
		t.Fatal(err)
	}
	rest := collectNames(t, it, 0)
	if !reflect.DeepEqual(rest, []string{"refs/heads/c", "refs/heads/main"}) {
		t.Fatalf("second page = %v", rest)
	}

	it, _ = refs.QueryReferences(ctx, ReferencesQuery{})
	if all := collectNames(t, it, 0); len(all) != 5 {
		t.Fatalf("all references = %v, want 5", all)
	}
}
