// Package persisttest is the conformance suite shared by every backend.
package persisttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) persist.Persist

// Run exercises the full backend contract.
func Run(t *testing.T, newPersist Factory) {
	t.Run("References", func(t *testing.T) { testReferences(t, newPersist(t)) })
	t.Run("ReferenceDeletion", func(t *testing.T) { testReferenceDeletion(t, newPersist(t)) })
	t.Run("ConcurrentUpdatePointer", func(t *testing.T) { testConcurrentUpdate(t, newPersist(t)) })
	t.Run("Objects", func(t *testing.T) { testObjects(t, newPersist(t)) })
	t.Run("ObjectLimits", func(t *testing.T) { testObjectLimits(t, newPersist(t)) })
	t.Run("Erase", func(t *testing.T) { testErase(t, newPersist(t)) })
}

func pointer(s string) object.ObjID { return object.HashBytes([]byte(s)) }

func testReferences(t *testing.T, p persist.Persist) {
	ctx := context.Background()

	missing, err := p.FetchReference(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Nil(t, missing)

	main := persist.Reference{Name: "refs/heads/main", Pointer: pointer("h0")}
	added, err := p.AddReference(ctx, main)
	require.NoError(t, err)
	require.Equal(t, main, added)

	_, err = p.AddReference(ctx, main.ForNewPointer(pointer("h1")))
	var exists *persist.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	require.Equal(t, main, exists.Existing)

	fetched, err := p.FetchReference(ctx, main.Name)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, main, *fetched)

	moved, err := p.UpdateReferencePointer(ctx, main, pointer("h1"))
	require.NoError(t, err)
	require.Equal(t, pointer("h1"), moved.Pointer)

	_, err = p.UpdateReferencePointer(ctx, main, pointer("h2"))
	var failed *persist.RefConditionFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, moved, failed.Actual)

	_, err = p.UpdateReferencePointer(ctx, persist.Reference{Name: "refs/heads/nope"}, pointer("h2"))
	require.ErrorIs(t, err, persist.ErrNotFound)

	_, err = p.AddReference(ctx, persist.Reference{Name: "refs/heads/dev", Pointer: pointer("d0")})
	require.NoError(t, err)
	refs, err := p.FetchReferences(ctx, []string{"refs/heads/dev", "refs/heads/none", main.Name})
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.NotNil(t, refs[0])
	require.Equal(t, "refs/heads/dev", refs[0].Name)
	require.Nil(t, refs[1])
	require.NotNil(t, refs[2])
	require.Equal(t, moved, *refs[2])
}

func testReferenceDeletion(t *testing.T, p persist.Persist) {
	ctx := context.Background()
	ref := persist.Reference{Name: "refs/heads/feature", Pointer: pointer("f0")}
	_, err := p.AddReference(ctx, ref)
	require.NoError(t, err)

	_, err = p.MarkReferenceAsDeleted(ctx, ref.ForNewPointer(pointer("other")))
	require.ErrorIs(t, err, persist.ErrConditionFailed)

	require.ErrorIs(t, p.PurgeReference(ctx, ref), persist.ErrConditionFailed, "purge of a live row")

	deleted, err := p.MarkReferenceAsDeleted(ctx, ref)
	require.NoError(t, err)
	require.True(t, deleted.Deleted)

	_, err = p.UpdateReferencePointer(ctx, ref, pointer("f1"))
	require.ErrorIs(t, err, persist.ErrConditionFailed, "update of a deleted row")

	_, err = p.AddReference(ctx, ref)
	var exists *persist.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	require.True(t, exists.Existing.Deleted)

	require.NoError(t, p.PurgeReference(ctx, deleted))
	require.ErrorIs(t, p.PurgeReference(ctx, deleted), persist.ErrNotFound)

	gone, err := p.FetchReference(ctx, ref.Name)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func testConcurrentUpdate(t *testing.T, p persist.Persist) {
	ctx := context.Background()
	ref := persist.Reference{Name: "refs/heads/race", Pointer: pointer("r0")}
	_, err := p.AddReference(ctx, ref)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.UpdateReferencePointer(ctx, ref, pointer(fmt.Sprintf("r%d", i+1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, persist.ErrConditionFailed):
				failures++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, other)
	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, failures)
}

func testObjects(t *testing.T, p persist.Persist) {
	ctx := context.Background()
	commit := &object.CommitObj{Created: 1, Seq: 1, Message: "root", Headers: object.NewHeaders().With("a", "b")}
	require.NoError(t, object.Seal(commit))
	value := &object.ContentValueObj{ContentID: "cid", Payload: 1, Data: []byte("{}")}
	require.NoError(t, object.Seal(value))

	stored, err := p.StoreObj(ctx, commit)
	require.NoError(t, err)
	require.True(t, stored)
	stored, err = p.StoreObj(ctx, commit)
	require.NoError(t, err)
	require.False(t, stored, "second store of the same id")

	got, err := p.FetchObj(ctx, commit.ID())
	require.NoError(t, err)
	require.Equal(t, commit, got)

	typed, err := p.FetchTypedObj(ctx, commit.ID(), object.TypeCommit)
	require.NoError(t, err)
	require.Equal(t, commit.ID(), typed.ID())

	_, err = p.FetchTypedObj(ctx, commit.ID(), object.TypeTag)
	var notFound *persist.ObjNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, []object.ObjID{commit.ID()}, notFound.IDs)

	_, err = p.FetchObj(ctx, pointer("missing"))
	require.ErrorIs(t, err, persist.ErrNotFound)

	storedMany, err := p.StoreObjs(ctx, []object.Obj{commit, value})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, storedMany)

	objs, err := p.FetchObjs(ctx, []object.ObjID{value.ID(), pointer("missing"), commit.ID()})
	require.NoError(t, err)
	require.Len(t, objs, 3)
	require.Equal(t, value, objs[0])
	require.Nil(t, objs[1])
	require.Equal(t, commit, objs[2])
}

func testObjectLimits(t *testing.T, p persist.Persist) {
	ctx := context.Background()
	limit := p.Config().MaxSerializedIndexSize
	idx := &object.IndexObj{Index: make([]byte, limit+1)}
	require.NoError(t, object.Seal(idx))
	_, err := p.StoreObj(ctx, idx)
	var tooLarge *object.ObjTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, limit+1, tooLarge.Size)
	require.Equal(t, limit, tooLarge.Limit)

	_, err = p.FetchObj(ctx, idx.ID())
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func testErase(t *testing.T, p persist.Persist) {
	ctx := context.Background()
	_, err := p.AddReference(ctx, persist.Reference{Name: "refs/heads/main"})
	require.NoError(t, err)
	obj := &object.ContentValueObj{ContentID: "x", Data: []byte("x")}
	require.NoError(t, object.Seal(obj))
	_, err = p.StoreObj(ctx, obj)
	require.NoError(t, err)

	require.NoError(t, p.Erase(ctx))

	ref, err := p.FetchReference(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Nil(t, ref)
	_, err = p.FetchObj(ctx, obj.ID())
	require.ErrorIs(t, err, persist.ErrNotFound)
}
