package versionstore

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/odvcencio/strata/pkg/content"
	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
	"github.com/odvcencio/strata/pkg/persist/inmemory"
)

func hashOf(s string) object.ObjID { return object.HashBytes([]byte(s)) }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return newTestStoreOn(t, inmemory.New(persist.Config{RepositoryID: "test"}), opts...)
}

func newTestStoreOn(t *testing.T, p persist.Persist, opts ...Option) *Store {
	t.Helper()
	s := New(p, opts...)
	if err := s.Initialize(context.Background(), "main"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func put(t *testing.T, s *Store, branch, key, data string) object.ObjID {
	t.Helper()
	res, err := s.Commit(context.Background(), branch, nil, CommitMeta{Message: "put " + key},
		Put{Key: index.StoreKey(key), Type: content.IcebergTable, Data: []byte(data)})
	if err != nil {
		t.Fatalf("Commit put %s on %s: %v", key, branch, err)
	}
	return res.Hash
}

func del(t *testing.T, s *Store, branch, key string) object.ObjID {
	t.Helper()
	res, err := s.Commit(context.Background(), branch, nil, CommitMeta{Message: "delete " + key},
		Delete{Key: index.StoreKey(key)})
	if err != nil {
		t.Fatalf("Commit delete %s on %s: %v", key, branch, err)
	}
	return res.Hash
}

func head(t *testing.T, s *Store, branch string) object.ObjID {
	t.Helper()
	ref, err := s.GetReference(context.Background(), Branch, branch)
	if err != nil {
		t.Fatalf("GetReference(%s): %v", branch, err)
	}
	return ref.Hash
}

func branchFrom(t *testing.T, s *Store, name, from string) {
	t.Helper()
	if _, err := s.CreateBranch(context.Background(), name, head(t, s, from)); err != nil {
		t.Fatalf("CreateBranch(%s): %v", name, err)
	}
}

// valueAt returns the data of key at the head of branch, or "" when absent.
func valueAt(t *testing.T, s *Store, branch, key string) string {
	t.Helper()
	values, err := s.GetValues(context.Background(), head(t, s, branch), []index.StoreKey{index.StoreKey(key)})
	if err != nil {
		t.Fatalf("GetValues(%s, %s): %v", branch, key, err)
	}
	v, ok := values[index.StoreKey(key)]
	if !ok {
		return ""
	}
	return string(v.Data)
}

// countingPersist counts writes.
type countingPersist struct {
	persist.Persist
	objWrites atomic.Int64
	refWrites atomic.Int64
}

func (c *countingPersist) StoreObj(ctx context.Context, obj object.Obj) (bool, error) {
	c.objWrites.Add(1)
	return c.Persist.StoreObj(ctx, obj)
}

func (c *countingPersist) StoreObjs(ctx context.Context, objs []object.Obj) ([]bool, error) {
	c.objWrites.Add(int64(len(objs)))
	return c.Persist.StoreObjs(ctx, objs)
}

func (c *countingPersist) UpdateReferencePointer(ctx context.Context, expected persist.Reference, p object.ObjID) (persist.Reference, error) {
	c.refWrites.Add(1)
	return c.Persist.UpdateReferencePointer(ctx, expected, p)
}
