package logic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
	"github.com/odvcencio/strata/pkg/persist/inmemory"
)

var errCrash = errors.New("simulated crash")

func hashOf(s string) object.ObjID { return object.HashBytes([]byte(s)) }

func newTestPersist(cfg persist.Config) persist.Persist {
	if cfg.RepositoryID == "" {
		cfg.RepositoryID = "test"
	}
	return inmemory.New(cfg)
}

func initRepo(t *testing.T, p persist.Persist) *RepositoryLogic {
	t.Helper()
	l := NewRepositoryLogic(p)
	if err := l.Initialize(context.Background(), RepositoryDescription{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return l
}

// crashingPersist fails the next AddReference or PurgeReference of selected
// names, leaving the backend as a crashed process would.
type crashingPersist struct {
	persist.Persist

	mu        sync.Mutex
	failAdd   map[string]bool
	failPurge map[string]bool
}

func newCrashingPersist(p persist.Persist) *crashingPersist {
	return &crashingPersist{Persist: p, failAdd: map[string]bool{}, failPurge: map[string]bool{}}
}

func (c *crashingPersist) crashAdd(name string) {
	c.mu.Lock()
	c.failAdd[name] = true
	c.mu.Unlock()
}

func (c *crashingPersist) crashPurge(name string) {
	c.mu.Lock()
	c.failPurge[name] = true
	c.mu.Unlock()
}

func (c *crashingPersist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	c.mu.Lock()
	fail := c.failAdd[ref.Name]
	delete(c.failAdd, ref.Name)
	c.mu.Unlock()
	if fail {
		return persist.Reference{}, errCrash
	}
	return c.Persist.AddReference(ctx, ref)
}

func (c *crashingPersist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	c.mu.Lock()
	fail := c.failPurge[ref.Name]
	delete(c.failPurge, ref.Name)
	c.mu.Unlock()
	if fail {
		return errCrash
	}
	return c.Persist.PurgeReference(ctx, ref)
}
