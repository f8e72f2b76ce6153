// Package persist defines the contract every storage backend implements:
// reference rows with compare-and-swap updates plus an append-only object
// store.
package persist

import (
	"context"
	"strings"
	"time"

	"github.com/odvcencio/strata/pkg/object"
)

// InternalPrefix marks internal references. They are never exposed to
// callers of the reference API.
const InternalPrefix = "int/"

const (
	// RefRefs is the audit reference recording the lifecycle of all other
	// references.
	RefRefs = InternalPrefix + "refs"
	// RefRepo points at the repository description.
	RefRepo = InternalPrefix + "repo"
)

// IsInternalReferenceName reports whether name is under InternalPrefix.
func IsInternalReferenceName(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// Reference is the live row of a named reference.
type Reference struct {
	Name    string
	Pointer object.ObjID
	Deleted bool
}

// ForNewPointer returns r pointing at p.
func (r Reference) ForNewPointer(p object.ObjID) Reference {
	r.Pointer = p
	return r
}

// WithDeleted returns r with its deleted flag set to d.
func (r Reference) WithDeleted(d bool) Reference {
	r.Deleted = d
	return r
}

// Persist is the backend storage contract.
type Persist interface {
	Config() Config

	// FetchReference returns nil when no row exists.
	FetchReference(ctx context.Context, name string) (*Reference, error)
	// FetchReferences preserves order; missing names yield nil slots.
	FetchReferences(ctx context.Context, names []string) ([]*Reference, error)

	// AddReference inserts ref, which must not be deleted. It fails with
	// *RefAlreadyExistsError when a row with that name exists.
	AddReference(ctx context.Context, ref Reference) (Reference, error)
	// MarkReferenceAsDeleted sets deleted=true when the row matches ref.
	MarkReferenceAsDeleted(ctx context.Context, ref Reference) (Reference, error)
	// PurgeReference removes the row when it matches ref, which must be
	// marked deleted.
	PurgeReference(ctx context.Context, ref Reference) error
	// UpdateReferencePointer moves the row to newPointer when it matches
	// expected.
	UpdateReferencePointer(ctx context.Context, expected Reference, newPointer object.ObjID) (Reference, error)

	// FetchObj returns *ObjNotFoundError when id is absent.
	FetchObj(ctx context.Context, id object.ObjID) (object.Obj, error)
	// FetchTypedObj also fails with *ObjNotFoundError on a type mismatch.
	FetchTypedObj(ctx context.Context, id object.ObjID, typ object.ObjType) (object.Obj, error)
	// FetchObjs preserves order; missing ids yield nil slots.
	FetchObjs(ctx context.Context, ids []object.ObjID) ([]object.Obj, error)
	// StoreObj reports whether obj was newly stored. Storing an existing
	// id is a no-op.
	StoreObj(ctx context.Context, obj object.Obj) (bool, error)
	StoreObjs(ctx context.Context, objs []object.Obj) ([]bool, error)

	// Erase removes every row of the configured repository.
	Erase(ctx context.Context) error
}

// Config is shared by all backends.
type Config struct {
	RepositoryID string

	ParentsPerCommit             int
	MaxIncrementalIndexSize      int
	MaxSerializedIndexSize       int
	MaxReferenceStripesPerCommit int

	Retry RetryConfig

	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time
}

// RetryConfig bounds the commit retry loop.
type RetryConfig struct {
	MaxRetries   int
	Timeout      time.Duration
	InitialSleep time.Duration
	MaxSleep     time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		RepositoryID:                 "",
		ParentsPerCommit:             20,
		MaxIncrementalIndexSize:      50 * 1024,
		MaxSerializedIndexSize:       200 * 1024,
		MaxReferenceStripesPerCommit: 50,
		Retry: RetryConfig{
			MaxRetries:   100,
			Timeout:      15 * time.Second,
			InitialSleep: 5 * time.Millisecond,
			MaxSleep:     250 * time.Millisecond,
		},
	}
}

// WithDefaults fills zero fields of c from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ParentsPerCommit <= 0 {
		c.ParentsPerCommit = d.ParentsPerCommit
	}
	if c.MaxIncrementalIndexSize <= 0 {
		c.MaxIncrementalIndexSize = d.MaxIncrementalIndexSize
	}
	if c.MaxSerializedIndexSize <= 0 {
		c.MaxSerializedIndexSize = d.MaxSerializedIndexSize
	}
	if c.MaxReferenceStripesPerCommit <= 0 {
		c.MaxReferenceStripesPerCommit = d.MaxReferenceStripesPerCommit
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if c.Retry.Timeout <= 0 {
		c.Retry.Timeout = d.Retry.Timeout
	}
	if c.Retry.InitialSleep <= 0 {
		c.Retry.InitialSleep = d.Retry.InitialSleep
	}
	if c.Retry.MaxSleep <= 0 {
		c.Retry.MaxSleep = d.Retry.MaxSleep
	}
	return c
}

// Limits returns the object encoding limits.
func (c Config) Limits() object.Limits {
	return object.Limits{
		MaxIncrementalIndexSize: c.MaxIncrementalIndexSize,
		MaxSerializedIndexSize:  c.MaxSerializedIndexSize,
	}
}

// Now returns the configured clock's time.
func (c Config) Now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}
