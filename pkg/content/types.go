// Package content holds the registry of content types. Content data itself
// is opaque; a key's payload byte names the registered type of its value.
package content

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	ErrIllegalName = errors.New("illegal content-type name")
	ErrDuplicate   = errors.New("duplicate content type registration")
	ErrUnknown     = errors.New("no content type registered")
)

// Type is a registered content type.
type Type struct {
	Name    string
	Payload byte
}

func (t Type) String() string { return t.Name }

var namePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Registry maps content-type names and payload bytes to types. The zero
// value is empty and ready to use.
type Registry struct {
	byName    map[string]Type
	byPayload map[byte]Type
}

// Register adds t. Payload 0 is reserved for "no content".
func (r *Registry) Register(t Type) error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: %q", ErrIllegalName, t.Name)
	}
	if t.Payload == 0 {
		return fmt.Errorf("%w: payload 0 is reserved for %s", ErrIllegalName, t.Name)
	}
	if r.byName == nil {
		r.byName = make(map[string]Type)
		r.byPayload = make(map[byte]Type)
	}
	if existing, ok := r.byName[t.Name]; ok {
		return fmt.Errorf("%w for %s/%d, existing: %s/%d", ErrDuplicate, t.Name, t.Payload, existing.Name, existing.Payload)
	}
	if existing, ok := r.byPayload[t.Payload]; ok {
		return fmt.Errorf("%w for %s/%d, existing: %s/%d", ErrDuplicate, t.Name, t.Payload, existing.Name, existing.Payload)
	}
	r.byName[t.Name] = t
	r.byPayload[t.Payload] = t
	return nil
}

func (r *Registry) ForName(name string) (Type, error) {
	t, ok := r.byName[name]
	if !ok {
		return Type{}, fmt.Errorf("%w for name %s", ErrUnknown, name)
	}
	return t, nil
}

func (r *Registry) ForPayload(payload byte) (Type, error) {
	t, ok := r.byPayload[payload]
	if !ok {
		return Type{}, fmt.Errorf("%w for payload %d", ErrUnknown, payload)
	}
	return t, nil
}

// All returns the registered types ordered by payload.
func (r *Registry) All() []Type {
	out := make([]Type, 0, len(r.byPayload))
	for _, t := range r.byPayload {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Payload < out[j].Payload })
	return out
}

// NewRegistry registers types in order and fails on the first bad one.
func NewRegistry(types ...Type) (*Registry, error) {
	r := &Registry{}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, fmt.Errorf("content-type registration: %w", err)
		}
	}
	return r, nil
}

var (
	IcebergTable   = Type{Name: "ICEBERG_TABLE", Payload: 1}
	DeltaLakeTable = Type{Name: "DELTA_LAKE_TABLE", Payload: 2}
	IcebergView    = Type{Name: "ICEBERG_VIEW", Payload: 3}
	Namespace      = Type{Name: "NAMESPACE", Payload: 4}
	UDF            = Type{Name: "UDF", Payload: 5}
)

// Builtin is the process-wide registry of the built-in types. It is built
// once at startup; a bad registration panics.
var Builtin = mustRegistry(IcebergTable, DeltaLakeTable, IcebergView, Namespace, UDF)

func mustRegistry(types ...Type) *Registry {
	r, err := NewRegistry(types...)
	if err != nil {
		panic(err)
	}
	return r
}

// ForName resolves name in Builtin.
func ForName(name string) (Type, error) { return Builtin.ForName(name) }

// ForPayload resolves payload in Builtin.
func ForPayload(payload byte) (Type, error) { return Builtin.ForPayload(payload) }
