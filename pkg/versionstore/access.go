package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/odvcencio/strata/pkg/index"
)

// ErrForbidden is returned by an AccessChecker that rejects an operation.
var ErrForbidden = errors.New("forbidden")

// Access names an operation an AccessChecker may reject.
type Access uint8

const (
	AccessCreateReference Access = iota + 1
	AccessDeleteReference
	AccessAssignReference
	AccessCommit
	AccessMerge
	AccessTransplant
)

func (a Access) String() string {
	switch a {
	case AccessCreateReference:
		return "CREATE_REFERENCE"
	case AccessDeleteReference:
		return "DELETE_REFERENCE"
	case AccessAssignReference:
		return "ASSIGN_REFERENCE"
	case AccessCommit:
		return "COMMIT"
	case AccessMerge:
		return "MERGE"
	case AccessTransplant:
		return "TRANSPLANT"
	default:
		return fmt.Sprintf("Access(%d)", uint8(a))
	}
}

// AccessChecker is consulted before every mutating operation. ref is the
// full reference name; keys lists the content keys a commit touches and is
// empty for reference operations.
type AccessChecker interface {
	Check(ctx context.Context, access Access, ref string, keys []index.StoreKey) error
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Check(context.Context, Access, string, []index.StoreKey) error { return nil }

// AccessCheckerFunc adapts a function to AccessChecker.
type AccessCheckerFunc func(ctx context.Context, access Access, ref string, keys []index.StoreKey) error

func (f AccessCheckerFunc) Check(ctx context.Context, access Access, ref string, keys []index.StoreKey) error {
	return f(ctx, access, ref, keys)
}

func (s *Store) check(ctx context.Context, access Access, ref string, keys []index.StoreKey) error {
	if err := s.access.Check(ctx, access, ref, keys); err != nil {
		return fmt.Errorf("%s on %s: %w", access, ref, err)
	}
	return nil
}
