package persist

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/strata/pkg/object"
)

// Error kinds. Every structured error below matches exactly one of them
// with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrConditionFailed      = errors.New("condition failed")
	ErrBackendLimitExceeded = errors.New("backend limit exceeded")
)

// RefNotFoundError reports a missing reference.
type RefNotFoundError struct {
	Name string
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("reference %q not found", e.Name)
}

func (e *RefNotFoundError) Is(target error) bool { return target == ErrNotFound }

// RefAlreadyExistsError carries the live row that blocked a create.
type RefAlreadyExistsError struct {
	Existing Reference
}

func (e *RefAlreadyExistsError) Error() string {
	return fmt.Sprintf("reference %q already exists at %s", e.Existing.Name, e.Existing.Pointer)
}

func (e *RefAlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// RefConditionFailedError carries the actual state of a reference whose
// compare-and-swap precondition did not hold.
type RefConditionFailedError struct {
	Actual Reference
}

func (e *RefConditionFailedError) Error() string {
	state := "live"
	if e.Actual.Deleted {
		state = "deleted"
	}
	return fmt.Sprintf("reference %q condition failed: actual pointer %s (%s)", e.Actual.Name, e.Actual.Pointer, state)
}

func (e *RefConditionFailedError) Is(target error) bool { return target == ErrConditionFailed }

// ObjNotFoundError lists the object ids that could not be fetched, either
// because they are absent or because they have a different type.
type ObjNotFoundError struct {
	IDs []object.ObjID
}

func (e *ObjNotFoundError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("objects not found: %s", strings.Join(ids, ", "))
}

func (e *ObjNotFoundError) Is(target error) bool { return target == ErrNotFound }

// BackendLimitExceededError signals throttling or a request size limit of
// the backing store. Callers treat it as retryable.
type BackendLimitExceededError struct {
	Op  string
	Err error
}

func (e *BackendLimitExceededError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: backend limit exceeded", e.Op)
	}
	return fmt.Sprintf("%s: backend limit exceeded: %v", e.Op, e.Err)
}

func (e *BackendLimitExceededError) Unwrap() error { return e.Err }

func (e *BackendLimitExceededError) Is(target error) bool { return target == ErrBackendLimitExceeded }
