package logic

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/strata/pkg/index"
)

var (
	// ErrConflict is matched by *CommitConflictError.
	ErrConflict = errors.New("conflict")
	// ErrRetry is returned by a CommitRetry attempt that lost a
	// compare-and-swap race and wants to run again on fresh state.
	ErrRetry = errors.New("retry")
	// ErrRetryTimeout is matched by *RetryTimeoutError.
	ErrRetryTimeout = errors.New("retry timeout")
	// ErrInternal marks broken invariants of persisted state. It is never
	// retried.
	ErrInternal        = errors.New("internal error")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInitialized is returned when the internal references of a
	// repository are missing.
	ErrNotInitialized = errors.New("repository not initialized")
)

// ConflictType classifies one commit conflict.
type ConflictType uint8

const (
	ConflictKeyExists ConflictType = iota + 1
	ConflictKeyDoesNotExist
	ConflictPayloadDiffers
	ConflictContentIDDiffers
	ConflictValueDiffers
)

func (t ConflictType) String() string {
	switch t {
	case ConflictKeyExists:
		return "KEY_EXISTS"
	case ConflictKeyDoesNotExist:
		return "KEY_DOES_NOT_EXIST"
	case ConflictPayloadDiffers:
		return "PAYLOAD_DIFFERS"
	case ConflictContentIDDiffers:
		return "CONTENT_ID_DIFFERS"
	case ConflictValueDiffers:
		return "VALUE_DIFFERS"
	default:
		return fmt.Sprintf("ConflictType(%d)", uint8(t))
	}
}

// Conflict is one offending key of a rejected commit. Existing is the op
// visible at the parent, nil when the key is absent there.
type Conflict struct {
	Type     ConflictType
	Key      index.StoreKey
	Existing *index.CommitOp
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s %s", c.Type, c.Key)
}

// CommitConflictError lists every conflict found while checking a commit.
type CommitConflictError struct {
	Conflicts []Conflict
}

func (e *CommitConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("commit conflict: %d conflicting keys: %s", len(e.Conflicts), strings.Join(parts, ", "))
}

func (e *CommitConflictError) Is(target error) bool { return target == ErrConflict }

// RetryTimeoutError reports an exhausted commit retry loop.
type RetryTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *RetryTimeoutError) Error() string {
	return fmt.Sprintf("commit retry timed out after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *RetryTimeoutError) Is(target error) bool { return target == ErrRetryTimeout }
