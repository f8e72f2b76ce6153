package index

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
)

// Action is the kind of change a CommitOp records for a key.
type Action uint8

const (
	// ActionNone marks a key listed as unchanged.
	ActionNone Action = iota
	ActionAdd
	ActionRemove
	// ActionIncrementalAdd and ActionIncrementalRemove are Add and Remove
	// carried forward from an ancestor commit.
	ActionIncrementalAdd
	ActionIncrementalRemove
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	case ActionIncrementalAdd:
		return "INCREMENTAL_ADD"
	case ActionIncrementalRemove:
		return "INCREMENTAL_REMOVE"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Exists reports whether the key is visible after the op.
func (a Action) Exists() bool {
	return a == ActionAdd || a == ActionIncrementalAdd
}

// CurrentCommit reports whether the op was introduced by the commit whose
// index holds it.
func (a Action) CurrentCommit() bool {
	return a == ActionAdd || a == ActionRemove
}

// CommitOp is one entry of an index.
type CommitOp struct {
	Action    Action
	Payload   byte
	Value     *object.ObjID
	ContentID string
}

func (o CommitOp) Exists() bool { return o.Action.Exists() }

// Carried returns o as it appears in a descendant's incremental index.
func (o CommitOp) Carried() CommitOp {
	switch o.Action {
	case ActionAdd:
		o.Action = ActionIncrementalAdd
	case ActionRemove:
		o.Action = ActionIncrementalRemove
	}
	return o
}

// SameValue reports whether a and b reference the same content value.
func SameValue(a, b *object.ObjID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Element pairs a key with its op.
type Element struct {
	Key StoreKey
	Op  CommitOp
}
