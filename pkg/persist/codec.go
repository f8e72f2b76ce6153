package persist

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/odvcencio/strata/pkg/object"
)

const (
	refFieldName    protowire.Number = 1
	refFieldPointer protowire.Number = 2
	refFieldDeleted protowire.Number = 3
)

// EncodeReference serializes a reference row for key-value and object
// stores as a protobuf message {1: name, 2: pointer, 3: deleted}.
func EncodeReference(r Reference) []byte {
	var b []byte
	b = protowire.AppendTag(b, refFieldName, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, refFieldPointer, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Pointer[:])
	if r.Deleted {
		b = protowire.AppendTag(b, refFieldDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// DecodeReference is the inverse of EncodeReference. Unknown fields are
// skipped.
func DecodeReference(data []byte) (Reference, error) {
	var r Reference
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("decode reference: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == refFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("decode reference name: %w", protowire.ParseError(n))
			}
			r.Name = v
			data = data[n:]
		case num == refFieldPointer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("decode reference pointer: %w", protowire.ParseError(n))
			}
			id, err := object.ObjIDFromBytes(v)
			if err != nil {
				return r, fmt.Errorf("decode reference pointer: %w", err)
			}
			r.Pointer = id
			data = data[n:]
		case num == refFieldDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("decode reference deleted: %w", protowire.ParseError(n))
			}
			r.Deleted = protowire.DecodeBool(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("decode reference: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

// EncodeObj serializes obj under the limits of cfg.
func EncodeObj(cfg Config, obj object.Obj) ([]byte, error) {
	return object.Encode(obj, cfg.Limits())
}

// CheckType returns *ObjNotFoundError when obj is nil or not of type typ.
func CheckType(id object.ObjID, obj object.Obj, typ object.ObjType) (object.Obj, error) {
	if obj == nil || obj.Type() != typ {
		return nil, &ObjNotFoundError{IDs: []object.ObjID{id}}
	}
	return obj, nil
}

// Matches reports whether the stored row equals expected on the fields
// compared by the reference CAS operations.
func Matches(stored, expected Reference) bool {
	return stored.Name == expected.Name && stored.Pointer == expected.Pointer && stored.Deleted == expected.Deleted
}
