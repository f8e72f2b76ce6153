package object

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// ObjIDSize is the length in bytes of an object id.
const ObjIDSize = 32

// ObjID is the BLAKE3 digest of an object's canonical encoding.
type ObjID [ObjIDSize]byte

// EmptyObjID is the all-zero id. It stands for "no commit": the parent of a
// root commit and the initial pointer of a fresh reference.
var EmptyObjID ObjID

// IsZero reports whether id is EmptyObjID.
func (id ObjID) IsZero() bool { return id == EmptyObjID }

// String returns the lowercase hex form of id.
func (id ObjID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 12 hex characters, for display.
func (id ObjID) Short() string { return id.String()[:12] }

// Bytes returns a copy of the raw id bytes.
func (id ObjID) Bytes() []byte {
	out := make([]byte, ObjIDSize)
	copy(out, id[:])
	return out
}

func (id ObjID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ObjID) UnmarshalText(text []byte) error {
	parsed, err := ParseObjID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseObjID parses the 64-character hex form produced by String.
func ParseObjID(s string) (ObjID, error) {
	if len(s) != 2*ObjIDSize {
		return EmptyObjID, fmt.Errorf("parse object id %q: want %d hex characters, got %d", s, 2*ObjIDSize, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return EmptyObjID, fmt.Errorf("parse object id %q: %w", s, err)
	}
	return ObjIDFromBytes(raw)
}

// ObjIDFromBytes copies a raw 32-byte id.
func ObjIDFromBytes(b []byte) (ObjID, error) {
	var id ObjID
	if len(b) != ObjIDSize {
		return id, fmt.Errorf("object id: want %d bytes, got %d", ObjIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// HashBytes computes the raw BLAKE3 hash of data.
func HashBytes(data []byte) ObjID {
	return ObjID(blake3.Sum256(data))
}

// HashObject computes the BLAKE3 of the envelope "type len\0content", so two
// objects of different types never share an id even if their payloads do.
func HashObject(objType ObjType, data []byte) ObjID {
	h := blake3.New()
	h.Write([]byte(objType.String()))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.Itoa(len(data))))
	h.Write([]byte{0})
	h.Write(data)
	var id ObjID
	copy(id[:], h.Sum(nil))
	return id
}
