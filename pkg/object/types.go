package object

import "fmt"

// ObjType identifies the kind of object stored.
type ObjType uint8

const (
	TypeCommit ObjType = iota + 1
	TypeRef
	TypeTag
	TypeString
	TypeIndex
	TypeIndexSegments
	TypeValue
)

var objTypeNames = map[ObjType]string{
	TypeCommit:        "c",
	TypeRef:           "r",
	TypeTag:           "t",
	TypeString:        "s",
	TypeIndex:         "i",
	TypeIndexSegments: "I",
	TypeValue:         "v",
}

// String returns the short type name backends store in their type column.
func (t ObjType) String() string {
	if name, ok := objTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ObjType(%d)", uint8(t))
}

// ParseObjType is the inverse of ObjType.String.
func ParseObjType(s string) (ObjType, error) {
	for t, name := range objTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("parse object type %q: %w", s, ErrUnknownObjType)
}

// Obj is implemented only by the object types of this package.
type Obj interface {
	ID() ObjID
	Type() ObjType
	setID(ObjID)
}

type objID struct {
	id ObjID
}

func (o *objID) ID() ObjID      { return o.id }
func (o *objID) setID(id ObjID) { o.id = id }

// Seal computes obj's id from its canonical encoding and records it on obj.
// Objects must not be modified after sealing.
func Seal(obj Obj) error {
	data, err := Encode(obj, Limits{})
	if err != nil {
		return fmt.Errorf("seal %s: %w", obj.Type(), err)
	}
	obj.setID(HashObject(obj.Type(), data))
	return nil
}

// CommitType distinguishes user commits from bookkeeping commits on internal
// references.
type CommitType uint8

const (
	CommitNormal CommitType = iota
	CommitInternal
)

func (t CommitType) String() string {
	if t == CommitInternal {
		return "INTERNAL"
	}
	return "NORMAL"
}

// IndexStripe locates one segment of a striped reference index. FirstKey and
// LastKey are inclusive.
type IndexStripe struct {
	FirstKey  string
	LastKey   string
	SegmentID ObjID
}

// CommitObj is a node of the commit graph.
type CommitObj struct {
	objID

	Created int64 // unix micros
	Seq     uint64
	Message string
	Headers Headers

	// Tail[0] is the direct parent, followed by older first-parent
	// ancestors, newest first.
	Tail             []ObjID
	SecondaryParents []ObjID

	IncrementalIndex      []byte
	IncompleteIndex       bool
	ReferenceIndex        *ObjID
	ReferenceIndexStripes []IndexStripe

	CommitType CommitType
}

func (*CommitObj) Type() ObjType { return TypeCommit }

// DirectParent returns Tail[0], or EmptyObjID for a root commit.
func (c *CommitObj) DirectParent() ObjID {
	if len(c.Tail) == 0 {
		return EmptyObjID
	}
	return c.Tail[0]
}

// Parents returns the direct parent followed by the secondary parents.
func (c *CommitObj) Parents() []ObjID {
	var out []ObjID
	if p := c.DirectParent(); !p.IsZero() {
		out = append(out, p)
	}
	return append(out, c.SecondaryParents...)
}

// RefObj is the payload recorded in the reference audit log when a
// reference is created.
type RefObj struct {
	objID

	Name           string
	InitialPointer ObjID
	CreatedAt      int64 // unix micros
}

func (*RefObj) Type() ObjType { return TypeRef }

// TagObj is an annotated tag. Nil optional fields are absent.
type TagObj struct {
	objID

	Commit    ObjID
	Message   *string
	Headers   *Headers
	Signature []byte
}

func (*TagObj) Type() ObjType { return TypeTag }

// StringObj holds a possibly compressed text payload.
type StringObj struct {
	objID

	ContentType  string
	Compression  Compression
	Filename     *string
	Predecessors []ObjID
	Text         []byte
}

func (*StringObj) Type() ObjType { return TypeString }

// Decompressed returns Text with Compression undone.
func (s *StringObj) Decompressed() ([]byte, error) {
	return Decompress(s.Compression, s.Text)
}

// IndexObj holds one serialized index segment.
type IndexObj struct {
	objID

	Index []byte
}

func (*IndexObj) Type() ObjType { return TypeIndex }

// IndexSegmentsObj lists the stripes of a reference index that did not fit
// into the commit itself.
type IndexSegmentsObj struct {
	objID

	Stripes []IndexStripe
}

func (*IndexSegmentsObj) Type() ObjType { return TypeIndexSegments }

// ContentValueObj is the stored form of one content value.
type ContentValueObj struct {
	objID

	ContentID string
	Payload   byte
	Data      []byte
}

func (*ContentValueObj) Type() ObjType { return TypeValue }
