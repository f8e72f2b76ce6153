package object

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrUnknownObjType is returned when an encoded object carries no
	// recognized variant. It signals corruption or a programming error.
	ErrUnknownObjType = errors.New("unknown object type")

	// ErrObjTooLarge is matched by *ObjTooLargeError.
	ErrObjTooLarge = errors.New("object too large")
)

// ObjTooLargeError reports a serialized index that exceeds its configured
// limit.
type ObjTooLargeError struct {
	Size  int
	Limit int
}

func (e *ObjTooLargeError) Error() string {
	return fmt.Sprintf("object too large: serialized size %d exceeds limit %d", e.Size, e.Limit)
}

func (e *ObjTooLargeError) Is(target error) bool { return target == ErrObjTooLarge }

// Limits bounds the serialized indexes an object may carry. Zero means
// unlimited.
type Limits struct {
	MaxIncrementalIndexSize int
	MaxSerializedIndexSize  int
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("object: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("object: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v deterministically. Other packages use it for
// payloads stored inside objects so that equal values produce equal ids.
func MarshalCBOR(v any) ([]byte, error) { return encMode.Marshal(v) }

// UnmarshalCBOR decodes data produced by MarshalCBOR.
func UnmarshalCBOR(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// ---------------------------------------------------------------------------
// Wire forms
// ---------------------------------------------------------------------------

// envelope holds exactly one populated variant.
type envelope struct {
	Commit        *commitWire        `cbor:"1,keyasint,omitempty"`
	Value         *valueWire         `cbor:"2,keyasint,omitempty"`
	Ref           *refWire           `cbor:"3,keyasint,omitempty"`
	IndexSegments *indexSegmentsWire `cbor:"4,keyasint,omitempty"`
	Index         *indexWire         `cbor:"5,keyasint,omitempty"`
	String        *stringWire        `cbor:"6,keyasint,omitempty"`
	Tag           *tagWire           `cbor:"7,keyasint,omitempty"`
}

func (e *envelope) variants() int {
	n := 0
	for _, set := range []bool{
		e.Commit != nil, e.Value != nil, e.Ref != nil, e.IndexSegments != nil,
		e.Index != nil, e.String != nil, e.Tag != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

type headerWire struct {
	_      struct{} `cbor:",toarray"`
	Name   string
	Values []string
}

type stripeWire struct {
	_         struct{} `cbor:",toarray"`
	FirstKey  string
	LastKey   string
	SegmentID []byte
}

type commitWire struct {
	Created               int64        `cbor:"1,keyasint"`
	Seq                   uint64       `cbor:"2,keyasint"`
	Message               string       `cbor:"3,keyasint"`
	Headers               []headerWire `cbor:"4,keyasint,omitempty"`
	Tail                  [][]byte     `cbor:"5,keyasint,omitempty"`
	SecondaryParents      [][]byte     `cbor:"6,keyasint,omitempty"`
	IncrementalIndex      []byte       `cbor:"7,keyasint,omitempty"`
	IncompleteIndex       bool         `cbor:"8,keyasint,omitempty"`
	ReferenceIndex        []byte       `cbor:"9,keyasint,omitempty"`
	ReferenceIndexStripes []stripeWire `cbor:"10,keyasint,omitempty"`
	CommitType            uint8        `cbor:"11,keyasint,omitempty"`
}

type valueWire struct {
	ContentID string `cbor:"1,keyasint"`
	Payload   uint8  `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
}

type refWire struct {
	Name           string `cbor:"1,keyasint"`
	InitialPointer []byte `cbor:"2,keyasint"`
	CreatedAt      int64  `cbor:"3,keyasint"`
}

type indexSegmentsWire struct {
	Stripes []stripeWire `cbor:"1,keyasint"`
}

type indexWire struct {
	Index []byte `cbor:"1,keyasint"`
}

type stringWire struct {
	ContentType  string   `cbor:"1,keyasint"`
	Compression  uint8    `cbor:"2,keyasint"`
	Filename     *string  `cbor:"3,keyasint,omitempty"`
	Predecessors [][]byte `cbor:"4,keyasint,omitempty"`
	Text         []byte   `cbor:"5,keyasint"`
}

type tagWire struct {
	Commit    []byte        `cbor:"1,keyasint"`
	Message   *string       `cbor:"2,keyasint,omitempty"`
	Headers   *[]headerWire `cbor:"3,keyasint,omitempty"`
	Signature *[]byte       `cbor:"4,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Encode
// ---------------------------------------------------------------------------

// Encode serializes obj deterministically. It fails with *ObjTooLargeError
// when a serialized index exceeds limits.
func Encode(obj Obj, limits Limits) ([]byte, error) {
	var env envelope
	switch o := obj.(type) {
	case *CommitObj:
		if limits.MaxIncrementalIndexSize > 0 && len(o.IncrementalIndex) > limits.MaxIncrementalIndexSize {
			return nil, &ObjTooLargeError{Size: len(o.IncrementalIndex), Limit: limits.MaxIncrementalIndexSize}
		}
		w := &commitWire{
			Created:               o.Created,
			Seq:                   o.Seq,
			Message:               o.Message,
			Headers:               headersToWire(o.Headers),
			Tail:                  idsToWire(o.Tail),
			SecondaryParents:      idsToWire(o.SecondaryParents),
			IncrementalIndex:      o.IncrementalIndex,
			IncompleteIndex:       o.IncompleteIndex,
			ReferenceIndexStripes: stripesToWire(o.ReferenceIndexStripes),
			CommitType:            uint8(o.CommitType),
		}
		if o.ReferenceIndex != nil {
			w.ReferenceIndex = o.ReferenceIndex.Bytes()
		}
		env.Commit = w
	case *ContentValueObj:
		env.Value = &valueWire{ContentID: o.ContentID, Payload: o.Payload, Data: nonNil(o.Data)}
	case *RefObj:
		env.Ref = &refWire{Name: o.Name, InitialPointer: o.InitialPointer.Bytes(), CreatedAt: o.CreatedAt}
	case *IndexSegmentsObj:
		env.IndexSegments = &indexSegmentsWire{Stripes: nonNilStripes(stripesToWire(o.Stripes))}
	case *IndexObj:
		if limits.MaxSerializedIndexSize > 0 && len(o.Index) > limits.MaxSerializedIndexSize {
			return nil, &ObjTooLargeError{Size: len(o.Index), Limit: limits.MaxSerializedIndexSize}
		}
		env.Index = &indexWire{Index: nonNil(o.Index)}
	case *StringObj:
		env.String = &stringWire{
			ContentType:  o.ContentType,
			Compression:  uint8(o.Compression),
			Filename:     o.Filename,
			Predecessors: idsToWire(o.Predecessors),
			Text:         nonNil(o.Text),
		}
	case *TagObj:
		w := &tagWire{Commit: o.Commit.Bytes(), Message: o.Message}
		if o.Headers != nil {
			hs := headersToWire(*o.Headers)
			if hs == nil {
				hs = []headerWire{}
			}
			w.Headers = &hs
		}
		if o.Signature != nil {
			sig := o.Signature
			w.Signature = &sig
		}
		env.Tag = w
	default:
		return nil, fmt.Errorf("encode object %T: %w", obj, ErrUnknownObjType)
	}

	data, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", obj.Type(), err)
	}
	return data, nil
}

func headersToWire(h Headers) []headerWire {
	if len(h) == 0 {
		return nil
	}
	out := make([]headerWire, len(h))
	for i, e := range h {
		out[i] = headerWire{Name: e.Name, Values: nonNilStrings(e.Values)}
	}
	return out
}

func idsToWire(ids []ObjID) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = id.Bytes()
	}
	return out
}

func stripesToWire(stripes []IndexStripe) []stripeWire {
	if len(stripes) == 0 {
		return nil
	}
	out := make([]stripeWire, len(stripes))
	for i, s := range stripes {
		out[i] = stripeWire{FirstKey: s.FirstKey, LastKey: s.LastKey, SegmentID: s.SegmentID.Bytes()}
	}
	return out
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilStripes(s []stripeWire) []stripeWire {
	if s == nil {
		return []stripeWire{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode is the inverse of Encode. The caller supplies the id the object was
// stored under.
func Decode(id ObjID, data []byte) (Obj, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", id, err)
	}

	if n := env.variants(); n != 1 {
		return nil, fmt.Errorf("decode object %s: %d variants set: %w", id, n, ErrUnknownObjType)
	}

	var (
		obj Obj
		err error
	)
	switch {
	case env.Commit != nil:
		obj, err = decodeCommit(env.Commit)
	case env.Value != nil:
		obj = &ContentValueObj{ContentID: env.Value.ContentID, Payload: env.Value.Payload, Data: env.Value.Data}
	case env.Ref != nil:
		obj, err = decodeRef(env.Ref)
	case env.IndexSegments != nil:
		var stripes []IndexStripe
		stripes, err = stripesFromWire(env.IndexSegments.Stripes)
		obj = &IndexSegmentsObj{Stripes: stripes}
	case env.Index != nil:
		obj = &IndexObj{Index: env.Index.Index}
	case env.String != nil:
		obj, err = decodeString(env.String)
	case env.Tag != nil:
		obj, err = decodeTag(env.Tag)
	default:
		return nil, fmt.Errorf("decode object %s: %w", id, ErrUnknownObjType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode object %s: %w", id, err)
	}
	obj.setID(id)
	return obj, nil
}

func decodeCommit(w *commitWire) (*CommitObj, error) {
	tail, err := idsFromWire(w.Tail)
	if err != nil {
		return nil, fmt.Errorf("tail: %w", err)
	}
	secondary, err := idsFromWire(w.SecondaryParents)
	if err != nil {
		return nil, fmt.Errorf("secondary parents: %w", err)
	}
	stripes, err := stripesFromWire(w.ReferenceIndexStripes)
	if err != nil {
		return nil, err
	}
	c := &CommitObj{
		Created:               w.Created,
		Seq:                   w.Seq,
		Message:               w.Message,
		Headers:               headersFromWire(w.Headers),
		Tail:                  tail,
		SecondaryParents:      secondary,
		IncrementalIndex:      w.IncrementalIndex,
		IncompleteIndex:       w.IncompleteIndex,
		ReferenceIndexStripes: stripes,
		CommitType:            CommitType(w.CommitType),
	}
	if len(c.IncrementalIndex) == 0 {
		c.IncrementalIndex = nil
	}
	if w.ReferenceIndex != nil {
		ref, err := ObjIDFromBytes(w.ReferenceIndex)
		if err != nil {
			return nil, fmt.Errorf("reference index: %w", err)
		}
		c.ReferenceIndex = &ref
	}
	return c, nil
}

func decodeRef(w *refWire) (*RefObj, error) {
	initial, err := ObjIDFromBytes(w.InitialPointer)
	if err != nil {
		return nil, fmt.Errorf("initial pointer: %w", err)
	}
	return &RefObj{Name: w.Name, InitialPointer: initial, CreatedAt: w.CreatedAt}, nil
}

func decodeString(w *stringWire) (*StringObj, error) {
	preds, err := idsFromWire(w.Predecessors)
	if err != nil {
		return nil, fmt.Errorf("predecessors: %w", err)
	}
	return &StringObj{
		ContentType:  w.ContentType,
		Compression:  Compression(w.Compression),
		Filename:     w.Filename,
		Predecessors: preds,
		Text:         w.Text,
	}, nil
}

func decodeTag(w *tagWire) (*TagObj, error) {
	commit, err := ObjIDFromBytes(w.Commit)
	if err != nil {
		return nil, fmt.Errorf("tag commit: %w", err)
	}
	t := &TagObj{Commit: commit, Message: w.Message}
	if w.Headers != nil {
		hs := headersFromWire(*w.Headers)
		if hs == nil {
			hs = Headers{}
		}
		t.Headers = &hs
	}
	if w.Signature != nil {
		t.Signature = append([]byte{}, (*w.Signature)...)
	}
	return t, nil
}

func headersFromWire(ws []headerWire) Headers {
	if len(ws) == 0 {
		return nil
	}
	out := make(Headers, len(ws))
	for i, w := range ws {
		out[i] = Header{Name: w.Name, Values: w.Values}
	}
	return out
}

func idsFromWire(ws [][]byte) ([]ObjID, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]ObjID, len(ws))
	for i, w := range ws {
		id, err := ObjIDFromBytes(w)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func stripesFromWire(ws []stripeWire) ([]IndexStripe, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]IndexStripe, len(ws))
	for i, w := range ws {
		seg, err := ObjIDFromBytes(w.SegmentID)
		if err != nil {
			return nil, fmt.Errorf("stripe %d: %w", i, err)
		}
		out[i] = IndexStripe{FirstKey: w.FirstKey, LastKey: w.LastKey, SegmentID: seg}
	}
	return out, nil
}
