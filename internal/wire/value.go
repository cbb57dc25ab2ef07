package wire

import "encoding/json"

// RefKind distinguishes the three non-serial sentinels a Value may carry.
// Each resolves against the peer's handle table; the peer never sees a raw
// handle id without a matching table entry (spec §4.1).
type RefKind string

const (
	RefStream   RefKind = "stream"
	RefCallback RefKind = "callback"
	RefIterator RefKind = "iterator"
)

// HandleRef is a non-serial sentinel embedded in a tagged value tree,
// carrying a handle id interpreted by the bridge (C2) or streaming
// marshaller (C7) rather than a literal value.
type HandleRef struct {
	Ref     RefKind `json:"$ref"`
	Handle  uint64  `json:"handle"`
}

// Value is the tagged-value payload carried inside a frame. Tag selects
// which of the mutually exclusive fields is populated; Object/Array recurse
// into nested Values so a handle reference can appear at any depth of an
// object tree, which a plain json.RawMessage tree cannot express without a
// reserved key collision risk.
type Value struct {
	Tag   string            `json:"tag"`
	Null  bool              `json:"null,omitempty"`
	Bool  *bool             `json:"bool,omitempty"`
	Num   *float64          `json:"num,omitempty"`
	Str   *string           `json:"str,omitempty"`
	Bytes []byte            `json:"bytes,omitempty"`
	Array []*Value          `json:"array,omitempty"`
	Object map[string]*Value `json:"object,omitempty"`
	Ref   *HandleRef        `json:"ref,omitempty"`
}

const (
	tagNull   = "null"
	tagBool   = "bool"
	tagNum    = "num"
	tagStr    = "str"
	tagBytes  = "bytes"
	tagArray  = "array"
	tagObject = "object"
	tagRef    = "ref"
)

func Null() *Value { return &Value{Tag: tagNull, Null: true} }

func Bool(b bool) *Value { return &Value{Tag: tagBool, Bool: &b} }

func Num(n float64) *Value { return &Value{Tag: tagNum, Num: &n} }

func Str(s string) *Value { return &Value{Tag: tagStr, Str: &s} }

func Bin(b []byte) *Value { return &Value{Tag: tagBytes, Bytes: b} }

func Arr(items ...*Value) *Value { return &Value{Tag: tagArray, Array: items} }

func Obj(fields map[string]*Value) *Value { return &Value{Tag: tagObject, Object: fields} }

func StreamRef(handle uint64) *Value {
	return &Value{Tag: tagRef, Ref: &HandleRef{Ref: RefStream, Handle: handle}}
}

func CallbackRef(handle uint64) *Value {
	return &Value{Tag: tagRef, Ref: &HandleRef{Ref: RefCallback, Handle: handle}}
}

func IteratorRef(handle uint64) *Value {
	return &Value{Tag: tagRef, Ref: &HandleRef{Ref: RefIterator, Handle: handle}}
}

// Encode serializes a Value to bytes for embedding in a Frame payload.
func Encode(v *Value) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses bytes produced by Encode. An unrecognized tag is a fatal
// protocol error on the connection (spec §4.1).
func Decode(data []byte) (*Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if !validTag(v.Tag) {
		return nil, Protocol("unknown value tag: " + v.Tag)
	}
	return &v, nil
}

func validTag(tag string) bool {
	switch tag {
	case tagNull, tagBool, tagNum, tagStr, tagBytes, tagArray, tagObject, tagRef:
		return true
	default:
		return false
	}
}

// protocolError is a minimal local error type so this package does not
// import internal/errs (which would create a cycle once errs starts
// round-tripping Values); bridge callers translate it to errs.Protocol.
type protocolError string

func (e protocolError) Error() string { return string(e) }

func Protocol(msg string) error { return protocolError(msg) }
