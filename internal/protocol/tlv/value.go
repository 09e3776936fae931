package tlv

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// Kind identifies the variant held by a Value. Values below KindUnrecognized
// match application tag numbers.
type Kind uint8

const (
	KindNull            Kind = 0
	KindBoolean         Kind = 1
	KindUnsigned        Kind = 2
	KindSigned          Kind = 3
	KindReal            Kind = 4
	KindDouble          Kind = 5
	KindOctetString     Kind = 6
	KindCharacterString Kind = 7
	KindBitString       Kind = 8
	KindEnumerated      Kind = 9
	KindDate            Kind = 10
	KindTime            Kind = 11
	KindObjectID        Kind = 12
	KindUnrecognized    Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindUnsigned:
		return "unsigned"
	case KindSigned:
		return "signed"
	case KindReal:
		return "real"
	case KindDouble:
		return "double"
	case KindOctetString:
		return "octet-string"
	case KindCharacterString:
		return "character-string"
	case KindBitString:
		return "bit-string"
	case KindEnumerated:
		return "enumerated"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindObjectID:
		return "object-identifier"
	default:
		return "unrecognized"
	}
}

// ObjectType is the 10-bit type half of an object identifier.
type ObjectType uint16

const (
	ObjectAnalogInput  ObjectType = 0
	ObjectAnalogOutput ObjectType = 1
	ObjectAnalogValue  ObjectType = 2
	ObjectBinaryInput  ObjectType = 3
	ObjectBinaryValue  ObjectType = 5
	ObjectDevice       ObjectType = 8
	ObjectTrendLog     ObjectType = 20
)

const (
	MaxObjectType = 1023
	MaxInstance   = 4194303
)

// ObjectID references one protocol object.
type ObjectID struct {
	Type     ObjectType
	Instance uint32
}

func NewObjectID(t ObjectType, instance uint32) (ObjectID, error) {
	if t > MaxObjectType {
		return ObjectID{}, fmt.Errorf("tlv: object type %d out of range", t)
	}
	if instance > MaxInstance {
		return ObjectID{}, fmt.Errorf("tlv: object instance %d out of range", instance)
	}
	return ObjectID{Type: t, Instance: instance}, nil
}

func (o ObjectID) Pack() uint32 {
	return (uint32(o.Type)&MaxObjectType)<<22 | (o.Instance & MaxInstance)
}

func UnpackObjectID(v uint32) ObjectID {
	return ObjectID{Type: ObjectType(v >> 22), Instance: v & MaxInstance}
}

func (o ObjectID) String() string {
	return fmt.Sprintf("%d:%d", o.Type, o.Instance)
}

// Date fields use 0xFF for "unspecified". Year is the full year.
type Date struct {
	Year    int
	Month   uint8
	Day     uint8
	Weekday uint8
}

type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

type BitString struct {
	UnusedBits uint8
	Bytes      []byte
}

// Len returns the number of significant bits.
func (b BitString) Len() int {
	n := len(b.Bytes)*8 - int(b.UnusedBits)
	if n < 0 {
		return 0
	}
	return n
}

// Bit returns bit i counted from the most significant bit of the first byte.
func (b BitString) Bit(i int) bool {
	if i < 0 || i >= b.Len() {
		return false
	}
	return b.Bytes[i/8]&(0x80>>uint(i%8)) != 0
}

// Value is one decoded application value.
type Value struct {
	Kind       Kind
	Bool       bool
	Unsigned   uint64
	Signed     int64
	Real       float32
	Double     float64
	Octets     []byte
	Text       string
	Charset    uint8
	Bits       BitString
	Enumerated uint32
	Date       Date
	Time       Time
	ObjectID   ObjectID
	// Tag and Context describe the raw header of an unrecognized value.
	Tag     uint8
	Context bool
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case KindUnsigned:
		return fmt.Sprintf("%d", v.Unsigned)
	case KindSigned:
		return fmt.Sprintf("%d", v.Signed)
	case KindReal:
		return fmt.Sprintf("%g", v.Real)
	case KindDouble:
		return fmt.Sprintf("%g", v.Double)
	case KindOctetString:
		return fmt.Sprintf("%x", v.Octets)
	case KindCharacterString:
		return v.Text
	case KindBitString:
		return fmt.Sprintf("bits(%d)%x", v.Bits.Len(), v.Bits.Bytes)
	case KindEnumerated:
		return fmt.Sprintf("enum(%d)", v.Enumerated)
	case KindDate:
		return fmt.Sprintf("%04d-%02d-%02d", v.Date.Year, v.Date.Month, v.Date.Day)
	case KindTime:
		return fmt.Sprintf("%02d:%02d:%02d.%02d", v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Hundredths)
	case KindObjectID:
		return v.ObjectID.String()
	default:
		return fmt.Sprintf("unrecognized(tag=%d context=%t)", v.Tag, v.Context)
	}
}

// Decode decodes one tagged value at off and returns it with the offset just
// past its content. Unsupported tag numbers and context-class primitives
// decode to a KindUnrecognized placeholder so sibling decoding can continue.
func Decode(buf []byte, off int) (Value, int, error) {
	h, err := DecodeHeader(buf, off)
	if err != nil {
		return Value{}, off, err
	}
	if h.IsOpening() || h.IsClosing() {
		return Value{}, off, malformed(off, "constructed marker where value expected")
	}
	start := off + h.Size
	end := start + h.Length
	if h.Length < 0 || end > len(buf) {
		return Value{}, off, malformed(off, fmt.Sprintf("declared length %d exceeds buffer", h.Length))
	}
	content := buf[start:end]

	if h.Context {
		return Value{Kind: KindUnrecognized, Tag: h.Number, Context: true, Octets: clone(content)}, end, nil
	}

	v, err := decodeApplication(Kind(h.Number), h, content)
	if err != nil {
		return Value{}, off, fmt.Errorf("%w: offset %d: %s", ErrMalformedTag, off, err.Error())
	}
	return v, end, nil
}

func decodeApplication(kind Kind, h Header, content []byte) (Value, error) {
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindBoolean:
		return Value{Kind: KindBoolean, Bool: h.LVT == 1}, nil
	case KindUnsigned:
		u, err := decodeUnsigned(content)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindUnsigned, Unsigned: u}, nil
	case KindSigned:
		s, err := decodeSigned(content)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindSigned, Signed: s}, nil
	case KindReal:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("real length %d", len(content))
		}
		return Value{Kind: KindReal, Real: math.Float32frombits(binary.BigEndian.Uint32(content))}, nil
	case KindDouble:
		if len(content) != 8 {
			return Value{}, fmt.Errorf("double length %d", len(content))
		}
		return Value{Kind: KindDouble, Double: math.Float64frombits(binary.BigEndian.Uint64(content))}, nil
	case KindOctetString:
		return Value{Kind: KindOctetString, Octets: clone(content)}, nil
	case KindCharacterString:
		return decodeCharacterString(content)
	case KindBitString:
		if len(content) == 0 {
			return Value{}, fmt.Errorf("empty bit string")
		}
		if content[0] > 7 {
			return Value{}, fmt.Errorf("bit string unused bits %d", content[0])
		}
		return Value{Kind: KindBitString, Bits: BitString{UnusedBits: content[0], Bytes: clone(content[1:])}}, nil
	case KindEnumerated:
		u, err := decodeUnsigned(content)
		if err != nil {
			return Value{}, err
		}
		if u > math.MaxUint32 {
			return Value{}, fmt.Errorf("enumerated overflow")
		}
		return Value{Kind: KindEnumerated, Enumerated: uint32(u)}, nil
	case KindDate:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("date length %d", len(content))
		}
		year := int(content[0]) + 1900
		if content[0] == 0xFF {
			year = 0xFF
		}
		return Value{Kind: KindDate, Date: Date{Year: year, Month: content[1], Day: content[2], Weekday: content[3]}}, nil
	case KindTime:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("time length %d", len(content))
		}
		return Value{Kind: KindTime, Time: Time{Hour: content[0], Minute: content[1], Second: content[2], Hundredths: content[3]}}, nil
	case KindObjectID:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("object identifier length %d", len(content))
		}
		return Value{Kind: KindObjectID, ObjectID: UnpackObjectID(binary.BigEndian.Uint32(content))}, nil
	default:
		return Value{Kind: KindUnrecognized, Tag: uint8(kind), Octets: clone(content)}, nil
	}
}

func decodeCharacterString(content []byte) (Value, error) {
	if len(content) == 0 {
		return Value{Kind: KindCharacterString}, nil
	}
	// The charset byte is recorded but the payload is always read as UTF-8.
	out, err := unicode.UTF8.NewDecoder().Bytes(content[1:])
	if err != nil {
		return Value{}, fmt.Errorf("character string: %v", err)
	}
	return Value{Kind: KindCharacterString, Charset: content[0], Text: string(out)}, nil
}

func decodeUnsigned(content []byte) (uint64, error) {
	if len(content) == 0 || len(content) > 8 {
		return 0, fmt.Errorf("unsigned length %d", len(content))
	}
	var u uint64
	for _, b := range content {
		u = u<<8 | uint64(b)
	}
	return u, nil
}

func decodeSigned(content []byte) (int64, error) {
	if len(content) == 0 || len(content) > 8 {
		return 0, fmt.Errorf("signed length %d", len(content))
	}
	var s int64
	if content[0]&0x80 != 0 {
		s = -1
	}
	for _, b := range content {
		s = s<<8 | int64(b)
	}
	return s, nil
}

// DecodeContextUnsigned expects primitive context tag n at off.
func DecodeContextUnsigned(buf []byte, off int, n uint8) (uint64, int, error) {
	content, next, err := contextContent(buf, off, n)
	if err != nil {
		return 0, off, err
	}
	u, err := decodeUnsigned(content)
	if err != nil {
		return 0, off, malformed(off, err.Error())
	}
	return u, next, nil
}

// DecodeContextObjectID expects a 4-byte object identifier in context tag n.
func DecodeContextObjectID(buf []byte, off int, n uint8) (ObjectID, int, error) {
	content, next, err := contextContent(buf, off, n)
	if err != nil {
		return ObjectID{}, off, err
	}
	if len(content) != 4 {
		return ObjectID{}, off, malformed(off, fmt.Sprintf("object identifier length %d", len(content)))
	}
	return UnpackObjectID(binary.BigEndian.Uint32(content)), next, nil
}

// DecodeContextBitString expects a bit string in context tag n.
func DecodeContextBitString(buf []byte, off int, n uint8) (BitString, int, error) {
	content, next, err := contextContent(buf, off, n)
	if err != nil {
		return BitString{}, off, err
	}
	if len(content) == 0 {
		return BitString{}, off, malformed(off, "empty bit string")
	}
	return BitString{UnusedBits: content[0], Bytes: clone(content[1:])}, next, nil
}

// DecodeContextRaw returns the raw content of primitive context tag n.
func DecodeContextRaw(buf []byte, off int, n uint8) ([]byte, int, error) {
	content, next, err := contextContent(buf, off, n)
	if err != nil {
		return nil, off, err
	}
	return clone(content), next, nil
}

func contextContent(buf []byte, off int, n uint8) ([]byte, int, error) {
	h, err := DecodeHeader(buf, off)
	if err != nil {
		return nil, off, err
	}
	if !h.Context || h.Number != n || h.IsOpening() || h.IsClosing() {
		return nil, off, malformed(off, fmt.Sprintf("expected context tag %d", n))
	}
	start := off + h.Size
	end := start + h.Length
	if end > len(buf) {
		return nil, off, malformed(off, fmt.Sprintf("declared length %d exceeds buffer", h.Length))
	}
	return buf[start:end], end, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
