package tlv

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeHeader builds a tag header for a primitive of the given length.
func EncodeHeader(number uint8, context bool, length int) []byte {
	first := number << 4
	if context {
		first |= 0x08
	}
	switch {
	case length < int(lvtExtended):
		return []byte{first | uint8(length)}
	case length <= 253:
		return []byte{first | lvtExtended, uint8(length)}
	case length <= math.MaxUint16:
		out := []byte{first | lvtExtended, 254, 0, 0}
		binary.BigEndian.PutUint16(out[2:], uint16(length))
		return out
	default:
		out := []byte{first | lvtExtended, 255, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(out[2:], uint32(length))
		return out
	}
}

func EncodeOpeningTag(n uint8) []byte {
	return []byte{n<<4 | 0x08 | lvtOpening}
}

func EncodeClosingTag(n uint8) []byte {
	return []byte{n<<4 | 0x08 | lvtClosing}
}

// EncodeApplication encodes v with its application tag.
func EncodeApplication(v Value) ([]byte, error) {
	if v.Kind == KindBoolean {
		b := uint8(0)
		if v.Bool {
			b = 1
		}
		return []byte{uint8(KindBoolean)<<4 | b}, nil
	}
	content, err := encodeContent(v)
	if err != nil {
		return nil, err
	}
	return append(EncodeHeader(uint8(v.Kind), false, len(content)), content...), nil
}

// MustEncodeApplication is EncodeApplication for values known to be valid.
func MustEncodeApplication(v Value) []byte {
	out, err := EncodeApplication(v)
	if err != nil {
		panic(err)
	}
	return out
}

func EncodeContextUnsigned(n uint8, u uint64) []byte {
	content := unsignedBytes(u)
	return append(EncodeHeader(n, true, len(content)), content...)
}

func EncodeContextObjectID(n uint8, o ObjectID) []byte {
	content := make([]byte, 4)
	binary.BigEndian.PutUint32(content, o.Pack())
	return append(EncodeHeader(n, true, 4), content...)
}

func EncodeContextBitString(n uint8, b BitString) []byte {
	content := append([]byte{b.UnusedBits}, b.Bytes...)
	return append(EncodeHeader(n, true, len(content)), content...)
}

func EncodeContextRaw(n uint8, content []byte) []byte {
	return append(EncodeHeader(n, true, len(content)), content...)
}

func encodeContent(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindUnsigned:
		return unsignedBytes(v.Unsigned), nil
	case KindSigned:
		return signedBytes(v.Signed), nil
	case KindReal:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, math.Float32bits(v.Real))
		return out, nil
	case KindDouble:
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, math.Float64bits(v.Double))
		return out, nil
	case KindOctetString:
		return clone(v.Octets), nil
	case KindCharacterString:
		return append([]byte{v.Charset}, v.Text...), nil
	case KindBitString:
		return append([]byte{v.Bits.UnusedBits}, v.Bits.Bytes...), nil
	case KindEnumerated:
		return unsignedBytes(uint64(v.Enumerated)), nil
	case KindDate:
		year := uint8(0xFF)
		if v.Date.Year != 0xFF {
			if v.Date.Year < 1900 || v.Date.Year > 1900+254 {
				return nil, fmt.Errorf("tlv: date year %d out of range", v.Date.Year)
			}
			year = uint8(v.Date.Year - 1900)
		}
		return []byte{year, v.Date.Month, v.Date.Day, v.Date.Weekday}, nil
	case KindTime:
		return []byte{v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Hundredths}, nil
	case KindObjectID:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, v.ObjectID.Pack())
		return out, nil
	default:
		return nil, fmt.Errorf("tlv: cannot encode kind %s", v.Kind)
	}
}

func unsignedBytes(u uint64) []byte {
	n := 1
	for n < 8 && u>>(uint(n)*8) != 0 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

func signedBytes(s int64) []byte {
	n := 1
	for n < 8 {
		lo := int64(-1) << (uint(n)*8 - 1)
		hi := -lo - 1
		if s >= lo && s <= hi {
			break
		}
		n++
	}
	out := make([]byte, n)
	u := uint64(s)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

// Coerce converts a Go scalar into a Value of the requested application kind.
// It backs single-property writes where the caller names the type tag.
func Coerce(kind Kind, in any) (Value, error) {
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindBoolean:
		switch x := in.(type) {
		case bool:
			return Value{Kind: KindBoolean, Bool: x}, nil
		}
		f, ok := toFloat(in)
		if !ok {
			break
		}
		return Value{Kind: KindBoolean, Bool: f != 0}, nil
	case KindUnsigned, KindEnumerated:
		u, ok := toUint(in)
		if !ok {
			break
		}
		if kind == KindEnumerated {
			if u > math.MaxUint32 {
				break
			}
			return Value{Kind: KindEnumerated, Enumerated: uint32(u)}, nil
		}
		return Value{Kind: KindUnsigned, Unsigned: u}, nil
	case KindSigned:
		n, ok := toInt(in)
		if !ok {
			break
		}
		return Value{Kind: KindSigned, Signed: n}, nil
	case KindReal:
		f, ok := toFloat(in)
		if !ok {
			break
		}
		return Value{Kind: KindReal, Real: float32(f)}, nil
	case KindDouble:
		f, ok := toFloat(in)
		if !ok {
			break
		}
		return Value{Kind: KindDouble, Double: f}, nil
	case KindCharacterString:
		if s, ok := in.(string); ok {
			return Value{Kind: KindCharacterString, Text: s}, nil
		}
	case KindOctetString:
		if b, ok := in.([]byte); ok {
			return Value{Kind: KindOctetString, Octets: clone(b)}, nil
		}
	case KindObjectID:
		if o, ok := in.(ObjectID); ok {
			return Value{Kind: KindObjectID, ObjectID: o}, nil
		}
	}
	return Value{}, fmt.Errorf("tlv: cannot coerce %T to %s", in, kind)
}

// integer splits an integer input into magnitude and sign. Floats with a
// fractional part or outside the 64-bit range are rejected.
func integer(in any) (mag uint64, neg bool, ok bool) {
	switch x := in.(type) {
	case int:
		return signedParts(int64(x))
	case int8:
		return signedParts(int64(x))
	case int16:
		return signedParts(int64(x))
	case int32:
		return signedParts(int64(x))
	case int64:
		return signedParts(x)
	case uint:
		return uint64(x), false, true
	case uint8:
		return uint64(x), false, true
	case uint16:
		return uint64(x), false, true
	case uint32:
		return uint64(x), false, true
	case uint64:
		return x, false, true
	case float32, float64:
		f, _ := toFloat(in)
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false, false
		}
		if f < 0 {
			if f < math.MinInt64 {
				return 0, false, false
			}
			return signedParts(int64(f))
		}
		if f >= 1<<64 {
			return 0, false, false
		}
		return uint64(f), false, true
	default:
		return 0, false, false
	}
}

func signedParts(n int64) (uint64, bool, bool) {
	if n < 0 {
		return uint64(-(n + 1)) + 1, true, true
	}
	return uint64(n), false, true
}

func toUint(in any) (uint64, bool) {
	mag, neg, ok := integer(in)
	if !ok || (neg && mag != 0) {
		return 0, false
	}
	return mag, true
}

func toInt(in any) (int64, bool) {
	mag, neg, ok := integer(in)
	if !ok {
		return 0, false
	}
	if neg {
		if mag > 1<<63 {
			return 0, false
		}
		return -int64(mag-1) - 1, true
	}
	if mag > math.MaxInt64 {
		return 0, false
	}
	return int64(mag), true
}

func toFloat(in any) (float64, bool) {
	switch x := in.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
