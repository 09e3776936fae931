package tlv

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestDecodeRealOne(t *testing.T) {
	v, next, err := Decode([]byte{0x44, 0x3F, 0x80, 0x00, 0x00}, 0)
	if err != nil {
		t.Fatalf("decode real: %v", err)
	}
	if v.Kind != KindReal || v.Real != 1.0 {
		t.Fatalf("expected real 1.0, got %s %v", v.Kind, v.Real)
	}
	if next != 5 {
		t.Fatalf("expected offset 5, got %d", next)
	}
}

func TestDecodePrimitives(t *testing.T) {
	cases := []struct {
		name  string
		in    []byte
		check func(Value) bool
	}{
		{"null", []byte{0x00}, func(v Value) bool { return v.Kind == KindNull }},
		{"bool true", []byte{0x11}, func(v Value) bool { return v.Kind == KindBoolean && v.Bool }},
		{"bool false", []byte{0x10}, func(v Value) bool { return v.Kind == KindBoolean && !v.Bool }},
		{"unsigned 2 bytes", []byte{0x22, 0x01, 0x00}, func(v Value) bool { return v.Kind == KindUnsigned && v.Unsigned == 256 }},
		{"signed negative", []byte{0x31, 0xFF}, func(v Value) bool { return v.Kind == KindSigned && v.Signed == -1 }},
		{"signed 3 bytes negative", []byte{0x33, 0xFE, 0xFF, 0xFF}, func(v Value) bool { return v.Signed == -65537 }},
		{"signed positive msb clear", []byte{0x32, 0x7F, 0xFF}, func(v Value) bool { return v.Signed == 32767 }},
		{"enumerated", []byte{0x91, 0x03}, func(v Value) bool { return v.Kind == KindEnumerated && v.Enumerated == 3 }},
		{"date", []byte{0xA4, 0x7C, 0x05, 0x11, 0x03}, func(v Value) bool {
			return v.Kind == KindDate && v.Date.Year == 2024 && v.Date.Month == 5 && v.Date.Day == 17
		}},
		{"time", []byte{0xB4, 0x0D, 0x1E, 0x05, 0x32}, func(v Value) bool {
			return v.Kind == KindTime && v.Time.Hour == 13 && v.Time.Minute == 30 && v.Time.Hundredths == 50
		}},
		{"object id", []byte{0xC4, 0x00, 0x80, 0x00, 0x64}, func(v Value) bool {
			return v.Kind == KindObjectID && v.ObjectID == ObjectID{Type: ObjectAnalogValue, Instance: 100}
		}},
		{"bit string", []byte{0x82, 0x04, 0xA0}, func(v Value) bool {
			return v.Kind == KindBitString && v.Bits.Len() == 4 && v.Bits.Bit(0) && !v.Bits.Bit(1) && v.Bits.Bit(2)
		}},
		{"octet string", []byte{0x62, 0xAA, 0xBB}, func(v Value) bool {
			return v.Kind == KindOctetString && bytes.Equal(v.Octets, []byte{0xAA, 0xBB})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, next, err := Decode(tc.in, 0)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if next != len(tc.in) {
				t.Fatalf("expected offset %d, got %d", len(tc.in), next)
			}
			if !tc.check(v) {
				t.Fatalf("unexpected value: %+v", v)
			}
		})
	}
}

func TestDecodeCharacterStringExtendedLength(t *testing.T) {
	in := []byte{0x75, 0x07, 0x00, 'M', 'y', 'N', 'a', 'm', 'e'}
	v, next, err := Decode(in, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind != KindCharacterString || v.Text != "MyName" || v.Charset != 0 {
		t.Fatalf("unexpected string: %+v", v)
	}
	if next != len(in) {
		t.Fatalf("expected offset %d, got %d", len(in), next)
	}
}

func TestDecodeCharacterStringInvalidUTF8IsLenient(t *testing.T) {
	in := []byte{0x74, 0x00, 'o', 0xFF, 'k'}
	v, _, err := Decode(in, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Text != "o\uFFFDk" {
		t.Fatalf("expected replacement character, got %q", v.Text)
	}
}

func TestDecodeTruncatedIsMalformed(t *testing.T) {
	cases := [][]byte{
		{0x44, 0x3F, 0x80},       // real missing a byte
		{0x75},                   // missing extended length
		{0x75, 0x07, 0x00, 'M'},  // string shorter than declared
		{0x43, 0x00, 0x00, 0x00}, // real with length 3
		{},
	}
	for _, in := range cases {
		_, next, err := Decode(in, 0)
		if !errors.Is(err, ErrMalformedTag) {
			t.Fatalf("expected ErrMalformedTag for % x, got %v", in, err)
		}
		if next != 0 {
			t.Fatalf("cursor advanced on failure: %d", next)
		}
	}
}

func TestDecodeUnknownTagIsPlaceholder(t *testing.T) {
	in := []byte{0xD2, 0x01, 0x02, 0x21, 0x05}
	v, next, err := Decode(in, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind != KindUnrecognized || v.Tag != 13 {
		t.Fatalf("expected unrecognized tag 13, got %+v", v)
	}
	sibling, _, err := Decode(in, next)
	if err != nil || sibling.Unsigned != 5 {
		t.Fatalf("sibling not decodable: %+v %v", sibling, err)
	}
}

func TestDecodeExtendedTagNumberRejected(t *testing.T) {
	_, _, err := Decode([]byte{0xF1, 0x20, 0x01}, 0)
	if !errors.Is(err, ErrMalformedTag) {
		t.Fatalf("expected ErrMalformedTag, got %v", err)
	}
}

func TestMarkerPredicates(t *testing.T) {
	buf := []byte{0x1E, 0x4F, 0x29}
	if !IsOpeningTag(buf, 0, 1) || IsClosingTag(buf, 0, 1) {
		t.Fatalf("0x1E should be opening tag 1 only")
	}
	if !IsClosingTag(buf, 1, 4) || IsOpeningTag(buf, 1, 4) {
		t.Fatalf("0x4F should be closing tag 4 only")
	}
	if IsOpeningTag(buf, 2, 2) || !IsContextTag(buf, 2, 2) {
		t.Fatalf("0x29 should be primitive context tag 2")
	}
	if IsOpeningTag(buf, 9, 1) {
		t.Fatalf("out of range offset must be false")
	}
	if _, _, err := Decode(buf, 0); !errors.Is(err, ErrMalformedTag) {
		t.Fatalf("opening marker must not decode as value, got %v", err)
	}
}

func TestSkipConstructedNested(t *testing.T) {
	buf := []byte{0x2E, 0x0E, 0x21, 0x01, 0x0F, 0x44, 0x3F, 0x80, 0x00, 0x00, 0x2F, 0x91, 0x01}
	next, err := SkipConstructed(buf, 0)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if next != 11 {
		t.Fatalf("expected offset 11, got %d", next)
	}
	if _, err := SkipConstructed([]byte{0x2E, 0x21, 0x01}, 0); !errors.Is(err, ErrMalformedTag) {
		t.Fatalf("expected ErrMalformedTag for unterminated construct, got %v", err)
	}
}

func TestEncodeApplicationRoundTrip(t *testing.T) {
	in := []Value{
		{Kind: KindUnsigned, Unsigned: 70000},
		{Kind: KindSigned, Signed: -129},
		{Kind: KindReal, Real: 123.45},
		{Kind: KindCharacterString, Text: "a longer name for an object"},
		{Kind: KindBoolean, Bool: true},
		{Kind: KindObjectID, ObjectID: ObjectID{Type: ObjectDevice, Instance: 4194303}},
	}
	for _, v := range in {
		enc, err := EncodeApplication(v)
		if err != nil {
			t.Fatalf("encode %s: %v", v.Kind, err)
		}
		out, next, err := Decode(enc, 0)
		if err != nil {
			t.Fatalf("decode %s: %v", v.Kind, err)
		}
		if next != len(enc) || out.String() != v.String() {
			t.Fatalf("round trip mismatch: in=%s out=%s", v, out)
		}
	}
}

func TestEncodeHeaderLongLength(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 300)
	enc, err := EncodeApplication(Value{Kind: KindOctetString, Octets: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc[1] != 254 {
		t.Fatalf("expected 16-bit length marker, got %d", enc[1])
	}
	v, _, err := Decode(enc, 0)
	if err != nil || len(v.Octets) != 300 {
		t.Fatalf("decode long octets: len=%d err=%v", len(v.Octets), err)
	}
}

func TestObjectIDPacking(t *testing.T) {
	o := ObjectID{Type: ObjectAnalogValue, Instance: 100}
	if o.Pack() != 0x00800064 {
		t.Fatalf("unexpected packing: %#x", o.Pack())
	}
	if UnpackObjectID(0x02000064) != (ObjectID{Type: ObjectDevice, Instance: 100}) {
		t.Fatalf("unexpected unpack: %v", UnpackObjectID(0x02000064))
	}
	if _, err := NewObjectID(1024, 0); err == nil {
		t.Fatalf("expected type range error")
	}
	if _, err := NewObjectID(0, MaxInstance+1); err == nil {
		t.Fatalf("expected instance range error")
	}
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(KindReal, 72)
	if err != nil || v.Real != 72 {
		t.Fatalf("coerce real: %+v %v", v, err)
	}
	v, err = Coerce(KindEnumerated, uint8(1))
	if err != nil || v.Enumerated != 1 {
		t.Fatalf("coerce enumerated: %+v %v", v, err)
	}
	if _, err := Coerce(KindUnsigned, -1); err == nil {
		t.Fatalf("expected error for negative unsigned")
	}
	if _, err := Coerce(KindCharacterString, 12); err == nil {
		t.Fatalf("expected error for non-string")
	}
	v, err = Coerce(KindDouble, float32(math.Pi))
	if err != nil || v.Kind != KindDouble {
		t.Fatalf("coerce double: %+v %v", v, err)
	}

	v, err = Coerce(KindUnsigned, uint64(1<<53+1))
	if err != nil || v.Unsigned != 1<<53+1 {
		t.Fatalf("coerce large unsigned: %+v %v", v, err)
	}
	v, err = Coerce(KindUnsigned, uint64(math.MaxUint64))
	if err != nil || v.Unsigned != math.MaxUint64 {
		t.Fatalf("coerce max unsigned: %+v %v", v, err)
	}
	v, err = Coerce(KindSigned, int64(1<<62+1))
	if err != nil || v.Signed != 1<<62+1 {
		t.Fatalf("coerce large signed: %+v %v", v, err)
	}
	v, err = Coerce(KindSigned, int64(math.MinInt64))
	if err != nil || v.Signed != math.MinInt64 {
		t.Fatalf("coerce min signed: %+v %v", v, err)
	}
	if _, err := Coerce(KindSigned, uint64(math.MaxInt64)+1); err == nil {
		t.Fatalf("expected error for signed overflow")
	}
	if _, err := Coerce(KindEnumerated, uint64(math.MaxUint32)+1); err == nil {
		t.Fatalf("expected error for enumerated overflow")
	}
	if _, err := Coerce(KindUnsigned, 1.5); err == nil {
		t.Fatalf("expected error for fractional unsigned")
	}
	v, err = Coerce(KindSigned, -3.0)
	if err != nil || v.Signed != -3 {
		t.Fatalf("coerce float signed: %+v %v", v, err)
	}
}
