package apdu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

func TestDecodeReadPropertyAck(t *testing.T) {
	buf := []byte{
		0x0C, 0x00, 0x00, 0x00, 0x05,
		0x19, 0x55,
		0x3E, 0x44, 0x41, 0xA4, 0x00, 0x00, 0x3F,
	}
	pv, err := DecodeReadPropertyAck(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pv.Object != (tlv.ObjectID{Type: tlv.ObjectAnalogInput, Instance: 5}) {
		t.Fatalf("expected analog input 5, got %s", pv.Object)
	}
	if pv.Property != PropPresentValue || pv.Value.Real != 20.5 {
		t.Fatalf("expected present value 20.5, got %d %s", pv.Property, pv.Value)
	}
}

func TestDecodeReadPropertyAckMissingValue(t *testing.T) {
	buf := []byte{0x0C, 0x00, 0x00, 0x00, 0x05, 0x19, 0x55}
	if _, err := DecodeReadPropertyAck(buf); !errors.Is(err, tlv.ErrMalformedTag) {
		t.Fatalf("expected malformed tag, got %v", err)
	}
}

func TestEncodeReadPropertyAckWithIndex(t *testing.T) {
	idx := uint32(0)
	in := PropertyValue{
		Object:     device100(),
		Property:   PropObjectList,
		ArrayIndex: &idx,
		Value:      tlv.Value{Kind: tlv.KindUnsigned, Unsigned: 3},
	}
	buf, err := EncodeReadPropertyAck(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeReadPropertyAck(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ArrayIndex == nil || *out.ArrayIndex != 0 || out.Value.Unsigned != 3 {
		t.Fatalf("expected index 0 value 3, got %+v", out)
	}
}

func TestDecodeIAm(t *testing.T) {
	in := IAm{Device: device100(), MaxAPDU: 1476, Segmentation: 3, VendorID: 260}
	out, err := DecodeIAm(EncodeIAm(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecodeIAmRejectsNonDevice(t *testing.T) {
	in := IAm{Device: tlv.ObjectID{Type: tlv.ObjectAnalogValue, Instance: 1}}
	if _, err := DecodeIAm(EncodeIAm(in)); !errors.Is(err, tlv.ErrMalformedTag) {
		t.Fatalf("expected malformed tag, got %v", err)
	}
}

func TestDecodeCOVNotification(t *testing.T) {
	prio := uint8(8)
	in := COVNotification{
		SubscriberProcessID: 17,
		InitiatingDevice:    device100(),
		Monitored:           tlv.ObjectID{Type: tlv.ObjectAnalogValue, Instance: 2},
		TimeRemaining:       300,
		Values: []PropertyValue{
			{Property: PropPresentValue, Value: tlv.Value{Kind: tlv.KindReal, Real: 22.5}, Priority: &prio},
			{Property: PropStatusFlags, Value: tlv.Value{Kind: tlv.KindBitString, Bits: tlv.BitString{UnusedBits: 4, Bytes: []byte{0x00}}}},
		},
	}
	buf, err := EncodeCOVNotification(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeCOVNotification(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SubscriberProcessID != 17 || out.TimeRemaining != 300 || out.Monitored != in.Monitored {
		t.Fatalf("unexpected header %+v", out)
	}
	if len(out.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(out.Values))
	}
	if out.Values[0].Value.Real != 22.5 || out.Values[0].Priority == nil || *out.Values[0].Priority != 8 {
		t.Fatalf("expected 22.5 at priority 8, got %+v", out.Values[0])
	}
	if out.Values[1].Object != in.Monitored {
		t.Fatalf("expected values to carry monitored object, got %s", out.Values[1].Object)
	}
}

func TestDecodeWritePropertyRequestKeepsRawValue(t *testing.T) {
	prio := uint8(16)
	raw := []byte{0x44, 0x42, 0x48, 0x00, 0x00}
	buf, err := EncodeWritePropertyRequest(WritePropertyRequest{
		Object:   tlv.ObjectID{Type: tlv.ObjectAnalogOutput, Instance: 9},
		Property: PropPresentValue,
		Raw:      raw,
		Priority: &prio,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeWritePropertyRequest(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.Raw, raw) {
		t.Fatalf("expected raw %x, got %x", raw, out.Raw)
	}
	if out.Value.Real != 50 {
		t.Fatalf("expected decoded 50, got %s", out.Value)
	}
	if out.Priority == nil || *out.Priority != 16 {
		t.Fatalf("expected priority 16, got %v", out.Priority)
	}
}

func TestDecodeErrorPayload(t *testing.T) {
	perr, err := DecodeErrorPayload(EncodeErrorPair(ErrorClassObject, ErrorCodeUnknownObject))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if perr.Class != ErrorClassObject || perr.Code != ErrorCodeUnknownObject {
		t.Fatalf("expected object/unknown-object, got %v", perr)
	}
}
