package apdu

import (
	"fmt"

	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// PropertyEntry is one property of an encoded read-property-multiple ack.
// Err, when set, replaces the values with an error pair.
type PropertyEntry struct {
	Property   PropertyID
	ArrayIndex *uint32
	Values     []tlv.Value
	Err        *ProtocolError
}

// ReadAccessResult is one object of an encoded read-property-multiple ack.
type ReadAccessResult struct {
	Object  tlv.ObjectID
	Entries []PropertyEntry
}

func EncodeReadPropertyAck(pv PropertyValue) ([]byte, error) {
	out := tlv.EncodeContextObjectID(0, pv.Object)
	out = append(out, tlv.EncodeContextUnsigned(1, uint64(pv.Property))...)
	if pv.ArrayIndex != nil {
		out = append(out, tlv.EncodeContextUnsigned(2, uint64(*pv.ArrayIndex))...)
	}
	body, err := encodeValues(pv.Value, pv.List)
	if err != nil {
		return nil, fmt.Errorf("apdu: encode read-property ack: %w", err)
	}
	out = append(out, tlv.EncodeOpeningTag(3)...)
	out = append(out, body...)
	return append(out, tlv.EncodeClosingTag(3)...), nil
}

func EncodeReadPropertyMultipleAck(results []ReadAccessResult) ([]byte, error) {
	var out []byte
	for _, r := range results {
		out = append(out, tlv.EncodeContextObjectID(rpmTagObject, r.Object)...)
		out = append(out, tlv.EncodeOpeningTag(rpmTagResults)...)
		for _, e := range r.Entries {
			out = append(out, tlv.EncodeContextUnsigned(rpmTagProperty, uint64(e.Property))...)
			if e.ArrayIndex != nil {
				out = append(out, tlv.EncodeContextUnsigned(rpmTagArrayIndex, uint64(*e.ArrayIndex))...)
			}
			if e.Err != nil {
				out = append(out, tlv.EncodeOpeningTag(rpmTagError)...)
				out = append(out, EncodeErrorPair(e.Err.Class, e.Err.Code)...)
				out = append(out, tlv.EncodeClosingTag(rpmTagError)...)
				continue
			}
			out = append(out, tlv.EncodeOpeningTag(rpmTagValue)...)
			for _, v := range e.Values {
				enc, err := tlv.EncodeApplication(v)
				if err != nil {
					return nil, fmt.Errorf("apdu: encode rpm ack %s property %d: %w", r.Object, e.Property, err)
				}
				out = append(out, enc...)
			}
			out = append(out, tlv.EncodeClosingTag(rpmTagValue)...)
		}
		out = append(out, tlv.EncodeClosingTag(rpmTagResults)...)
	}
	return out, nil
}

func EncodeReadRangeAck(r RangeResult) ([]byte, error) {
	out := tlv.EncodeContextObjectID(rrTagObject, r.Object)
	out = append(out, tlv.EncodeContextUnsigned(rrTagProperty, uint64(r.Property))...)
	if r.ArrayIndex != nil {
		out = append(out, tlv.EncodeContextUnsigned(rrTagArrayIndex, uint64(*r.ArrayIndex))...)
	}
	out = append(out, tlv.EncodeContextBitString(rrTagFlags, tlv.BitString{UnusedBits: 5, Bytes: []byte{byte(r.Flags)}})...)
	out = append(out, tlv.EncodeContextUnsigned(rrTagItemCount, uint64(r.ItemCount))...)
	out = append(out, tlv.EncodeOpeningTag(rrTagItems)...)
	for i, v := range r.Items {
		enc, err := tlv.EncodeApplication(v)
		if err != nil {
			return nil, fmt.Errorf("apdu: encode read-range item %d: %w", i, err)
		}
		out = append(out, enc...)
	}
	out = append(out, tlv.EncodeClosingTag(rrTagItems)...)
	if r.FirstSequence != nil {
		out = append(out, tlv.EncodeContextUnsigned(rrTagSequence, uint64(*r.FirstSequence))...)
	}
	return out, nil
}

func EncodeIAm(m IAm) []byte {
	out := tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindObjectID, ObjectID: m.Device})
	out = append(out, tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindUnsigned, Unsigned: uint64(m.MaxAPDU)})...)
	out = append(out, tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindEnumerated, Enumerated: m.Segmentation})...)
	return append(out, tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindUnsigned, Unsigned: uint64(m.VendorID)})...)
}

func EncodeCOVNotification(n COVNotification) ([]byte, error) {
	out := tlv.EncodeContextUnsigned(0, uint64(n.SubscriberProcessID))
	out = append(out, tlv.EncodeContextObjectID(1, n.InitiatingDevice)...)
	out = append(out, tlv.EncodeContextObjectID(2, n.Monitored)...)
	out = append(out, tlv.EncodeContextUnsigned(3, uint64(n.TimeRemaining))...)
	out = append(out, tlv.EncodeOpeningTag(4)...)
	for _, pv := range n.Values {
		out = append(out, tlv.EncodeContextUnsigned(0, uint64(pv.Property))...)
		if pv.ArrayIndex != nil {
			out = append(out, tlv.EncodeContextUnsigned(1, uint64(*pv.ArrayIndex))...)
		}
		body, err := encodeValues(pv.Value, pv.List)
		if err != nil {
			return nil, fmt.Errorf("apdu: encode cov property %d: %w", pv.Property, err)
		}
		out = append(out, tlv.EncodeOpeningTag(2)...)
		out = append(out, body...)
		out = append(out, tlv.EncodeClosingTag(2)...)
		if pv.Priority != nil {
			out = append(out, tlv.EncodeContextUnsigned(3, uint64(*pv.Priority))...)
		}
	}
	return append(out, tlv.EncodeClosingTag(4)...), nil
}

// EncodeWritePropertyRequest encodes w, preferring Raw over Value when set.
func EncodeWritePropertyRequest(w WritePropertyRequest) ([]byte, error) {
	out := tlv.EncodeContextObjectID(0, w.Object)
	out = append(out, tlv.EncodeContextUnsigned(1, uint64(w.Property))...)
	if w.ArrayIndex != nil {
		out = append(out, tlv.EncodeContextUnsigned(2, uint64(*w.ArrayIndex))...)
	}
	body := w.Raw
	if body == nil {
		enc, err := tlv.EncodeApplication(w.Value)
		if err != nil {
			return nil, fmt.Errorf("apdu: encode write-property value: %w", err)
		}
		body = enc
	}
	out = append(out, tlv.EncodeOpeningTag(3)...)
	out = append(out, body...)
	out = append(out, tlv.EncodeClosingTag(3)...)
	if w.Priority != nil {
		out = append(out, tlv.EncodeContextUnsigned(4, uint64(*w.Priority))...)
	}
	return out, nil
}

// EncodeErrorPair encodes an error class/code pair as two enumerated values.
func EncodeErrorPair(class ErrorClass, code ErrorCode) []byte {
	out := tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindEnumerated, Enumerated: uint32(class)})
	return append(out, tlv.MustEncodeApplication(tlv.Value{Kind: tlv.KindEnumerated, Enumerated: uint32(code)})...)
}

// DecodeErrorPayload decodes the body of an error callback.
func DecodeErrorPayload(buf []byte) (*ProtocolError, error) {
	perr, _, err := decodeErrorPair(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("apdu: error payload: %w", err)
	}
	return perr, nil
}

func encodeValues(first tlv.Value, list []tlv.Value) ([]byte, error) {
	values := list
	if len(values) == 0 {
		values = []tlv.Value{first}
	}
	var out []byte
	for _, v := range values {
		enc, err := tlv.EncodeApplication(v)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}
