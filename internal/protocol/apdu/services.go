package apdu

import (
	"fmt"

	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// DecodeReadPropertyAck decodes a read-property ack body.
func DecodeReadPropertyAck(buf []byte) (PropertyValue, error) {
	var out PropertyValue
	obj, off, err := tlv.DecodeContextObjectID(buf, 0, 0)
	if err != nil {
		return PropertyValue{}, fmt.Errorf("apdu: read-property ack object: %w", err)
	}
	out.Object = obj
	prop, off, err := tlv.DecodeContextUnsigned(buf, off, 1)
	if err != nil {
		return PropertyValue{}, fmt.Errorf("apdu: read-property ack property: %w", err)
	}
	out.Property = PropertyID(prop)
	if tlv.IsContextTag(buf, off, 2) {
		idx, next, err := tlv.DecodeContextUnsigned(buf, off, 2)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("apdu: read-property ack array index: %w", err)
		}
		i := uint32(idx)
		out.ArrayIndex = &i
		off = next
	}
	if !tlv.IsOpeningTag(buf, off, 3) {
		return PropertyValue{}, fmt.Errorf("%w: offset %d: read-property ack missing value", tlv.ErrMalformedTag, off)
	}
	values, _, err := decodeValueList(buf, off+1, 3)
	if err != nil {
		return PropertyValue{}, fmt.Errorf("apdu: read-property ack value: %w", err)
	}
	out.Value, out.List = collapse(values)
	return out, nil
}

// IAm is a decoded discovery announcement body.
type IAm struct {
	Device       tlv.ObjectID
	MaxAPDU      uint32
	Segmentation uint32
	VendorID     uint32
}

func DecodeIAm(buf []byte) (IAm, error) {
	var out IAm
	v, off, err := tlv.Decode(buf, 0)
	if err != nil {
		return IAm{}, fmt.Errorf("apdu: i-am device: %w", err)
	}
	if v.Kind != tlv.KindObjectID || v.ObjectID.Type != tlv.ObjectDevice {
		return IAm{}, fmt.Errorf("%w: i-am device identifier has kind %s", tlv.ErrMalformedTag, v.Kind)
	}
	out.Device = v.ObjectID
	fields := []*uint32{&out.MaxAPDU, &out.Segmentation, &out.VendorID}
	for i, dst := range fields {
		u, next, err := decodeEnumLike(buf, off)
		if err != nil {
			return IAm{}, fmt.Errorf("apdu: i-am field %d: %w", i+1, err)
		}
		*dst = u
		off = next
	}
	return out, nil
}

// COVNotification is a decoded change-of-value notification body.
type COVNotification struct {
	SubscriberProcessID uint32
	InitiatingDevice    tlv.ObjectID
	Monitored           tlv.ObjectID
	TimeRemaining       uint32
	Values              []PropertyValue
}

func DecodeCOVNotification(buf []byte) (COVNotification, error) {
	var out COVNotification
	pid, off, err := tlv.DecodeContextUnsigned(buf, 0, 0)
	if err != nil {
		return COVNotification{}, fmt.Errorf("apdu: cov subscriber: %w", err)
	}
	out.SubscriberProcessID = uint32(pid)
	if out.InitiatingDevice, off, err = tlv.DecodeContextObjectID(buf, off, 1); err != nil {
		return COVNotification{}, fmt.Errorf("apdu: cov initiating device: %w", err)
	}
	if out.Monitored, off, err = tlv.DecodeContextObjectID(buf, off, 2); err != nil {
		return COVNotification{}, fmt.Errorf("apdu: cov monitored object: %w", err)
	}
	remaining, off, err := tlv.DecodeContextUnsigned(buf, off, 3)
	if err != nil {
		return COVNotification{}, fmt.Errorf("apdu: cov time remaining: %w", err)
	}
	out.TimeRemaining = uint32(remaining)
	if !tlv.IsOpeningTag(buf, off, 4) {
		return COVNotification{}, fmt.Errorf("%w: offset %d: cov missing value list", tlv.ErrMalformedTag, off)
	}
	off++
	for !tlv.IsClosingTag(buf, off, 4) {
		if off >= len(buf) {
			return out, fmt.Errorf("%w: cov value list unterminated", tlv.ErrMalformedTag)
		}
		pv := PropertyValue{Object: out.Monitored}
		prop, next, err := tlv.DecodeContextUnsigned(buf, off, 0)
		if err != nil {
			return out, fmt.Errorf("apdu: cov property: %w", err)
		}
		pv.Property = PropertyID(prop)
		off = next
		if tlv.IsContextTag(buf, off, 1) {
			idx, next, err := tlv.DecodeContextUnsigned(buf, off, 1)
			if err != nil {
				return out, fmt.Errorf("apdu: cov array index: %w", err)
			}
			i := uint32(idx)
			pv.ArrayIndex = &i
			off = next
		}
		if !tlv.IsOpeningTag(buf, off, 2) {
			return out, fmt.Errorf("%w: offset %d: cov property %d missing value", tlv.ErrMalformedTag, off, pv.Property)
		}
		values, next, err := decodeValueList(buf, off+1, 2)
		if err != nil {
			return out, fmt.Errorf("apdu: cov property %d value: %w", pv.Property, err)
		}
		pv.Value, pv.List = collapse(values)
		off = next
		if tlv.IsContextTag(buf, off, 3) {
			prio, next, err := tlv.DecodeContextUnsigned(buf, off, 3)
			if err != nil {
				return out, fmt.Errorf("apdu: cov priority: %w", err)
			}
			p := uint8(prio)
			pv.Priority = &p
			off = next
		}
		out.Values = append(out.Values, pv)
	}
	return out, nil
}

// WritePropertyRequest is an inbound write-property request body. Raw keeps
// the encoded value bytes exactly as received.
type WritePropertyRequest struct {
	Object     tlv.ObjectID
	Property   PropertyID
	ArrayIndex *uint32
	Raw        []byte
	Value      tlv.Value
	Priority   *uint8
}

func DecodeWritePropertyRequest(buf []byte) (WritePropertyRequest, error) {
	var out WritePropertyRequest
	obj, off, err := tlv.DecodeContextObjectID(buf, 0, 0)
	if err != nil {
		return out, fmt.Errorf("apdu: write-property object: %w", err)
	}
	out.Object = obj
	prop, off, err := tlv.DecodeContextUnsigned(buf, off, 1)
	if err != nil {
		return out, fmt.Errorf("apdu: write-property property: %w", err)
	}
	out.Property = PropertyID(prop)
	if tlv.IsContextTag(buf, off, 2) {
		idx, next, err := tlv.DecodeContextUnsigned(buf, off, 2)
		if err != nil {
			return out, fmt.Errorf("apdu: write-property array index: %w", err)
		}
		i := uint32(idx)
		out.ArrayIndex = &i
		off = next
	}
	if !tlv.IsOpeningTag(buf, off, 3) {
		return out, fmt.Errorf("%w: offset %d: write-property missing value", tlv.ErrMalformedTag, off)
	}
	end, err := tlv.SkipConstructed(buf, off)
	if err != nil {
		return out, fmt.Errorf("apdu: write-property value: %w", err)
	}
	out.Raw = append([]byte(nil), buf[off+1:end-1]...)
	if values, _, err := decodeValueList(buf, off+1, 3); err == nil {
		out.Value, _ = collapse(values)
	}
	off = end
	if tlv.IsContextTag(buf, off, 4) {
		prio, _, err := tlv.DecodeContextUnsigned(buf, off, 4)
		if err != nil {
			return out, fmt.Errorf("apdu: write-property priority: %w", err)
		}
		p := uint8(prio)
		out.Priority = &p
	}
	return out, nil
}
