package apdu

import (
	"errors"
	"fmt"

	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// Context tags of a read-access-result.
const (
	rpmTagObject     uint8 = 0
	rpmTagResults    uint8 = 1
	rpmTagProperty   uint8 = 2
	rpmTagArrayIndex uint8 = 3
	rpmTagValue      uint8 = 4
	rpmTagError      uint8 = 5
)

// DecodeReadPropertyMultipleAck decodes a read-property-multiple ack body.
// The returned result is never nil. A non-nil error is a diagnostic that
// describes the members that could not be decoded; the result still holds
// everything decoded before and after them.
func DecodeReadPropertyMultipleAck(buf []byte) (ReadMultipleResult, error) {
	out := make(ReadMultipleResult)
	var diags []error
	off := 0
	for off < len(buf) {
		if !tlv.IsContextTag(buf, off, rpmTagObject) {
			diags = append(diags, fmt.Errorf("apdu: rpm: offset %d: expected object identifier, %d bytes left", off, len(buf)-off))
			break
		}
		obj, next, err := tlv.DecodeContextObjectID(buf, off, rpmTagObject)
		if err != nil {
			diags = append(diags, fmt.Errorf("apdu: rpm: object identifier: %w", err))
			break
		}
		off = next
		if !tlv.IsOpeningTag(buf, off, rpmTagResults) {
			diags = append(diags, fmt.Errorf("apdu: rpm: object %s: offset %d: missing results opening tag", obj, off))
			break
		}
		off++

		props, ok := out[obj]
		if !ok {
			props = make(map[PropertyID]PropertyResult)
			out[obj] = props
		}

		closed := false
		stop := false
		for off < len(buf) {
			if tlv.IsClosingTag(buf, off, rpmTagResults) {
				off++
				closed = true
				break
			}
			next, diag, cont := decodeReadResult(buf, off, props)
			if diag != nil {
				diags = append(diags, fmt.Errorf("apdu: rpm: object %s: %w", obj, diag))
			}
			if !cont {
				stop = true
				break
			}
			off = next
		}
		if stop {
			break
		}
		if !closed {
			diags = append(diags, fmt.Errorf("apdu: rpm: object %s: unterminated results list", obj))
			break
		}
	}
	return out, errors.Join(diags...)
}

// decodeReadResult decodes one property entry into props. cont is false when
// the entry is structurally broken and decoding of the buffer must stop.
func decodeReadResult(buf []byte, off int, props map[PropertyID]PropertyResult) (next int, diag error, cont bool) {
	raw, next, err := tlv.DecodeContextUnsigned(buf, off, rpmTagProperty)
	if err != nil {
		return off, fmt.Errorf("property identifier: %w", err), false
	}
	prop := PropertyID(raw)
	off = next

	var res PropertyResult
	if tlv.IsContextTag(buf, off, rpmTagArrayIndex) {
		idx, next, err := tlv.DecodeContextUnsigned(buf, off, rpmTagArrayIndex)
		if err != nil {
			return off, fmt.Errorf("property %d array index: %w", prop, err), false
		}
		i := uint32(idx)
		res.ArrayIndex = &i
		off = next
	}

	switch {
	case tlv.IsOpeningTag(buf, off, rpmTagValue):
		values, next, err := decodeValueList(buf, off+1, rpmTagValue)
		if err != nil {
			res.Err = fmt.Errorf("property %d: %w", prop, err)
			props[prop] = res
			end := scanForClosing(buf, next, rpmTagValue)
			if end < 0 {
				return len(buf), res.Err, false
			}
			return end + 1, res.Err, true
		}
		res.Value, res.List = collapse(values)
		props[prop] = res
		return next, nil, true

	case tlv.IsOpeningTag(buf, off, rpmTagError):
		perr, next, err := decodeErrorPair(buf, off+1)
		if err == nil && !tlv.IsClosingTag(buf, next, rpmTagError) {
			err = fmt.Errorf("%w: offset %d: missing error closing tag", tlv.ErrMalformedTag, next)
		}
		if err != nil {
			res.Err = fmt.Errorf("property %d error: %w", prop, err)
			props[prop] = res
			end := scanForClosing(buf, off+1, rpmTagError)
			if end < 0 {
				return len(buf), res.Err, false
			}
			return end + 1, res.Err, true
		}
		res.Err = perr
		props[prop] = res
		return next + 1, nil, true

	default:
		return off, fmt.Errorf("property %d: offset %d: expected value or error", prop, off), false
	}
}

// decodeValueList decodes application values up to the closing marker for
// context tag n. On failure next is the offset of the value that failed.
func decodeValueList(buf []byte, off int, n uint8) ([]tlv.Value, int, error) {
	var values []tlv.Value
	for {
		if off >= len(buf) {
			return values, off, fmt.Errorf("%w: unterminated value list for tag %d", tlv.ErrMalformedTag, n)
		}
		if tlv.IsClosingTag(buf, off, n) {
			return values, off + 1, nil
		}
		h, err := tlv.DecodeHeader(buf, off)
		if err != nil {
			return values, off, err
		}
		if h.IsOpening() {
			next, err := tlv.SkipConstructed(buf, off)
			if err != nil {
				return values, off, err
			}
			values = append(values, tlv.Value{Kind: tlv.KindUnrecognized, Tag: h.Number, Context: true})
			off = next
			continue
		}
		if h.IsClosing() {
			return values, off, fmt.Errorf("%w: offset %d: stray closing tag %d", tlv.ErrMalformedTag, off, h.Number)
		}
		v, next, err := tlv.Decode(buf, off)
		if err != nil {
			return values, off, err
		}
		values = append(values, v)
		off = next
	}
}

func decodeErrorPair(buf []byte, off int) (*ProtocolError, int, error) {
	class, next, err := decodeEnumLike(buf, off)
	if err != nil {
		return nil, off, err
	}
	code, next, err := decodeEnumLike(buf, next)
	if err != nil {
		return nil, off, err
	}
	return &ProtocolError{Class: ErrorClass(class), Code: ErrorCode(code)}, next, nil
}

// decodeEnumLike accepts an application unsigned or enumerated value.
func decodeEnumLike(buf []byte, off int) (uint32, int, error) {
	v, next, err := tlv.Decode(buf, off)
	if err != nil {
		return 0, off, err
	}
	switch v.Kind {
	case tlv.KindEnumerated:
		return v.Enumerated, next, nil
	case tlv.KindUnsigned:
		return uint32(v.Unsigned), next, nil
	default:
		return 0, off, fmt.Errorf("%w: offset %d: expected unsigned, got %s", tlv.ErrMalformedTag, off, v.Kind)
	}
}

// scanForClosing walks byte by byte from off to the next closing marker for
// context tag n. It returns -1 when none is found.
func scanForClosing(buf []byte, off int, n uint8) int {
	if off < 0 {
		off = 0
	}
	for i := off; i < len(buf); i++ {
		if tlv.IsClosingTag(buf, i, n) {
			return i
		}
	}
	return -1
}

func collapse(values []tlv.Value) (tlv.Value, []tlv.Value) {
	switch len(values) {
	case 0:
		return tlv.Value{Kind: tlv.KindNull}, nil
	case 1:
		return values[0], nil
	default:
		return values[0], values
	}
}
