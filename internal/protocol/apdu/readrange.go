package apdu

import (
	"errors"
	"fmt"

	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// Context tags of a read-range ack.
const (
	rrTagObject     uint8 = 0
	rrTagProperty   uint8 = 1
	rrTagArrayIndex uint8 = 2
	rrTagFlags      uint8 = 3
	rrTagItemCount  uint8 = 4
	rrTagSequence   uint8 = 5
	rrTagItems      uint8 = 6
)

// ResultFlags is the first byte of the read-range result-flags bit string.
type ResultFlags uint8

const (
	FlagFirstItem ResultFlags = 0x80
	FlagLastItem  ResultFlags = 0x40
	FlagMoreItems ResultFlags = 0x20
)

func (f ResultFlags) FirstItem() bool { return f&FlagFirstItem != 0 }
func (f ResultFlags) LastItem() bool  { return f&FlagLastItem != 0 }
func (f ResultFlags) MoreItems() bool { return f&FlagMoreItems != 0 }

// RangeResult is a decoded read-range ack. ItemCount is the count declared
// by the device and may differ from len(Items).
type RangeResult struct {
	Object        tlv.ObjectID
	Property      PropertyID
	ArrayIndex    *uint32
	Flags         ResultFlags
	ItemCount     uint32
	FirstSequence *uint32
	Items         []tlv.Value
}

// RangeMode selects how a read-range reference is interpreted.
type RangeMode uint8

const (
	RangeByPosition RangeMode = iota
	RangeBySequence
	RangeByTime
)

func (m RangeMode) String() string {
	switch m {
	case RangeByPosition:
		return "by-position"
	case RangeBySequence:
		return "by-sequence"
	case RangeByTime:
		return "by-time"
	default:
		return "unknown"
	}
}

// DecodeReadRangeAck decodes a read-range ack body. Top-level context tags
// are accepted in any order; unknown bytes are skipped one at a time. The
// error return is a diagnostic and never invalidates the decoded fields.
func DecodeReadRangeAck(buf []byte) (RangeResult, error) {
	var out RangeResult
	var diags []error
	off := 0
	for off < len(buf) {
		switch {
		case tlv.IsContextTag(buf, off, rrTagObject):
			obj, next, err := tlv.DecodeContextObjectID(buf, off, rrTagObject)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range object: %w", err))
				off++
				continue
			}
			out.Object = obj
			off = next
		case tlv.IsContextTag(buf, off, rrTagProperty):
			prop, next, err := tlv.DecodeContextUnsigned(buf, off, rrTagProperty)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range property: %w", err))
				off++
				continue
			}
			out.Property = PropertyID(prop)
			off = next
		case tlv.IsContextTag(buf, off, rrTagArrayIndex):
			idx, next, err := tlv.DecodeContextUnsigned(buf, off, rrTagArrayIndex)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range array index: %w", err))
				off++
				continue
			}
			i := uint32(idx)
			out.ArrayIndex = &i
			off = next
		case tlv.IsContextTag(buf, off, rrTagFlags):
			bits, next, err := tlv.DecodeContextBitString(buf, off, rrTagFlags)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range result flags: %w", err))
				off++
				continue
			}
			if len(bits.Bytes) > 0 {
				out.Flags = ResultFlags(bits.Bytes[0])
			}
			off = next
		case tlv.IsContextTag(buf, off, rrTagItemCount):
			count, next, err := tlv.DecodeContextUnsigned(buf, off, rrTagItemCount)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range item count: %w", err))
				off++
				continue
			}
			out.ItemCount = uint32(count)
			off = next
		case tlv.IsContextTag(buf, off, rrTagSequence):
			seq, next, err := tlv.DecodeContextUnsigned(buf, off, rrTagSequence)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range first sequence: %w", err))
				off++
				continue
			}
			s := uint32(seq)
			out.FirstSequence = &s
			off = next
		case tlv.IsOpeningTag(buf, off, rrTagItems):
			items, next, err := decodeRangeItems(buf, off+1)
			out.Items = append(out.Items, items...)
			if err != nil {
				diags = append(diags, fmt.Errorf("apdu: read-range items: %w", err))
			}
			off = next
		default:
			off++
		}
	}
	return out, errors.Join(diags...)
}

// decodeRangeItems decodes item values until the closing marker for the
// item list. A broken item whose extent is readable becomes a placeholder.
// Otherwise it is dropped and decoding resumes at the next closing marker
// found by byte scan.
func decodeRangeItems(buf []byte, off int) ([]tlv.Value, int, error) {
	var items []tlv.Value
	var diags []error
	for off < len(buf) {
		if tlv.IsClosingTag(buf, off, rrTagItems) {
			return items, off + 1, errors.Join(diags...)
		}
		h, err := tlv.DecodeHeader(buf, off)
		if err == nil && h.IsOpening() {
			next, skipErr := tlv.SkipConstructed(buf, off)
			if skipErr == nil {
				items = append(items, tlv.Value{Kind: tlv.KindUnrecognized, Tag: h.Number, Context: true})
				off = next
				continue
			}
			err = skipErr
		}
		if err == nil {
			var v tlv.Value
			var next int
			v, next, err = tlv.Decode(buf, off)
			if err == nil {
				items = append(items, v)
				off = next
				continue
			}
		}
		diags = append(diags, err)
		if h, herr := tlv.DecodeHeader(buf, off); herr == nil && !h.IsOpening() && !h.IsClosing() {
			if end := off + h.Size + h.Length; end <= len(buf) {
				items = append(items, tlv.Value{
					Kind:    tlv.KindUnrecognized,
					Tag:     h.Number,
					Context: h.Context,
					Octets:  append([]byte(nil), buf[off+h.Size:end]...),
				})
				off = end
				continue
			}
		}
		end := scanForClosing(buf, off+1, rrTagItems)
		if end < 0 {
			return items, len(buf), errors.Join(diags...)
		}
		return items, end + 1, errors.Join(diags...)
	}
	diags = append(diags, fmt.Errorf("%w: unterminated item list", tlv.ErrMalformedTag))
	return items, len(buf), errors.Join(diags...)
}
