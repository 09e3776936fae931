package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrMalformedTag = errors.New("tlv: malformed tag")
)

// Tag classes carried in bit 3 of the header byte.
const (
	ClassApplication uint8 = 0
	ClassContext     uint8 = 1
)

// Length/value/type markers from the low three header bits.
const (
	lvtExtended uint8 = 5
	lvtOpening  uint8 = 6
	lvtClosing  uint8 = 7

	extendedTagNumber uint8 = 15
)

// Header is one decoded tag header.
type Header struct {
	Number  uint8
	Context bool
	LVT     uint8
	// Length is the content length in bytes. Zero for markers and booleans.
	Length int
	// Size is the number of header bytes, including extended length bytes.
	Size int
}

func (h Header) IsOpening() bool {
	return h.Context && h.LVT == lvtOpening
}

func (h Header) IsClosing() bool {
	return h.Context && h.LVT == lvtClosing
}

// DecodeHeader reads the tag header at off without consuming content bytes.
func DecodeHeader(buf []byte, off int) (Header, error) {
	if off < 0 || off >= len(buf) {
		return Header{}, malformed(off, "missing header")
	}
	b := buf[off]
	h := Header{
		Number:  b >> 4,
		Context: b&0x08 != 0,
		LVT:     b & 0x07,
		Size:    1,
	}
	if h.Number == extendedTagNumber {
		return Header{}, malformed(off, "extended tag number unsupported")
	}
	if h.Context && (h.LVT == lvtOpening || h.LVT == lvtClosing) {
		return h, nil
	}
	if !h.Context && h.Number == uint8(KindBoolean) {
		// application booleans carry their value in the LVT bits
		return h, nil
	}
	switch {
	case h.LVT < lvtExtended:
		h.Length = int(h.LVT)
	case h.LVT == lvtExtended:
		if off+1 >= len(buf) {
			return Header{}, malformed(off, "missing extended length")
		}
		ext := buf[off+1]
		h.Size = 2
		switch ext {
		case 254:
			if off+4 > len(buf) {
				return Header{}, malformed(off, "missing 16-bit length")
			}
			h.Length = int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
			h.Size = 4
		case 255:
			if off+6 > len(buf) {
				return Header{}, malformed(off, "missing 32-bit length")
			}
			h.Length = int(binary.BigEndian.Uint32(buf[off+2 : off+6]))
			h.Size = 6
		default:
			h.Length = int(ext)
		}
	default:
		return Header{}, malformed(off, fmt.Sprintf("application tag %d with marker lvt %d", h.Number, h.LVT))
	}
	return h, nil
}

// IsOpeningTag reports whether buf[off] is an opening marker for context tag n.
func IsOpeningTag(buf []byte, off int, n uint8) bool {
	return isMarker(buf, off, n, lvtOpening)
}

// IsClosingTag reports whether buf[off] is a closing marker for context tag n.
func IsClosingTag(buf []byte, off int, n uint8) bool {
	return isMarker(buf, off, n, lvtClosing)
}

// IsContextTag reports whether buf[off] is a primitive context tag n.
func IsContextTag(buf []byte, off int, n uint8) bool {
	if off < 0 || off >= len(buf) {
		return false
	}
	b := buf[off]
	return b>>4 == n && b&0x08 != 0 && b&0x07 < lvtOpening
}

func isMarker(buf []byte, off int, n uint8, lvt uint8) bool {
	if off < 0 || off >= len(buf) {
		return false
	}
	b := buf[off]
	return b>>4 == n && b&0x08 != 0 && b&0x07 == lvt
}

// SkipConstructed skips from an opening marker to just past its matching
// closing marker, following nested constructs.
func SkipConstructed(buf []byte, off int) (int, error) {
	h, err := DecodeHeader(buf, off)
	if err != nil {
		return off, err
	}
	if !h.IsOpening() {
		return off, malformed(off, "expected opening marker")
	}
	depth := 0
	i := off
	for i < len(buf) {
		h, err := DecodeHeader(buf, i)
		if err != nil {
			return off, err
		}
		switch {
		case h.IsOpening():
			depth++
		case h.IsClosing():
			depth--
		}
		i += h.Size + h.Length
		if i > len(buf) {
			return off, malformed(off, "construct overruns buffer")
		}
		if depth == 0 {
			return i, nil
		}
	}
	return off, malformed(off, "unterminated construct")
}

func malformed(off int, detail string) error {
	return fmt.Errorf("%w: offset %d: %s", ErrMalformedTag, off, detail)
}
