package loopback

import (
	"errors"

	"github.com/danmuck/bacbridge/internal/engine"
)

var ErrShortFrame = errors.New("loopback: frame shorter than envelope")

const envelopeSize = 2

// encodeFrame wraps payload in the loopback envelope: service byte, invoke
// id byte, payload.
func encodeFrame(svc engine.Service, invokeID uint8, payload []byte) []byte {
	out := make([]byte, 0, envelopeSize+len(payload))
	out = append(out, byte(svc), invokeID)
	return append(out, payload...)
}

func decodeFrame(data []byte) (engine.Service, uint8, []byte, error) {
	if len(data) < envelopeSize {
		return 0, 0, nil, ErrShortFrame
	}
	return engine.Service(data[0]), data[1], data[envelopeSize:], nil
}
