package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// Event is one worker->caller message.
type Event interface {
	Kind() string
}

// Unsolicited reports whether e is broadcast to listeners rather than
// correlated to a pending request.
func Unsolicited(e Event) bool {
	switch e.(type) {
	case DiscoveryAnnouncement, ValueChangeNotification, WriteNotification, FatalError:
		return true
	default:
		return false
	}
}

// SendConfirmation links a tracking id to the invoke id the engine assigned.
type SendConfirmation struct {
	TrackingID uint64
	InvokeID   uint8
}

// SendFailure reports that the engine refused a request before transmission.
type SendFailure struct {
	TrackingID uint64
	Operation  string
	Err        error
}

// LocalAck completes a request that the engine served without transmitting.
type LocalAck struct {
	TrackingID uint64
}

type PropertyValueAck struct {
	InvokeID uint8
	Value    apdu.PropertyValue
}

// MultiPropertyAck carries a decoded read-property-multiple result.
// Diagnostic describes members that degraded to placeholders.
type MultiPropertyAck struct {
	InvokeID   uint8
	Result     apdu.ReadMultipleResult
	Diagnostic error
}

type RangeAck struct {
	InvokeID   uint8
	Result     apdu.RangeResult
	Diagnostic error
}

type SimpleAck struct {
	InvokeID uint8
}

// ServiceFailure carries an error, reject or abort for one invoke id, or a
// payload that could not be decoded at all.
type ServiceFailure struct {
	InvokeID uint8
	Err      error
}

type DiscoveryAnnouncement struct {
	Device   uint32
	Network  uint16
	MAC      []byte
	MaxAPDU  uint32
	VendorID uint32
}

type ValueChangeNotification struct {
	Object    tlv.ObjectID
	Timestamp time.Time
	// Source is the initiating device instance, when known.
	Source        *uint32
	ProcessID     uint32
	TimeRemaining uint32
	Values        []apdu.PropertyValue
}

type WriteNotification struct {
	Source     engine.Address
	Object     tlv.ObjectID
	Property   apdu.PropertyID
	Raw        []byte
	Value      tlv.Value
	ArrayIndex *uint32
	Priority   *uint8
}

type FatalError struct {
	Message string
	Err     error
}

// LogRecord is a diagnostic produced on the worker goroutine.
type LogRecord struct {
	Level   zerolog.Level
	Message string
	Err     error
}

func (SendConfirmation) Kind() string        { return "send-confirmation" }
func (SendFailure) Kind() string             { return "send-failure" }
func (LocalAck) Kind() string                { return "local-ack" }
func (PropertyValueAck) Kind() string        { return "property-value-ack" }
func (MultiPropertyAck) Kind() string        { return "multi-property-ack" }
func (RangeAck) Kind() string                { return "range-ack" }
func (SimpleAck) Kind() string               { return "simple-ack" }
func (ServiceFailure) Kind() string          { return "service-failure" }
func (DiscoveryAnnouncement) Kind() string   { return "discovery-announcement" }
func (ValueChangeNotification) Kind() string { return "value-change-notification" }
func (WriteNotification) Kind() string       { return "write-notification" }
func (FatalError) Kind() string              { return "fatal-error" }
func (LogRecord) Kind() string               { return "log-record" }
