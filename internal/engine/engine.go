// Package engine defines the native protocol engine contract.
//
// Ownership boundary:
// - engine call surface used by the worker
// - service handler registry and indication shape
// - address and query types shared with request messages
//
// An Engine is not safe for concurrent use. Exactly one goroutine may call
// it, and handlers registered through SetHandlers run on that goroutine.
package engine

import (
	"fmt"
	"time"

	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// Address is a network number plus physical address bytes.
type Address struct {
	Network uint16
	MAC     []byte
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%x", a.Network, a.MAC)
}

// Clone returns a copy that shares no memory with a.
func (a Address) Clone() Address {
	return Address{Network: a.Network, MAC: append([]byte(nil), a.MAC...)}
}

// Datagram is one inbound application-layer frame.
type Datagram struct {
	Source Address
	Data   []byte
}

// RangeQuery is the body of a read-range request.
type RangeQuery struct {
	Object     tlv.ObjectID
	Property   apdu.PropertyID
	ArrayIndex *uint32
	Mode       apdu.RangeMode
	// Reference is the first position or sequence number. Ignored for
	// RangeByTime, which uses Time.
	Reference uint32
	Time      time.Time
	Count     int32
}

// Subscription is the body of a value-change subscription.
type Subscription struct {
	Object    tlv.ObjectID
	Property  *apdu.PropertyID
	ProcessID uint32
	Lifetime  time.Duration
	Confirmed bool
}

// Engine is the native protocol engine. Send calls that transmit a confirmed
// request return the invoke id assigned to it; an invoke id of zero means
// the engine refused to transmit.
type Engine interface {
	Open() error
	Close() error
	SetHandlers(r *Registry)

	// Receive waits at most timeout for one datagram.
	Receive(timeout time.Duration) (Datagram, bool)
	// Dispatch decodes d and synchronously invokes the matching handler.
	Dispatch(d Datagram)
	TickTimers(elapsed time.Duration)

	SendWhoIs(low, high *uint32) error
	SendReadProperty(target Address, obj tlv.ObjectID, prop apdu.PropertyID, index *uint32) (uint8, error)
	SendWriteProperty(target Address, obj tlv.ObjectID, prop apdu.PropertyID, index *uint32, value tlv.Value, priority uint8) (uint8, error)
	SendReadPropertyMultiple(target Address, specs []apdu.ReadAccessSpec) (uint8, error)
	SendWritePropertyMultiple(target Address, specs []apdu.WriteAccessSpec) (uint8, error)
	SendReadRange(target Address, q RangeQuery) (uint8, error)
	SendSubscribeCOV(target Address, sub Subscription) (uint8, error)

	RegisterForeignDevice(host string, port uint16, ttl time.Duration) error
	AddAddressBinding(device uint32, host string, port uint16) error
	InitDevice(instance uint32, name string) error
	AddObject(obj tlv.ObjectID, name string) error
}
