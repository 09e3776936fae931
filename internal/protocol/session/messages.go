package session

import (
	"time"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// Request is one caller->worker message. Each request maps to exactly one
// engine call.
type Request interface {
	Operation() string
	// Tracking returns the caller tracking id, or zero for fire-and-forget
	// requests.
	Tracking() uint64
}

// InstanceRange bounds a discovery broadcast.
type InstanceRange struct {
	Low  uint32
	High uint32
}

type WhoIsRequest struct {
	Range *InstanceRange
}

type ReadPropertyRequest struct {
	TrackingID uint64
	Target     engine.Address
	Object     tlv.ObjectID
	Property   apdu.PropertyID
	ArrayIndex *uint32
}

type WritePropertyRequest struct {
	TrackingID uint64
	Target     engine.Address
	Object     tlv.ObjectID
	Property   apdu.PropertyID
	ArrayIndex *uint32
	Value      tlv.Value
	Priority   uint8
}

type ReadPropertyMultipleRequest struct {
	TrackingID uint64
	Target     engine.Address
	Specs      []apdu.ReadAccessSpec
}

type WritePropertyMultipleRequest struct {
	TrackingID uint64
	Target     engine.Address
	Specs      []apdu.WriteAccessSpec
}

type ReadRangeRequest struct {
	TrackingID uint64
	Target     engine.Address
	Query      engine.RangeQuery
}

type SubscribeCOVRequest struct {
	TrackingID   uint64
	Target       engine.Address
	Subscription engine.Subscription
}

type RegisterForeignDeviceRequest struct {
	TrackingID uint64
	Host       string
	Port       uint16
	TTL        time.Duration
}

type AddAddressBindingRequest struct {
	TrackingID uint64
	Device     uint32
	Host       string
	Port       uint16
}

type InitDeviceRequest struct {
	TrackingID uint64
	Instance   uint32
	Name       string
}

type AddObjectRequest struct {
	TrackingID uint64
	Object     tlv.ObjectID
	Name       string
}

func (WhoIsRequest) Operation() string                 { return "who-is" }
func (ReadPropertyRequest) Operation() string          { return "read-property" }
func (WritePropertyRequest) Operation() string         { return "write-property" }
func (ReadPropertyMultipleRequest) Operation() string  { return "read-property-multiple" }
func (WritePropertyMultipleRequest) Operation() string { return "write-property-multiple" }
func (ReadRangeRequest) Operation() string             { return "read-range" }
func (SubscribeCOVRequest) Operation() string          { return "subscribe-cov" }
func (RegisterForeignDeviceRequest) Operation() string { return "register-foreign-device" }
func (AddAddressBindingRequest) Operation() string     { return "add-address-binding" }
func (InitDeviceRequest) Operation() string            { return "init-device" }
func (AddObjectRequest) Operation() string             { return "add-object" }

func (WhoIsRequest) Tracking() uint64                   { return 0 }
func (r ReadPropertyRequest) Tracking() uint64          { return r.TrackingID }
func (r WritePropertyRequest) Tracking() uint64         { return r.TrackingID }
func (r ReadPropertyMultipleRequest) Tracking() uint64  { return r.TrackingID }
func (r WritePropertyMultipleRequest) Tracking() uint64 { return r.TrackingID }
func (r ReadRangeRequest) Tracking() uint64             { return r.TrackingID }
func (r SubscribeCOVRequest) Tracking() uint64          { return r.TrackingID }
func (r RegisterForeignDeviceRequest) Tracking() uint64 { return r.TrackingID }
func (r AddAddressBindingRequest) Tracking() uint64     { return r.TrackingID }
func (r InitDeviceRequest) Tracking() uint64            { return r.TrackingID }
func (r AddObjectRequest) Tracking() uint64             { return r.TrackingID }

// Detach returns a copy of req that shares no slice memory with the caller.
func Detach(req Request) Request {
	switch r := req.(type) {
	case WhoIsRequest:
		if r.Range != nil {
			rng := *r.Range
			r.Range = &rng
		}
		return r
	case ReadPropertyRequest:
		r.Target = r.Target.Clone()
		r.ArrayIndex = cloneIndex(r.ArrayIndex)
		return r
	case WritePropertyRequest:
		r.Target = r.Target.Clone()
		r.ArrayIndex = cloneIndex(r.ArrayIndex)
		r.Value = cloneValue(r.Value)
		return r
	case ReadPropertyMultipleRequest:
		r.Target = r.Target.Clone()
		specs := make([]apdu.ReadAccessSpec, len(r.Specs))
		for i, s := range r.Specs {
			refs := make([]apdu.PropertyReference, len(s.Properties))
			for j, p := range s.Properties {
				refs[j] = apdu.PropertyReference{Property: p.Property, ArrayIndex: cloneIndex(p.ArrayIndex)}
			}
			specs[i] = apdu.ReadAccessSpec{Object: s.Object, Properties: refs}
		}
		r.Specs = specs
		return r
	case WritePropertyMultipleRequest:
		r.Target = r.Target.Clone()
		specs := make([]apdu.WriteAccessSpec, len(r.Specs))
		for i, s := range r.Specs {
			values := make([]apdu.WriteValue, len(s.Values))
			for j, v := range s.Values {
				values[j] = apdu.WriteValue{
					Property:   v.Property,
					ArrayIndex: cloneIndex(v.ArrayIndex),
					Value:      cloneValue(v.Value),
					Priority:   v.Priority,
				}
			}
			specs[i] = apdu.WriteAccessSpec{Object: s.Object, Values: values}
		}
		r.Specs = specs
		return r
	case ReadRangeRequest:
		r.Target = r.Target.Clone()
		r.Query.ArrayIndex = cloneIndex(r.Query.ArrayIndex)
		return r
	case SubscribeCOVRequest:
		r.Target = r.Target.Clone()
		if r.Subscription.Property != nil {
			p := *r.Subscription.Property
			r.Subscription.Property = &p
		}
		return r
	default:
		return req
	}
}

func cloneIndex(p *uint32) *uint32 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneValue(v tlv.Value) tlv.Value {
	v.Octets = append([]byte(nil), v.Octets...)
	v.Bits.Bytes = append([]byte(nil), v.Bits.Bytes...)
	return v
}
