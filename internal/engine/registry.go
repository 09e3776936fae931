package engine

import (
	"errors"
	"sort"
)

var (
	ErrHandlerExists = errors.New("engine: handler already registered")
	ErrNilHandler    = errors.New("engine: handler is nil")
)

// Service identifies the inbound service an indication carries.
type Service uint8

const (
	ServiceIAm Service = iota + 1
	ServiceReadPropertyAck
	ServiceReadPropertyMultipleAck
	ServiceReadRangeAck
	ServiceSimpleAck
	ServiceCOVNotification
	ServiceWritePropertyRequest
	ServiceError
	ServiceReject
	ServiceAbort
)

func (s Service) String() string {
	switch s {
	case ServiceIAm:
		return "i-am"
	case ServiceReadPropertyAck:
		return "read-property-ack"
	case ServiceReadPropertyMultipleAck:
		return "read-property-multiple-ack"
	case ServiceReadRangeAck:
		return "read-range-ack"
	case ServiceSimpleAck:
		return "simple-ack"
	case ServiceCOVNotification:
		return "cov-notification"
	case ServiceWritePropertyRequest:
		return "write-property-request"
	case ServiceError:
		return "error"
	case ServiceReject:
		return "reject"
	case ServiceAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Indication is one decoded inbound service delivered to a handler. Payload
// is only valid for the duration of the handler call.
type Indication struct {
	Service  Service
	Source   Address
	InvokeID uint8
	Payload  []byte
}

type Handler func(Indication)

// Registry maps services to handlers. It is populated once before the
// engine starts dispatching and is read-only afterwards.
type Registry struct {
	items map[Service]Handler
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[Service]Handler)}
}

func (r *Registry) Register(s Service, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if _, ok := r.items[s]; ok {
		return ErrHandlerExists
	}
	r.items[s] = h
	return nil
}

// Dispatch invokes the handler for ind.Service. It reports false when no
// handler is registered.
func (r *Registry) Dispatch(ind Indication) bool {
	if r == nil {
		return false
	}
	h, ok := r.items[ind.Service]
	if !ok {
		return false
	}
	h(ind)
	return true
}

// Services returns registered services in ascending order.
func (r *Registry) Services() []Service {
	out := make([]Service, 0, len(r.items))
	for s := range r.items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
