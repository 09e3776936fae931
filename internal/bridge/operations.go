package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
	"github.com/danmuck/bacbridge/internal/worker"
)

// PropertyWrite describes a single-property write. Value is converted to
// Kind before it is queued.
type PropertyWrite struct {
	Target     engine.Address
	Object     tlv.ObjectID
	Property   apdu.PropertyID
	ArrayIndex *uint32
	Kind       tlv.Kind
	Value      any
	Priority   uint8
}

// WhoIs broadcasts a discovery request. Announcements arrive on listeners.
func (s *Session) WhoIs(ctx context.Context, r *session.InstanceRange) error {
	return s.submit(ctx, session.WhoIsRequest{Range: r})
}

// WriteProperty queues a single-property write and returns once it is
// queued. Device replies to it are not awaited.
func (s *Session) WriteProperty(ctx context.Context, w PropertyWrite) error {
	v, err := tlv.Coerce(w.Kind, w.Value)
	if err != nil {
		return fmt.Errorf("write %s %d: %w", w.Object, w.Property, err)
	}
	return s.submit(ctx, session.WritePropertyRequest{
		Target:     w.Target,
		Object:     w.Object,
		Property:   w.Property,
		ArrayIndex: w.ArrayIndex,
		Value:      v,
		Priority:   w.Priority,
	})
}

func (s *Session) ReadProperty(ctx context.Context, target engine.Address, obj tlv.ObjectID, prop apdu.PropertyID, index *uint32) (apdu.PropertyValue, error) {
	out, err := s.call(ctx, "read-property", func(id uint64) session.Request {
		return session.ReadPropertyRequest{TrackingID: id, Target: target, Object: obj, Property: prop, ArrayIndex: index}
	})
	return payload[apdu.PropertyValue](out, err)
}

// ReadPropertyMultiple returns the decoded result map. Members that could
// not be decoded carry an error in their PropertyResult.
func (s *Session) ReadPropertyMultiple(ctx context.Context, target engine.Address, specs []apdu.ReadAccessSpec) (apdu.ReadMultipleResult, error) {
	out, err := s.call(ctx, "read-property-multiple", func(id uint64) session.Request {
		return session.ReadPropertyMultipleRequest{TrackingID: id, Target: target, Specs: specs}
	})
	return payload[apdu.ReadMultipleResult](out, err)
}

// WritePropertyMultiple waits for the device to acknowledge every write.
func (s *Session) WritePropertyMultiple(ctx context.Context, target engine.Address, specs []apdu.WriteAccessSpec) error {
	_, err := s.call(ctx, "write-property-multiple", func(id uint64) session.Request {
		return session.WritePropertyMultipleRequest{TrackingID: id, Target: target, Specs: specs}
	})
	return err
}

func (s *Session) ReadRange(ctx context.Context, target engine.Address, q engine.RangeQuery) (apdu.RangeResult, error) {
	out, err := s.call(ctx, "read-range", func(id uint64) session.Request {
		return session.ReadRangeRequest{TrackingID: id, Target: target, Query: q}
	})
	return payload[apdu.RangeResult](out, err)
}

// SubscribeCOV waits for the subscription to be accepted. Notifications
// arrive on listeners.
func (s *Session) SubscribeCOV(ctx context.Context, target engine.Address, sub engine.Subscription) error {
	_, err := s.call(ctx, "subscribe-cov", func(id uint64) session.Request {
		return session.SubscribeCOVRequest{TrackingID: id, Target: target, Subscription: sub}
	})
	return err
}

func (s *Session) RegisterForeignDevice(ctx context.Context, host string, port uint16, ttl time.Duration) error {
	_, err := s.call(ctx, "register-foreign-device", func(id uint64) session.Request {
		return session.RegisterForeignDeviceRequest{TrackingID: id, Host: host, Port: port, TTL: ttl}
	})
	return err
}

func (s *Session) AddAddressBinding(ctx context.Context, device uint32, host string, port uint16) error {
	_, err := s.call(ctx, "add-address-binding", func(id uint64) session.Request {
		return session.AddAddressBindingRequest{TrackingID: id, Device: device, Host: host, Port: port}
	})
	return err
}

func (s *Session) InitDevice(ctx context.Context, instance uint32, name string) error {
	_, err := s.call(ctx, "init-device", func(id uint64) session.Request {
		return session.InitDeviceRequest{TrackingID: id, Instance: instance, Name: name}
	})
	return err
}

func (s *Session) AddObject(ctx context.Context, obj tlv.ObjectID, name string) error {
	_, err := s.call(ctx, "add-object", func(id uint64) session.Request {
		return session.AddObjectRequest{TrackingID: id, Object: obj, Name: name}
	})
	return err
}

// submit queues a request that has no completion.
func (s *Session) submit(ctx context.Context, req session.Request) error {
	if s.closed.Load() {
		return session.ErrSessionDisposed
	}
	if err := s.worker.Submit(ctx, req); err != nil {
		return stopped(err)
	}
	observability.RecordSubmitted(s.id, req.Operation())
	return nil
}

// call registers a completion, queues the request built for its tracking
// id and waits for the result.
func (s *Session) call(ctx context.Context, op string, build func(trackingID uint64) session.Request) (any, error) {
	if s.closed.Load() {
		return nil, session.ErrSessionDisposed
	}
	p, err := s.corr.Register(op, s.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	pending, _ := s.corr.Len()
	observability.SetPending(s.id, pending)

	if err := s.worker.Submit(ctx, build(p.TrackingID)); err != nil {
		s.corr.Abandon(p.TrackingID, stopped(err))
		res := <-p.Done()
		return res.Payload, res.Err
	}
	observability.RecordSubmitted(s.id, op)
	return p.Wait(ctx)
}

func stopped(err error) error {
	if errors.Is(err, worker.ErrStopped) {
		return session.ErrSessionDisposed
	}
	return err
}

func payload[T any](out any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("bridge: unexpected payload %T", out)
	}
	return v, nil
}
