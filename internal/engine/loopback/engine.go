// Package loopback is an in-process engine.Engine over a simulated network.
//
// Ownership boundary:
// - simulated devices answering confirmed requests
// - the two-byte loopback envelope (service, invoke id)
// - fault knobs for dropped and reordered replies
//
// Replies are queued on the engine inbox and surface through Receive, so the
// worker observes them asynchronously exactly as it would real datagrams.
package loopback

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

var (
	ErrNotOpen       = errors.New("loopback: engine not open")
	ErrRefused       = errors.New("loopback: transmission refused")
	ErrNoLocalDevice = errors.New("loopback: local device not initialized")
	ErrInvalidTTL    = errors.New("loopback: foreign device ttl must be > 0")
)

const defaultInboxSize = 1024

var _ engine.Engine = (*Engine)(nil)

type Option func(*Engine)

// WithOpenError makes Open fail with err.
func WithOpenError(err error) Option {
	return func(e *Engine) { e.openErr = err }
}

func WithInboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inbox = make(chan engine.Datagram, n)
		}
	}
}

type foreignRegistration struct {
	host    string
	port    uint16
	ttl     time.Duration
	elapsed time.Duration
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Ticks    int64
	Elapsed  time.Duration
	Dropped  int64
	Renewals int64
}

type Engine struct {
	net      *Network
	addr     engine.Address
	inbox    chan engine.Datagram
	handlers *engine.Registry
	openErr  error
	open     atomic.Bool

	// worker-owned
	nextInvoke uint8
	fdr        *foreignRegistration
	local      *Device

	mu          sync.Mutex
	dropReplies bool
	refuse      bool
	hold        bool
	held        []engine.Datagram
	bindings    map[uint32]engine.Address

	ticks    atomic.Int64
	elapsed  atomic.Int64
	dropped  atomic.Int64
	renewals atomic.Int64
}

func New(net *Network, addr engine.Address, opts ...Option) *Engine {
	e := &Engine{
		net:      net,
		addr:     addr.Clone(),
		inbox:    make(chan engine.Datagram, defaultInboxSize),
		bindings: make(map[uint32]engine.Address),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Address() engine.Address {
	return e.addr.Clone()
}

func (e *Engine) Open() error {
	if e.openErr != nil {
		return e.openErr
	}
	if err := e.net.attach(e); err != nil {
		return err
	}
	e.open.Store(true)
	return nil
}

func (e *Engine) Close() error {
	if !e.open.Swap(false) {
		return nil
	}
	e.net.detach(e)
	if e.local != nil {
		e.net.RemoveDevice(e.local.Address)
	}
	return nil
}

func (e *Engine) SetHandlers(r *engine.Registry) {
	e.handlers = r
}

func (e *Engine) Receive(timeout time.Duration) (engine.Datagram, bool) {
	select {
	case d := <-e.inbox:
		return d, true
	default:
	}
	if timeout <= 0 {
		return engine.Datagram{}, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-e.inbox:
		return d, true
	case <-t.C:
		return engine.Datagram{}, false
	}
}

func (e *Engine) Dispatch(d engine.Datagram) {
	svc, invokeID, payload, err := decodeFrame(d.Data)
	if err != nil {
		e.dropped.Add(1)
		return
	}
	if svc == engine.ServiceWritePropertyRequest && e.local != nil {
		if w, err := apdu.DecodeWritePropertyRequest(payload); err == nil {
			e.local.writeProperty(w.Object, w.Property, w.ArrayIndex, w.Value)
		}
	}
	ind := engine.Indication{Service: svc, Source: d.Source, InvokeID: invokeID, Payload: payload}
	if !e.handlers.Dispatch(ind) {
		e.dropped.Add(1)
	}
}

func (e *Engine) TickTimers(elapsed time.Duration) {
	e.ticks.Add(1)
	e.elapsed.Add(int64(elapsed))
	if e.fdr == nil {
		return
	}
	e.fdr.elapsed += elapsed
	if e.fdr.elapsed >= e.fdr.ttl {
		e.fdr.elapsed = 0
		e.renewals.Add(1)
	}
}

func (e *Engine) SendWhoIs(low, high *uint32) error {
	if !e.open.Load() {
		return ErrNotOpen
	}
	if e.refusing() {
		return ErrRefused
	}
	for _, d := range e.net.Devices() {
		if e.local != nil && d == e.local {
			continue
		}
		if d.inRange(low, high) {
			e.reply(engine.Datagram{Source: d.Address.Clone(), Data: encodeFrame(engine.ServiceIAm, 0, d.iAm())})
		}
	}
	return nil
}

func (e *Engine) SendReadProperty(target engine.Address, obj tlv.ObjectID, prop apdu.PropertyID, index *uint32) (uint8, error) {
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.readProperty(obj, prop, index)
	})
}

func (e *Engine) SendWriteProperty(target engine.Address, obj tlv.ObjectID, prop apdu.PropertyID, index *uint32, value tlv.Value, priority uint8) (uint8, error) {
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.writeProperty(obj, prop, index, value)
	})
}

func (e *Engine) SendReadPropertyMultiple(target engine.Address, specs []apdu.ReadAccessSpec) (uint8, error) {
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.readPropertyMultiple(specs)
	})
}

func (e *Engine) SendWritePropertyMultiple(target engine.Address, specs []apdu.WriteAccessSpec) (uint8, error) {
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.writePropertyMultiple(specs)
	})
}

func (e *Engine) SendReadRange(target engine.Address, q engine.RangeQuery) (uint8, error) {
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.readRange(q)
	})
}

func (e *Engine) SendSubscribeCOV(target engine.Address, sub engine.Subscription) (uint8, error) {
	from := e.addr
	return e.transmit(target, func(d *Device) (engine.Service, []byte) {
		return d.subscribe(from, sub)
	})
}

func (e *Engine) RegisterForeignDevice(host string, port uint16, ttl time.Duration) error {
	if !e.open.Load() {
		return ErrNotOpen
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("loopback: foreign device host %q: %w", host, err)
	}
	e.fdr = &foreignRegistration{host: host, port: port, ttl: ttl}
	return nil
}

// AddAddressBinding records a static device-instance to IPv4 address
// binding. The bound address is six bytes: four address bytes then the
// port, big-endian.
func (e *Engine) AddAddressBinding(device uint32, host string, port uint16) error {
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("loopback: binding for %d: invalid ipv4 host %q", device, host)
	}
	b := ip.As4()
	addr := engine.Address{MAC: []byte{b[0], b[1], b[2], b[3], byte(port >> 8), byte(port)}}
	e.mu.Lock()
	e.bindings[device] = addr
	e.mu.Unlock()
	return nil
}

// Binding returns the static binding for a device instance.
func (e *Engine) Binding(device uint32) (engine.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.bindings[device]
	return a.Clone(), ok
}

// InitDevice makes the engine host a local device reachable by other
// engines on the network.
func (e *Engine) InitDevice(instance uint32, name string) error {
	if !e.open.Load() {
		return ErrNotOpen
	}
	if e.local != nil {
		e.net.RemoveDevice(e.local.Address)
	}
	d := NewDevice(instance, name, e.addr)
	if err := e.net.AddDevice(d); err != nil {
		return err
	}
	e.local = d
	return nil
}

func (e *Engine) AddObject(obj tlv.ObjectID, name string) error {
	if e.local == nil {
		return ErrNoLocalDevice
	}
	return e.local.AddObject(obj, name, nil)
}

// LocalDevice returns the device created by InitDevice, if any.
func (e *Engine) LocalDevice() *Device {
	return e.local
}

// Inject queues a raw inbound frame as if it arrived from src.
func (e *Engine) Inject(src engine.Address, svc engine.Service, invokeID uint8, payload []byte) bool {
	return e.enqueue(engine.Datagram{Source: src.Clone(), Data: encodeFrame(svc, invokeID, payload)})
}

// InjectWrite queues an inbound write-property request from src.
func (e *Engine) InjectWrite(src engine.Address, w apdu.WritePropertyRequest) error {
	payload, err := apdu.EncodeWritePropertyRequest(w)
	if err != nil {
		return err
	}
	if !e.Inject(src, engine.ServiceWritePropertyRequest, 0, payload) {
		return fmt.Errorf("loopback: inbox full")
	}
	return nil
}

// DropReplies makes later confirmed requests go unanswered.
func (e *Engine) DropReplies(drop bool) {
	e.mu.Lock()
	e.dropReplies = drop
	e.mu.Unlock()
}

// RefuseSends makes later send calls fail before transmission.
func (e *Engine) RefuseSends(refuse bool) {
	e.mu.Lock()
	e.refuse = refuse
	e.mu.Unlock()
}

// Hold buffers replies until Release.
func (e *Engine) Hold() {
	e.mu.Lock()
	e.hold = true
	e.mu.Unlock()
}

// Release queues held replies in reverse order and stops holding.
func (e *Engine) Release() int {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.hold = false
	e.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		e.enqueue(held[i])
	}
	return len(held)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:    e.ticks.Load(),
		Elapsed:  time.Duration(e.elapsed.Load()),
		Dropped:  e.dropped.Load(),
		Renewals: e.renewals.Load(),
	}
}

func (e *Engine) transmit(target engine.Address, serve func(*Device) (engine.Service, []byte)) (uint8, error) {
	if !e.open.Load() {
		return 0, ErrNotOpen
	}
	if e.refusing() {
		return 0, ErrRefused
	}
	invokeID := e.allocInvokeID()
	d, ok := e.net.Device(target)
	if !ok {
		return invokeID, nil
	}
	svc, payload := serve(d)
	e.mu.Lock()
	drop := e.dropReplies
	e.mu.Unlock()
	if !drop {
		e.reply(engine.Datagram{Source: d.Address.Clone(), Data: encodeFrame(svc, invokeID, payload)})
	}
	return invokeID, nil
}

func (e *Engine) allocInvokeID() uint8 {
	e.nextInvoke++
	if e.nextInvoke == 0 {
		e.nextInvoke = 1
	}
	return e.nextInvoke
}

func (e *Engine) refusing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refuse
}

func (e *Engine) reply(d engine.Datagram) {
	e.mu.Lock()
	if e.hold {
		e.held = append(e.held, d)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.enqueue(d)
}

func (e *Engine) enqueue(d engine.Datagram) bool {
	select {
	case e.inbox <- d:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}
