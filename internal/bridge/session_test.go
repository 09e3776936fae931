package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/engine/loopback"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
	"github.com/danmuck/bacbridge/internal/testutil/testlog"
	"github.com/danmuck/bacbridge/internal/worker"
)

var (
	clientAddr = engine.Address{MAC: []byte{10, 0, 0, 1, 0xBA, 0xC0}}
	zoneTemp   = tlv.ObjectID{Type: tlv.ObjectAnalogValue, Instance: 1}
	setpoint   = tlv.ObjectID{Type: tlv.ObjectAnalogValue, Instance: 2}
	trend      = tlv.ObjectID{Type: tlv.ObjectTrendLog, Instance: 1}
)

type harness struct {
	sess *Session
	eng  *loopback.Engine
	dev  *loopback.Device
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.TickInterval = 2 * time.Millisecond
	cfg.ReceiveTimeout = time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	net := loopback.NewNetwork()
	dev := loopback.NewDevice(100, "ahu-1", loopback.DeviceAddress(100))
	for id, v := range map[tlv.ObjectID]float32{zoneTemp: 21.5, setpoint: 22} {
		if err := dev.AddObject(id, id.String(), map[apdu.PropertyID]tlv.Value{
			apdu.PropPresentValue: {Kind: tlv.KindReal, Real: v},
		}); err != nil {
			t.Fatalf("add object: %v", err)
		}
	}
	if err := dev.AddObject(trend, "zone-trend", nil); err != nil {
		t.Fatalf("add trend: %v", err)
	}
	if err := net.AddDevice(dev); err != nil {
		t.Fatalf("add device: %v", err)
	}
	eng := loopback.New(net, clientAddr)
	sess, err := Open(context.Background(), eng, testConfig(), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return &harness{sess: sess, eng: eng, dev: dev}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func linked(s *Session) int {
	n := 0
	for _, p := range s.Pending() {
		if p.InvokeID != nil {
			n++
		}
	}
	return n
}

func TestOpenEngineInitFailure(t *testing.T) {
	testlog.Start(t)
	eng := loopback.New(loopback.NewNetwork(), clientAddr, loopback.WithOpenError(errors.New("no interface")))
	sess, err := Open(context.Background(), eng, testConfig())
	if !errors.Is(err, worker.ErrEngineInit) {
		t.Fatalf("expected ErrEngineInit, got %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session on failure")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ReceiveTimeout = time.Second
	_, err := Open(context.Background(), loopback.New(loopback.NewNetwork(), clientAddr), cfg)
	if !errors.Is(err, session.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestReadPropertyEndToEnd(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	pv, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pv.Object != zoneTemp || pv.Value.Real != 21.5 {
		t.Fatalf("unexpected value %+v", pv)
	}
	if n := len(h.sess.Pending()); n != 0 {
		t.Fatalf("expected empty pending table, got %d", n)
	}
	if !h.sess.Ready() {
		t.Fatalf("expected ready session")
	}
}

func TestReadPropertyDeviceError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	missing := tlv.ObjectID{Type: tlv.ObjectBinaryInput, Instance: 9}
	_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, missing, apdu.PropPresentValue, nil)
	var perr *apdu.ProtocolError
	if !errors.As(err, &perr) || perr.Code != apdu.ErrorCodeUnknownObject {
		t.Fatalf("expected unknown-object protocol error, got %v", err)
	}
}

func TestReadPropertyMultipleEndToEnd(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	specs := []apdu.ReadAccessSpec{{
		Object: zoneTemp,
		Properties: []apdu.PropertyReference{
			{Property: apdu.PropPresentValue},
			{Property: apdu.PropObjectName},
		},
	}}
	res, err := h.sess.ReadPropertyMultiple(context.Background(), h.dev.Address, specs)
	if err != nil {
		t.Fatalf("rpm: %v", err)
	}
	props := res[zoneTemp]
	if pv := props[apdu.PropPresentValue]; !pv.OK() || pv.Value.Real != 21.5 {
		t.Fatalf("unexpected present value %+v", pv)
	}
	if name := props[apdu.PropObjectName]; name.Value.Text != zoneTemp.String() {
		t.Fatalf("unexpected name %+v", name)
	}
}

func TestWritePropertyIsFireAndForget(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	err := h.sess.WriteProperty(ctx, PropertyWrite{
		Target:   h.dev.Address,
		Object:   setpoint,
		Property: apdu.PropPresentValue,
		Kind:     tlv.KindReal,
		Value:    23,
		Priority: 8,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "written value", func() bool {
		v, ok := h.dev.Property(setpoint, apdu.PropPresentValue)
		return ok && len(v) == 1 && v[0].Real == 23
	})
	if n := len(h.sess.Pending()); n != 0 {
		t.Fatalf("fire-and-forget write left %d pending", n)
	}

	bad := PropertyWrite{Target: h.dev.Address, Object: setpoint, Property: apdu.PropPresentValue, Kind: tlv.KindUnsigned, Value: -1}
	if err := h.sess.WriteProperty(ctx, bad); err == nil {
		t.Fatalf("expected coercion error")
	}
}

func TestWritePropertyMultipleAwaitsAck(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	specs := []apdu.WriteAccessSpec{{
		Object: setpoint,
		Values: []apdu.WriteValue{{Property: apdu.PropPresentValue, Value: tlv.Value{Kind: tlv.KindReal, Real: 19}}},
	}}
	if err := h.sess.WritePropertyMultiple(context.Background(), h.dev.Address, specs); err != nil {
		t.Fatalf("wpm: %v", err)
	}
	v, _ := h.dev.Property(setpoint, apdu.PropPresentValue)
	if len(v) != 1 || v[0].Real != 19 {
		t.Fatalf("expected 19 after ack, got %v", v)
	}
}

func TestReadRangeEndToEnd(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []loopback.Record
	for i := 0; i < 10; i++ {
		records = append(records, loopback.Record{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: tlv.Value{Kind: tlv.KindReal, Real: float32(i)}})
	}
	if err := h.dev.AppendLog(trend, records...); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := h.sess.ReadRange(context.Background(), h.dev.Address, engine.RangeQuery{
		Object: trend, Property: apdu.PropLogBuffer, Mode: apdu.RangeByPosition, Reference: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if res.ItemCount != 10 || len(res.Items) != 10 {
		t.Fatalf("expected 10 items, got count=%d items=%d", res.ItemCount, len(res.Items))
	}
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, WithTimeout(50*time.Millisecond))
	h.eng.DropReplies(true)
	start := time.Now()
	_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if !errors.Is(err, session.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("completed before deadline: %s", elapsed)
	}
	if n := len(h.sess.Pending()); n != 0 {
		t.Fatalf("expected timed out entry removed, got %d", n)
	}
}

func TestLateReplyAfterTimeoutIgnored(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, WithTimeout(50*time.Millisecond))
	h.eng.Hold()
	_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if !errors.Is(err, session.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if n := h.eng.Release(); n != 1 {
		t.Fatalf("expected one held reply, got %d", n)
	}
	pv, err := h.sess.ReadProperty(context.Background(), h.dev.Address, setpoint, apdu.PropPresentValue, nil)
	if err != nil {
		t.Fatalf("read after late reply: %v", err)
	}
	if pv.Object != setpoint || pv.Value.Real != 22 {
		t.Fatalf("late reply leaked into next request: %+v", pv)
	}
}

func TestOutOfOrderRepliesMatchByInvokeID(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.eng.Hold()

	type result struct {
		pv  apdu.PropertyValue
		err error
	}
	results := make([]result, 2)
	objects := []tlv.ObjectID{zoneTemp, setpoint}
	var wg sync.WaitGroup
	for i, obj := range objects {
		i, obj := i, obj
		wg.Add(1)
		go func() {
			defer wg.Done()
			pv, err := h.sess.ReadProperty(context.Background(), h.dev.Address, obj, apdu.PropPresentValue, nil)
			results[i] = result{pv: pv, err: err}
		}()
	}
	waitFor(t, "both requests linked", func() bool { return linked(h.sess) == 2 })
	if n := h.eng.Release(); n != 2 {
		t.Fatalf("expected two held replies, got %d", n)
	}
	wg.Wait()
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("read %d: %v", i, r.err)
		}
		if r.pv.Object != objects[i] {
			t.Fatalf("read %d got reply for %s", i, r.pv.Object)
		}
	}
}

func TestCloseDisposesPending(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.eng.DropReplies(true)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
			errs <- err
		}()
	}
	waitFor(t, "three pending", func() bool { return len(h.sess.Pending()) == 3 })
	if err := h.sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, session.ErrSessionDisposed) {
				t.Fatalf("expected ErrSessionDisposed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("caller %d never completed", i)
		}
	}
	if n := len(h.sess.Pending()); n != 0 {
		t.Fatalf("expected no residual entries, got %d", n)
	}
	if h.sess.Ready() {
		t.Fatalf("expected closed session not ready")
	}
	if err := h.sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if !errors.Is(err, session.ErrSessionDisposed) {
		t.Fatalf("expected ErrSessionDisposed after close, got %v", err)
	}
	if err := h.sess.WhoIs(context.Background(), nil); !errors.Is(err, session.ErrSessionDisposed) {
		t.Fatalf("expected ErrSessionDisposed for who-is, got %v", err)
	}
}

func TestCallerCancelAbandonsRequest(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.eng.DropReplies(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.sess.ReadProperty(ctx, h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n := len(h.sess.Pending()); n != 0 {
		t.Fatalf("expected abandoned entry removed, got %d", n)
	}
}

func TestRefusedSendFailsCaller(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.eng.RefuseSends(true)
	_, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil)
	if !errors.Is(err, session.ErrSendRefused) {
		t.Fatalf("expected ErrSendRefused, got %v", err)
	}
}

func TestLocalOperations(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sess.AddObject(ctx, zoneTemp, "early"); !errors.Is(err, session.ErrSendRefused) {
		t.Fatalf("expected refused add-object before init, got %v", err)
	}
	if err := h.sess.InitDevice(ctx, 900, "bridge"); err != nil {
		t.Fatalf("init device: %v", err)
	}
	if err := h.sess.AddObject(ctx, tlv.ObjectID{Type: tlv.ObjectBinaryValue, Instance: 1}, "alarm"); err != nil {
		t.Fatalf("add object: %v", err)
	}
	if err := h.sess.AddAddressBinding(ctx, 100, "192.168.1.20", 47808); err != nil {
		t.Fatalf("binding: %v", err)
	}
	if err := h.sess.RegisterForeignDevice(ctx, "192.168.1.1", 47808, time.Minute); err != nil {
		t.Fatalf("register foreign device: %v", err)
	}
	if err := h.sess.RegisterForeignDevice(ctx, "192.168.1.1", 47808, 0); err == nil {
		t.Fatalf("expected zero ttl to fail")
	}
}

func TestListenersReceiveUnsolicitedInOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()
	first := h.sess.Subscribe(16)
	second := h.sess.Subscribe(16)

	if err := h.sess.SubscribeCOV(ctx, h.dev.Address, engine.Subscription{Object: zoneTemp, ProcessID: 7, Lifetime: time.Minute}); err != nil {
		t.Fatalf("subscribe cov: %v", err)
	}
	for _, v := range []float32{24, 25} {
		if err := h.dev.SetProperty(zoneTemp, apdu.PropPresentValue, tlv.Value{Kind: tlv.KindReal, Real: v}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	want := []float32{21.5, 24, 25}
	for _, l := range []*Listener{first, second} {
		for i, v := range want {
			select {
			case ev := <-l.Events():
				note, ok := ev.(session.ValueChangeNotification)
				if !ok {
					t.Fatalf("expected value change, got %#v", ev)
				}
				if note.Object != zoneTemp || note.ProcessID != 7 || note.Source == nil || *note.Source != 100 {
					t.Fatalf("unexpected notification %+v", note)
				}
				if got := note.Values[0].Value.Real; got != v {
					t.Fatalf("notification %d: expected %v, got %v", i, v, got)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("listener missed notification %d", i)
			}
		}
	}
}

func TestWhoIsAnnouncementsBroadcast(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	l := h.sess.Subscribe(4)
	if err := h.sess.WhoIs(context.Background(), &session.InstanceRange{Low: 1, High: 200}); err != nil {
		t.Fatalf("who-is: %v", err)
	}
	select {
	case ev := <-l.Events():
		ann, ok := ev.(session.DiscoveryAnnouncement)
		if !ok || ann.Device != 100 {
			t.Fatalf("expected announcement from 100, got %#v", ev)
		}
		if string(ann.MAC) != string(h.dev.Address.MAC) {
			t.Fatalf("unexpected mac % x", ann.MAC)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no announcement")
	}
}

func TestFullListenerDropsWithoutBlocking(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	slow := h.sess.Subscribe(1)
	for i := 0; i < 3; i++ {
		if err := h.sess.WhoIs(context.Background(), nil); err != nil {
			t.Fatalf("who-is: %v", err)
		}
	}
	// the session keeps serving requests while the listener is full
	if _, err := h.sess.ReadProperty(context.Background(), h.dev.Address, zoneTemp, apdu.PropPresentValue, nil); err != nil {
		t.Fatalf("read with full listener: %v", err)
	}
	if got := len(slow.Events()); got != 1 {
		t.Fatalf("expected one buffered event, got %d", got)
	}
}

func TestListenerCloseAndSessionClose(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	detached := h.sess.Subscribe(1)
	kept := h.sess.Subscribe(1)
	detached.Close()
	detached.Close()
	if _, ok := <-detached.Events(); ok {
		t.Fatalf("expected detached listener closed")
	}
	_ = h.sess.Close()
	if _, ok := <-kept.Events(); ok {
		t.Fatalf("expected listener closed with session")
	}
	late := h.sess.Subscribe(1)
	if _, ok := <-late.Events(); ok {
		t.Fatalf("expected listener on closed session to be closed")
	}
}
