package loopback

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

var (
	ErrObjectExists  = errors.New("loopback: object already exists")
	ErrUnknownObject = errors.New("loopback: unknown object")
)

const rejectParameterOutOfRange uint8 = 6

// Record is one trend-log entry.
type Record struct {
	Timestamp time.Time
	Value     tlv.Value
}

type object struct {
	id       tlv.ObjectID
	props    map[apdu.PropertyID][]tlv.Value
	readOnly map[apdu.PropertyID]bool
	log      []Record
}

type subscription struct {
	subscriber engine.Address
	processID  uint32
	object     tlv.ObjectID
	expires    time.Time
}

// Device is a simulated remote device. It is safe for concurrent use.
type Device struct {
	Instance uint32
	Name     string
	Address  engine.Address
	VendorID uint32
	MaxAPDU  uint32

	mu      sync.Mutex
	objects map[tlv.ObjectID]*object
	subs    []subscription
	net     *Network
	now     func() time.Time
}

// NewDevice creates a device holding only its device object.
func NewDevice(instance uint32, name string, addr engine.Address) *Device {
	d := &Device{
		Instance: instance,
		Name:     name,
		Address:  addr.Clone(),
		VendorID: 260,
		MaxAPDU:  1476,
		objects:  make(map[tlv.ObjectID]*object),
		now:      time.Now,
	}
	id := d.ID()
	d.objects[id] = &object{
		id: id,
		props: map[apdu.PropertyID][]tlv.Value{
			apdu.PropObjectName: {textValue(name)},
		},
		readOnly: map[apdu.PropertyID]bool{apdu.PropObjectName: true, apdu.PropObjectList: true},
	}
	d.refreshObjectListLocked()
	return d
}

func (d *Device) ID() tlv.ObjectID {
	return tlv.ObjectID{Type: tlv.ObjectDevice, Instance: d.Instance}
}

// AddObject hosts a new object with an object name and optional initial
// properties.
func (d *Device) AddObject(id tlv.ObjectID, name string, props map[apdu.PropertyID]tlv.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[id]; ok {
		return ErrObjectExists
	}
	o := &object{
		id:       id,
		props:    map[apdu.PropertyID][]tlv.Value{apdu.PropObjectName: {textValue(name)}},
		readOnly: map[apdu.PropertyID]bool{apdu.PropObjectName: true},
	}
	for p, v := range props {
		o.props[p] = []tlv.Value{v}
	}
	d.objects[id] = o
	d.refreshObjectListLocked()
	return nil
}

// SetProperty replaces a property value and notifies value-change
// subscribers of the object.
func (d *Device) SetProperty(id tlv.ObjectID, prop apdu.PropertyID, values ...tlv.Value) error {
	d.mu.Lock()
	o, ok := d.objects[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownObject
	}
	o.props[prop] = append([]tlv.Value(nil), values...)
	notes := d.notificationsLocked(id)
	net := d.net
	d.mu.Unlock()
	deliverAll(net, d.Address, notes)
	return nil
}

// AppendLog appends trend-log records to an object and updates its record
// count.
func (d *Device) AppendLog(id tlv.ObjectID, records ...Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return ErrUnknownObject
	}
	o.log = append(o.log, records...)
	o.props[apdu.PropRecordCount] = []tlv.Value{{Kind: tlv.KindUnsigned, Unsigned: uint64(len(o.log))}}
	return nil
}

// Property returns the current values of a property.
func (d *Device) Property(id tlv.ObjectID, prop apdu.PropertyID) ([]tlv.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return nil, false
	}
	v, ok := o.props[prop]
	return append([]tlv.Value(nil), v...), ok
}

func (d *Device) iAm() []byte {
	return apdu.EncodeIAm(apdu.IAm{Device: d.ID(), MaxAPDU: d.MaxAPDU, Segmentation: 3, VendorID: d.VendorID})
}

func (d *Device) inRange(low, high *uint32) bool {
	if low != nil && d.Instance < *low {
		return false
	}
	if high != nil && d.Instance > *high {
		return false
	}
	return true
}

func (d *Device) readProperty(id tlv.ObjectID, prop apdu.PropertyID, index *uint32) (engine.Service, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	values, perr := d.lookupLocked(id, prop, index)
	if perr != nil {
		return engine.ServiceError, apdu.EncodeErrorPair(perr.Class, perr.Code)
	}
	pv := apdu.PropertyValue{Object: id, Property: prop, ArrayIndex: index, Value: values[0]}
	if len(values) > 1 {
		pv.List = values
	}
	payload, err := apdu.EncodeReadPropertyAck(pv)
	if err != nil {
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassProperty, apdu.ErrorCodeInvalidDataType)
	}
	return engine.ServiceReadPropertyAck, payload
}

func (d *Device) readPropertyMultiple(specs []apdu.ReadAccessSpec) (engine.Service, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	results := make([]apdu.ReadAccessResult, 0, len(specs))
	for _, spec := range specs {
		r := apdu.ReadAccessResult{Object: spec.Object}
		for _, ref := range spec.Properties {
			e := apdu.PropertyEntry{Property: ref.Property, ArrayIndex: ref.ArrayIndex}
			values, perr := d.lookupLocked(spec.Object, ref.Property, ref.ArrayIndex)
			if perr != nil {
				e.Err = perr
			} else {
				e.Values = values
			}
			r.Entries = append(r.Entries, e)
		}
		results = append(results, r)
	}
	payload, err := apdu.EncodeReadPropertyMultipleAck(results)
	if err != nil {
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassProperty, apdu.ErrorCodeInvalidDataType)
	}
	return engine.ServiceReadPropertyMultipleAck, payload
}

func (d *Device) writeProperty(id tlv.ObjectID, prop apdu.PropertyID, index *uint32, value tlv.Value) (engine.Service, []byte) {
	d.mu.Lock()
	perr := d.writeLocked(id, prop, index, value)
	if perr != nil {
		d.mu.Unlock()
		return engine.ServiceError, apdu.EncodeErrorPair(perr.Class, perr.Code)
	}
	notes := d.notificationsLocked(id)
	net := d.net
	d.mu.Unlock()
	deliverAll(net, d.Address, notes)
	return engine.ServiceSimpleAck, nil
}

// writePropertyMultiple applies every write or none of them.
func (d *Device) writePropertyMultiple(specs []apdu.WriteAccessSpec) (engine.Service, []byte) {
	d.mu.Lock()
	for _, spec := range specs {
		o, ok := d.objects[spec.Object]
		if !ok {
			d.mu.Unlock()
			return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassObject, apdu.ErrorCodeUnknownObject)
		}
		for _, w := range spec.Values {
			if o.readOnly[w.Property] {
				d.mu.Unlock()
				return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassProperty, apdu.ErrorCodeWriteAccessDenied)
			}
		}
	}
	var notes []pendingNote
	for _, spec := range specs {
		for _, w := range spec.Values {
			d.writeLocked(spec.Object, w.Property, w.ArrayIndex, w.Value)
		}
		notes = append(notes, d.notificationsLocked(spec.Object)...)
	}
	net := d.net
	d.mu.Unlock()
	deliverAll(net, d.Address, notes)
	return engine.ServiceSimpleAck, nil
}

func (d *Device) readRange(q engine.RangeQuery) (engine.Service, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[q.Object]
	if !ok {
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassObject, apdu.ErrorCodeUnknownObject)
	}
	if q.Property != apdu.PropLogBuffer {
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassProperty, apdu.ErrorCodeUnknownProperty)
	}
	if q.Count == 0 {
		return engine.ServiceReject, []byte{rejectParameterOutOfRange}
	}
	start, end, ok := selectRange(o.log, q)
	res := apdu.RangeResult{Object: q.Object, Property: q.Property, ArrayIndex: q.ArrayIndex}
	if ok {
		for _, rec := range o.log[start:end] {
			res.Items = append(res.Items, rec.Value)
		}
		res.ItemCount = uint32(end - start)
		if start == 0 {
			res.Flags |= apdu.FlagFirstItem
		}
		if end == len(o.log) {
			res.Flags |= apdu.FlagLastItem
		}
		if (q.Count > 0 && end < len(o.log)) || (q.Count < 0 && start > 0) {
			res.Flags |= apdu.FlagMoreItems
		}
		if q.Mode != apdu.RangeByPosition {
			seq := uint32(start + 1)
			res.FirstSequence = &seq
		}
	}
	payload, err := apdu.EncodeReadRangeAck(res)
	if err != nil {
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassProperty, apdu.ErrorCodeInvalidDataType)
	}
	return engine.ServiceReadRangeAck, payload
}

// selectRange returns the half-open record window for q. Positions and
// sequence numbers both start at 1; the log never wraps, so they coincide.
func selectRange(log []Record, q engine.RangeQuery) (int, int, bool) {
	if len(log) == 0 {
		return 0, 0, false
	}
	var anchor int
	switch q.Mode {
	case apdu.RangeByTime:
		if q.Count > 0 {
			anchor = sort.Search(len(log), func(i int) bool { return !log[i].Timestamp.Before(q.Time) })
		} else {
			anchor = sort.Search(len(log), func(i int) bool { return log[i].Timestamp.After(q.Time) }) - 1
		}
		if anchor < 0 || anchor >= len(log) {
			return 0, 0, false
		}
	default:
		if q.Reference < 1 || int(q.Reference) > len(log) {
			return 0, 0, false
		}
		anchor = int(q.Reference) - 1
	}
	count := int(q.Count)
	if count > 0 {
		end := anchor + count
		if end > len(log) {
			end = len(log)
		}
		return anchor, end, true
	}
	start := anchor + count + 1
	if start < 0 {
		start = 0
	}
	return start, anchor + 1, true
}

func (d *Device) subscribe(from engine.Address, sub engine.Subscription) (engine.Service, []byte) {
	d.mu.Lock()
	if _, ok := d.objects[sub.Object]; !ok {
		d.mu.Unlock()
		return engine.ServiceError, apdu.EncodeErrorPair(apdu.ErrorClassObject, apdu.ErrorCodeUnknownObject)
	}
	var expires time.Time
	if sub.Lifetime > 0 {
		expires = d.now().Add(sub.Lifetime)
	}
	kept := d.subs[:0]
	for _, s := range d.subs {
		if s.processID == sub.ProcessID && s.object == sub.Object && string(s.subscriber.MAC) == string(from.MAC) {
			continue
		}
		kept = append(kept, s)
	}
	d.subs = append(kept, subscription{subscriber: from.Clone(), processID: sub.ProcessID, object: sub.Object, expires: expires})
	notes := d.notificationsLocked(sub.Object)
	net := d.net
	d.mu.Unlock()
	deliverAll(net, d.Address, notes)
	return engine.ServiceSimpleAck, nil
}

func (d *Device) lookupLocked(id tlv.ObjectID, prop apdu.PropertyID, index *uint32) ([]tlv.Value, *apdu.ProtocolError) {
	o, ok := d.objects[id]
	if !ok {
		return nil, &apdu.ProtocolError{Class: apdu.ErrorClassObject, Code: apdu.ErrorCodeUnknownObject}
	}
	values, ok := o.props[prop]
	if !ok || len(values) == 0 {
		return nil, &apdu.ProtocolError{Class: apdu.ErrorClassProperty, Code: apdu.ErrorCodeUnknownProperty}
	}
	if index == nil {
		return append([]tlv.Value(nil), values...), nil
	}
	if *index == 0 {
		return []tlv.Value{{Kind: tlv.KindUnsigned, Unsigned: uint64(len(values))}}, nil
	}
	if int(*index) > len(values) {
		return nil, &apdu.ProtocolError{Class: apdu.ErrorClassProperty, Code: apdu.ErrorCodeOther}
	}
	return []tlv.Value{values[*index-1]}, nil
}

func (d *Device) writeLocked(id tlv.ObjectID, prop apdu.PropertyID, index *uint32, value tlv.Value) *apdu.ProtocolError {
	o, ok := d.objects[id]
	if !ok {
		return &apdu.ProtocolError{Class: apdu.ErrorClassObject, Code: apdu.ErrorCodeUnknownObject}
	}
	if o.readOnly[prop] {
		return &apdu.ProtocolError{Class: apdu.ErrorClassProperty, Code: apdu.ErrorCodeWriteAccessDenied}
	}
	if index != nil && *index > 0 {
		values := o.props[prop]
		for len(values) < int(*index) {
			values = append(values, tlv.Value{Kind: tlv.KindNull})
		}
		values[*index-1] = value
		o.props[prop] = values
		return nil
	}
	o.props[prop] = []tlv.Value{value}
	return nil
}

type pendingNote struct {
	to      engine.Address
	payload []byte
}

// notificationsLocked builds one value-change notification per live
// subscriber of id and drops expired subscriptions.
func (d *Device) notificationsLocked(id tlv.ObjectID) []pendingNote {
	now := d.now()
	var notes []pendingNote
	kept := d.subs[:0]
	for _, s := range d.subs {
		if !s.expires.IsZero() && now.After(s.expires) {
			continue
		}
		kept = append(kept, s)
		if s.object != id {
			continue
		}
		n := apdu.COVNotification{
			SubscriberProcessID: s.processID,
			InitiatingDevice:    d.ID(),
			Monitored:           id,
		}
		if !s.expires.IsZero() {
			n.TimeRemaining = uint32(s.expires.Sub(now) / time.Second)
		}
		o := d.objects[id]
		for _, p := range []apdu.PropertyID{apdu.PropPresentValue, apdu.PropStatusFlags} {
			if v, ok := o.props[p]; ok && len(v) > 0 {
				n.Values = append(n.Values, apdu.PropertyValue{Object: id, Property: p, Value: v[0]})
			}
		}
		payload, err := apdu.EncodeCOVNotification(n)
		if err != nil {
			continue
		}
		notes = append(notes, pendingNote{to: s.subscriber, payload: payload})
	}
	d.subs = kept
	return notes
}

func (d *Device) refreshObjectListLocked() {
	ids := make([]tlv.ObjectID, 0, len(d.objects))
	for id := range d.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Pack() < ids[j].Pack() })
	list := make([]tlv.Value, len(ids))
	for i, id := range ids {
		list[i] = tlv.Value{Kind: tlv.KindObjectID, ObjectID: id}
	}
	d.objects[d.ID()].props[apdu.PropObjectList] = list
}

func deliverAll(net *Network, from engine.Address, notes []pendingNote) {
	if net == nil {
		return
	}
	for _, n := range notes {
		net.deliver(from, n.to, encodeFrame(engine.ServiceCOVNotification, 0, n.payload))
	}
}

func textValue(s string) tlv.Value {
	return tlv.Value{Kind: tlv.KindCharacterString, Text: s}
}
