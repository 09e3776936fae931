package worker

import (
	"fmt"

	"github.com/danmuck/bacbridge/internal/protocol/session"
)

// handle translates one request into exactly one engine call.
func (w *Worker) handle(req session.Request) {
	op := req.Operation()
	w.logger.Debug().Str("op", op).Uint64("tracking_id", req.Tracking()).Msg("request")
	switch r := req.(type) {
	case session.WhoIsRequest:
		var low, high *uint32
		if r.Range != nil {
			low, high = &r.Range.Low, &r.Range.High
		}
		if err := w.eng.SendWhoIs(low, high); err != nil {
			w.refused(0, op, err)
		}
	case session.ReadPropertyRequest:
		id, err := w.eng.SendReadProperty(r.Target, r.Object, r.Property, r.ArrayIndex)
		w.confirm(r.TrackingID, op, id, err)
	case session.WritePropertyRequest:
		id, err := w.eng.SendWriteProperty(r.Target, r.Object, r.Property, r.ArrayIndex, r.Value, r.Priority)
		w.confirm(r.TrackingID, op, id, err)
	case session.ReadPropertyMultipleRequest:
		id, err := w.eng.SendReadPropertyMultiple(r.Target, r.Specs)
		w.confirm(r.TrackingID, op, id, err)
	case session.WritePropertyMultipleRequest:
		id, err := w.eng.SendWritePropertyMultiple(r.Target, r.Specs)
		w.confirm(r.TrackingID, op, id, err)
	case session.ReadRangeRequest:
		id, err := w.eng.SendReadRange(r.Target, r.Query)
		w.confirm(r.TrackingID, op, id, err)
	case session.SubscribeCOVRequest:
		id, err := w.eng.SendSubscribeCOV(r.Target, r.Subscription)
		w.confirm(r.TrackingID, op, id, err)
	case session.RegisterForeignDeviceRequest:
		w.local(r.TrackingID, op, w.eng.RegisterForeignDevice(r.Host, r.Port, r.TTL))
	case session.AddAddressBindingRequest:
		w.local(r.TrackingID, op, w.eng.AddAddressBinding(r.Device, r.Host, r.Port))
	case session.InitDeviceRequest:
		w.local(r.TrackingID, op, w.eng.InitDevice(r.Instance, r.Name))
	case session.AddObjectRequest:
		w.local(r.TrackingID, op, w.eng.AddObject(r.Object, r.Name))
	default:
		w.refused(req.Tracking(), op, fmt.Errorf("unsupported request %T", req))
	}
}

// confirm reports the invoke id for a transmitted request, or a send
// failure when the engine refused it.
func (w *Worker) confirm(trackingID uint64, op string, invokeID uint8, err error) {
	if err == nil && invokeID == 0 {
		err = fmt.Errorf("no invoke id assigned")
	}
	if err != nil {
		w.refused(trackingID, op, err)
		return
	}
	w.emit(session.SendConfirmation{TrackingID: trackingID, InvokeID: invokeID})
}

func (w *Worker) local(trackingID uint64, op string, err error) {
	if err != nil {
		w.refused(trackingID, op, err)
		return
	}
	w.emit(session.LocalAck{TrackingID: trackingID})
}

func (w *Worker) refused(trackingID uint64, op string, err error) {
	w.logger.Warn().Err(err).Str("op", op).Uint64("tracking_id", trackingID).Msg("send refused")
	w.emit(session.SendFailure{
		TrackingID: trackingID,
		Operation:  op,
		Err:        fmt.Errorf("%w: %s: %v", session.ErrSendRefused, op, err),
	})
}
