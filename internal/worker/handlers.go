package worker

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/session"
)

func (w *Worker) handlers() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	table := map[engine.Service]engine.Handler{
		engine.ServiceIAm:                     w.onIAm,
		engine.ServiceReadPropertyAck:         w.onReadPropertyAck,
		engine.ServiceReadPropertyMultipleAck: w.onReadPropertyMultipleAck,
		engine.ServiceReadRangeAck:            w.onReadRangeAck,
		engine.ServiceSimpleAck:               w.onSimpleAck,
		engine.ServiceCOVNotification:         w.onCOVNotification,
		engine.ServiceWritePropertyRequest:    w.onWritePropertyRequest,
		engine.ServiceError:                   w.onError,
		engine.ServiceReject:                  w.onReject,
		engine.ServiceAbort:                   w.onAbort,
	}
	for svc, h := range table {
		if err := reg.Register(svc, h); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc, err)
		}
	}
	return reg, nil
}

func (w *Worker) decodeFailed(ind engine.Indication, err error) {
	observability.RecordDecodeDiagnostic(w.label, ind.Service.String())
	w.diagnostic(zerolog.WarnLevel, fmt.Sprintf("%s from %s: undecodable payload", ind.Service, ind.Source), err)
}

func (w *Worker) onIAm(ind engine.Indication) {
	iam, err := apdu.DecodeIAm(ind.Payload)
	if err != nil {
		w.decodeFailed(ind, err)
		return
	}
	w.emit(session.DiscoveryAnnouncement{
		Device:   iam.Device.Instance,
		Network:  ind.Source.Network,
		MAC:      append([]byte(nil), ind.Source.MAC...),
		MaxAPDU:  iam.MaxAPDU,
		VendorID: iam.VendorID,
	})
}

func (w *Worker) onReadPropertyAck(ind engine.Indication) {
	pv, err := apdu.DecodeReadPropertyAck(ind.Payload)
	if err != nil {
		w.decodeFailed(ind, err)
		w.emit(session.ServiceFailure{InvokeID: ind.InvokeID, Err: err})
		return
	}
	w.emit(session.PropertyValueAck{InvokeID: ind.InvokeID, Value: pv})
}

func (w *Worker) onReadPropertyMultipleAck(ind engine.Indication) {
	res, diag := apdu.DecodeReadPropertyMultipleAck(ind.Payload)
	if diag != nil {
		w.decodeFailed(ind, diag)
	}
	w.emit(session.MultiPropertyAck{InvokeID: ind.InvokeID, Result: res, Diagnostic: diag})
}

func (w *Worker) onReadRangeAck(ind engine.Indication) {
	res, diag := apdu.DecodeReadRangeAck(ind.Payload)
	if diag != nil {
		w.decodeFailed(ind, diag)
	}
	w.emit(session.RangeAck{InvokeID: ind.InvokeID, Result: res, Diagnostic: diag})
}

func (w *Worker) onSimpleAck(ind engine.Indication) {
	w.emit(session.SimpleAck{InvokeID: ind.InvokeID})
}

func (w *Worker) onCOVNotification(ind engine.Indication) {
	n, err := apdu.DecodeCOVNotification(ind.Payload)
	if err != nil {
		w.decodeFailed(ind, err)
		return
	}
	src := n.InitiatingDevice.Instance
	w.emit(session.ValueChangeNotification{
		Object:        n.Monitored,
		Timestamp:     time.Now(),
		Source:        &src,
		ProcessID:     n.SubscriberProcessID,
		TimeRemaining: n.TimeRemaining,
		Values:        n.Values,
	})
}

func (w *Worker) onWritePropertyRequest(ind engine.Indication) {
	req, err := apdu.DecodeWritePropertyRequest(ind.Payload)
	if err != nil {
		w.decodeFailed(ind, err)
		return
	}
	w.emit(session.WriteNotification{
		Source:     ind.Source.Clone(),
		Object:     req.Object,
		Property:   req.Property,
		Raw:        req.Raw,
		Value:      req.Value,
		ArrayIndex: req.ArrayIndex,
		Priority:   req.Priority,
	})
}

func (w *Worker) onError(ind engine.Indication) {
	perr, err := apdu.DecodeErrorPayload(ind.Payload)
	if err != nil {
		w.decodeFailed(ind, err)
		w.emit(session.ServiceFailure{InvokeID: ind.InvokeID, Err: err})
		return
	}
	w.emit(session.ServiceFailure{InvokeID: ind.InvokeID, Err: perr})
}

func (w *Worker) onReject(ind engine.Indication) {
	var reason uint8
	if len(ind.Payload) > 0 {
		reason = ind.Payload[0]
	}
	w.emit(session.ServiceFailure{InvokeID: ind.InvokeID, Err: &apdu.RejectError{Reason: reason}})
}

func (w *Worker) onAbort(ind engine.Indication) {
	e := &apdu.AbortError{}
	if len(ind.Payload) > 0 {
		e.Reason = ind.Payload[0]
	}
	if len(ind.Payload) > 1 {
		e.Server = ind.Payload[1] != 0
	}
	w.emit(session.ServiceFailure{InvokeID: ind.InvokeID, Err: e})
}
