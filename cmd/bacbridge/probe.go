package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/bridge"
	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// probeDevice reads the object list of an announced device, then the name
// and present value of every object on it. Failures are logged.
func probeDevice(ctx context.Context, sess *bridge.Session, ann session.DiscoveryAnnouncement, logger zerolog.Logger) {
	target := engine.Address{Network: ann.Network, MAC: ann.MAC}
	device := tlv.ObjectID{Type: tlv.ObjectDevice, Instance: ann.Device}
	log := logger.With().Uint32("device", ann.Device).Logger()

	res, err := sess.ReadPropertyMultiple(ctx, target, []apdu.ReadAccessSpec{{
		Object: device,
		Properties: []apdu.PropertyReference{
			{Property: apdu.PropObjectName},
			{Property: apdu.PropObjectList},
		},
	}})
	if err != nil {
		log.Warn().Err(err).Msg("probe: device read failed")
		return
	}
	props := res[device]
	log.Info().Str("name", props[apdu.PropObjectName].Value.Text).Msg("probe: device")

	list := props[apdu.PropObjectList]
	values := list.List
	if len(values) == 0 && list.OK() {
		values = []tlv.Value{list.Value}
	}
	var specs []apdu.ReadAccessSpec
	for _, v := range values {
		if v.Kind != tlv.KindObjectID || v.ObjectID == device {
			continue
		}
		specs = append(specs, apdu.ReadAccessSpec{
			Object: v.ObjectID,
			Properties: []apdu.PropertyReference{
				{Property: apdu.PropObjectName},
				{Property: apdu.PropPresentValue},
			},
		})
	}
	if len(specs) == 0 {
		return
	}
	objects, err := sess.ReadPropertyMultiple(ctx, target, specs)
	if err != nil {
		log.Warn().Err(err).Msg("probe: object read failed")
		return
	}
	for _, spec := range specs {
		p := objects[spec.Object]
		ev := log.Info().Stringer("object", spec.Object).Str("name", p[apdu.PropObjectName].Value.Text)
		if pv := p[apdu.PropPresentValue]; pv.OK() {
			ev = ev.Stringer("present_value", pv.Value)
		} else if pv.Err != nil {
			ev = ev.AnErr("present_value_err", pv.Err)
		}
		ev.Msg("probe: object")
	}
}
