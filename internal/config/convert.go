package config

import (
	"fmt"

	"github.com/danmuck/bacbridge/internal/engine/loopback"
	"github.com/danmuck/bacbridge/internal/protocol/apdu"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

// LoopbackNetwork builds an in-process network holding the configured
// devices. Each device is reachable at loopback.DeviceAddress(instance).
func LoopbackNetwork(cfg LoopbackConfig) (*loopback.Network, error) {
	net := loopback.NewNetwork()
	for _, entry := range cfg.Devices {
		dev := loopback.NewDevice(entry.Instance, entry.Name, loopback.DeviceAddress(entry.Instance))
		for _, obj := range entry.Objects {
			id, err := obj.ObjectID()
			if err != nil {
				return nil, fmt.Errorf("loopback device %d: %w", entry.Instance, err)
			}
			var props map[apdu.PropertyID]tlv.Value
			if id.Type != tlv.ObjectTrendLog {
				props = map[apdu.PropertyID]tlv.Value{
					apdu.PropPresentValue: presentValue(id.Type, obj.PresentValue),
				}
			}
			if err := dev.AddObject(id, obj.Name, props); err != nil {
				return nil, fmt.Errorf("loopback device %d object %s: %w", entry.Instance, id, err)
			}
		}
		if err := net.AddDevice(dev); err != nil {
			return nil, fmt.Errorf("loopback device %d: %w", entry.Instance, err)
		}
	}
	return net, nil
}

func presentValue(t tlv.ObjectType, v float64) tlv.Value {
	switch t {
	case tlv.ObjectBinaryInput, tlv.ObjectBinaryValue:
		var state uint32
		if v != 0 {
			state = 1
		}
		return tlv.Value{Kind: tlv.KindEnumerated, Enumerated: state}
	default:
		return tlv.Value{Kind: tlv.KindReal, Real: float32(v)}
	}
}
