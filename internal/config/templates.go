package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

func Template() string {
	return bridgeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(bridgeTemplate), 0o600)
}

// Render encodes cfg in the file format LoadBridgeConfig reads.
func Render(cfg BridgeConfig) ([]byte, error) {
	out := fileConfig{
		SessionName:    cfg.SessionName,
		DeviceInstance: devicePtr(cfg),
		DeviceName:     cfg.DeviceName,
		TickInterval:   cfg.Session.TickInterval.String(),
		ReceiveTimeout: cfg.Session.ReceiveTimeout.String(),
		RequestTimeout: cfg.Session.RequestTimeout.String(),
		QueueSize:      cfg.Session.QueueSize,
		EventBuffer:    cfg.Session.EventBuffer,
		ListenerBuffer: cfg.Session.ListenerBuffer,
		AdminAddr:      cfg.AdminAddr,
		AdminToken:     cfg.AdminToken,
		CorsOrigins:    cfg.CorsOrigins,
		BBMD:           cfg.BBMD,
		Bindings:       cfg.Bindings,
		Objects:        cfg.Objects,
		Loopback:       cfg.Loopback,
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("render bridge config: %w", err)
	}
	return data, nil
}

func devicePtr(cfg BridgeConfig) *uint32 {
	if !cfg.LocalDevice {
		return nil
	}
	v := cfg.DeviceInstance
	return &v
}

const bridgeTemplate = `session_name = "bacbridge"
device_instance = 4194
device_name = "bacbridge"
tick_interval = "20ms"
receive_timeout = "5ms"
request_timeout = "30s"
queue_size = 64
event_buffer = 256
listener_buffer = 64
admin_addr = "127.0.0.1:9470"
cors_origins = ["http://localhost:3000"]

[bbmd]
address = "192.168.1.1"
port = 47808
ttl_seconds = 300

[[bindings]]
device = 100
host = "192.168.1.20"
port = 47808

[[objects]]
type = "binary-value"
instance = 1
name = "bridge-alarm"

[[loopback.devices]]
instance = 100
name = "ahu-1"

[[loopback.devices.objects]]
type = "analog-value"
instance = 1
name = "zone-temp"
present_value = 21.5

[[loopback.devices.objects]]
type = "trend-log"
instance = 1
name = "zone-trend"
`
