package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
)

var ErrInvalidConfig = errors.New("config: invalid bridge config")

// BridgeConfig is the runtime configuration of one bacbridge process.
type BridgeConfig struct {
	SessionName string
	// LocalDevice is set when device_instance is configured; the bridge
	// then hosts a device of its own.
	LocalDevice    bool
	DeviceInstance uint32
	DeviceName     string
	Session        session.Config
	AdminAddr      string
	// AdminToken, when set, is required as a bearer token by the admin
	// routes other than health and readiness.
	AdminToken     string
	CorsOrigins    []string
	BBMD           *BBMDConfig
	Bindings       []BindingConfig
	Objects        []ObjectConfig
	Loopback       LoopbackConfig
}

// BBMDConfig describes a foreign-device registration.
type BBMDConfig struct {
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`
	TTL     int64  `toml:"ttl_seconds"`
}

func (b BBMDConfig) Lease() time.Duration {
	return time.Duration(b.TTL) * time.Second
}

// BindingConfig is a static device-instance to address binding.
type BindingConfig struct {
	Device uint32 `toml:"device"`
	Host   string `toml:"host"`
	Port   uint16 `toml:"port"`
}

// ObjectConfig is an object hosted by the local device.
type ObjectConfig struct {
	Type     string `toml:"type"`
	Instance uint32 `toml:"instance"`
	Name     string `toml:"name"`
}

func (o ObjectConfig) ObjectID() (tlv.ObjectID, error) {
	t, err := ParseObjectType(o.Type)
	if err != nil {
		return tlv.ObjectID{}, err
	}
	return tlv.NewObjectID(t, o.Instance)
}

// LoopbackConfig populates the in-process network used when no native
// engine is linked.
type LoopbackConfig struct {
	Devices []LoopbackDeviceConfig `toml:"devices,omitempty"`
}

type LoopbackDeviceConfig struct {
	Instance uint32                 `toml:"instance"`
	Name     string                 `toml:"name"`
	Objects  []LoopbackObjectConfig `toml:"objects,omitempty"`
}

type LoopbackObjectConfig struct {
	Type         string  `toml:"type"`
	Instance     uint32  `toml:"instance"`
	Name         string  `toml:"name"`
	PresentValue float64 `toml:"present_value"`
}

func (o LoopbackObjectConfig) ObjectID() (tlv.ObjectID, error) {
	return ObjectConfig{Type: o.Type, Instance: o.Instance}.ObjectID()
}

type fileConfig struct {
	SessionName    string          `toml:"session_name"`
	DeviceInstance *uint32         `toml:"device_instance,omitempty"`
	DeviceName     string          `toml:"device_name"`
	TickInterval   string          `toml:"tick_interval"`
	ReceiveTimeout string          `toml:"receive_timeout"`
	RequestTimeout string          `toml:"request_timeout"`
	QueueSize      int             `toml:"queue_size"`
	EventBuffer    int             `toml:"event_buffer"`
	ListenerBuffer int             `toml:"listener_buffer"`
	AdminAddr      string          `toml:"admin_addr"`
	AdminToken     string          `toml:"admin_token,omitempty"`
	CorsOrigins    []string        `toml:"cors_origins"`
	BBMD           *BBMDConfig     `toml:"bbmd,omitempty"`
	Bindings       []BindingConfig `toml:"bindings,omitempty"`
	Objects        []ObjectConfig  `toml:"objects,omitempty"`
	Loopback       LoopbackConfig  `toml:"loopback"`
}

// DefaultBridgeConfig returns the configuration used for keys a file leaves
// out.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SessionName: "bacbridge",
		DeviceName:  "bacbridge",
		Session:     session.DefaultConfig(),
		AdminAddr:   "127.0.0.1:9470",
		CorsOrigins: []string{},
	}
}

// LoadBridgeConfig reads path and applies the keys it defines on top of
// DefaultBridgeConfig.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	cfg := DefaultBridgeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("load bridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return BridgeConfig{}, fmt.Errorf("load bridge config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("session_name") {
		if name := strings.TrimSpace(raw.SessionName); name != "" {
			cfg.SessionName = name
		}
	}
	if meta.IsDefined("device_instance") && raw.DeviceInstance != nil {
		cfg.LocalDevice = true
		cfg.DeviceInstance = *raw.DeviceInstance
	}
	if meta.IsDefined("device_name") {
		cfg.DeviceName = strings.TrimSpace(raw.DeviceName)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"receive_timeout", raw.ReceiveTimeout, &cfg.Session.ReceiveTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("queue_size") {
		cfg.Session.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("event_buffer") {
		cfg.Session.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("listener_buffer") {
		cfg.Session.ListenerBuffer = raw.ListenerBuffer
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("bbmd") {
		cfg.BBMD = raw.BBMD
	}
	cfg.Bindings = raw.Bindings
	cfg.Objects = raw.Objects
	cfg.Loopback = raw.Loopback

	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field by its file key.
func (c BridgeConfig) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.LocalDevice && c.DeviceInstance > tlv.MaxInstance {
		return fmt.Errorf("%w: device_instance %d out of range", ErrInvalidConfig, c.DeviceInstance)
	}
	if c.LocalDevice && strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("%w: device_name is required with device_instance", ErrInvalidConfig)
	}
	if b := c.BBMD; b != nil {
		if strings.TrimSpace(b.Address) == "" {
			return fmt.Errorf("%w: bbmd.address is required", ErrInvalidConfig)
		}
		if b.TTL <= 0 {
			return fmt.Errorf("%w: bbmd.ttl_seconds must be > 0", ErrInvalidConfig)
		}
	}
	for i, b := range c.Bindings {
		if strings.TrimSpace(b.Host) == "" {
			return fmt.Errorf("%w: bindings[%d].host is required", ErrInvalidConfig, i)
		}
	}
	if len(c.Objects) > 0 && !c.LocalDevice {
		return fmt.Errorf("%w: objects require device_instance", ErrInvalidConfig)
	}
	for i, o := range c.Objects {
		if _, err := o.ObjectID(); err != nil {
			return fmt.Errorf("%w: objects[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	seen := make(map[uint32]bool, len(c.Loopback.Devices))
	for i, d := range c.Loopback.Devices {
		if d.Instance > tlv.MaxInstance {
			return fmt.Errorf("%w: loopback.devices[%d].instance out of range", ErrInvalidConfig, i)
		}
		if seen[d.Instance] || (c.LocalDevice && d.Instance == c.DeviceInstance) {
			return fmt.Errorf("%w: loopback.devices[%d]: duplicate instance %d", ErrInvalidConfig, i, d.Instance)
		}
		seen[d.Instance] = true
		for j, o := range d.Objects {
			if _, err := o.ObjectID(); err != nil {
				return fmt.Errorf("%w: loopback.devices[%d].objects[%d]: %v", ErrInvalidConfig, i, j, err)
			}
		}
	}
	return nil
}

var objectTypeNames = map[string]tlv.ObjectType{
	"analog-input":  tlv.ObjectAnalogInput,
	"analog-output": tlv.ObjectAnalogOutput,
	"analog-value":  tlv.ObjectAnalogValue,
	"binary-input":  tlv.ObjectBinaryInput,
	"binary-value":  tlv.ObjectBinaryValue,
	"device":        tlv.ObjectDevice,
	"trend-log":     tlv.ObjectTrendLog,
}

// ParseObjectType accepts a hyphenated type name or a numeric type.
func ParseObjectType(raw string) (tlv.ObjectType, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := objectTypeNames[key]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(key, 10, 16)
	if err != nil || n > tlv.MaxObjectType {
		return 0, fmt.Errorf("unknown object type %q", raw)
	}
	return tlv.ObjectType(n), nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
