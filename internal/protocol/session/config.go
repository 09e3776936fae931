package session

import (
	"fmt"
	"time"
)

// Config defines session timing and buffer defaults.
type Config struct {
	TickInterval   time.Duration
	ReceiveTimeout time.Duration
	RequestTimeout time.Duration
	QueueSize      int
	EventBuffer    int
	ListenerBuffer int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   20 * time.Millisecond,
		ReceiveTimeout: 5 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		QueueSize:      64,
		EventBuffer:    256,
		ListenerBuffer: 64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = def.ListenerBuffer
	}
	return c
}

func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be > 0", ErrInvalidConfig)
	}
	if c.ReceiveTimeout < 0 || c.ReceiveTimeout > c.TickInterval {
		return fmt.Errorf("%w: receive_timeout must be within tick_interval", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be > 0", ErrInvalidConfig)
	}
	if c.QueueSize <= 0 || c.EventBuffer <= 0 || c.ListenerBuffer <= 0 {
		return fmt.Errorf("%w: queue and buffer sizes must be > 0", ErrInvalidConfig)
	}
	return nil
}
