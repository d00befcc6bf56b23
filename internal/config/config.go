// Package config contains configuration types for nsdebug.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/NativeScript/nativescript-cli-sub024/internal/packet"
)

// Config holds the resolved runtime settings.
type Config struct {
	// AttachTimeout bounds each notification wait of an attach or launch handshake.
	AttachTimeout time.Duration
	// ReadyTimeout bounds the final ReadyForAttach wait of a launch.
	ReadyTimeout time.Duration
	// AppResponseTimeout bounds each call into the device.
	AppResponseTimeout time.Duration
	// LockGrace is added to AppResponseTimeout to get the handshake lock staleness.
	LockGrace time.Duration

	MaxFrameSize int

	ListenHost string
	// TCPListen is "unix" or "tcp".
	TCPListen string

	InspectorPort int
	StayAlive     bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AttachTimeout:      10 * time.Second,
		ReadyTimeout:       5 * time.Second,
		AppResponseTimeout: 60 * time.Second,
		LockGrace:          10 * time.Second,
		MaxFrameSize:       packet.DefaultMaxFrameSize,
		ListenHost:         "127.0.0.1",
		TCPListen:          "unix",
		InspectorPort:      18183,
	}
}

// Validate checks values that cannot be clamped to a default.
func (c *Config) Validate() error {
	switch c.TCPListen {
	case "unix", "tcp":
	default:
		return fmt.Errorf("tcp-listen must be \"unix\" or \"tcp\", got %q", c.TCPListen)
	}
	if c.InspectorPort <= 0 || c.InspectorPort > 65535 {
		return fmt.Errorf("inspector-port out of range: %d", c.InspectorPort)
	}
	if c.AttachTimeout <= 0 || c.ReadyTimeout <= 0 || c.AppResponseTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max-frame-size must be positive")
	}
	if int64(c.MaxFrameSize) > math.MaxUint32 {
		return fmt.Errorf("max-frame-size exceeds %d: %d", uint32(math.MaxUint32), c.MaxFrameSize)
	}
	return nil
}
