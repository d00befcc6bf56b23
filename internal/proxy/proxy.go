// Package proxy runs the per-application debugger proxies: a raw TCP (or unix
// socket) pipe to the device debug socket, and a websocket text tunnel that
// re-frames the device's length-prefixed messages for DevTools front ends.
package proxy

import (
	"errors"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/NativeScript/nativescript-cli-sub024/internal/lock"
	"github.com/NativeScript/nativescript-cli-sub024/internal/metrics"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
	"github.com/NativeScript/nativescript-cli-sub024/internal/packet"
)

var (
	// ErrProxyAlreadyActive is returned when a proxy of the same kind is already registered for a key.
	ErrProxyAlreadyActive = errors.New("proxy already active")
	// ErrProxyNotFound is returned when no proxy is registered for a key.
	ErrProxyNotFound = errors.New("proxy not found")
	// ErrDeviceSocket wraps failures acquiring or releasing a device debug socket.
	ErrDeviceSocket = errors.New("device debug socket failure")
	// ErrShuttingDown is returned when creating a proxy after RemoveAllProxies started.
	ErrShuttingDown = errors.New("proxy registry is shutting down")
)

// Kind distinguishes the two proxy flavours.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
)

// Key identifies the application a proxy serves.
type Key struct {
	DeviceID string
	AppID    string
}

func (k Key) String() string {
	return k.DeviceID + "-" + k.AppID
}

// Server is implemented by every proxy kind.
type Server interface {
	Key() Key
	Kind() Kind
	// Addr is the address front ends connect to: a unix socket path, host:port
	// or ws:// URL.
	Addr() string
	// Close stops the server and tears down any active connection without
	// running the exit policy.
	Close() error
	// Done is closed once the server is fully stopped.
	Done() <-chan struct{}
}

// TCPNetwork selects how TCP proxies listen.
type TCPNetwork string

const (
	TCPNetworkUnix TCPNetwork = "unix"
	TCPNetworkTCP  TCPNetwork = "tcp"
)

const (
	// DefaultAppResponseTimeout bounds each device collaborator call.
	DefaultAppResponseTimeout = 60 * time.Second
	// DefaultLockGrace is added to the response timeout to get the handshake lock staleness.
	DefaultLockGrace = 10 * time.Second
)

// Config configures a Registry and the proxies it creates.
type Config struct {
	// ListenHost is the loopback host servers bind to.
	ListenHost string
	// TCPNetwork selects unix sockets (default) or TCP ports for TCP proxies.
	TCPNetwork TCPNetwork
	// SocketDir holds unix sockets (default os.TempDir()).
	SocketDir string

	AppResponseTimeout time.Duration
	LockGrace          time.Duration
	MaxFrameSize       int

	// StayAlive keeps the process running after a proxied debugger disconnects.
	StayAlive bool
	// ExitFunc is called with status 0 after a connection teardown unless
	// StayAlive is set. Defaults to os.Exit.
	ExitFunc func(code int)

	Logger  logr.Logger
	Metrics *metrics.Metrics
	Events  *notification.Events
	Locks   *lock.Service
}

func (c Config) withDefaults() Config {
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	if c.TCPNetwork == "" {
		c.TCPNetwork = TCPNetworkUnix
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
	if c.AppResponseTimeout <= 0 {
		c.AppResponseTimeout = DefaultAppResponseTimeout
	}
	if c.LockGrace <= 0 {
		c.LockGrace = DefaultLockGrace
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = packet.DefaultMaxFrameSize
	}
	if c.ExitFunc == nil {
		c.ExitFunc = os.Exit
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	if c.Events == nil {
		c.Events = &notification.Events{}
	}
	if c.Locks == nil {
		c.Locks = lock.NewService(nil, c.Logger.WithName("lock"))
	}
	return c
}

// lockStale is how long a handshake may hold the per-key lock before a
// waiting handshake takes it over.
func (c Config) lockStale() time.Duration {
	return c.AppResponseTimeout + c.LockGrace
}
