package proxy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

const (
	minDefaultPort = 10000
	maxDefaultPort = 60000
)

// DefaultPortForKey returns a stable port in [10000, 60000) for a proxy key,
// so a front end reconnecting to the same application finds the same port.
func DefaultPortForKey(kind Kind, key Key) int {
	h := fnv.New32a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(key.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(key.AppID))
	return minDefaultPort + int(h.Sum32()%(maxDefaultPort-minDefaultPort))
}

// Allocator picks listen addresses for proxies.
type Allocator struct {
	host      string
	socketDir string
}

// NewAllocator creates an allocator binding to host and placing unix sockets in socketDir.
func NewAllocator(host, socketDir string) *Allocator {
	return &Allocator{host: host, socketDir: socketDir}
}

// ListenTCP listens on the default port for key, or on an ephemeral port
// when the default is taken.
func (a *Allocator) ListenTCP(key Key) (net.Listener, error) {
	return a.listenPort(KindWebSocket, key)
}

// ListenTCPProxy listens for a raw TCP proxy on the selected network.
func (a *Allocator) ListenTCPProxy(network TCPNetwork, key Key) (net.Listener, error) {
	switch network {
	case TCPNetworkUnix:
		return a.ListenUnix()
	case TCPNetworkTCP:
		return a.listenPort(KindTCP, key)
	default:
		return nil, fmt.Errorf("unsupported TCP proxy network %q", network)
	}
}

func (a *Allocator) listenPort(kind Kind, key Key) (net.Listener, error) {
	addr := net.JoinHostPort(a.host, strconv.Itoa(DefaultPortForKey(kind, key)))
	listener, err := net.Listen("tcp", addr)
	if err == nil {
		return listener, nil
	}
	if !isAddressInUse(err) {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	listener, err = net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	return listener, nil
}

// ListenUnix listens on a fresh unix socket path under the socket directory.
func (a *Allocator) ListenUnix() (net.Listener, error) {
	path := filepath.Join(a.socketDir, "nsdebug-"+uuid.NewString()+".sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return listener, nil
}

func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
