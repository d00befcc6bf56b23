package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
)

// Registry owns every proxy server of the process. It holds at most one
// server per (kind, key).
type Registry struct {
	config    Config
	allocator *Allocator
	log       logr.Logger

	mu      sync.Mutex
	servers map[Kind]map[Key]Server

	totalStarted atomic.Int64
	shutdownOnce sync.Once
	shuttingDown atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	config = config.withDefaults()
	return &Registry{
		config:    config,
		allocator: NewAllocator(config.ListenHost, config.SocketDir),
		log:       config.Logger.WithName("proxy"),
		servers: map[Kind]map[Key]Server{
			KindTCP:       {},
			KindWebSocket: {},
		},
	}
}

// Events returns the hubs connection errors are published on.
func (r *Registry) Events() *notification.Events {
	return r.config.Events
}

// AddTCPSocketProxy starts a single-use raw proxy to the debug socket of appID.
// It fails with ErrProxyAlreadyActive when one is already running for the key.
func (r *Registry) AddTCPSocketProxy(ctx context.Context, dev device.Device, appID, projectName string) (*TCPProxy, error) {
	key := Key{DeviceID: dev.Identifier(), AppID: appID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAvailableLocked(KindTCP, key); err != nil {
		return nil, err
	}

	listener, err := r.allocator.ListenTCPProxy(r.config.TCPNetwork, key)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP socket proxy for %s: %w", key, err)
	}

	p := newTCPProxy(r, key, dev, projectName, listener)
	r.storeLocked(p)
	go p.serve()

	r.log.Info("TCP socket proxy started", "key", key.String(), "addr", p.Addr())
	return p, nil
}

// AddWebSocketProxy starts a websocket text tunnel for appID. It fails with
// ErrProxyAlreadyActive when one is already running for the key.
func (r *Registry) AddWebSocketProxy(ctx context.Context, dev device.Device, appID, projectName string) (*WebSocketProxy, error) {
	key := Key{DeviceID: dev.Identifier(), AppID: appID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAvailableLocked(KindWebSocket, key); err != nil {
		return nil, err
	}
	return r.startWebSocketLocked(key, dev, projectName)
}

// EnsureWebSocketProxy returns the running websocket proxy for the key, or starts one.
func (r *Registry) EnsureWebSocketProxy(ctx context.Context, dev device.Device, appID, projectName string) (*WebSocketProxy, error) {
	key := Key{DeviceID: dev.Identifier(), AppID: appID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.servers[KindWebSocket][key]; ok {
		return existing.(*WebSocketProxy), nil
	}
	if r.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	return r.startWebSocketLocked(key, dev, projectName)
}

func (r *Registry) startWebSocketLocked(key Key, dev device.Device, projectName string) (*WebSocketProxy, error) {
	listener, err := r.allocator.ListenTCP(key)
	if err != nil {
		return nil, fmt.Errorf("failed to start websocket proxy for %s: %w", key, err)
	}

	p := newWebSocketProxy(r, key, dev, projectName, listener)
	r.storeLocked(p)
	go p.serve()

	r.log.Info("websocket proxy started", "key", key.String(), "url", p.Addr())
	return p, nil
}

func (r *Registry) checkAvailableLocked(kind Kind, key Key) error {
	if r.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if _, exists := r.servers[kind][key]; exists {
		return fmt.Errorf("%w: %s proxy for device %q and application %q", ErrProxyAlreadyActive, kind, key.DeviceID, key.AppID)
	}
	return nil
}

func (r *Registry) storeLocked(s Server) {
	r.servers[s.Kind()][s.Key()] = s
	r.totalStarted.Add(1)
	r.config.Metrics.ProxyAdded(string(s.Kind()))
}

// remove drops s from the registry if it is still the registered server for its key.
func (r *Registry) remove(s Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.servers[s.Kind()][s.Key()]; ok && current == s {
		delete(r.servers[s.Kind()], s.Key())
		r.config.Metrics.ProxyRemoved(string(s.Kind()))
	}
}

// Get returns the proxy of kind registered for key.
func (r *Registry) Get(kind Kind, key Key) (Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[kind][key]
	if !ok {
		return nil, ErrProxyNotFound
	}
	return s, nil
}

// List returns all registered proxies.
func (r *Registry) List() []Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Server
	for _, byKey := range r.servers {
		for _, s := range byKey {
			result = append(result, s)
		}
	}
	return result
}

// ActiveCount returns the number of registered proxies.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers[KindTCP]) + len(r.servers[KindWebSocket])
}

// TotalStarted returns the total number of proxies ever started.
func (r *Registry) TotalStarted() int64 {
	return r.totalStarted.Load()
}

// RemoveAllProxies closes every registered proxy and clears the registry.
// It is idempotent and waits for the servers to stop or ctx to be done.
func (r *Registry) RemoveAllProxies(ctx context.Context) error {
	r.mu.Lock()
	var toStop []Server
	for kind, byKey := range r.servers {
		for _, s := range byKey {
			toStop = append(toStop, s)
			r.config.Metrics.ProxyRemoved(string(kind))
		}
		clear(byKey)
	}
	r.mu.Unlock()

	var errMu sync.Mutex
	var errs error
	var stopWg sync.WaitGroup

	for _, s := range toStop {
		stopWg.Add(1)
		go func(s Server) {
			defer stopWg.Done()
			if err := s.Close(); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("failed to close %s proxy %s: %w", s.Kind(), s.Key(), err))
				errMu.Unlock()
			}
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		stopWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errMu.Lock()
		errs = multierr.Append(errs, ctx.Err())
		errMu.Unlock()
	}

	errMu.Lock()
	defer errMu.Unlock()
	return errs
}

// Shutdown removes all proxies and rejects new ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.shuttingDown.Store(true)
		err = r.RemoveAllProxies(ctx)
	})
	return err
}

// connectionError reports a device socket failure to observers.
func (r *Registry) connectionError(kind Kind, key Key, err error) {
	r.config.Metrics.DeviceSocketError(string(kind))
	r.config.Events.ConnectionErrors.Publish(notification.ConnectionErrorEvent{
		DeviceID: key.DeviceID,
		AppID:    key.AppID,
		Err:      err,
	})
}

// afterTeardown applies the exit policy once a debugger connection ended.
func (r *Registry) afterTeardown(kind Kind, key Key) {
	if r.config.StayAlive {
		return
	}
	r.log.Info("debugger disconnected, exiting", "kind", string(kind), "key", key.String())
	r.config.ExitFunc(0)
}

// deviceCallContext bounds a call into the device collaborator.
func (r *Registry) deviceCallContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.config.AppResponseTimeout)
}
