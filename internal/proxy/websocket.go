package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
	"github.com/NativeScript/nativescript-cli-sub024/internal/lock"
	"github.com/NativeScript/nativescript-cli-sub024/internal/packet"
)

const closeWriteWait = time.Second

// WebSocketProxy tunnels the framed device protocol over websocket text
// messages. Each handshake replaces the previous client: the last attacher wins.
type WebSocketProxy struct {
	registry    *Registry
	key         Key
	dev         device.Device
	projectName string
	listener    net.Listener
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	log         logr.Logger

	done    chan struct{}
	closing atomic.Bool

	mu     sync.Mutex
	active *session
}

var _ Server = (*WebSocketProxy)(nil)

// session is one wired (client, debug socket) pair.
type session struct {
	id      string
	client  *websocket.Conn
	backend net.Conn

	writeMu  sync.Mutex
	detached atomic.Bool
	endOnce  sync.Once
}

func newWebSocketProxy(r *Registry, key Key, dev device.Device, projectName string, listener net.Listener) *WebSocketProxy {
	p := &WebSocketProxy{
		registry:    r,
		key:         key,
		dev:         dev,
		projectName: projectName,
		listener:    listener,
		log:         r.log.WithValues("kind", string(KindWebSocket), "key", key.String()),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // DevTools front ends connect from arbitrary origins
			},
		},
	}
	p.httpServer = &http.Server{
		Handler:           http.HandlerFunc(p.handleHandshake),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

func (p *WebSocketProxy) Key() Key              { return p.key }
func (p *WebSocketProxy) Kind() Kind            { return KindWebSocket }
func (p *WebSocketProxy) Done() <-chan struct{} { return p.done }

// Addr returns the ws:// URL front ends connect to.
func (p *WebSocketProxy) Addr() string {
	return "ws://" + p.listener.Addr().String()
}

func (p *WebSocketProxy) lockName() string {
	return "debug-connection-" + p.key.DeviceID + "-" + p.key.AppID
}

// Close stops accepting handshakes and drops the active client, if any,
// without running the exit policy.
func (p *WebSocketProxy) Close() error {
	p.closing.Store(true)
	err := p.httpServer.Close()

	p.mu.Lock()
	s := p.active
	p.active = nil
	p.mu.Unlock()

	if s != nil {
		s.detached.Store(true)
		s.close()
		err = errors.Join(err, p.destroyDebugSocket(context.Background()))
	}

	p.registry.remove(p)
	return err
}

func (p *WebSocketProxy) serve() {
	defer close(p.done)
	if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Error(err, "websocket server stopped")
		p.registry.remove(p)
	}
}

func (p *WebSocketProxy) handleHandshake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	release, err := p.registry.config.Locks.Lock(r.Context(), p.lockName(), lock.Options{Stale: p.registry.config.lockStale()})
	if err != nil {
		http.Error(w, "handshake abandoned", http.StatusServiceUnavailable)
		return
	}
	defer release()

	if p.closing.Load() {
		http.Error(w, "proxy closed", http.StatusServiceUnavailable)
		return
	}

	p.replaceActive(r.Context())

	acquireCtx, cancel := p.registry.deviceCallContext(r.Context())
	backend, err := p.dev.GetDebugSocket(acquireCtx, p.key.AppID, p.projectName)
	cancel()
	if err == nil && p.closing.Load() {
		backend.Close()
		if derr := p.destroyDebugSocket(context.Background()); derr != nil {
			p.log.Error(derr, "cannot destroy debug socket")
		}
		http.Error(w, "proxy closed", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		release()
		if p.closing.Load() {
			http.Error(w, "proxy closed", http.StatusServiceUnavailable)
			return
		}
		err = fmt.Errorf("%w: %w", ErrDeviceSocket, err)
		p.log.Error(err, "rejecting handshake")
		p.registry.connectionError(KindWebSocket, p.key, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		backend.Close()
		if derr := p.destroyDebugSocket(context.Background()); derr != nil {
			p.log.Error(derr, "cannot destroy debug socket")
		}
		p.log.V(1).Info("upgrade failed", "error", err.Error())
		return
	}
	client.SetReadLimit(int64(p.registry.config.MaxFrameSize))

	s := &session{
		id:      uuid.NewString(),
		client:  client,
		backend: backend,
	}

	// Close flips closing before it reads active, so checking under mu
	// guarantees one side tears this session down.
	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		s.detached.Store(true)
		s.close()
		if derr := p.destroyDebugSocket(context.Background()); derr != nil {
			p.log.Error(derr, "cannot destroy debug socket", "session", s.id)
		}
		return
	}
	p.active = s
	p.mu.Unlock()

	go p.deviceToClient(s)
	go p.clientToDevice(s)

	p.registry.config.Metrics.ConnectionAccepted(string(KindWebSocket))
	p.registry.config.Metrics.ObserveHandshake(time.Since(start).Seconds())
	p.log.Info("debugger attached", "session", s.id, "remote", r.RemoteAddr)
}

// replaceActive detaches the current session, closes its client and
// releases its debug socket. Callers hold the handshake lock.
func (p *WebSocketProxy) replaceActive(ctx context.Context) {
	p.mu.Lock()
	s := p.active
	p.active = nil
	p.mu.Unlock()

	if s == nil {
		return
	}

	s.detached.Store(true)
	s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced by a new debugger connection"),
		time.Now().Add(closeWriteWait))
	s.close()

	if err := p.destroyDebugSocket(ctx); err != nil {
		p.log.Error(err, "cannot destroy replaced debug socket", "session", s.id)
		p.registry.connectionError(KindWebSocket, p.key, err)
	}
	p.log.Info("debugger replaced", "session", s.id)
}

func (p *WebSocketProxy) deviceToClient(s *session) {
	dec := packet.NewDecoder(p.registry.config.MaxFrameSize)
	err := dec.Run(context.Background(), s.backend, func(payload []byte) error {
		text, err := packet.DecodeText(payload)
		if err != nil {
			return err
		}
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if err := s.client.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			return err
		}
		p.registry.config.Metrics.FrameRelayed("to_client")
		return nil
	})
	p.endSession(s, "device", err)
}

func (p *WebSocketProxy) clientToDevice(s *session) {
	var err error
	for {
		var messageType int
		var data []byte
		messageType, data, err = s.client.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame []byte
		frame, err = packet.Encode(string(data))
		if err != nil {
			break
		}
		if _, err = s.backend.Write(frame); err != nil {
			break
		}
		p.registry.config.Metrics.FrameRelayed("to_device")
	}
	p.endSession(s, "client", err)
}

// endSession tears a session down once either side closed. A session that
// was replaced or closed explicitly only closes its connections.
func (p *WebSocketProxy) endSession(s *session, side string, cause error) {
	s.endOnce.Do(func() {
		s.close()
		if s.detached.Load() {
			return
		}

		if cause != nil && !isExpectedClose(cause) {
			p.log.Error(cause, "debugger connection failed", "session", s.id, "side", side)
		} else {
			p.log.Info("debugger connection closed", "session", s.id, "side", side)
		}

		release, err := p.registry.config.Locks.Lock(context.Background(), p.lockName(), lock.Options{Stale: p.registry.config.lockStale()})
		if err != nil {
			p.log.Error(err, "cannot lock debug connection for teardown", "session", s.id)
			return
		}
		defer release()

		if s.detached.Load() {
			return
		}
		p.mu.Lock()
		if p.active == s {
			p.active = nil
		}
		p.mu.Unlock()

		if err := p.destroyDebugSocket(context.Background()); err != nil {
			p.log.Error(err, "cannot destroy debug socket", "session", s.id)
			p.registry.connectionError(KindWebSocket, p.key, err)
		}

		if !p.closing.Load() {
			p.registry.afterTeardown(KindWebSocket, p.key)
		}
	})
}

func (p *WebSocketProxy) destroyDebugSocket(parent context.Context) error {
	ctx, cancel := p.registry.deviceCallContext(parent)
	defer cancel()
	if err := p.dev.DestroyDebugSocket(ctx, p.key.AppID); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceSocket, err)
	}
	return nil
}

func (s *session) close() {
	s.client.Close()
	s.backend.Close()
}

func isExpectedClose(err error) bool {
	return isClosedErr(err) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
