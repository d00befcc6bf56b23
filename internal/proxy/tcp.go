package proxy

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
)

// TCPProxy pipes a single front-end connection to the device debug socket
// verbatim. It stops and unregisters itself once that connection ends.
type TCPProxy struct {
	registry    *Registry
	key         Key
	dev         device.Device
	projectName string
	listener    net.Listener
	log         logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closing atomic.Bool
}

var _ Server = (*TCPProxy)(nil)

func newTCPProxy(r *Registry, key Key, dev device.Device, projectName string, listener net.Listener) *TCPProxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPProxy{
		registry:    r,
		key:         key,
		dev:         dev,
		projectName: projectName,
		listener:    listener,
		log:         r.log.WithValues("kind", string(KindTCP), "key", key.String()),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (p *TCPProxy) Key() Key              { return p.key }
func (p *TCPProxy) Kind() Kind            { return KindTCP }
func (p *TCPProxy) Addr() string          { return p.listener.Addr().String() }
func (p *TCPProxy) Done() <-chan struct{} { return p.done }

// Close stops the proxy and drops its connection, if any, without running
// the exit policy.
func (p *TCPProxy) Close() error {
	p.closing.Store(true)
	p.cancel()
	err := p.listener.Close()
	if isClosedErr(err) {
		err = nil
	}
	return err
}

func (p *TCPProxy) serve() {
	defer close(p.done)
	defer p.cancel()

	conn, err := p.listener.Accept()
	p.listener.Close()
	if err != nil {
		if !p.closing.Load() {
			p.log.Error(err, "accept failed")
		}
		p.registry.remove(p)
		return
	}
	p.registry.config.Metrics.ConnectionAccepted(string(KindTCP))
	p.log.V(1).Info("front end connected", "remote", conn.RemoteAddr().String())

	acquireCtx, cancelAcquire := p.registry.deviceCallContext(p.ctx)
	backend, err := p.dev.GetDebugSocket(acquireCtx, p.key.AppID, p.projectName)
	cancelAcquire()
	if err != nil {
		conn.Close()
		err = fmt.Errorf("%w: %w", ErrDeviceSocket, err)
		p.log.Error(err, "cannot acquire debug socket")
		p.registry.connectionError(KindTCP, p.key, err)
		p.registry.remove(p)
		return
	}

	toDevice, toClient, err := pipe(p.ctx, conn, backend)
	if err != nil && !p.closing.Load() {
		p.log.Error(err, "pipe failed")
	}
	p.log.V(1).Info("front end disconnected", "to_device_bytes", toDevice, "to_client_bytes", toClient)

	p.teardown()
}

func (p *TCPProxy) teardown() {
	destroyCtx, cancel := p.registry.deviceCallContext(context.Background())
	defer cancel()
	if err := p.dev.DestroyDebugSocket(destroyCtx, p.key.AppID); err != nil {
		err = fmt.Errorf("%w: %w", ErrDeviceSocket, err)
		p.log.Error(err, "cannot destroy debug socket")
		p.registry.connectionError(KindTCP, p.key, err)
	}

	p.registry.remove(p)
	if !p.closing.Load() {
		p.registry.afterTeardown(KindTCP, p.key)
	}
}
