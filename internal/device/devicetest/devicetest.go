// Package devicetest provides in-memory fakes of the device collaborators
// for use in tests.
package devicetest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
)

type observer struct {
	name string
	ch   chan device.Result
	done chan struct{}
	once sync.Once
}

func (o *observer) resolve(r device.Result) {
	o.once.Do(func() {
		o.ch <- r
		close(o.done)
	})
}

// Channel is a scriptable device.NotificationChannel.
type Channel struct {
	// PostErr, when set, is returned from every PostNotification.
	PostErr error
	// PostDelay stalls every PostNotification (ctx-aware) after it is recorded.
	PostDelay time.Duration

	mu        sync.Mutex
	posts     []string
	observers []*observer
	replies   map[string][]string
	auto      map[string]bool
}

var _ device.NotificationChannel = (*Channel)(nil)

// NewChannel creates an empty fake channel.
func NewChannel() *Channel {
	return &Channel{
		replies: make(map[string][]string),
		auto:    make(map[string]bool),
	}
}

// ReplyTo makes the device answer a post of name with the given notifications.
func (c *Channel) ReplyTo(name string, answers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[name] = append(c.replies[name], answers...)
}

// DeliverWhenObserved delivers name as soon as someone starts observing it.
func (c *Channel) DeliverWhenObserved(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto[name] = true
}

// Deliver resolves every current observer of name.
func (c *Channel) Deliver(name string) {
	c.mu.Lock()
	var matched []*observer
	kept := c.observers[:0]
	for _, o := range c.observers {
		if o.name == name {
			matched = append(matched, o)
		} else {
			kept = append(kept, o)
		}
	}
	c.observers = kept
	c.mu.Unlock()

	for _, o := range matched {
		o.resolve(device.Result{Name: name})
	}
}

// Posts returns the notifications posted so far, in order.
func (c *Channel) Posts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.posts...)
}

// Observing returns the number of pending observers of name.
func (c *Channel) Observing(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.observers {
		if o.name == name {
			n++
		}
	}
	return n
}

func (c *Channel) PostNotification(ctx context.Context, name string) error {
	c.mu.Lock()
	c.posts = append(c.posts, name)
	answers := append([]string(nil), c.replies[name]...)
	err := c.PostErr
	delay := c.PostDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	for _, answer := range answers {
		go c.Deliver(answer)
	}
	return nil
}

func (c *Channel) AwaitNotification(ctx context.Context, name string, timeout time.Duration) <-chan device.Result {
	o := &observer{name: name, ch: make(chan device.Result, 1), done: make(chan struct{})}

	c.mu.Lock()
	c.observers = append(c.observers, o)
	auto := c.auto[name]
	c.mu.Unlock()

	if auto {
		go c.Deliver(name)
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-o.done:
			return
		case <-timer.C:
			o.resolve(device.Result{Err: fmt.Errorf("%w: %s", device.ErrNotificationTimeout, name)})
		case <-ctx.Done():
			o.resolve(device.Result{Err: ctx.Err()})
		}
		c.remove(o)
	}()

	return o.ch
}

func (c *Channel) remove(target *observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.observers {
		if o == target {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// Device is a fake device.Device handing out real loopback TCP connections.
// The device-side end of every acquired socket is sent on Sockets.
type Device struct {
	ID string

	// GetErr, when set, fails every GetDebugSocket.
	GetErr error
	// GetDelay is slept (ctx-aware) before a socket is handed out.
	GetDelay time.Duration

	// Sockets receives the runtime end of each acquired debug socket.
	Sockets chan net.Conn

	mu        sync.Mutex
	open      map[string]net.Conn
	acquired  int
	destroyed int
	overlaps  int
	inFlight  int
	maxFlight int
}

var _ device.Device = (*Device)(nil)

// NewDevice creates a fake device.
func NewDevice(id string) *Device {
	return &Device{
		ID:      id,
		Sockets: make(chan net.Conn, 16),
		open:    make(map[string]net.Conn),
	}
}

func (d *Device) Identifier() string {
	return d.ID
}

func (d *Device) GetDebugSocket(ctx context.Context, appID, projectName string) (net.Conn, error) {
	d.mu.Lock()
	d.inFlight++
	d.maxFlight = max(d.maxFlight, d.inFlight)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if d.GetDelay > 0 {
		select {
		case <-time.After(d.GetDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.GetErr != nil {
		return nil, d.GetErr
	}

	local, remote, err := TCPPair()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, ok := d.open[appID]; ok {
		d.overlaps++
	}
	d.open[appID] = local
	d.acquired++
	d.mu.Unlock()

	d.Sockets <- remote
	return local, nil
}

func (d *Device) DestroyDebugSocket(ctx context.Context, appID string) error {
	d.mu.Lock()
	conn, ok := d.open[appID]
	delete(d.open, appID)
	if ok {
		d.destroyed++
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNoDebugSocket, appID)
	}
	conn.Close()
	return nil
}

// Stats returns acquire/destroy counts, the number of acquisitions made while
// a socket for the same app was still open, and the peak number of
// concurrent GetDebugSocket calls.
func (d *Device) Stats() (acquired, destroyed, overlaps, maxInFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired, d.destroyed, d.overlaps, d.maxFlight
}

// Open reports whether a debug socket is currently open for appID.
func (d *Device) Open(appID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[appID]
	return ok
}

// TCPPair returns two ends of a connected loopback TCP connection.
func TCPPair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	select {
	case conn := <-accepted:
		return dialed, conn, nil
	case err := <-acceptErr:
		dialed.Close()
		return nil, nil, err
	}
}
