package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
)

const waitTimeout = 5 * time.Second

type exitRecorder struct {
	codes chan int
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{codes: make(chan int, 8)}
}

func (e *exitRecorder) exit(code int) {
	e.codes <- code
}

func (e *exitRecorder) requireExit(t *testing.T) {
	t.Helper()
	select {
	case code := <-e.codes:
		require.Equal(t, 0, code)
	case <-time.After(waitTimeout):
		t.Fatal("exit policy did not run")
	}
}

func (e *exitRecorder) requireNoExit(t *testing.T) {
	t.Helper()
	select {
	case code := <-e.codes:
		t.Fatalf("unexpected exit(%d)", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestRegistry(t *testing.T, mutate func(*Config)) (*Registry, *exitRecorder) {
	t.Helper()
	exits := newExitRecorder()
	config := Config{
		SocketDir:          t.TempDir(),
		AppResponseTimeout: 2 * time.Second,
		ExitFunc:           exits.exit,
	}
	if mutate != nil {
		mutate(&config)
	}
	r := NewRegistry(config)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, exits
}

func connectionErrors(r *Registry) <-chan notification.ConnectionErrorEvent {
	ch := make(chan notification.ConnectionErrorEvent, 8)
	r.Events().ConnectionErrors.Subscribe(func(e notification.ConnectionErrorEvent) {
		ch <- e
	})
	return ch
}

func runtimeSocket(t *testing.T, sockets <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-sockets:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("debug socket was not acquired")
		return nil
	}
}

func waitDone(t *testing.T, s Server) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("%s proxy %s did not stop", s.Kind(), s.Key())
	}
}
