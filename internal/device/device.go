// Package device defines the collaborators the debug tunnel consumes: the
// device that hands out per-application debug sockets and the notification
// channel used to negotiate an attach.
package device

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNotificationTimeout is delivered when an awaited notification does not arrive in time.
	ErrNotificationTimeout = errors.New("timed out waiting for notification")

	// ErrNoDebugSocket is returned when destroying a debug socket that was never acquired.
	ErrNoDebugSocket = errors.New("no debug socket for application")
)

// Device is an attached or simulated device running the target application.
//
// At most one debug socket is outstanding per application; callers must
// destroy the previous one before acquiring another.
type Device interface {
	Identifier() string
	GetDebugSocket(ctx context.Context, appID, projectName string) (net.Conn, error)
	DestroyDebugSocket(ctx context.Context, appID string) error
}

// Result is the eventual outcome of AwaitNotification.
type Result struct {
	Name string
	Err  error
}

// NotificationChannel posts and observes named notifications on one device.
type NotificationChannel interface {
	// PostNotification delivers name to the device.
	PostNotification(ctx context.Context, name string) error

	// AwaitNotification starts observing name before it returns. The returned
	// channel receives exactly one Result: the name when it is observed, or an
	// error when timeout elapses or ctx is cancelled.
	AwaitNotification(ctx context.Context, name string, timeout time.Duration) <-chan Result
}
