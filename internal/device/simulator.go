package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const (
	// DefaultInspectorPort is the loopback port the runtime's inspector listens on in the simulator.
	DefaultInspectorPort = 18183

	defaultDialTimeout = 10 * time.Second
	processWaitDelay   = 2 * time.Second
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// UDID of the booted simulator.
	UDID string
	// InspectorPort is the runtime inspector port (0 = DefaultInspectorPort).
	InspectorPort int
	// DialTimeout bounds retries while the runtime is starting its inspector.
	DialTimeout time.Duration
	Logger      logr.Logger
}

// Simulator talks to a booted iOS simulator. Notifications go through
// `xcrun simctl spawn <udid> notifyutil`; debug sockets are loopback TCP
// connections to the runtime inspector.
type Simulator struct {
	udid          string
	inspectorPort int
	dialTimeout   time.Duration
	log           logr.Logger

	mu      sync.Mutex
	sockets map[string]net.Conn
}

// NewSimulator creates a simulator device.
func NewSimulator(config SimulatorConfig) (*Simulator, error) {
	if config.UDID == "" {
		return nil, errors.New("simulator UDID is required")
	}
	if config.InspectorPort == 0 {
		config.InspectorPort = DefaultInspectorPort
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}

	return &Simulator{
		udid:          config.UDID,
		inspectorPort: config.InspectorPort,
		dialTimeout:   config.DialTimeout,
		log:           config.Logger.WithValues("device", config.UDID),
		sockets:       make(map[string]net.Conn),
	}, nil
}

func (s *Simulator) Identifier() string {
	return s.udid
}

func (s *Simulator) notifyutil(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"simctl", "spawn", s.udid, "notifyutil"}, args...)
	cmd := execCommand(ctx, "xcrun", full...)
	setProcessGroup(cmd)
	return cmd
}

// PostNotification runs `notifyutil -p name` inside the simulator.
func (s *Simulator) PostNotification(ctx context.Context, name string) error {
	out, err := s.notifyutil(ctx, "-p", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to post notification %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	s.log.V(1).Info("posted notification", "name", name)
	return nil
}

// AwaitNotification runs `notifyutil -1 name`, which exits after the first
// delivery of name. The observer process is started before returning.
func (s *Simulator) AwaitNotification(ctx context.Context, name string, timeout time.Duration) <-chan Result {
	result := make(chan Result, 1)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	cmd := s.notifyutil(waitCtx, "-1", name)
	if err := cmd.Start(); err != nil {
		cancel()
		result <- Result{Err: fmt.Errorf("failed to observe notification %s: %w", name, err)}
		return result
	}

	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		switch {
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			result <- Result{Err: fmt.Errorf("%w: %s", ErrNotificationTimeout, name)}
		case waitCtx.Err() != nil:
			result <- Result{Err: waitCtx.Err()}
		case waitErr != nil:
			result <- Result{Err: fmt.Errorf("failed to observe notification %s: %w", name, waitErr)}
		default:
			s.log.V(1).Info("received notification", "name", name)
			result <- Result{Name: name}
		}
	}()

	return result
}

// GetDebugSocket dials the runtime inspector, retrying with exponential
// backoff until DialTimeout elapses.
func (s *Simulator) GetDebugSocket(ctx context.Context, appID, projectName string) (net.Conn, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.inspectorPort))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = s.dialTimeout

	var dialer net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to inspector for %s (%s) at %s: %w", appID, projectName, addr, err)
	}

	s.mu.Lock()
	previous := s.sockets[appID]
	s.sockets[appID] = conn
	s.mu.Unlock()

	if previous != nil {
		s.log.Info("replacing undestroyed debug socket", "app", appID)
		previous.Close()
	}

	s.log.V(1).Info("debug socket acquired", "app", appID, "addr", addr)
	return conn, nil
}

// DestroyDebugSocket closes the socket acquired for appID.
func (s *Simulator) DestroyDebugSocket(ctx context.Context, appID string) error {
	s.mu.Lock()
	conn, ok := s.sockets[appID]
	delete(s.sockets, appID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDebugSocket, appID)
	}

	s.log.V(1).Info("debug socket destroyed", "app", appID)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
