package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device/devicetest"
	"github.com/NativeScript/nativescript-cli-sub024/internal/metrics"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
)

const (
	appID    = "org.nativescript.demo"
	deviceID = "device-1"
)

func name(n notification.Name) string {
	return notification.Build(n, appID)
}

func newExecutor(t *testing.T) (*Executor, *notification.Events, *metrics.Metrics) {
	t.Helper()
	events := &notification.Events{}
	m := metrics.New(prometheus.NewRegistry())
	return NewExecutor(notification.NewNotifier(events), m, logr.Discard()), events, m
}

func TestExecuteAttachRequest_ReadyForAttach(t *testing.T) {
	e, _, m := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachAvailabilityQuery), name(notification.ReadyForAttach))

	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, time.Second)

	require.NoError(t, err)
	assert.Equal(t, OutcomeReadyForAttach, outcome)
	assert.Equal(t, []string{name(notification.AttachAvailabilityQuery)}, ch.Posts())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachOutcomes.WithLabelValues("ready_for_attach")))
}

func TestExecuteAttachRequest_AttachAvailable(t *testing.T) {
	e, events, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachAvailabilityQuery), name(notification.AttachAvailable))
	ch.ReplyTo(name(notification.AttachRequest), name(notification.ReadyForAttach))

	var attachEvents []notification.AttachRequestEvent
	events.AttachRequests.Subscribe(func(ev notification.AttachRequestEvent) {
		attachEvents = append(attachEvents, ev)
	})

	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, time.Second)

	require.NoError(t, err)
	assert.Equal(t, OutcomeAttachAvailable, outcome)

	expectedPosts := []string{name(notification.AttachAvailabilityQuery), name(notification.AttachRequest)}
	assert.Equal(t, expectedPosts, ch.Posts())

	// Nothing else is posted after success.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, expectedPosts, ch.Posts())

	require.Len(t, attachEvents, 1)
	assert.Equal(t, deviceID, attachEvents[0].DeviceID)
	assert.Equal(t, appID, attachEvents[0].AppID)
}

func TestExecuteAttachRequest_AlreadyConnected(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachAvailabilityQuery), name(notification.AlreadyConnected))

	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, time.Second)

	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, OutcomeAlreadyConnected, outcome)
	assert.Equal(t, []string{name(notification.AttachAvailabilityQuery)}, ch.Posts())
}

func TestExecuteAttachRequest_TimesOut(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	timeout := 50 * time.Millisecond

	start := time.Now()
	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAppNotRunning)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	time.Sleep(2 * timeout)
	assert.Equal(t, []string{name(notification.AttachAvailabilityQuery)}, ch.Posts())
}

func TestExecuteAttachRequest_HandshakeTimeout(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachAvailabilityQuery), name(notification.AttachAvailable))

	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, 50*time.Millisecond)

	assert.ErrorIs(t, err, ErrSocketHandshakeTimeout)
	assert.Equal(t, OutcomeTimedOut, outcome)
}

func TestExecuteAttachRequest_QueryPostFailureStillWaits(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.PostErr = errors.New("notifyutil missing")

	go func() {
		for ch.Observing(name(notification.ReadyForAttach)) == 0 {
			time.Sleep(time.Millisecond)
		}
		ch.Deliver(name(notification.ReadyForAttach))
	}()

	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReadyForAttach, outcome)
}

func TestExecuteAttachRequest_SlowQueryPostDoesNotDelayTimeout(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.PostDelay = 2 * time.Second
	timeout := 50 * time.Millisecond

	start := time.Now()
	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAppNotRunning)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, elapsed, timeout+500*time.Millisecond, "attach rejected after %s", elapsed)
}

func TestExecuteAttachRequest_SlowQueryPostStillAnswered(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.PostDelay = 2 * time.Second

	go func() {
		for ch.Observing(name(notification.ReadyForAttach)) == 0 {
			time.Sleep(time.Millisecond)
		}
		ch.Deliver(name(notification.ReadyForAttach))
	}()

	start := time.Now()
	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReadyForAttach, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteAttachRequest_SlowAttachRequestPostBounded(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.PostDelay = 2 * time.Second
	timeout := 100 * time.Millisecond

	go func() {
		for ch.Observing(name(notification.AttachAvailable)) == 0 {
			time.Sleep(time.Millisecond)
		}
		ch.Deliver(name(notification.AttachAvailable))
	}()

	start := time.Now()
	outcome, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSocketHandshakeTimeout)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, elapsed, 2*timeout+500*time.Millisecond, "attach request post was not bounded: %s", elapsed)
}

func TestExecuteAttachRequest_CallerCancelled(t *testing.T) {
	e, _, m := newExecutor(t)
	ch := devicetest.NewChannel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ch.Observing(name(notification.ReadyForAttach)) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	outcome, err := e.ExecuteAttachRequest(ctx, ch, appID, deviceID, 10*time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAppNotRunning)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Zero(t, testutil.ToFloat64(m.AttachOutcomes.WithLabelValues("timed_out")))
}

func TestExecuteAttachRequest_ReleasesObservers(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachAvailabilityQuery), name(notification.ReadyForAttach))

	_, err := e.ExecuteAttachRequest(context.Background(), ch, appID, deviceID, 10*time.Second)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return ch.Observing(name(notification.AlreadyConnected)) == 0 &&
			ch.Observing(name(notification.AttachAvailable)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestExecuteLaunchRequest(t *testing.T) {
	tests := []struct {
		name          string
		opts          LaunchOptions
		expectedPosts []string
	}{
		{
			name:          "attach only",
			opts:          LaunchOptions{},
			expectedPosts: []string{name(notification.AttachRequest)},
		},
		{
			name:          "break on start",
			opts:          LaunchOptions{ShouldBreak: true},
			expectedPosts: []string{name(notification.WaitForDebugger), name(notification.AttachRequest)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newExecutor(t)
			ch := devicetest.NewChannel()
			ch.DeliverWhenObserved(name(notification.AppLaunching))
			ch.ReplyTo(name(notification.AttachRequest), name(notification.ReadyForAttach))

			err := e.ExecuteLaunchRequest(context.Background(), ch, appID, deviceID, time.Second, time.Second, tt.opts)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedPosts, ch.Posts())
		})
	}
}

func TestExecuteLaunchRequest_NoAppLaunching(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()

	err := e.ExecuteLaunchRequest(context.Background(), ch, appID, deviceID, 50*time.Millisecond, time.Second, LaunchOptions{ShouldBreak: true})

	assert.ErrorIs(t, err, ErrRuntimeResponseTimeout)
	assert.Empty(t, ch.Posts())
}

func TestExecuteLaunchRequest_NoReadyForAttach(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.DeliverWhenObserved(name(notification.AppLaunching))

	err := e.ExecuteLaunchRequest(context.Background(), ch, appID, deviceID, time.Second, 50*time.Millisecond, LaunchOptions{})

	assert.ErrorIs(t, err, ErrRuntimeResponseTimeout)
	assert.Equal(t, []string{name(notification.AttachRequest)}, ch.Posts())
}

func TestExecuteLaunchRequest_SkipHandshake(t *testing.T) {
	e, _, _ := newExecutor(t)
	ch := devicetest.NewChannel()
	ch.ReplyTo(name(notification.AttachRequest), name(notification.ReadyForAttach))

	err := e.ExecuteLaunchRequest(context.Background(), ch, appID, deviceID, 10*time.Millisecond, time.Second, LaunchOptions{SkipHandshake: true})

	require.NoError(t, err)
	assert.Zero(t, ch.Observing(name(notification.AppLaunching)))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "ready_for_attach", OutcomeReadyForAttach.String())
	assert.Equal(t, "already_connected", OutcomeAlreadyConnected.String())
	assert.Equal(t, "attach_available", OutcomeAttachAvailable.String())
}
