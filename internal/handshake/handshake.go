// Package handshake negotiates a debugger attach or launch with the iOS
// runtime over a device notification channel.
//
// Each Execute call is a single, non-retrying attempt. No state survives
// between calls.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/NativeScript/nativescript-cli-sub024/internal/device"
	"github.com/NativeScript/nativescript-cli-sub024/internal/metrics"
	"github.com/NativeScript/nativescript-cli-sub024/internal/notification"
)

var (
	// ErrAppNotRunning is returned when no attach notification arrives in time.
	ErrAppNotRunning = errors.New("application does not appear to be running or is not built with debugging enabled")
	// ErrAlreadyConnected is returned when the runtime reports another debugger client.
	ErrAlreadyConnected = errors.New("a client is already connected")
	// ErrSocketHandshakeTimeout is returned when ReadyForAttach does not follow an attach request.
	ErrSocketHandshakeTimeout = errors.New("socket handshake timed out")
	// ErrRuntimeResponseTimeout is returned when a launch negotiation gets no answer.
	ErrRuntimeResponseTimeout = errors.New("timeout waiting for response from runtime")
)

// Outcome is the result of one attach attempt.
type Outcome int

const (
	OutcomeTimedOut Outcome = iota
	OutcomeReadyForAttach
	OutcomeAlreadyConnected
	// OutcomeAttachAvailable means AttachAvailable was answered with an attach
	// request and the runtime then reported ReadyForAttach.
	OutcomeAttachAvailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReadyForAttach:
		return "ready_for_attach"
	case OutcomeAlreadyConnected:
		return "already_connected"
	case OutcomeAttachAvailable:
		return "attach_available"
	default:
		return "timed_out"
	}
}

// LaunchOptions tune ExecuteLaunchRequest.
type LaunchOptions struct {
	// ShouldBreak asks the runtime to wait for the debugger before running app code.
	ShouldBreak bool
	// SkipHandshake skips waiting for AppLaunching, for apps started earlier.
	SkipHandshake bool
}

// Executor runs attach and launch negotiations.
type Executor struct {
	notifier *notification.Notifier
	metrics  *metrics.Metrics
	log      logr.Logger
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(notifier *notification.Notifier, m *metrics.Metrics, log logr.Logger) *Executor {
	if notifier == nil {
		notifier = notification.NewNotifier(nil)
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Executor{notifier: notifier, metrics: m, log: log}
}

// ExecuteAttachRequest negotiates an attach to a running application.
func (e *Executor) ExecuteAttachRequest(ctx context.Context, channel device.NotificationChannel, appID, deviceID string, timeout time.Duration) (Outcome, error) {
	log := e.log.WithValues("app", appID, "device", deviceID)

	alreadyConnected := e.notifier.AlreadyConnected(appID)
	readyForAttach := e.notifier.ReadyForAttach(appID)
	attachAvailable := e.notifier.AttachAvailable(appID)

	raceCtx, cancelRace := context.WithCancel(ctx)
	observations := []<-chan device.Result{
		channel.AwaitNotification(raceCtx, alreadyConnected, timeout),
		channel.AwaitNotification(raceCtx, readyForAttach, timeout),
		channel.AwaitNotification(raceCtx, attachAvailable, timeout),
	}

	// The query is fire-and-forget: the observations alone decide the race.
	query := e.notifier.AttachAvailabilityQuery(appID)
	go func() {
		if err := channel.PostNotification(raceCtx, query); err != nil && raceCtx.Err() == nil {
			log.Error(err, "failed to post attach availability query")
		}
	}()

	received, err := firstReceived(raceCtx, observations...)
	cancelRace()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeTimedOut, ctxErr
		}
		log.V(1).Info("no attach notification received", "error", err.Error())
		e.record(OutcomeTimedOut)
		return OutcomeTimedOut, fmt.Errorf("%w: app %s on device %s", ErrAppNotRunning, appID, deviceID)
	}

	switch received {
	case alreadyConnected:
		e.record(OutcomeAlreadyConnected)
		return OutcomeAlreadyConnected, ErrAlreadyConnected

	case attachAvailable:
		if err := e.requestAttach(ctx, channel, appID, deviceID, timeout); err != nil {
			e.record(OutcomeTimedOut)
			return OutcomeTimedOut, fmt.Errorf("%w: %w", ErrSocketHandshakeTimeout, err)
		}
		e.record(OutcomeAttachAvailable)
		return OutcomeAttachAvailable, nil

	default:
		e.record(OutcomeReadyForAttach)
		return OutcomeReadyForAttach, nil
	}
}

// ExecuteLaunchRequest negotiates an attach to an application that is being
// launched. It waits for AppLaunching within timeout, optionally asks the
// runtime to wait for the debugger, sends an attach request and waits for
// ReadyForAttach within readyTimeout.
func (e *Executor) ExecuteLaunchRequest(ctx context.Context, channel device.NotificationChannel, appID, deviceID string, timeout, readyTimeout time.Duration, opts LaunchOptions) error {
	log := e.log.WithValues("app", appID, "device", deviceID)

	if !opts.SkipHandshake {
		res := <-channel.AwaitNotification(ctx, e.notifier.AppLaunching(appID), timeout)
		if res.Err != nil {
			log.V(1).Info("app launching notification not received", "error", res.Err.Error())
			e.record(OutcomeTimedOut)
			return fmt.Errorf("%w: %w", ErrRuntimeResponseTimeout, res.Err)
		}
	}

	var preamble []string
	if opts.ShouldBreak {
		preamble = append(preamble, e.notifier.WaitForDebugger(appID))
	}

	if err := e.requestAttach(ctx, channel, appID, deviceID, readyTimeout, preamble...); err != nil {
		e.record(OutcomeTimedOut)
		return fmt.Errorf("%w: %w", ErrRuntimeResponseTimeout, err)
	}

	e.record(OutcomeReadyForAttach)
	return nil
}

// requestAttach observes ReadyForAttach, posts the preamble notifications and
// an attach request, and waits for the observation.
func (e *Executor) requestAttach(ctx context.Context, channel device.NotificationChannel, appID, deviceID string, timeout time.Duration, preamble ...string) error {
	// Posts share the observation's deadline so a hung post cannot stretch the attempt.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := channel.AwaitNotification(waitCtx, e.notifier.ReadyForAttach(appID), timeout)

	for _, name := range preamble {
		if err := channel.PostNotification(waitCtx, name); err != nil {
			return err
		}
	}
	if err := channel.PostNotification(waitCtx, e.notifier.AttachRequest(appID, deviceID)); err != nil {
		return err
	}

	res := <-ready
	return res.Err
}

func (e *Executor) record(o Outcome) {
	e.metrics.AttachOutcome(o.String())
}

// firstReceived returns the first successful observation. When every
// observation fails it returns their joined errors.
func firstReceived(ctx context.Context, observations ...<-chan device.Result) (string, error) {
	merged := make(chan device.Result, len(observations))
	for _, obs := range observations {
		go func(obs <-chan device.Result) {
			merged <- <-obs
		}(obs)
	}

	var errs []error
	for pending := len(observations); pending > 0; pending-- {
		select {
		case res := <-merged:
			if res.Err == nil {
				return res.Name, nil
			}
			errs = append(errs, res.Err)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", errors.Join(errs...)
}
