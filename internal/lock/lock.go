// Package lock provides named in-process mutexes with stale-holder recovery.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
)

// Options controls a single Lock call.
type Options struct {
	// Stale is how long a holder may keep the lock before a waiter is allowed
	// to take it over. Zero means the lock never goes stale.
	Stale time.Duration
}

// ReleaseFunc releases the lock it was returned with. Calling it after the
// lock went stale and was taken over by someone else is a no-op.
type ReleaseFunc func()

type holder struct {
	acquired time.Time
	released chan struct{}
}

// Service hands out named locks. The zero value is not usable; call NewService.
type Service struct {
	clock clock.Clock
	log   logr.Logger

	mu   sync.Mutex
	held map[string]*holder
}

// NewService creates a lock service. A nil clk uses the wall clock.
func NewService(clk clock.Clock, log logr.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Service{
		clock: clk,
		log:   log,
		held:  make(map[string]*holder),
	}
}

// Lock blocks until name is acquired, the current holder goes stale, or ctx is done.
func (s *Service) Lock(ctx context.Context, name string, opts Options) (ReleaseFunc, error) {
	for {
		s.mu.Lock()
		h, ok := s.held[name]
		if ok && opts.Stale > 0 && s.clock.Since(h.acquired) >= opts.Stale {
			s.log.Info("taking over stale lock", "name", name, "held_for", s.clock.Since(h.acquired))
			s.releaseLocked(name, h)
			ok = false
		}

		if !ok {
			h = &holder{acquired: s.clock.Now(), released: make(chan struct{})}
			s.held[name] = h
			s.mu.Unlock()
			return s.releaser(name, h), nil
		}

		wait := h.released
		var remaining time.Duration
		if opts.Stale > 0 {
			remaining = opts.Stale - s.clock.Since(h.acquired)
		}
		s.mu.Unlock()

		if err := s.wait(ctx, wait, remaining); err != nil {
			return nil, err
		}
	}
}

func (s *Service) wait(ctx context.Context, released <-chan struct{}, remaining time.Duration) error {
	var staleC <-chan time.Time
	if remaining > 0 {
		timer := s.clock.Timer(remaining)
		defer timer.Stop()
		staleC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-released:
	case <-staleC:
	}
	return nil
}

// Unlock releases name regardless of who holds it.
func (s *Service) Unlock(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.held[name]; ok {
		s.releaseLocked(name, h)
	}
}

// Held reports whether name is currently locked.
func (s *Service) Held(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[name]
	return ok
}

func (s *Service) releaser(name string, h *holder) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.held[name] == h {
				s.releaseLocked(name, h)
			}
		})
	}
}

func (s *Service) releaseLocked(name string, h *holder) {
	delete(s.held, name)
	close(h.released)
}
