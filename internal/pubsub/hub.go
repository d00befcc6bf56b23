// Package pubsub provides a small typed publish/subscribe hub used to fan out
// in-process events to observers.
package pubsub

import (
	"sync"
	"sync/atomic"
)

type HandleT uint64

const InvalidHandle HandleT = 0

// Handler receives published events. Handlers run on the publishing
// goroutine and must not block for long.
type Handler[T any] func(T)

// Hub delivers every published event to all current subscribers.
// The zero value is ready to use.
type Hub[T any] struct {
	mu         sync.Mutex
	handlers   map[HandleT]Handler[T]
	nextHandle atomic.Uint64
}

// Subscription is returned by Subscribe and cancels delivery when Cancel is called.
type Subscription[T any] struct {
	Handle HandleT
	owner  *Hub[T]
	once   sync.Once
}

// Subscribe registers h for future events.
func (hub *Hub[T]) Subscribe(h Handler[T]) *Subscription[T] {
	handle := HandleT(hub.nextHandle.Add(1))

	hub.mu.Lock()
	if hub.handlers == nil {
		hub.handlers = make(map[HandleT]Handler[T])
	}
	hub.handlers[handle] = h
	hub.mu.Unlock()

	return &Subscription[T]{Handle: handle, owner: hub}
}

// Publish delivers ev to a snapshot of the current subscribers.
func (hub *Hub[T]) Publish(ev T) {
	hub.mu.Lock()
	current := make([]Handler[T], 0, len(hub.handlers))
	for _, h := range hub.handlers {
		current = append(current, h)
	}
	hub.mu.Unlock()

	for _, h := range current {
		h(ev)
	}
}

// Len returns the number of active subscriptions.
func (hub *Hub[T]) Len() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.handlers)
}

// Cancel stops delivery to this subscription. It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.handlers, s.Handle)
		s.owner.mu.Unlock()
	})
}
