package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_PublishToAllSubscribers(t *testing.T) {
	var hub Hub[string]

	var mu sync.Mutex
	var got []string
	record := func(prefix string) Handler[string] {
		return func(s string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, prefix+s)
		}
	}

	hub.Subscribe(record("a:"))
	hub.Subscribe(record("b:"))
	hub.Publish("x")

	assert.ElementsMatch(t, []string{"a:x", "b:x"}, got)
}

func TestHub_Cancel(t *testing.T) {
	var hub Hub[int]
	count := 0
	sub := hub.Subscribe(func(int) { count++ })

	hub.Publish(1)
	sub.Cancel()
	sub.Cancel()
	hub.Publish(2)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, hub.Len())
}

func TestHub_HandlesAreUnique(t *testing.T) {
	var hub Hub[int]
	a := hub.Subscribe(func(int) {})
	b := hub.Subscribe(func(int) {})

	assert.NotEqual(t, InvalidHandle, a.Handle)
	assert.NotEqual(t, a.Handle, b.Handle)
}
