// Package events provides an explicit publish/subscribe object passed to
// the components that need to fan out messages or user-facing notices.
package events

import (
	"sync"
	"sync/atomic"
)

// Bus delivers each published value to every current subscriber, synchronously
// and in subscription order.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes it
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber with v. Subscribers run outside the bus lock,
// so they may subscribe or unsubscribe.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
