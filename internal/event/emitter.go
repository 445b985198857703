// Package event provides typed publish/subscribe emitters used for the
// lifecycle surfaces of the preview servers (connected, port change,
// request processed). Handlers run synchronously on the firing goroutine
// in subscription order.
package event

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Emitter dispatches values of type T to subscribed handlers.
// The zero value is not usable; create emitters with New.
type Emitter[T any] struct {
	mu          sync.RWMutex
	nextID      int
	subscribers []subscriber[T]
}

// New creates a new emitter
func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe registers a handler and returns a cancel function.
// The cancel function is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers = append(e.subscribers, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subscribers {
			if s.id == id {
				e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Fire delivers v to every subscriber. Handlers registered while Fire is
// running are not called for this value.
func (e *Emitter[T]) Fire(v T) {
	e.mu.RLock()
	snapshot := make([]subscriber[T], len(e.subscribers))
	copy(snapshot, e.subscribers)
	e.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(v)
	}
}

// Len returns the number of active subscribers
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}
