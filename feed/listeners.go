package feed

import (
	"sync"

	"github.com/google/uuid"
)

// Listeners is a concurrency-safe registry of callbacks. Add returns a
// deregistration func bound to that one registration, so the same function
// value can be registered more than once and removed independently.
type Listeners[T any] struct {
	mu  sync.RWMutex
	fns map[string]T
}

// NewListeners allocates an empty listener registry.
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{fns: make(map[string]T)}
}

// Add registers fn and returns a func that removes this registration.
// The returned func is safe to call more than once.
func (l *Listeners[T]) Add(fn T) func() {
	id := uuid.NewString()
	l.mu.Lock()
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Snapshot returns the currently registered callbacks. Callers invoke the
// snapshot outside any lock so a slow listener cannot block registration.
func (l *Listeners[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}

// Clear removes all registrations atomically.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.fns = make(map[string]T)
	l.mu.Unlock()
}

// Len returns the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
