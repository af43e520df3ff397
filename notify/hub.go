// Package notify implements a typed listener registry. Listeners are called
// synchronously in registration order.
package notify

import (
	"log"
	"sync"
)

// Listener receives events published on a Hub.
type Listener[E any] func(E)

type entry[E any] struct {
	id uint64
	fn Listener[E]
}

// Hub fans events out to its listeners. Subscribe and unsubscribe are safe to
// call from any goroutine, including from inside a listener.
type Hub[E any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[E]
	logger  *log.Logger
	name    string
}

// NewHub returns a hub whose recovered listener panics are logged under name.
func NewHub[E any](name string, logger *log.Logger) *Hub[E] {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub[E]{name: name, logger: logger}
}

// Subscribe registers fn and returns the function that removes it. The
// returned function may be called any number of times.
func (h *Hub[E]) Subscribe(fn Listener[E]) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, entry[E]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[E]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (h *Hub[E]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Publish delivers ev to the listeners registered when Publish starts. A
// panicking listener is logged and skipped.
func (h *Hub[E]) Publish(ev E) {
	h.mu.Lock()
	entries := h.entries
	h.mu.Unlock()

	for _, e := range entries {
		h.deliver(e, ev)
	}
}

func (h *Hub[E]) deliver(e entry[E], ev E) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("%s: listener %d panicked: %v", h.name, e.id, r)
		}
	}()
	e.fn(ev)
}
