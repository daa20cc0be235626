package topic

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler receives events for a topic. Handlers run synchronously on the
// goroutine that read the frame and must not block for long.
type Handler func(Event)

// Token identifies a single handler registration.
type Token struct {
	Topic string
	id    uint64
}

// entry is one registered handler.
type entry struct {
	id uint64
	fn Handler
}

// Registry maps topics to handlers. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	// OnPanic, if set, is called after a handler panic has been recovered.
	OnPanic func(topic string, recovered any)

	mu     sync.RWMutex
	topics map[string][]entry
	nextID uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		logger: logger,
		topics: make(map[string][]entry),
	}
}

// Register adds handler under topic. first is true when the topic had no
// handlers before this call.
func (r *Registry) Register(topic string, handler Handler) (tok Token, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	_, exists := r.topics[topic]
	r.topics[topic] = append(r.topics[topic], entry{id: id, fn: handler})

	return Token{Topic: topic, id: id}, !exists
}

// Unregister removes exactly the handler identified by tok. last is true
// when that was the final handler and the topic key was removed.
// Unknown tokens are ignored.
func (r *Registry) Unregister(tok Token) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.topics[tok.Topic]
	if !ok {
		return false
	}

	for i, e := range entries {
		if e.id != tok.id {
			continue
		}
		if len(entries) == 1 {
			delete(r.topics, tok.Topic)
			return true
		}
		// Copy so in-flight dispatch snapshots stay intact.
		next := make([]entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		r.topics[tok.Topic] = next
		return false
	}

	return false
}

// Remove drops every handler for topic. It reports whether the topic existed.
func (r *Registry) Remove(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topic]; !ok {
		return false
	}
	delete(r.topics, topic)
	return true
}

// Has reports whether topic has at least one handler.
func (r *Registry) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

// Len returns the number of topics with handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// HandlerCount returns the number of handlers registered for topic.
func (r *Registry) HandlerCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Topics returns the subscribed topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch delivers ev to every handler registered for ev.Topic, in
// registration order. A panicking handler is logged and skipped; the
// remaining handlers still run. It returns the number of handlers called.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.RLock()
	entries := r.topics[ev.Topic]
	r.mu.RUnlock()

	for _, e := range entries {
		r.invoke(ev, e)
	}
	return len(entries)
}

// invoke runs one handler with panic isolation.
func (r *Registry) invoke(ev Event, e entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("topic handler panicked",
				"topic", ev.Topic,
				"event", ev.Kind,
				"entity_id", ev.Data.EntityID,
				"panic", fmt.Sprint(rec),
			)
			if r.OnPanic != nil {
				r.OnPanic(ev.Topic, rec)
			}
		}
	}()

	e.fn(ev)
}
