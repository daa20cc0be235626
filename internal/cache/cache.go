// Package cache keeps the last known state of entities seen on the push
// connection so views can re-render without refetching.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/giftplan-realtime/internal/topic"
)

// DefaultSize is the entry capacity used when none is configured.
const DefaultSize = 4096

// Subscriber is the part of the connection manager the cache needs.
type Subscriber interface {
	Subscribe(topicName string, handler topic.Handler) (unsubscribe func())
}

// Key identifies one entity within a topic.
type Key struct {
	Topic    string
	EntityID string
}

// Entry is the last known state of an entity.
type Entry struct {
	Kind      topic.EventKind
	Payload   json.RawMessage
	UserID    string
	UpdatedAt time.Time
	TraceID   string
}

// Cache is an LRU of entity payloads, invalidated by push events.
type Cache struct {
	entries *lru.Cache[Key, Entry]
	logger  *slog.Logger

	// OnInvalidate is called after every applied event, outside the lock.
	OnInvalidate func(topicName string, version uint64)

	mu       sync.Mutex
	versions map[string]uint64
}

// New creates a cache holding up to size entries.
func New(size int, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultSize
	}

	entries, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	return &Cache{
		entries:  entries,
		logger:   logger,
		versions: make(map[string]uint64),
	}, nil
}

// Watch subscribes the cache to topics. The returned func removes every
// handler Watch registered.
func (c *Cache) Watch(sub Subscriber, topics ...string) (stop func()) {
	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		unsubs = append(unsubs, sub.Subscribe(t, c.Apply))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// Apply folds one event into the cache.
func (c *Cache) Apply(ev topic.Event) {
	key := Key{Topic: ev.Topic, EntityID: ev.Data.EntityID}

	switch ev.Kind {
	case topic.EventDeleted:
		c.entries.Remove(key)
	default:
		updated, _ := ev.Data.Time()
		c.entries.Add(key, Entry{
			Kind:      ev.Kind,
			Payload:   ev.Data.Payload,
			UserID:    ev.Data.UserID,
			UpdatedAt: updated,
			TraceID:   ev.TraceID,
		})
	}

	c.mu.Lock()
	c.versions[ev.Topic]++
	version := c.versions[ev.Topic]
	c.mu.Unlock()

	c.logger.Debug("cache invalidated",
		"topic", ev.Topic,
		"entity_id", ev.Data.EntityID,
		"event", ev.Kind,
		"version", version,
	)

	if c.OnInvalidate != nil {
		c.OnInvalidate(ev.Topic, version)
	}
}

// Get returns the cached entry for an entity.
func (c *Cache) Get(topicName, entityID string) (Entry, bool) {
	return c.entries.Get(Key{Topic: topicName, EntityID: entityID})
}

// Version returns how many events have touched topicName. Views compare it
// with the version they last rendered.
func (c *Cache) Version(topicName string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[topicName]
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry and resets versions.
func (c *Cache) Purge() {
	c.entries.Purge()

	c.mu.Lock()
	c.versions = make(map[string]uint64)
	c.mu.Unlock()
}
