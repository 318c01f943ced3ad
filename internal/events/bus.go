// Package events fans record snapshots out to per-download subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

// Wildcard subscribes a handler to every download key.
const Wildcard = "*"

// Handler receives a copy of the record after each persisted change. Handlers
// for one key are called in version order, one at a time. Wildcard handlers
// may be called concurrently for different keys.
type Handler func(rec storage.DownloadRecord)

type subscription struct {
	id      uint64
	handler Handler
}

type topic struct {
	subs []subscription
}

type queue struct {
	items    []storage.DownloadRecord
	draining bool
}

// Bus is an in-memory publish/subscribe hub keyed by download key.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	topics map[string]*topic
	queues map[string]*queue
	// last holds the highest version accepted per key so that a late publish
	// of an older snapshot is dropped.
	last map[string]uint64
}

// NewBus creates a bus that logs through the logger carried by ctx.
func NewBus(ctx context.Context) *Bus {
	return &Bus{
		logger: logctx.LoggerFromContext(ctx).With("component", "event_bus"),
		topics: make(map[string]*topic),
		queues: make(map[string]*queue),
		last:   make(map[string]uint64),
	}
}

// Subscribe registers handler for key, or for every key when key is Wildcard.
// The returned function removes the handler and is safe to call more than once.
func (b *Bus) Subscribe(key string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	t, ok := b.topics[key]
	if !ok {
		t = &topic{}
		b.topics[key] = t
	}

	t.subs = append(t.subs, subscription{id: id, handler: handler})

	var once sync.Once

	return func() {
		once.Do(func() { b.unsubscribe(key, id) })
	}
}

func (b *Bus) unsubscribe(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		return
	}

	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)

			break
		}
	}

	if len(t.subs) == 0 {
		delete(b.topics, key)
	}
}

// Publish delivers rec to the handlers of rec.Key and to wildcard handlers.
// Delivery happens on the calling goroutine unless another goroutine is
// already draining the key, in which case rec is queued behind it. A record
// whose version is not newer than the last one seen for the key is dropped.
func (b *Bus) Publish(rec storage.DownloadRecord) {
	key := rec.Key

	b.mu.Lock()

	if rec.Version != 0 {
		if rec.Version <= b.last[key] {
			b.mu.Unlock()
			b.logger.Debug("dropping stale event", "download_key", key, "version", rec.Version)

			return
		}

		b.last[key] = rec.Version
	}

	if !b.hasSubscribers(key) {
		b.mu.Unlock()

		return
	}

	q, ok := b.queues[key]
	if !ok {
		q = &queue{}
		b.queues[key] = q
	}

	q.items = append(q.items, rec.Clone())

	if q.draining {
		b.mu.Unlock()

		return
	}

	q.draining = true

	for len(q.items) > 0 {
		next := q.items[0]
		q.items = q.items[1:]
		handlers := b.handlers(key)

		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, next)
		}

		b.mu.Lock()
	}

	delete(b.queues, key)
	b.mu.Unlock()
}

// hasSubscribers reports whether key has any direct or wildcard handler.
// Callers hold b.mu.
func (b *Bus) hasSubscribers(key string) bool {
	return b.topics[key] != nil || b.topics[Wildcard] != nil
}

// handlers snapshots the handlers for key. Callers hold b.mu.
func (b *Bus) handlers(key string) []Handler {
	var out []Handler

	if t, ok := b.topics[key]; ok {
		for _, s := range t.subs {
			out = append(out, s.handler)
		}
	}

	if key != Wildcard {
		if t, ok := b.topics[Wildcard]; ok {
			for _, s := range t.subs {
				out = append(out, s.handler)
			}
		}
	}

	return out
}

func (b *Bus) deliver(h Handler, rec storage.DownloadRecord) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "download_key", rec.Key, "panic", r)
		}
	}()

	h(rec.Clone())
}
