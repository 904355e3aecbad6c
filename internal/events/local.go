package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LocalBus is the in-process dispatcher. Handlers run on the
// publisher's goroutine, so they must not block.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(Event)
	nextID   int
	closed   bool
	log      *slog.Logger
	clock    func() time.Time
}

func NewLocalBus(log *slog.Logger) *LocalBus {
	return &LocalBus{
		handlers: make(map[string]map[int]func(Event)),
		log:      log.With(slog.String("component", "events-local")),
		clock:    time.Now,
	}
}

func (b *LocalBus) Publish(_ context.Context, subject string, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, handler := range b.handlers[subject] {
		handler(evt)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[subject][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
	}, nil
}

func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[int]func(Event))
}
