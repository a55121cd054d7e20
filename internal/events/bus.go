package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type Handler func(ctx context.Context, e Event) error

// Bus dispatches events synchronously to every handler subscribed to their type.
// A failing or panicking handler does not stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.With("service", "events"),
	}
}

func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.logger.Debug("handler subscribed", "event_type", eventType)
}

// On subscribes a handler typed to a concrete event.
func On[E Event](b *Bus, h func(ctx context.Context, e E) error) {
	var zero E
	b.Subscribe(zero.EventType(), func(ctx context.Context, e Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("unexpected event %T for %s", e, zero.EventType())
		}
		return h(ctx, typed)
	})
}

// Publish returns the first handler error, after every handler has run.
func (b *Bus) Publish(ctx context.Context, evs ...Event) error {
	var first error
	for _, e := range evs {
		b.mu.RLock()
		hs := append([]Handler(nil), b.handlers[e.EventType()]...)
		b.mu.RUnlock()

		if len(hs) == 0 {
			b.logger.Debug("no handlers", "event_type", e.EventType())
			continue
		}
		for _, h := range hs {
			if err := b.dispatch(ctx, h, e); err != nil {
				b.logger.Error("handler failed",
					"event_type", e.EventType(),
					"event_id", e.EventID().String(),
					"error", err.Error(),
				)
				if first == nil {
					first = err
				}
			}
		}
	}
	return first
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, e)
}
