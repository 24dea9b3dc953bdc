// Package events implements the EventSink port for in-process and Redis
// delivery of engine events.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
	"github.com/ericfisherdev/keyrental/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EventSink = (*ChannelSink)(nil)

// DefaultBuffer is the queue depth used when NewChannelSink is given zero.
const DefaultBuffer = 256

// ErrQueueFull is returned by Publish when the event was dropped because
// the consumer is behind.
var ErrQueueFull = errors.New("event queue full")

// ChannelSink queues events in memory and fans them out to subscribers from
// a single consumer goroutine started with Run. Slow transports such as Redis
// are registered as subscribers, so they never run on the publishing
// goroutine.
type ChannelSink struct {
	queue chan model.Event

	mu       sync.RWMutex
	handlers []func(context.Context, model.Event)
}

// NewChannelSink creates a sink with the given queue depth.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChannelSink{queue: make(chan model.Event, buffer)}
}

// Subscribe registers a handler called for every event Run dequeues.
func (s *ChannelSink) Subscribe(h func(context.Context, model.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Publish enqueues the event without blocking. When the queue is full the
// event is dropped and ErrQueueFull is returned.
func (s *ChannelSink) Publish(_ context.Context, ev model.Event) error {
	select {
	case s.queue <- ev:
		return nil
	default:
		return fmt.Errorf("publish %s: %w", ev.Type, ErrQueueFull)
	}
}

// Run delivers queued events until ctx is canceled. Events still queued at
// cancellation are dropped.
func (s *ChannelSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("event consumer stopped", "pending", len(s.queue))
			return
		case ev := <-s.queue:
			s.dispatch(ctx, ev)
		}
	}
}

func (s *ChannelSink) dispatch(ctx context.Context, ev model.Event) {
	s.mu.RLock()
	handlers := make([]func(context.Context, model.Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Info("event", "type", ev.Type, "credential_id", ev.CredentialID, "rental_id", ev.RentalID)
		return
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
}
