package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/observability"
)

// sinkQueueSize bounds the backlog of undelivered transition batches. A batch
// holds at most one event per tracked setup, so the queue absorbs far more
// than any realistic burst.
const sinkQueueSize = 256

// transitionSink moves transition consumers off the tick-evaluation path.
// Enqueue is cheap enough for the websocket read loop; publishing to the
// event bus and order placement happen on the sink's own goroutine, so redis
// or broker latency never stalls tick evaluation.
type transitionSink struct {
	bus     domain.EventBus
	channel string
	metrics *observability.Metrics
	handle  func(context.Context, []domain.TransitionEvent)
	queue   chan []domain.TransitionEvent
	logger  *slog.Logger
}

func newTransitionSink(bus domain.EventBus, channel string, metrics *observability.Metrics, handle func(context.Context, []domain.TransitionEvent), logger *slog.Logger) *transitionSink {
	return &transitionSink{
		bus:     bus,
		channel: channel,
		metrics: metrics,
		handle:  handle,
		queue:   make(chan []domain.TransitionEvent, sinkQueueSize),
		logger:  logger.With(slog.String("component", "transition_sink")),
	}
}

// Enqueue hands a batch to the dispatch goroutine. Unlike the tick mirror,
// transitions must not be dropped; with the consumer wedged past the queue
// capacity the producer blocks until cancellation.
func (s *transitionSink) Enqueue(ctx context.Context, events []domain.TransitionEvent) {
	if len(events) == 0 {
		return
	}
	select {
	case s.queue <- events:
	case <-ctx.Done():
		s.logger.Warn("transition batch dropped on shutdown",
			slog.Int("events", len(events)),
		)
	}
}

// Run dispatches queued batches until the context is cancelled.
func (s *transitionSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case events := <-s.queue:
			s.dispatch(ctx, events)
		}
	}
}

func (s *transitionSink) dispatch(ctx context.Context, events []domain.TransitionEvent) {
	for _, ev := range events {
		if s.metrics != nil {
			s.metrics.Transitions.WithLabelValues(string(ev.ToPhase)).Inc()
		}
		if s.bus == nil {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
			s.logger.Warn("transition publish failed",
				slog.String("setup_id", ev.SetupID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.handle != nil {
		s.handle(ctx, events)
	}
}
