package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
)

// Refresher periodically pulls a full setup snapshot from the source and
// feeds it to the engine's rank-based merge. One failed refresh is logged and
// skipped; the previous snapshot simply stays in effect. Transitions produced
// by the merge (a setup the source expired or invalidated) are handed to
// onEvents just like tick-derived ones.
type Refresher struct {
	source   domain.SetupSource
	engine   *Engine
	interval time.Duration
	onEvents func(context.Context, []domain.TransitionEvent)
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. Interval defaults to 30s; a nil onEvents
// drops merge-produced transitions.
func NewRefresher(source domain.SetupSource, engine *Engine, interval time.Duration, onEvents func(context.Context, []domain.TransitionEvent), logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{
		source:   source,
		engine:   engine,
		interval: interval,
		onEvents: onEvents,
		logger:   logger.With(slog.String("component", "setup_refresher")),
	}
}

// Run blocks until the context is cancelled, refreshing on every interval
// tick. The first refresh happens immediately so the engine does not start
// empty for a full interval.
func (r *Refresher) Run(ctx context.Context) error {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	snaps, err := r.source.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("setup snapshot refresh failed",
			slog.String("error", err.Error()),
		)
		return
	}
	events := r.engine.SyncSnapshots(snaps)
	if len(events) > 0 && r.onEvents != nil {
		r.onEvents(ctx, events)
	}
	r.logger.Debug("setup snapshots merged",
		slog.Int("snapshot_count", len(snaps)),
		slog.Int("transitions", len(events)),
		slog.Int("tracked", r.engine.TrackedCount()),
	)
}
