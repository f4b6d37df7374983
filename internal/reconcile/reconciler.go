// Package reconcile periodically squares durable execution state against the
// broker's reported positions. The broker ledger is the source of truth:
// state the broker no longer backs is force-closed, and drifted quantities
// are synced down to what the broker holds.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/observability"
	"github.com/coachbot/tradeexec/internal/symbols"
)

// DefaultInterval is the gap between reconciliation passes.
const DefaultInterval = 5 * time.Minute

// Stats summarizes one reconciliation pass.
type Stats struct {
	Checked        int
	ForceClosed    int
	QuantitySynced int
}

// Reconciler compares open execution states with broker positions, per user.
type Reconciler struct {
	states   domain.ExecutionStateStore
	creds    domain.CredentialStore
	dialer   domain.BrokerDialer
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(states domain.ExecutionStateStore, creds domain.CredentialStore, dialer domain.BrokerDialer, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		states:   states,
		creds:    creds,
		dialer:   dialer,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// SetMetrics attaches Prometheus metrics. Optional; nil metrics are fine.
func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Run blocks until the context is cancelled, reconciling on every interval.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation pass failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if stats.ForceClosed > 0 || stats.QuantitySynced > 0 {
				r.logger.Info("reconciliation corrected drift",
					slog.Int("checked", stats.Checked),
					slog.Int("force_closed", stats.ForceClosed),
					slog.Int("quantity_synced", stats.QuantitySynced),
				)
			}
		}
	}
}

// ReconcileOnce runs a single pass over every open state. A pass with no
// drift writes nothing, so back-to-back runs are idempotent. Per-user broker
// failures are isolated and skip only that user's states.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	open, err := r.states.LoadAllOpen(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: load open states: %w", err)
	}

	byUser := make(map[string][]domain.ActiveState)
	for _, st := range open {
		// Active means the entry is still in flight; zero broker exposure is
		// expected there, not drift.
		if st.Status == domain.ExecutionActive {
			continue
		}
		byUser[st.UserID] = append(byUser[st.UserID], st)
	}

	for userID, states := range byUser {
		exposure, err := r.brokerExposure(ctx, userID)
		if err != nil {
			r.logger.Warn("broker exposure unavailable, user skipped",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, st := range states {
			stats.Checked++
			if err := r.reconcileState(ctx, st, exposure, &stats); err != nil {
				r.logger.Error("state reconciliation failed",
					slog.String("state_id", st.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcilerRuns.Inc()
		r.metrics.ReconcilerForceClosed.Add(float64(stats.ForceClosed))
		r.metrics.ReconcilerQtySynced.Add(float64(stats.QuantitySynced))
	}
	return stats, nil
}

// brokerExposure aggregates the user's positions by normalized contract.
// Brokers may split one contract across lots and may report either symbol
// form; both collapse onto one key.
func (r *Reconciler) brokerExposure(ctx context.Context, userID string) (map[string]float64, error) {
	cred, err := r.creds.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: credential: %w", err)
	}
	broker, err := r.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("reconcile: dial broker: %w", err)
	}
	positions, err := broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: positions: %w", err)
	}

	exposure := make(map[string]float64, len(positions))
	for _, p := range positions {
		exposure[contractKey(p.Symbol)] += p.Quantity
	}
	return exposure, nil
}

func (r *Reconciler) reconcileState(ctx context.Context, st domain.ActiveState, exposure map[string]float64, stats *Stats) error {
	brokerQty := exposure[contractKey(st.OptionSymbol)]

	if brokerQty <= 0 {
		if err := r.states.Update(ctx, st.ID, domain.StatePatch{
			AppendNote: "reconciler: no broker exposure, force-closed",
		}); err != nil {
			return fmt.Errorf("reconcile: annotate state: %w", err)
		}
		if err := r.states.Close(ctx, st.ID, domain.CloseReasonReconciler); err != nil {
			return fmt.Errorf("reconcile: close state: %w", err)
		}
		stats.ForceClosed++
		r.logger.Info("state force-closed",
			slog.String("state_id", st.ID),
			slog.String("option_symbol", st.OptionSymbol),
		)
		return nil
	}

	if qty := int(brokerQty); qty != st.RemainingQuantity {
		if err := r.states.Update(ctx, st.ID, domain.StatePatch{
			RemainingQuantity: &qty,
			AppendNote: fmt.Sprintf("reconciler: quantity synced %d -> %d",
				st.RemainingQuantity, qty),
		}); err != nil {
			return fmt.Errorf("reconcile: sync quantity: %w", err)
		}
		stats.QuantitySynced++
		r.logger.Info("state quantity synced",
			slog.String("state_id", st.ID),
			slog.Int("from", st.RemainingQuantity),
			slog.Int("to", qty),
		)
	}
	return nil
}

// contractKey normalizes any symbol form to the fixed-width broker symbol.
// Unparseable symbols key on their raw string so like still matches like.
func contractKey(symbol string) string {
	c, err := symbols.Parse(symbol)
	if err != nil {
		return symbol
	}
	s, err := symbols.Format(c)
	if err != nil {
		return symbol
	}
	return s
}
