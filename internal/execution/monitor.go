package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/observability"
)

// Alerter pushes operator-facing alerts. The notify package's Notifier
// satisfies it; a nil Alerter drops alerts silently.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OrderPhase says which leg of the trade an order belongs to. It selects the
// fill side recorded in the ledger and which state fields a terminal status
// updates.
type OrderPhase string

const (
	OrderPhaseEntry    OrderPhase = "entry"
	OrderPhaseScaleOut OrderPhase = "scaleout"
	OrderPhaseRunner   OrderPhase = "runner"
	OrderPhaseExit     OrderPhase = "exit"
)

// MonitorConfig holds the polling tunables.
type MonitorConfig struct {
	Interval     time.Duration // gap between polling passes
	EntryTimeout time.Duration // pending entry orders older than this are cancelled
	MaxPolls     int           // per-order poll budget before the monitor gives up
}

// DefaultMonitorConfig returns the production polling defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     5 * time.Second,
		EntryTimeout: 2 * time.Minute,
		MaxPolls:     60,
	}
}

// TrackedOrder is one order under supervision.
type TrackedOrder struct {
	OrderID string
	StateID string
	UserID  string
	SetupID string
	Phase   OrderPhase
	Broker  domain.Broker

	// ReferencePrice is the tick price at decision time, used for slippage
	// and as the fallback fill price when the broker reports no average.
	ReferencePrice float64

	enqueuedAt   time.Time
	lastRecorded int // cumulative filled quantity already written to the ledger
	polls        int
}

// Monitor polls tracked orders until they resolve. The polling loop only runs
// while at least one order is tracked; Enqueue wakes it and an empty queue
// parks it again. Each order's failures are isolated: one broker error never
// stalls the rest of the pass.
type Monitor struct {
	mu     sync.Mutex
	orders map[string]*TrackedOrder

	cfg     MonitorConfig
	states  domain.ExecutionStateStore
	fills   domain.FillStore
	alerter Alerter
	clock   domain.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	wake chan struct{}
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig, states domain.ExecutionStateStore, fills domain.FillStore, alerter Alerter, clock domain.Clock, logger *slog.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = def.EntryTimeout
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Monitor{
		orders:  make(map[string]*TrackedOrder),
		cfg:     cfg,
		states:  states,
		fills:   fills,
		alerter: alerter,
		clock:   clock,
		logger:  logger.With(slog.String("component", "order_monitor")),
		wake:    make(chan struct{}, 1),
	}
}

// SetMetrics attaches Prometheus metrics. Optional; nil metrics are fine.
func (m *Monitor) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// Enqueue places an order under supervision and wakes the polling loop.
func (m *Monitor) Enqueue(order TrackedOrder) {
	order.enqueuedAt = m.clock.Now()

	m.mu.Lock()
	m.orders[order.OrderID] = &order
	depth := len(m.orders)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.MonitorDepth.Set(float64(depth))
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Info("order enqueued",
		slog.String("order_id", order.OrderID),
		slog.String("state_id", order.StateID),
		slog.String("phase", string(order.Phase)),
	)
}

// TrackedCount returns the number of orders currently under supervision.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Run blocks until the context is cancelled. The loop parks while no orders
// are tracked and polls on every interval while at least one is.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if m.TrackedCount() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}
		}

		ticker := time.NewTicker(m.cfg.Interval)
		for m.TrackedCount() > 0 {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return ctx.Err()
			case <-ticker.C:
				m.PollAll(ctx)
			}
		}
		ticker.Stop()
	}
}

// PollAll runs one polling pass over every tracked order. Exposed so tests
// and recovery paths can drive polling without the timer.
func (m *Monitor) PollAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*TrackedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		snapshot = append(snapshot, o)
	}
	m.mu.Unlock()

	for _, o := range snapshot {
		m.pollOne(ctx, o)
	}
}

func (m *Monitor) pollOne(ctx context.Context, o *TrackedOrder) {
	o.polls++

	status, err := o.Broker.GetOrderStatus(ctx, o.OrderID)
	if err != nil {
		m.logger.Warn("order status poll failed",
			slog.String("order_id", o.OrderID),
			slog.String("error", err.Error()),
		)
		m.checkBudget(ctx, o)
		return
	}

	m.recordFillDelta(ctx, o, status)

	switch status.State {
	case domain.OrderFilled:
		m.dequeue(o.OrderID)
		m.onFilled(ctx, o, status)

	case domain.OrderPartiallyFilled:
		if o.Phase == OrderPhaseEntry {
			st := domain.ExecutionPartialFill
			qty := status.FilledQuantity
			avg := status.AvgFillPrice
			if err := m.states.Update(ctx, o.StateID, domain.StatePatch{
				Status:        &st,
				ActualFillQty: &qty,
				AvgFillPrice:  &avg,
			}); err != nil {
				m.logger.Error("partial fill state update failed",
					slog.String("state_id", o.StateID),
					slog.String("error", err.Error()),
				)
			}
		}
		m.checkBudget(ctx, o)

	case domain.OrderRejected:
		m.dequeue(o.OrderID)
		m.onRejected(ctx, o)

	case domain.OrderCanceled, domain.OrderExpired:
		// Cancellation is initiated by us (timeout or compensation); the
		// initiating path owns the state update.
		m.dequeue(o.OrderID)
		m.logger.Info("order resolved without fill",
			slog.String("order_id", o.OrderID),
			slog.String("state", string(status.State)),
		)

	default: // pending
		if o.Phase == OrderPhaseEntry && m.clock.Now().Sub(o.enqueuedAt) > m.cfg.EntryTimeout {
			m.dequeue(o.OrderID)
			m.onEntryTimeout(ctx, o)
			return
		}
		m.checkBudget(ctx, o)
	}
}

// recordFillDelta writes the newly filled quantity since the last poll to the
// ledger. The cumulative watermark advances even when the insert fails, so a
// flaky ledger can drop a row but never double-count one.
func (m *Monitor) recordFillDelta(ctx context.Context, o *TrackedOrder, status domain.OrderStatus) {
	delta := status.FilledQuantity - o.lastRecorded
	if delta <= 0 {
		return
	}
	o.lastRecorded = status.FilledQuantity

	price := status.AvgFillPrice
	if price <= 0 {
		price = o.ReferencePrice
	}

	fill := domain.FillRecord{
		ID:             uuid.New().String(),
		SetupID:        o.SetupID,
		UserID:         o.UserID,
		Side:           fillSideFor(o.Phase),
		Source:         domain.FillSourceBroker,
		FillPrice:      price,
		FillQuantity:   delta,
		ExecutedAt:     m.clock.Now(),
		ReferencePrice: o.ReferencePrice,
	}
	fill.ComputeSlippage()

	if err := m.fills.Insert(ctx, fill); err != nil {
		m.logger.Error("fill ledger insert failed",
			slog.String("order_id", o.OrderID),
			slog.Int("quantity", delta),
			slog.String("error", err.Error()),
		)
		return
	}
	if m.metrics != nil {
		m.metrics.FillsRecorded.WithLabelValues(string(domain.FillSourceBroker)).Inc()
	}
}

func fillSideFor(phase OrderPhase) domain.FillSide {
	switch phase {
	case OrderPhaseEntry:
		return domain.FillSideEntry
	case OrderPhaseScaleOut:
		return domain.FillSidePartial
	default:
		return domain.FillSideExit
	}
}

func (m *Monitor) onFilled(ctx context.Context, o *TrackedOrder, status domain.OrderStatus) {
	if o.Phase != OrderPhaseEntry {
		return
	}
	st := domain.ExecutionFilled
	qty := status.FilledQuantity
	avg := status.AvgFillPrice
	if avg <= 0 {
		avg = o.ReferencePrice
	}
	if err := m.states.Update(ctx, o.StateID, domain.StatePatch{
		Status:        &st,
		ActualFillQty: &qty,
		AvgFillPrice:  &avg,
		AppendNote:    fmt.Sprintf("entry filled %d @ %.2f", qty, avg),
	}); err != nil {
		m.logger.Error("fill state update failed",
			slog.String("state_id", o.StateID),
			slog.String("error", err.Error()),
		)
	}
}

// onRejected marks the state failed whichever leg the broker rejected. A
// rejected scale-out or exit means the durable quantities no longer reflect
// the broker; failing the state hands the position to the reconciler instead
// of trusting the optimistic remainder.
func (m *Monitor) onRejected(ctx context.Context, o *TrackedOrder) {
	m.logger.Warn("order rejected by broker",
		slog.String("order_id", o.OrderID),
		slog.String("phase", string(o.Phase)),
	)

	st := domain.ExecutionFailed
	reason := domain.CloseReasonRejected
	if err := m.states.Update(ctx, o.StateID, domain.StatePatch{
		Status:      &st,
		CloseReason: &reason,
		AppendNote:  fmt.Sprintf("%s order rejected", o.Phase),
	}); err != nil {
		m.logger.Error("rejection state update failed",
			slog.String("state_id", o.StateID),
			slog.String("error", err.Error()),
		)
	}
	m.alert(ctx, "order_rejected", "Order rejected",
		fmt.Sprintf("order %s (%s) for setup %s was rejected", o.OrderID, o.Phase, o.SetupID))
}

func (m *Monitor) onEntryTimeout(ctx context.Context, o *TrackedOrder) {
	// The cancel may race a fill at the broker. A failed cancel is logged
	// and the next reconciliation pass settles any resulting exposure.
	if _, err := o.Broker.CancelOrder(ctx, o.OrderID); err != nil {
		m.logger.Warn("entry timeout cancel failed",
			slog.String("order_id", o.OrderID),
			slog.String("error", err.Error()),
		)
	}

	st := domain.ExecutionFailed
	reason := domain.CloseReasonEntryTimeout
	if err := m.states.Update(ctx, o.StateID, domain.StatePatch{
		Status:      &st,
		CloseReason: &reason,
		AppendNote:  "entry unfilled past timeout, order cancelled",
	}); err != nil {
		m.logger.Error("timeout state update failed",
			slog.String("state_id", o.StateID),
			slog.String("error", err.Error()),
		)
	}
	m.alert(ctx, "entry_timeout", "Entry order timed out",
		fmt.Sprintf("entry order %s for setup %s unfilled after %s, cancelled", o.OrderID, o.SetupID, m.cfg.EntryTimeout))
}

// checkBudget abandons orders that have exhausted their poll budget. The
// durable state keeps a note so the reconciler and operators can follow up.
func (m *Monitor) checkBudget(ctx context.Context, o *TrackedOrder) {
	if o.polls < m.cfg.MaxPolls {
		return
	}
	m.dequeue(o.OrderID)
	m.logger.Warn("order poll budget exhausted",
		slog.String("order_id", o.OrderID),
		slog.Int("polls", o.polls),
	)
	if err := m.states.Update(ctx, o.StateID, domain.StatePatch{
		AppendNote: fmt.Sprintf("monitor abandoned order %s after %d polls", o.OrderID, o.polls),
	}); err != nil {
		m.logger.Error("poll budget state update failed",
			slog.String("state_id", o.StateID),
			slog.String("error", err.Error()),
		)
	}
	m.alert(ctx, "poll_budget", "Order polling abandoned",
		fmt.Sprintf("order %s for setup %s still unresolved after %d polls", o.OrderID, o.SetupID, o.polls))
}

func (m *Monitor) dequeue(orderID string) {
	m.mu.Lock()
	delete(m.orders, orderID)
	depth := len(m.orders)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.MonitorDepth.Set(float64(depth))
	}
}

func (m *Monitor) alert(ctx context.Context, event, title, message string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
