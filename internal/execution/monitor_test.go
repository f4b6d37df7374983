package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/store/memory"
)

type monitorFixture struct {
	monitor *Monitor
	states  *memory.ActiveStateStore
	fills   *memory.FillStore
	broker  *stubBroker
	alerter *stubAlerter
	clock   *fixedClock
}

func newMonitorFixture(t *testing.T, cfg MonitorConfig) *monitorFixture {
	t.Helper()
	clock := newFixedClock()
	states := memory.NewActiveStateStore(clock)
	fills := memory.NewFillStore()
	alerter := &stubAlerter{}
	return &monitorFixture{
		monitor: NewMonitor(cfg, states, fills, alerter, clock, discardLogger()),
		states:  states,
		fills:   fills,
		broker:  newStubBroker(),
		alerter: alerter,
		clock:   clock,
	}
}

func (f *monitorFixture) seedState(t *testing.T, id string) {
	t.Helper()
	won, err := f.states.UpsertIfAbsent(context.Background(), domain.ActiveState{
		ID:          id,
		UserID:      "user-1",
		SetupID:     "setup-1",
		SessionDate: "2026-02-20",
		Quantity:    4,
		Status:      domain.ExecutionActive,
	})
	require.NoError(t, err)
	require.True(t, won)
}

func (f *monitorFixture) track(phase OrderPhase, orderID string) {
	f.monitor.Enqueue(TrackedOrder{
		OrderID:        orderID,
		StateID:        "state-1",
		UserID:         "user-1",
		SetupID:        "setup-1",
		Phase:          phase,
		Broker:         f.broker,
		ReferencePrice: 2.50,
	})
}

func TestMonitorRecordsCumulativeFillDeltas(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseEntry, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderPartiallyFilled, FilledQuantity: 2, AvgFillPrice: 2.55},
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 2.60},
	)

	f.monitor.PollAll(ctx)
	f.monitor.PollAll(ctx)

	fills := f.fills.All()
	require.Len(t, fills, 2)
	// Cumulative 2 then 4 yields two deltas of 2, never a re-count.
	assert.Equal(t, 2, fills[0].FillQuantity)
	assert.Equal(t, 2, fills[1].FillQuantity)
	assert.Equal(t, domain.FillSourceBroker, fills[0].Source)
	assert.Equal(t, 2.55, fills[0].FillPrice)
	assert.Equal(t, 2.60, fills[1].FillPrice)

	st, ok := f.states.Get("state-1")
	require.True(t, ok)
	assert.Equal(t, domain.ExecutionFilled, st.Status)
	assert.Equal(t, 4, st.ActualFillQty)
	assert.Equal(t, 2.60, st.AvgFillPrice)

	assert.Equal(t, 0, f.monitor.TrackedCount())
}

func TestMonitorPartialFillUpdatesState(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseEntry, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderPartiallyFilled, FilledQuantity: 1, AvgFillPrice: 2.52},
	)
	f.monitor.PollAll(ctx)

	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionPartialFill, st.Status)
	assert.Equal(t, 1, st.ActualFillQty)
	// Still pending resolution.
	assert.Equal(t, 1, f.monitor.TrackedCount())
}

func TestMonitorFillPriceFallsBackToReference(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseEntry, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderFilled, FilledQuantity: 4, AvgFillPrice: 0},
	)
	f.monitor.PollAll(ctx)

	fills := f.fills.All()
	require.Len(t, fills, 1)
	assert.Equal(t, 2.50, fills[0].FillPrice)
	assert.Zero(t, fills[0].SlippagePct)
}

func TestMonitorRejectionFailsEntryState(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseEntry, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderRejected},
	)
	f.monitor.PollAll(ctx)

	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	assert.Equal(t, domain.CloseReasonRejected, st.CloseReason)
	assert.Equal(t, 0, f.monitor.TrackedCount())
	assert.Contains(t, f.alerter.delivered(), "order_rejected")
}

func TestMonitorRejectionFailsStateOnEveryPhase(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseScaleOut, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderRejected},
	)
	f.monitor.PollAll(ctx)

	// A rejected scale-out invalidates the optimistic remaining quantity;
	// the state fails and the reconciler owns the residual exposure.
	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	assert.Equal(t, domain.CloseReasonRejected, st.CloseReason)
	assert.Contains(t, st.AuditNotes, "scaleout order rejected")
	assert.Equal(t, 0, f.monitor.TrackedCount())
	assert.Contains(t, f.alerter.delivered(), "order_rejected")
}

func TestMonitorEntryTimeoutCancels(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, MonitorConfig{EntryTimeout: 2 * time.Minute})
	f.seedState(t, "state-1")
	f.track(OrderPhaseEntry, "ord-1")

	// Still pending after the timeout window.
	f.clock.Advance(3 * time.Minute)
	f.monitor.PollAll(ctx)

	assert.Equal(t, []string{"ord-1"}, f.broker.canceledOrders())
	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionFailed, st.Status)
	assert.Equal(t, domain.CloseReasonEntryTimeout, st.CloseReason)
	assert.Equal(t, 0, f.monitor.TrackedCount())
	assert.Contains(t, f.alerter.delivered(), "entry_timeout")
}

func TestMonitorCanceledDequeuesWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseExit, "ord-1")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderCanceled},
	)
	f.monitor.PollAll(ctx)

	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionActive, st.Status)
	assert.Equal(t, 0, f.monitor.TrackedCount())
}

func TestMonitorPollBudget(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, MonitorConfig{MaxPolls: 2})
	f.seedState(t, "state-1")
	f.track(OrderPhaseRunner, "ord-1")

	// Forever pending: the budget runs out and the order is abandoned.
	f.monitor.PollAll(ctx)
	assert.Equal(t, 1, f.monitor.TrackedCount())
	f.monitor.PollAll(ctx)
	assert.Equal(t, 0, f.monitor.TrackedCount())

	st, _ := f.states.Get("state-1")
	assert.Contains(t, st.AuditNotes, "abandoned")
	assert.Contains(t, f.alerter.delivered(), "poll_budget")
}

func TestMonitorExitFillSide(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, DefaultMonitorConfig())
	f.seedState(t, "state-1")
	f.track(OrderPhaseScaleOut, "ord-1")
	f.track(OrderPhaseExit, "ord-2")

	f.broker.script("ord-1",
		domain.OrderStatus{OrderID: "ord-1", State: domain.OrderFilled, FilledQuantity: 2, AvgFillPrice: 3.10},
	)
	f.broker.script("ord-2",
		domain.OrderStatus{OrderID: "ord-2", State: domain.OrderFilled, FilledQuantity: 2, AvgFillPrice: 3.00},
	)
	f.monitor.PollAll(ctx)

	fills := f.fills.All()
	require.Len(t, fills, 2)
	sides := map[domain.FillSide]bool{}
	for _, fl := range fills {
		sides[fl.Side] = true
	}
	assert.True(t, sides[domain.FillSidePartial])
	assert.True(t, sides[domain.FillSideExit])

	// Non-entry fills never touch the entry fields on the state.
	st, _ := f.states.Get("state-1")
	assert.Zero(t, st.ActualFillQty)
	assert.Equal(t, domain.ExecutionActive, st.Status)
}
