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

type orchestratorFixture struct {
	orch    *Orchestrator
	monitor *Monitor
	states  *memory.ActiveStateStore
	fills   *memory.FillStore
	creds   *memory.CredentialStore
	broker  *stubBroker
	picker  *stubPicker
	alerter *stubAlerter
	clock   *fixedClock
}

func newOrchestratorFixture(t *testing.T, cfg OrchestratorConfig) *orchestratorFixture {
	t.Helper()
	clock := newFixedClock()
	states := memory.NewActiveStateStore(clock)
	fills := memory.NewFillStore()
	creds := memory.NewCredentialStore()
	broker := newStubBroker()
	picker := &stubPicker{rec: Recommendation{OptionSymbol: "SPXW260220C06870000", Ask: 2.50}}
	alerter := &stubAlerter{}
	logger := discardLogger()
	monitor := NewMonitor(DefaultMonitorConfig(), states, fills, alerter, clock, logger)

	creds.Put(domain.Credential{UserID: "user-1", AccountID: "acct-1", AutoExecute: true})

	sizer := NewSizer(SizerConfig{MaxRiskPct: 0.02, DayTradeUtilizationPct: 1.0})
	orch := NewOrchestrator(cfg, sizer, picker, &stubDialer{broker: broker},
		creds, states, fills, monitor, alerter, clock, logger)

	return &orchestratorFixture{
		orch: orch, monitor: monitor, states: states, fills: fills,
		creds: creds, broker: broker, picker: picker, alerter: alerter, clock: clock,
	}
}

func triggeredEvent() domain.TransitionEvent {
	return domain.TransitionEvent{
		ID:        "ev-1",
		SetupID:   "setup-1",
		FromPhase: domain.PhaseReady,
		ToPhase:   domain.PhaseTriggered,
		Price:     5005,
		Timestamp: time.Unix(1_700_000_000, 0),
		Reason:    domain.ReasonEntry,
		Setup: domain.Setup{
			ID:          "setup-1",
			Symbol:      "SPX",
			Direction:   domain.DirectionBullish,
			SessionDate: "2026-02-20",
			Phase:       domain.PhaseTriggered,
		},
	}
}

func phaseEvent(to domain.SetupPhase, reason domain.TransitionReason, price float64) domain.TransitionEvent {
	ev := triggeredEvent()
	ev.ToPhase = to
	ev.Reason = reason
	ev.Price = price
	ev.Setup.Phase = to
	return ev
}

func TestExecutionDisabledPlacesNothing(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: false})

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))
	assert.Empty(t, f.broker.placedOrders())
}

func TestProductionRequiresExplicitLatch(t *testing.T) {
	ctx := context.Background()

	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true, Environment: "production"})
	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))
	assert.Empty(t, f.broker.placedOrders())

	f = newOrchestratorFixture(t, OrchestratorConfig{
		Enabled: true, Environment: "production", ProductionEnabled: true,
	})
	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))
	assert.Len(t, f.broker.placedOrders(), 1)
}

func TestTriggeredPlacesSizedLimitEntry(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true, LimitOffset: 0.05})

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))

	placed := f.broker.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.SideBuyToOpen, placed[0].Side)
	assert.Equal(t, domain.OrderKindLimit, placed[0].Kind)
	assert.Equal(t, "SPXW260220C06870000", placed[0].OptionSymbol)
	// 50000 * 0.02 / 250 = 4 contracts at ask + offset.
	assert.Equal(t, 4, placed[0].Quantity)
	assert.InDelta(t, 2.55, placed[0].LimitPrice, 1e-9)

	open, err := f.states.LoadAllOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "user-1", open[0].UserID)
	assert.Equal(t, 4, open[0].RemainingQuantity)
	assert.Equal(t, "ord-1", open[0].EntryOrderID)
	assert.Equal(t, domain.ExecutionActive, open[0].Status)

	// Provisional ledger entry at the decision ask.
	fills := f.fills.All()
	require.Len(t, fills, 1)
	assert.Equal(t, domain.FillSourceProxy, fills[0].Source)
	assert.Equal(t, domain.FillSideEntry, fills[0].Side)
	assert.Equal(t, 2.50, fills[0].FillPrice)

	assert.Equal(t, 1, f.monitor.TrackedCount())
	assert.Contains(t, f.alerter.delivered(), "entry_placed")
}

func TestTriggeredIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))
	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))

	assert.Len(t, f.broker.placedOrders(), 1)
	open, _ := f.states.LoadAllOpen(ctx)
	assert.Len(t, open, 1)
}

func TestLostInsertRaceCancelsOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})

	// Warm the cache on an unrelated setup so the race below reaches the store.
	warm := triggeredEvent()
	warm.SetupID = "setup-0"
	warm.Setup.ID = "setup-0"
	require.NoError(t, f.orch.HandleTransition(ctx, warm))

	// Another writer claims the key out of band.
	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "foreign", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", Status: domain.ExecutionActive,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))

	// The entry went out, lost the insert, and was compensated away.
	placed := f.broker.placedOrders()
	require.Len(t, placed, 2)
	assert.Equal(t, []string{"ord-2"}, f.broker.canceledOrders())

	open, _ := f.states.LoadAllOpen(ctx)
	require.Len(t, open, 2)
	for _, st := range open {
		if st.SetupID == "setup-1" {
			assert.Equal(t, "foreign", st.ID)
		}
	}
}

func TestMarginBlockedSkipsEntry(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})
	f.picker.rec.Ask = 12.50

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))

	assert.Empty(t, f.broker.placedOrders())
	open, _ := f.states.LoadAllOpen(ctx)
	assert.Empty(t, open)
	assert.Contains(t, f.alerter.delivered(), "margin_limit")
}

func TestAllowlistRestrictsUsers(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{
		Enabled:       true,
		UserAllowlist: []string{"someone-else"},
	})

	require.NoError(t, f.orch.HandleTransition(ctx, triggeredEvent()))
	assert.Empty(t, f.broker.placedOrders())
}

func TestTarget1ScalesOutAndArmsRunnerStop(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{
		Enabled: true, ScaleOutPct: 0.5, ScaleOutTargetPct: 0.5, RunnerStopOffsetPct: 0.015,
	})

	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "state-1", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", OptionSymbol: "SPXW260220C06870000",
		Quantity: 4, RemainingQuantity: 4, ActualFillQty: 4,
		EntryLimitPrice: 2.55, AvgFillPrice: 2.53,
		Status: domain.ExecutionFilled,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, phaseEvent(domain.PhaseTarget1Hit, domain.ReasonTarget1, 5041)))

	placed := f.broker.placedOrders()
	require.Len(t, placed, 2)

	// Half out on a limit derived from the realized entry premium.
	assert.Equal(t, domain.SideSellToClose, placed[0].Side)
	assert.Equal(t, domain.OrderKindLimit, placed[0].Kind)
	assert.Equal(t, 2, placed[0].Quantity)
	assert.InDelta(t, 2.53*1.5, placed[0].LimitPrice, 1e-9)

	// Runner stop for the rest at entry plus the cost offset.
	assert.Equal(t, domain.OrderKindStop, placed[1].Kind)
	assert.Equal(t, 2, placed[1].Quantity)
	assert.InDelta(t, 2.55*1.015, placed[1].StopPrice, 1e-9)

	st, ok := f.states.Get("state-1")
	require.True(t, ok)
	assert.Equal(t, 2, st.RemainingQuantity)
	assert.Equal(t, "ord-2", st.RunnerStopOrderID)
	assert.Equal(t, domain.ExecutionPartialFill, st.Status)

	assert.Equal(t, 1, f.monitor.TrackedCount())
}

func TestScaleOutLimitFallsBackToEntryLimit(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{
		Enabled: true, ScaleOutPct: 0.5, ScaleOutTargetPct: 0.5,
	})

	// No recorded fill yet: the entry limit stands in as the base premium.
	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "state-1", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", OptionSymbol: "SPXW260220C06870000",
		Quantity: 4, RemainingQuantity: 4,
		EntryLimitPrice: 2.55,
		Status:          domain.ExecutionActive,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, phaseEvent(domain.PhaseTarget1Hit, domain.ReasonTarget1, 5041)))

	placed := f.broker.placedOrders()
	require.NotEmpty(t, placed)
	assert.Equal(t, domain.OrderKindLimit, placed[0].Kind)
	assert.InDelta(t, 2.55*1.5, placed[0].LimitPrice, 1e-9)
}

func TestTerminalFlattensAndCloses(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})

	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "state-1", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", OptionSymbol: "SPXW260220C06870000",
		Quantity: 4, RemainingQuantity: 2, ActualFillQty: 4,
		RunnerStopOrderID: "runner-9", AvgFillPrice: 2.53,
		Status: domain.ExecutionPartialFill,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, phaseEvent(domain.PhaseTarget2Hit, domain.ReasonTarget2, 5081)))

	// Runner stop cancelled before the market exit.
	assert.Equal(t, []string{"runner-9"}, f.broker.canceledOrders())
	placed := f.broker.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.OrderKindMarket, placed[0].Kind)
	assert.Equal(t, 2, placed[0].Quantity)

	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionClosed, st.Status)
	assert.Equal(t, domain.CloseReasonTarget2, st.CloseReason)
	require.NotNil(t, st.ClosedAt)
}

func TestTerminalWithNothingRemainingClosesFlat(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})

	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "state-1", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", Quantity: 4, RemainingQuantity: 0,
		Status: domain.ExecutionFilled,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, phaseEvent(domain.PhaseInvalidated, domain.ReasonStop, 4978)))

	assert.Empty(t, f.broker.placedOrders())
	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionClosed, st.Status)
	assert.Equal(t, domain.CloseReasonFlat, st.CloseReason)
}

func TestTerminalClosesEvenWhenExitPlacementFails(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, OrchestratorConfig{Enabled: true})
	f.broker.placeErr = assert.AnError

	won, err := f.states.UpsertIfAbsent(ctx, domain.ActiveState{
		ID: "state-1", UserID: "user-1", SetupID: "setup-1",
		SessionDate: "2026-02-20", Quantity: 4, RemainingQuantity: 4,
		Status: domain.ExecutionFilled,
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.orch.HandleTransition(ctx, phaseEvent(domain.PhaseInvalidated, domain.ReasonStop, 4978)))

	st, _ := f.states.Get("state-1")
	assert.Equal(t, domain.ExecutionClosed, st.Status)
	assert.Equal(t, domain.CloseReasonStopped, st.CloseReason)
	assert.Contains(t, st.AuditNotes, "reconciler")
	assert.Contains(t, f.alerter.delivered(), "order_failed")
}
