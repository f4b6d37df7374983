package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/observability"
)

// Recommendation is the contract selected for a triggered setup together with
// its current ask.
type Recommendation struct {
	OptionSymbol string
	Ask          float64
}

// ContractPicker selects the option contract to trade for a setup.
type ContractPicker interface {
	Pick(ctx context.Context, setup domain.Setup) (Recommendation, error)
}

// OrchestratorConfig holds the execution policy knobs.
type OrchestratorConfig struct {
	// Enabled is the master execution switch. Off means transitions are
	// observed but no orders are placed.
	Enabled bool

	// Environment names the deployment tier. In "production" the extra
	// ProductionEnabled latch must also be set before any order goes out.
	Environment       string
	ProductionEnabled bool

	// UserAllowlist restricts execution to the listed user IDs. Empty means
	// every auto-execute credential is eligible.
	UserAllowlist []string

	// LimitOffset is added to the ask when pricing the entry limit order.
	LimitOffset float64

	// ScaleOutPct is the fraction of the position sold when target1 hits.
	ScaleOutPct float64

	// ScaleOutTargetPct prices the target1 limit sell relative to the
	// realized entry premium (entry limit when no fill is recorded yet).
	ScaleOutTargetPct float64

	// RunnerStopOffsetPct prices the runner stop relative to the entry limit.
	RunnerStopOffsetPct float64
}

// DefaultOrchestratorConfig returns the production policy defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LimitOffset:         0.05,
		ScaleOutPct:         0.5,
		ScaleOutTargetPct:   0.5,
		RunnerStopOffsetPct: 0.015,
	}
}

// Orchestrator turns confirmed transition events into broker orders. All
// duplicate prevention rests on the store's insert-if-absent; the in-memory
// key cache only short-circuits the common case.
type Orchestrator struct {
	cfg OrchestratorConfig

	sizer   *Sizer
	picker  ContractPicker
	dialer  domain.BrokerDialer
	creds   domain.CredentialStore
	states  domain.ExecutionStateStore
	fills   domain.FillStore
	monitor *Monitor
	alerter Alerter
	clock   domain.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	rehydrate sync.Once
	cacheMu   sync.Mutex
	openKeys  map[string]string // ActiveState.Key() -> state ID
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	cfg OrchestratorConfig,
	sizer *Sizer,
	picker ContractPicker,
	dialer domain.BrokerDialer,
	creds domain.CredentialStore,
	states domain.ExecutionStateStore,
	fills domain.FillStore,
	monitor *Monitor,
	alerter Alerter,
	clock domain.Clock,
	logger *slog.Logger,
) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.LimitOffset <= 0 {
		cfg.LimitOffset = def.LimitOffset
	}
	if cfg.ScaleOutPct <= 0 || cfg.ScaleOutPct > 1 {
		cfg.ScaleOutPct = def.ScaleOutPct
	}
	if cfg.ScaleOutTargetPct <= 0 {
		cfg.ScaleOutTargetPct = def.ScaleOutTargetPct
	}
	if cfg.RunnerStopOffsetPct <= 0 {
		cfg.RunnerStopOffsetPct = def.RunnerStopOffsetPct
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Orchestrator{
		cfg:      cfg,
		sizer:    sizer,
		picker:   picker,
		dialer:   dialer,
		creds:    creds,
		states:   states,
		fills:    fills,
		monitor:  monitor,
		alerter:  alerter,
		clock:    clock,
		logger:   logger.With(slog.String("component", "orchestrator")),
		openKeys: make(map[string]string),
	}
}

// SetMetrics attaches Prometheus metrics. Optional; nil metrics are fine.
func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	o.metrics = metrics
}

func (o *Orchestrator) countPlaced(phase OrderPhase) {
	if o.metrics != nil {
		o.metrics.OrdersPlaced.WithLabelValues(string(phase)).Inc()
	}
}

func (o *Orchestrator) countFailed(phase OrderPhase) {
	if o.metrics != nil {
		o.metrics.OrdersFailed.WithLabelValues(string(phase)).Inc()
	}
}

// executionAllowed is the layered runtime guard. Production requires both the
// master switch and the explicit production latch.
func (o *Orchestrator) executionAllowed() bool {
	if !o.cfg.Enabled {
		return false
	}
	if o.cfg.Environment == "production" && !o.cfg.ProductionEnabled {
		return false
	}
	return true
}

func (o *Orchestrator) userEligible(userID string) bool {
	if len(o.cfg.UserAllowlist) == 0 {
		return true
	}
	for _, id := range o.cfg.UserAllowlist {
		if id == userID {
			return true
		}
	}
	return false
}

// HandleEvents processes one batch of transition events. Event failures are
// logged and isolated; a bad event never blocks the rest of the batch.
func (o *Orchestrator) HandleEvents(ctx context.Context, events []domain.TransitionEvent) {
	for _, ev := range events {
		if err := o.HandleTransition(ctx, ev); err != nil {
			o.logger.Error("transition handling failed",
				slog.String("setup_id", ev.SetupID),
				slog.String("to_phase", string(ev.ToPhase)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleTransition reacts to one confirmed transition.
func (o *Orchestrator) HandleTransition(ctx context.Context, ev domain.TransitionEvent) error {
	if !o.executionAllowed() {
		o.logger.Debug("execution disabled, transition observed only",
			slog.String("setup_id", ev.SetupID),
			slog.String("to_phase", string(ev.ToPhase)),
		)
		return nil
	}

	o.rehydrate.Do(func() { o.rehydrateCache(ctx) })

	switch ev.ToPhase {
	case domain.PhaseTriggered:
		return o.onTriggered(ctx, ev)
	case domain.PhaseTarget1Hit:
		return o.onTarget1(ctx, ev)
	case domain.PhaseTarget2Hit:
		return o.onTerminal(ctx, ev, domain.CloseReasonTarget2)
	case domain.PhaseInvalidated:
		return o.onTerminal(ctx, ev, domain.CloseReasonStopped)
	case domain.PhaseExpired:
		return o.onTerminal(ctx, ev, domain.CloseReasonEntryTimeout)
	}
	return nil
}

// rehydrateCache loads the open-state keys once after startup. A load failure
// leaves the cache empty; the store's unique index still blocks duplicates,
// the fast path is just cold.
func (o *Orchestrator) rehydrateCache(ctx context.Context) {
	open, err := o.states.LoadAllOpen(ctx)
	if err != nil {
		o.logger.Warn("open state rehydration failed, starting with empty cache",
			slog.String("error", err.Error()),
		)
		return
	}
	o.cacheMu.Lock()
	for _, st := range open {
		o.openKeys[st.Key()] = st.ID
	}
	o.cacheMu.Unlock()
	o.logger.Info("open states rehydrated", slog.Int("count", len(open)))
}

func (o *Orchestrator) onTriggered(ctx context.Context, ev domain.TransitionEvent) error {
	creds, err := o.creds.ListAutoExecute(ctx)
	if err != nil {
		return fmt.Errorf("execution: list credentials: %w", err)
	}

	for _, cred := range creds {
		if !o.userEligible(cred.UserID) {
			continue
		}
		if err := o.enterForUser(ctx, ev, cred); err != nil {
			o.logger.Error("entry failed for user",
				slog.String("user_id", cred.UserID),
				slog.String("setup_id", ev.SetupID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (o *Orchestrator) enterForUser(ctx context.Context, ev domain.TransitionEvent, cred domain.Credential) error {
	key := cred.UserID + "|" + ev.SetupID + "|" + ev.Setup.SessionDate

	o.cacheMu.Lock()
	_, exists := o.openKeys[key]
	o.cacheMu.Unlock()
	if exists {
		o.logger.Debug("entry skipped, open state exists",
			slog.String("user_id", cred.UserID),
			slog.String("setup_id", ev.SetupID),
		)
		return nil
	}

	broker, err := o.dialer.Dial(ctx, cred)
	if err != nil {
		return fmt.Errorf("execution: dial broker: %w", err)
	}

	balances, err := broker.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("execution: balances: %w", err)
	}

	rec, err := o.picker.Pick(ctx, ev.Setup)
	if err != nil {
		return fmt.Errorf("execution: pick contract: %w", err)
	}

	qty, err := o.sizer.Quantity(balances, rec.Ask)
	if err != nil {
		if errors.Is(err, domain.ErrMarginLimitBlocked) {
			o.logger.Warn("entry blocked by sizing",
				slog.String("user_id", cred.UserID),
				slog.String("setup_id", ev.SetupID),
				slog.Float64("ask", rec.Ask),
			)
			o.alert(ctx, "margin_limit", "Entry skipped",
				fmt.Sprintf("setup %s: %s sized to zero contracts at ask %.2f", ev.SetupID, cred.UserID, rec.Ask))
			if o.metrics != nil {
				o.metrics.SizingBlocked.Inc()
			}
			return nil
		}
		return err
	}

	stateID := uuid.New().String()
	limit := rec.Ask + o.cfg.LimitOffset

	ack, err := broker.PlaceOrder(ctx, domain.OrderRequest{
		OptionSymbol: rec.OptionSymbol,
		Side:         domain.SideBuyToOpen,
		Kind:         domain.OrderKindLimit,
		Quantity:     qty,
		LimitPrice:   limit,
		Duration:     "day",
		Tag:          stateID,
	})
	if err != nil {
		o.countFailed(OrderPhaseEntry)
		o.alert(ctx, "order_failed", "Entry placement failed",
			fmt.Sprintf("setup %s user %s: %v", ev.SetupID, cred.UserID, err))
		return fmt.Errorf("execution: place entry: %w", err)
	}
	o.countPlaced(OrderPhaseEntry)
	if o.metrics != nil && !ev.Timestamp.IsZero() {
		o.metrics.EntryLatency.Observe(o.clock.Now().Sub(ev.Timestamp).Seconds())
	}

	state := domain.ActiveState{
		ID:                stateID,
		UserID:            cred.UserID,
		SetupID:           ev.SetupID,
		SessionDate:       ev.Setup.SessionDate,
		OptionSymbol:      rec.OptionSymbol,
		Quantity:          qty,
		RemainingQuantity: qty,
		EntryOrderID:      ack.OrderID,
		EntryLimitPrice:   limit,
		Status:            domain.ExecutionActive,
		AuditNotes:        fmt.Sprintf("entry placed on %s at %.4f", ev.Setup.Symbol, ev.Price),
		CreatedAt:         o.clock.Now(),
	}

	won, err := o.states.UpsertIfAbsent(ctx, state)
	if err != nil || !won {
		// Someone else holds the key (or the store failed): the just-placed
		// order is orphaned and must be compensated away.
		if _, cancelErr := broker.CancelOrder(ctx, ack.OrderID); cancelErr != nil {
			o.logger.Error("compensating cancel failed",
				slog.String("order_id", ack.OrderID),
				slog.String("error", cancelErr.Error()),
			)
			o.alert(ctx, "order_failed", "Compensating cancel failed",
				fmt.Sprintf("order %s for setup %s may be live without state", ack.OrderID, ev.SetupID))
		}
		if err != nil {
			return fmt.Errorf("execution: persist state: %w", err)
		}
		if o.metrics != nil {
			o.metrics.StatesRaceLost.Inc()
		}
		o.logger.Info("entry lost insert race, order cancelled",
			slog.String("user_id", cred.UserID),
			slog.String("setup_id", ev.SetupID),
		)
		return nil
	}

	o.cacheMu.Lock()
	o.openKeys[key] = stateID
	o.cacheMu.Unlock()

	// Provisional ledger entry at the decision ask. The monitor records the
	// broker-confirmed fills separately.
	proxy := domain.FillRecord{
		ID:             uuid.New().String(),
		SetupID:        ev.SetupID,
		UserID:         cred.UserID,
		Side:           domain.FillSideEntry,
		Source:         domain.FillSourceProxy,
		FillPrice:      rec.Ask,
		FillQuantity:   qty,
		ExecutedAt:     o.clock.Now(),
		ReferencePrice: rec.Ask,
	}
	proxy.ComputeSlippage()
	if err := o.fills.Insert(ctx, proxy); err != nil {
		o.logger.Error("proxy fill insert failed",
			slog.String("state_id", stateID),
			slog.String("error", err.Error()),
		)
	} else if o.metrics != nil {
		o.metrics.FillsRecorded.WithLabelValues(string(domain.FillSourceProxy)).Inc()
	}

	o.monitor.Enqueue(TrackedOrder{
		OrderID:        ack.OrderID,
		StateID:        stateID,
		UserID:         cred.UserID,
		SetupID:        ev.SetupID,
		Phase:          OrderPhaseEntry,
		Broker:         broker,
		ReferencePrice: rec.Ask,
	})

	o.logger.Info("entry order placed",
		slog.String("user_id", cred.UserID),
		slog.String("setup_id", ev.SetupID),
		slog.String("option_symbol", rec.OptionSymbol),
		slog.Int("quantity", qty),
		slog.Float64("limit", limit),
	)
	o.alert(ctx, "entry_placed", "Entry order placed",
		fmt.Sprintf("setup %s: %d x %s @ %.2f for %s", ev.SetupID, qty, rec.OptionSymbol, limit, cred.UserID))
	return nil
}

func (o *Orchestrator) onTarget1(ctx context.Context, ev domain.TransitionEvent) error {
	states, err := o.openStatesForSetup(ctx, ev)
	if err != nil {
		return err
	}

	for _, st := range states {
		if err := o.scaleOutState(ctx, ev, st); err != nil {
			o.logger.Error("scale-out failed",
				slog.String("state_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (o *Orchestrator) scaleOutState(ctx context.Context, ev domain.TransitionEvent, st domain.ActiveState) error {
	if st.RemainingQuantity <= 0 {
		return nil
	}

	broker, err := o.dialBrokerFor(ctx, st.UserID)
	if err != nil {
		return err
	}

	effective := st.Quantity
	if st.ActualFillQty > 0 {
		effective = st.ActualFillQty
	}
	partial := int(math.Floor(float64(effective) * o.cfg.ScaleOutPct))
	if partial < 1 {
		partial = 1
	}
	if partial > st.RemainingQuantity {
		partial = st.RemainingQuantity
	}

	// The limit derives from the realized entry premium; before any fill is
	// recorded the entry limit stands in.
	base := st.AvgFillPrice
	if base <= 0 {
		base = st.EntryLimitPrice
	}
	scaleOutLimit := base * (1 + o.cfg.ScaleOutTargetPct)

	ack, err := broker.PlaceOrder(ctx, domain.OrderRequest{
		OptionSymbol: st.OptionSymbol,
		Side:         domain.SideSellToClose,
		Kind:         domain.OrderKindLimit,
		Quantity:     partial,
		LimitPrice:   scaleOutLimit,
		Duration:     "day",
		Tag:          st.ID,
	})
	if err != nil {
		o.countFailed(OrderPhaseScaleOut)
		return fmt.Errorf("execution: place scale-out: %w", err)
	}
	o.countPlaced(OrderPhaseScaleOut)

	remaining := st.RemainingQuantity - partial
	note := fmt.Sprintf("scaled out %d at target1, limit %.2f (price %.4f)", partial, scaleOutLimit, ev.Price)

	var runnerID string
	if remaining > 0 {
		stopPrice := st.EntryLimitPrice * (1 + o.cfg.RunnerStopOffsetPct)
		runnerAck, err := broker.PlaceOrder(ctx, domain.OrderRequest{
			OptionSymbol: st.OptionSymbol,
			Side:         domain.SideSellToClose,
			Kind:         domain.OrderKindStop,
			Quantity:     remaining,
			StopPrice:    stopPrice,
			Duration:     "day",
			Tag:          st.ID,
		})
		if err != nil {
			// The runner keeps running unprotected until the terminal
			// transition or the reconciler settles it.
			o.countFailed(OrderPhaseRunner)
			o.logger.Error("runner stop placement failed",
				slog.String("state_id", st.ID),
				slog.String("error", err.Error()),
			)
			o.alert(ctx, "order_failed", "Runner stop placement failed",
				fmt.Sprintf("state %s: %d contracts unprotected: %v", st.ID, remaining, err))
			note += "; runner stop placement failed"
		} else {
			o.countPlaced(OrderPhaseRunner)
			runnerID = runnerAck.OrderID
			note += fmt.Sprintf("; runner stop armed at %.2f", stopPrice)
		}
	}

	status := domain.ExecutionPartialFill
	patch := domain.StatePatch{
		RemainingQuantity: &remaining,
		Status:            &status,
		AppendNote:        note,
	}
	if runnerID != "" {
		patch.RunnerStopOrderID = &runnerID
	}
	if err := o.states.Update(ctx, st.ID, patch); err != nil {
		return fmt.Errorf("execution: persist scale-out: %w", err)
	}

	o.monitor.Enqueue(TrackedOrder{
		OrderID:        ack.OrderID,
		StateID:        st.ID,
		UserID:         st.UserID,
		SetupID:        st.SetupID,
		Phase:          OrderPhaseScaleOut,
		Broker:         broker,
		ReferencePrice: st.AvgFillPrice,
	})

	o.logger.Info("scale-out placed",
		slog.String("state_id", st.ID),
		slog.Int("quantity", partial),
		slog.Int("remaining", remaining),
	)
	return nil
}

func (o *Orchestrator) onTerminal(ctx context.Context, ev domain.TransitionEvent, reason string) error {
	states, err := o.openStatesForSetup(ctx, ev)
	if err != nil {
		return err
	}

	for _, st := range states {
		if err := o.closeState(ctx, ev, st, reason); err != nil {
			o.logger.Error("terminal close failed",
				slog.String("state_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// closeState flattens one position for a terminal transition. The durable
// close happens regardless of order placement outcomes so a broker outage can
// never leave the state machine wedged open; the reconciler sweeps any
// residual exposure.
func (o *Orchestrator) closeState(ctx context.Context, ev domain.TransitionEvent, st domain.ActiveState, reason string) error {
	defer func() {
		o.cacheMu.Lock()
		delete(o.openKeys, st.Key())
		o.cacheMu.Unlock()
	}()

	if st.RemainingQuantity <= 0 {
		if err := o.states.Close(ctx, st.ID, domain.CloseReasonFlat); err != nil {
			return fmt.Errorf("execution: close flat state: %w", err)
		}
		return nil
	}

	broker, err := o.dialBrokerFor(ctx, st.UserID)
	if err != nil {
		// Still close durably; the note flags the unflattened exposure.
		_ = o.states.Update(ctx, st.ID, domain.StatePatch{
			AppendNote: "terminal close without broker session, exposure left to reconciler",
		})
		if closeErr := o.states.Close(ctx, st.ID, reason); closeErr != nil {
			return fmt.Errorf("execution: close state: %w", closeErr)
		}
		return err
	}

	if st.RunnerStopOrderID != "" {
		// The stop may already be filled or gone; either way the market
		// exit below owns the flatten.
		if _, err := broker.CancelOrder(ctx, st.RunnerStopOrderID); err != nil {
			o.logger.Warn("runner stop cancel failed",
				slog.String("state_id", st.ID),
				slog.String("order_id", st.RunnerStopOrderID),
				slog.String("error", err.Error()),
			)
		}
	}

	ack, placeErr := broker.PlaceOrder(ctx, domain.OrderRequest{
		OptionSymbol: st.OptionSymbol,
		Side:         domain.SideSellToClose,
		Kind:         domain.OrderKindMarket,
		Quantity:     st.RemainingQuantity,
		Duration:     "day",
		Tag:          st.ID,
	})
	if placeErr != nil {
		o.countFailed(OrderPhaseExit)
		o.alert(ctx, "order_failed", "Exit placement failed",
			fmt.Sprintf("state %s: %d contracts not flattened: %v", st.ID, st.RemainingQuantity, placeErr))
		_ = o.states.Update(ctx, st.ID, domain.StatePatch{
			AppendNote: fmt.Sprintf("exit placement failed (%s), exposure left to reconciler", reason),
		})
	} else {
		o.countPlaced(OrderPhaseExit)
		_ = o.states.Update(ctx, st.ID, domain.StatePatch{
			AppendNote: fmt.Sprintf("exit %d at market on %s (price %.4f)", st.RemainingQuantity, reason, ev.Price),
		})
		o.monitor.Enqueue(TrackedOrder{
			OrderID:        ack.OrderID,
			StateID:        st.ID,
			UserID:         st.UserID,
			SetupID:        st.SetupID,
			Phase:          OrderPhaseExit,
			Broker:         broker,
			ReferencePrice: st.AvgFillPrice,
		})
	}

	if err := o.states.Close(ctx, st.ID, reason); err != nil {
		return fmt.Errorf("execution: close state: %w", err)
	}
	o.logger.Info("state closed",
		slog.String("state_id", st.ID),
		slog.String("reason", reason),
	)
	return placeErr
}

func (o *Orchestrator) openStatesForSetup(ctx context.Context, ev domain.TransitionEvent) ([]domain.ActiveState, error) {
	open, err := o.states.LoadAllOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution: load open states: %w", err)
	}
	var out []domain.ActiveState
	for _, st := range open {
		if st.SetupID == ev.SetupID && st.SessionDate == ev.Setup.SessionDate {
			out = append(out, st)
		}
	}
	return out, nil
}

func (o *Orchestrator) dialBrokerFor(ctx context.Context, userID string) (domain.Broker, error) {
	cred, err := o.creds.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("execution: credential for %s: %w", userID, err)
	}
	broker, err := o.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("execution: dial broker: %w", err)
	}
	return broker, nil
}

func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(ctx, event, title, message); err != nil {
		o.logger.Warn("alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
