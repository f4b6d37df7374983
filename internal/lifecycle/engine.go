// Package lifecycle drives the per-setup trade state machine. Sequenced ticks
// go in; irreversible phase-transition events come out. Every decision is
// taken synchronously from in-memory state; nothing in this package touches
// the network.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/ticks"
)

// Config holds the engine's confirmation and debounce tunables.
type Config struct {
	// Debounce is the minimum gap between two transitions of one setup.
	// Bursty delivery inside the window cannot re-fire the machine.
	Debounce time.Duration

	// StopConfirmFromReady is how many consecutive breaching ticks confirm
	// invalidation while the setup is still ready. Pre-entry there is no
	// position at risk, so a single print may be enough.
	StopConfirmFromReady int

	// StopConfirmFromTriggered is the confirmation streak required once a
	// position may be open. Any non-breaching tick resets the streak.
	StopConfirmFromTriggered int

	// BreakevenAfterTarget1 tightens the stop to the recorded trigger price
	// once the first target has been hit.
	BreakevenAfterTarget1 bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:                 time.Second,
		StopConfirmFromReady:     1,
		StopConfirmFromTriggered: 2,
		BreakevenAfterTarget1:    true,
	}
}

// Engine evaluates sequenced ticks against every tracked setup. Transitions
// strictly increase phase rank, so replaying stale input can never regress a
// setup. The engine is safe for one evaluating goroutine per instrument plus
// concurrent snapshot refreshes.
type Engine struct {
	mu      sync.Mutex
	tracked map[string]*trackedSetup

	cfg    Config
	clock  domain.Clock
	logger *slog.Logger
}

// trackedSetup is the in-memory runtime state for one setup.
type trackedSetup struct {
	setup domain.Setup

	stopStreak     int
	lastTransition time.Time
	triggerPrice   float64

	lastPrice    float64
	hasLastPrice bool
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, clock domain.Clock, logger *slog.Logger) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.StopConfirmFromReady <= 0 {
		cfg.StopConfirmFromReady = 1
	}
	if cfg.StopConfirmFromTriggered <= 0 {
		cfg.StopConfirmFromTriggered = 2
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Engine{
		tracked: make(map[string]*trackedSetup),
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With(slog.String("component", "transition_engine")),
	}
}

// Evaluate runs one tick through every tracked setup for the tick's symbol and
// returns the confirmed transitions, at most one per setup. Terminal setups
// are removed from tracking after their event is emitted.
func (e *Engine) Evaluate(tick domain.Tick) []domain.TransitionEvent {
	symbol := ticks.NormalizeSymbol(tick.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()

	var events []domain.TransitionEvent
	for id, ts := range e.tracked {
		if ticks.NormalizeSymbol(ts.setup.Symbol) != symbol {
			continue
		}

		ev, terminal := e.evaluateOne(ts, tick)
		if ev != nil {
			events = append(events, *ev)
		}
		if terminal {
			delete(e.tracked, id)
		}

		ts.lastPrice = tick.Price
		ts.hasLastPrice = true
	}
	return events
}

// evaluateOne applies the phase rules for a single setup. Rule priority is
// stop > target2 > target1 > entry; a stop breach preempts entry even when a
// single gap crosses both the entry zone and the stop. Terminal is reported
// only when the terminal event was actually emitted; a debounce-suppressed
// terminal keeps the setup tracked so a later tick can still confirm it.
func (e *Engine) evaluateOne(ts *trackedSetup, tick domain.Tick) (*domain.TransitionEvent, bool) {
	price := tick.Price

	switch ts.setup.Phase {
	case domain.PhaseReady:
		if ts.setup.StopBreached(price) {
			ts.stopStreak++
			if ts.stopStreak >= e.cfg.StopConfirmFromReady {
				ev := e.transition(ts, tick, domain.PhaseInvalidated, domain.ReasonStop)
				return ev, ev != nil
			}
			return nil, false
		}
		ts.stopStreak = 0

		if ts.setup.InEntryZone(price) || e.gapCrossedZone(ts, price) {
			ev := e.transition(ts, tick, domain.PhaseTriggered, domain.ReasonEntry)
			if ev != nil {
				ts.triggerPrice = price
			}
			return ev, false
		}

	case domain.PhaseTriggered:
		if ts.setup.StopBreached(price) {
			ts.stopStreak++
			if ts.stopStreak >= e.cfg.StopConfirmFromTriggered {
				ev := e.transition(ts, tick, domain.PhaseInvalidated, domain.ReasonStop)
				return ev, ev != nil
			}
			return nil, false
		}
		ts.stopStreak = 0

		if ts.setup.TargetReached(price, ts.setup.Target2) {
			ev := e.transition(ts, tick, domain.PhaseTarget2Hit, domain.ReasonTarget2)
			return ev, ev != nil
		}
		if ts.setup.TargetReached(price, ts.setup.Target1) {
			return e.transition(ts, tick, domain.PhaseTarget1Hit, domain.ReasonTarget1), false
		}

	case domain.PhaseTarget1Hit:
		if e.runnerStopBreached(ts, price) {
			ts.stopStreak++
			if ts.stopStreak >= e.cfg.StopConfirmFromTriggered {
				ev := e.transition(ts, tick, domain.PhaseInvalidated, domain.ReasonStop)
				return ev, ev != nil
			}
			return nil, false
		}
		ts.stopStreak = 0

		if ts.setup.TargetReached(price, ts.setup.Target2) {
			ev := e.transition(ts, tick, domain.PhaseTarget2Hit, domain.ReasonTarget2)
			return ev, ev != nil
		}
	}

	return nil, false
}

// gapCrossedZone reports whether the move from the previous tick fully
// bridged the entry zone in the trade's direction. A gap that lands inside
// the zone is handled by the plain in-zone check; a gap that does not bridge
// the whole zone must not trigger.
func (e *Engine) gapCrossedZone(ts *trackedSetup, price float64) bool {
	if !ts.hasLastPrice {
		return false
	}
	if ts.setup.Direction == domain.DirectionBearish {
		return ts.lastPrice > ts.setup.EntryHigh && price < ts.setup.EntryLow
	}
	return ts.lastPrice < ts.setup.EntryLow && price > ts.setup.EntryHigh
}

// runnerStopBreached evaluates the post-target1 stop. With the breakeven
// policy enabled the stop tightens to the recorded trigger price; otherwise
// the original stop still applies.
func (e *Engine) runnerStopBreached(ts *trackedSetup, price float64) bool {
	level := ts.setup.Stop
	if e.cfg.BreakevenAfterTarget1 && ts.triggerPrice > 0 {
		level = ts.triggerPrice
	}
	if ts.setup.Direction == domain.DirectionBearish {
		return price >= level
	}
	return price <= level
}

// transition confirms a phase advance, subject to debounce. It returns nil
// when the debounce window suppresses the transition; the setup keeps its
// phase and streak so the next tick outside the window can confirm.
func (e *Engine) transition(ts *trackedSetup, tick domain.Tick, to domain.SetupPhase, reason domain.TransitionReason) *domain.TransitionEvent {
	now := e.clock.Now()
	if !ts.lastTransition.IsZero() && now.Sub(ts.lastTransition) < e.cfg.Debounce {
		e.logger.Debug("transition suppressed by debounce",
			slog.String("setup_id", ts.setup.ID),
			slog.String("to_phase", string(to)),
		)
		return nil
	}

	from := ts.setup.Phase
	ts.setup.Phase = to
	ts.setup.UpdatedAt = now
	ts.lastTransition = now
	ts.stopStreak = 0

	ev := &domain.TransitionEvent{
		ID:        uuid.New().String(),
		SetupID:   ts.setup.ID,
		FromPhase: from,
		ToPhase:   to,
		Price:     tick.Price,
		Timestamp: now,
		Reason:    reason,
		Setup:     ts.setup,
	}

	e.logger.Info("setup transition",
		slog.String("setup_id", ts.setup.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", string(reason)),
		slog.Float64("price", tick.Price),
	)
	return ev
}

// SyncSnapshots reconciles externally supplied setup snapshots with in-memory
// state by phase rank: a snapshot at or below the current rank keeps the
// tick-derived phase; a strictly higher rank is adopted. Setups absent from
// the refresh are evicted, and setups arriving already terminal are never
// tracked. Adopting a terminal phase (the source expired or invalidated the
// setup) emits a transition event before eviction, so open positions on that
// setup still get flattened. Debounce does not apply: the source's terminal
// verdict is authoritative.
func (e *Engine) SyncSnapshots(snapshots []domain.Setup) []domain.TransitionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []domain.TransitionEvent
	seen := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		seen[snap.ID] = struct{}{}

		ts, ok := e.tracked[snap.ID]
		if !ok {
			if snap.Phase.Terminal() {
				continue
			}
			e.tracked[snap.ID] = &trackedSetup{setup: snap}
			continue
		}

		if snap.Phase.Rank() > ts.setup.Phase.Rank() {
			if snap.Phase.Terminal() {
				events = append(events, e.adoptTerminal(ts, snap.Phase))
				delete(e.tracked, snap.ID)
				continue
			}
			ts.setup.Phase = snap.Phase
			ts.stopStreak = 0
		}
		// At or below our rank: in-memory state wins; the descriptor is
		// immutable so there is nothing else to merge.
	}

	for id := range e.tracked {
		if _, ok := seen[id]; !ok {
			delete(e.tracked, id)
		}
	}
	return events
}

// adoptTerminal records an externally decided terminal phase as a transition.
// The price is the last print seen for the symbol, zero when none arrived yet.
func (e *Engine) adoptTerminal(ts *trackedSetup, to domain.SetupPhase) domain.TransitionEvent {
	now := e.clock.Now()
	from := ts.setup.Phase
	ts.setup.Phase = to
	ts.setup.UpdatedAt = now

	e.logger.Info("terminal phase adopted from snapshot",
		slog.String("setup_id", ts.setup.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return domain.TransitionEvent{
		ID:        uuid.New().String(),
		SetupID:   ts.setup.ID,
		FromPhase: from,
		ToPhase:   to,
		Price:     ts.lastPrice,
		Timestamp: now,
		Reason:    domain.ReasonSnapshot,
		Setup:     ts.setup,
	}
}

// TrackedPhase returns the in-memory phase for a setup, if tracked.
func (e *Engine) TrackedPhase(setupID string) (domain.SetupPhase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tracked[setupID]
	if !ok {
		return "", false
	}
	return ts.setup.Phase, true
}

// TrackedCount returns the number of live setups under watch.
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}
