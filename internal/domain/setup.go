package domain

import "time"

// Direction is the trade direction of a setup.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// SetupPhase is the lifecycle phase of a setup. Phases are totally
// rank-ordered; a setup only ever moves to a strictly higher rank, which makes
// replay against stale snapshots safe.
type SetupPhase string

const (
	PhaseReady       SetupPhase = "ready"
	PhaseTriggered   SetupPhase = "triggered"
	PhaseTarget1Hit  SetupPhase = "target1_hit"
	PhaseTarget2Hit  SetupPhase = "target2_hit"
	PhaseInvalidated SetupPhase = "invalidated"
	PhaseExpired     SetupPhase = "expired"
)

// phaseRanks orders every phase. Terminal phases rank above all live phases so
// a terminal snapshot always wins a merge.
var phaseRanks = map[SetupPhase]int{
	PhaseReady:       0,
	PhaseTriggered:   1,
	PhaseTarget1Hit:  2,
	PhaseTarget2Hit:  3,
	PhaseInvalidated: 4,
	PhaseExpired:     5,
}

// Rank returns the total-order rank of the phase. Unknown phases rank below
// ready so a malformed snapshot can never advance state.
func (p SetupPhase) Rank() int {
	if r, ok := phaseRanks[p]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the phase is an end state.
func (p SetupPhase) Terminal() bool {
	switch p {
	case PhaseTarget2Hit, PhaseInvalidated, PhaseExpired:
		return true
	}
	return false
}

// Setup is a pre-computed candidate trade: an entry zone, a stop, and two
// profit targets. The descriptor fields are immutable once issued; only Phase
// advances.
type Setup struct {
	ID          string
	Symbol      string
	Direction   Direction
	SetupType   string
	EntryLow    float64
	EntryHigh   float64
	Stop        float64
	Target1     float64
	Target2     float64
	Phase       SetupPhase
	SessionDate string // exchange calendar day, YYYY-MM-DD
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InEntryZone reports whether price is inside the setup's entry zone,
// boundaries inclusive.
func (s Setup) InEntryZone(price float64) bool {
	return price >= s.EntryLow && price <= s.EntryHigh
}

// StopBreached reports whether price breaches the stop, direction-relative:
// bullish setups breach at or below the stop, bearish at or above.
func (s Setup) StopBreached(price float64) bool {
	if s.Direction == DirectionBearish {
		return price >= s.Stop
	}
	return price <= s.Stop
}

// TargetReached reports whether price has reached the given target level,
// direction-relative.
func (s Setup) TargetReached(price, target float64) bool {
	if s.Direction == DirectionBearish {
		return price <= target
	}
	return price >= target
}
