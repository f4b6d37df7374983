package domain

import "time"

// TransitionReason identifies which rule confirmed a phase advance.
type TransitionReason string

const (
	ReasonEntry   TransitionReason = "entry"
	ReasonStop    TransitionReason = "stop"
	ReasonTarget1 TransitionReason = "target1"
	ReasonTarget2 TransitionReason = "target2"

	// ReasonSnapshot marks a terminal phase adopted from the external setup
	// source rather than derived from ticks.
	ReasonSnapshot TransitionReason = "snapshot"
)

// TransitionEvent is an immutable record of one confirmed phase advance.
// Exactly one event is produced per advance; consumers may rely on ToPhase
// ranks being non-decreasing per setup and on terminal phases appearing at
// most once.
type TransitionEvent struct {
	ID        string
	SetupID   string
	FromPhase SetupPhase
	ToPhase   SetupPhase
	Price     float64
	Timestamp time.Time
	Reason    TransitionReason

	// Setup is a snapshot of the setup descriptor at transition time, so
	// consumers never need to re-fetch geometry that may have been evicted.
	Setup Setup
}
