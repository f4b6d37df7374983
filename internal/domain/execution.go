package domain

import "time"

// ExecutionStatus tracks the lifecycle of one automated trade.
type ExecutionStatus string

const (
	ExecutionActive      ExecutionStatus = "active"
	ExecutionPartialFill ExecutionStatus = "partial_fill"
	ExecutionFilled      ExecutionStatus = "filled"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionClosed      ExecutionStatus = "closed"
)

// Open reports whether the status still represents live broker exposure.
// Failed states keep their row visible for the reconciler until closed.
func (s ExecutionStatus) Open() bool {
	return s != ExecutionClosed
}

// Close reasons recorded on ActiveState when a trade ends.
const (
	CloseReasonTarget2      = "target2_hit"
	CloseReasonStopped      = "stopped_out"
	CloseReasonRejected     = "rejected"
	CloseReasonEntryTimeout = "expired"
	CloseReasonReconciler   = "broker_sync"
	CloseReasonFlat         = "already_flat"
)

// ActiveState is the durable record of one automated trade, keyed by
// (UserID, SetupID, SessionDate). The store enforces at most one non-closed
// row per key; that uniqueness is the only cross-process mutual exclusion in
// the system.
type ActiveState struct {
	ID          string
	UserID      string
	SetupID     string
	SessionDate string

	OptionSymbol      string // broker-native fixed-width symbol
	Quantity          int
	RemainingQuantity int
	EntryOrderID      string
	RunnerStopOrderID string
	EntryLimitPrice   float64
	ActualFillQty     int
	AvgFillPrice      float64

	Status      ExecutionStatus
	CloseReason string
	AuditNotes  string // append-only; prior notes are never overwritten

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Key returns the mutual-exclusion key for this state.
func (s ActiveState) Key() string {
	return s.UserID + "|" + s.SetupID + "|" + s.SessionDate
}

// StatePatch carries a partial update for an ActiveState. Nil fields are left
// untouched. AppendNote is concatenated onto AuditNotes, never replacing them.
type StatePatch struct {
	RemainingQuantity *int
	RunnerStopOrderID *string
	ActualFillQty     *int
	AvgFillPrice      *float64
	Status            *ExecutionStatus
	CloseReason       *string
	AppendNote        string
}

// FillSide classifies a fill ledger entry within the trade lifecycle.
type FillSide string

const (
	FillSideEntry   FillSide = "entry"
	FillSidePartial FillSide = "partial"
	FillSideExit    FillSide = "exit"
)

// FillSource identifies where a fill quantity/price came from.
type FillSource string

const (
	// FillSourceProxy marks a provisional fill recorded at the trigger tick
	// price before the broker confirms.
	FillSourceProxy  FillSource = "proxy"
	FillSourceManual FillSource = "manual"
	FillSourceBroker FillSource = "broker"
)

// FillRecord is an append-only ledger entry for one fill (or fill delta).
// Records are never mutated after insert.
type FillRecord struct {
	ID             string
	SetupID        string
	UserID         string
	Side           FillSide
	Source         FillSource
	FillPrice      float64
	FillQuantity   int
	ExecutedAt     time.Time
	ReferencePrice float64
	SlippagePct    float64
}

// ComputeSlippage sets SlippagePct from FillPrice relative to ReferencePrice.
// A zero reference leaves slippage at zero rather than dividing by it.
func (f *FillRecord) ComputeSlippage() {
	if f.ReferencePrice > 0 {
		f.SlippagePct = (f.FillPrice - f.ReferencePrice) / f.ReferencePrice
	}
}
