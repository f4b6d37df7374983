package domain

import (
	"context"
	"time"
)

// ExecutionStateStore is the durable layer over ActiveState. Its UpsertIfAbsent
// is the duplicate-prevention primitive the orchestrator relies on: the insert
// must be backed by a real uniqueness constraint in the store, not an
// application-level check-then-act.
type ExecutionStateStore interface {
	// UpsertIfAbsent inserts the state if no non-closed row exists for its
	// (user, setup, session) key. It reports whether the insert won; a false
	// return with a nil error means another writer holds the key.
	UpsertIfAbsent(ctx context.Context, state ActiveState) (bool, error)

	// Update applies a partial patch. AppendNote concatenates onto the
	// existing audit notes.
	Update(ctx context.Context, id string, patch StatePatch) error

	// Close marks the state closed with the given reason. Closing an
	// already-closed state is a no-op.
	Close(ctx context.Context, id string, reason string) error

	// LoadAllOpen returns every non-closed state, for startup rehydration.
	// A missing backing table is reported as an empty result, not an error.
	LoadAllOpen(ctx context.Context) ([]ActiveState, error)

	// LoadOpenForUser returns the non-closed states for one user.
	LoadOpenForUser(ctx context.Context, userID string) ([]ActiveState, error)
}

// FillStore is the append-only execution fill ledger.
type FillStore interface {
	Insert(ctx context.Context, fill FillRecord) error
	ListBySetup(ctx context.Context, setupID string) ([]FillRecord, error)
}

// CredentialStore provides the stored brokerage credentials.
type CredentialStore interface {
	// ListAutoExecute returns credentials with the auto-execute opt-in set.
	ListAutoExecute(ctx context.Context) ([]Credential, error)
	GetByUser(ctx context.Context, userID string) (Credential, error)
}

// TickCache mirrors the latest accepted tick per symbol for out-of-process
// readers. It is written off the evaluation hot path.
type TickCache interface {
	SetLatest(ctx context.Context, tick Tick) error
	GetLatest(ctx context.Context, symbol string) (Tick, error)
}

// EventBus publishes transition and fill events for downstream consumers.
// Fan-out to end-user clients happens outside this system.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// SetupSource supplies periodic full snapshots of the setups under watch.
type SetupSource interface {
	Snapshot(ctx context.Context) ([]Setup, error)
}

// Clock abstracts time for components with timing rules, so tests can drive
// debounce and timeout behavior deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
