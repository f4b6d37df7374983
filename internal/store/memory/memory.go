// Package memory provides map-backed implementations of the store interfaces.
// They mirror the postgres semantics closely enough to back tests and local
// runs without a database, including the single-open-row guarantee that the
// orchestrator's duplicate prevention relies on.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
)

// ActiveStateStore is an in-memory domain.ExecutionStateStore.
type ActiveStateStore struct {
	mu     sync.Mutex
	states map[string]*domain.ActiveState // by ID
	clock  domain.Clock
}

// NewActiveStateStore creates an empty store.
func NewActiveStateStore(clock domain.Clock) *ActiveStateStore {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &ActiveStateStore{
		states: make(map[string]*domain.ActiveState),
		clock:  clock,
	}
}

// UpsertIfAbsent inserts the state unless a non-closed row already holds the
// (user, setup, session) key.
func (s *ActiveStateStore) UpsertIfAbsent(_ context.Context, state domain.ActiveState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.states {
		if existing.Status.Open() && existing.Key() == state.Key() {
			return false, nil
		}
	}

	now := s.clock.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	s.states[state.ID] = &state
	return true, nil
}

// Update applies a partial patch to the state with the given ID.
func (s *ActiveStateStore) Update(_ context.Context, id string, patch domain.StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.ErrNotFound
	}

	if patch.RemainingQuantity != nil {
		st.RemainingQuantity = *patch.RemainingQuantity
	}
	if patch.RunnerStopOrderID != nil {
		st.RunnerStopOrderID = *patch.RunnerStopOrderID
	}
	if patch.ActualFillQty != nil {
		st.ActualFillQty = *patch.ActualFillQty
	}
	if patch.AvgFillPrice != nil {
		st.AvgFillPrice = *patch.AvgFillPrice
	}
	if patch.Status != nil {
		st.Status = *patch.Status
	}
	if patch.CloseReason != nil {
		st.CloseReason = *patch.CloseReason
	}
	if patch.AppendNote != "" {
		if st.AuditNotes != "" {
			st.AuditNotes += "; "
		}
		st.AuditNotes += patch.AppendNote
	}
	st.UpdatedAt = s.clock.Now()
	return nil
}

// Close marks the state closed. Closing an already-closed state is a no-op.
func (s *ActiveStateStore) Close(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.ErrNotFound
	}
	if st.Status == domain.ExecutionClosed {
		return nil
	}
	now := s.clock.Now()
	st.Status = domain.ExecutionClosed
	st.CloseReason = reason
	st.ClosedAt = &now
	st.UpdatedAt = now
	return nil
}

// LoadAllOpen returns every non-closed state.
func (s *ActiveStateStore) LoadAllOpen(_ context.Context) ([]domain.ActiveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ActiveState
	for _, st := range s.states {
		if st.Status.Open() {
			out = append(out, *st)
		}
	}
	sortStates(out)
	return out, nil
}

// LoadOpenForUser returns the non-closed states for one user.
func (s *ActiveStateStore) LoadOpenForUser(_ context.Context, userID string) ([]domain.ActiveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ActiveState
	for _, st := range s.states {
		if st.Status.Open() && st.UserID == userID {
			out = append(out, *st)
		}
	}
	sortStates(out)
	return out, nil
}

// Get returns a copy of the state by ID. Test helper, not part of the
// domain interface.
func (s *ActiveStateStore) Get(id string) (domain.ActiveState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return domain.ActiveState{}, false
	}
	return *st, true
}

func sortStates(states []domain.ActiveState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}

// FillStore is an in-memory domain.FillStore.
type FillStore struct {
	mu    sync.Mutex
	fills []domain.FillRecord
}

// NewFillStore creates an empty ledger.
func NewFillStore() *FillStore {
	return &FillStore{}
}

// Insert appends a fill record.
func (s *FillStore) Insert(_ context.Context, fill domain.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fill.ExecutedAt.IsZero() {
		fill.ExecutedAt = time.Now()
	}
	s.fills = append(s.fills, fill)
	return nil
}

// ListBySetup returns the fills for one setup in insertion order.
func (s *FillStore) ListBySetup(_ context.Context, setupID string) ([]domain.FillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FillRecord
	for _, f := range s.fills {
		if f.SetupID == setupID {
			out = append(out, f)
		}
	}
	return out, nil
}

// All returns every fill in insertion order. Test helper.
func (s *FillStore) All() []domain.FillRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FillRecord, len(s.fills))
	copy(out, s.fills)
	return out
}

// CredentialStore is an in-memory domain.CredentialStore.
type CredentialStore struct {
	mu    sync.Mutex
	creds map[string]domain.Credential // by user ID
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]domain.Credential)}
}

// Put stores or replaces a credential. Test helper.
func (s *CredentialStore) Put(cred domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.UserID] = cred
}

// ListAutoExecute returns credentials with the auto-execute opt-in set.
func (s *CredentialStore) ListAutoExecute(_ context.Context) ([]domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Credential
	for _, c := range s.creds {
		if c.AutoExecute {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetByUser returns the credential for one user.
func (s *CredentialStore) GetByUser(_ context.Context, userID string) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return c, nil
}
