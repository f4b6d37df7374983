package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func newState(id string) domain.ActiveState {
	return domain.ActiveState{
		ID:           id,
		UserID:       "user-1",
		SetupID:      "setup-1",
		SessionDate:  "2026-02-20",
		OptionSymbol: "SPXW260220C06870000",
		Quantity:     4,
		Status:       domain.ExecutionActive,
	}
}

func TestUpsertIfAbsentEnforcesKey(t *testing.T) {
	ctx := context.Background()
	s := NewActiveStateStore(nil)

	won, err := s.UpsertIfAbsent(ctx, newState("a"))
	require.NoError(t, err)
	assert.True(t, won)

	// Same key while the first row is open: the insert loses.
	won, err = s.UpsertIfAbsent(ctx, newState("b"))
	require.NoError(t, err)
	assert.False(t, won)

	// After closing, the key is free again.
	require.NoError(t, s.Close(ctx, "a", domain.CloseReasonTarget2))
	won, err = s.UpsertIfAbsent(ctx, newState("c"))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestUpdateAppendsNotes(t *testing.T) {
	ctx := context.Background()
	s := NewActiveStateStore(nil)
	_, err := s.UpsertIfAbsent(ctx, newState("a"))
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "a", domain.StatePatch{AppendNote: "first"}))
	require.NoError(t, s.Update(ctx, "a", domain.StatePatch{AppendNote: "second"}))

	st, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "first; second", st.AuditNotes)
}

func TestUpdatePartialPatch(t *testing.T) {
	ctx := context.Background()
	s := NewActiveStateStore(nil)
	_, err := s.UpsertIfAbsent(ctx, newState("a"))
	require.NoError(t, err)

	remaining := 2
	status := domain.ExecutionPartialFill
	require.NoError(t, s.Update(ctx, "a", domain.StatePatch{
		RemainingQuantity: &remaining,
		Status:            &status,
	}))

	st, _ := s.Get("a")
	assert.Equal(t, 2, st.RemainingQuantity)
	assert.Equal(t, domain.ExecutionPartialFill, st.Status)
	// Untouched fields survive the patch.
	assert.Equal(t, 4, st.Quantity)
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewActiveStateStore(nil)
	_, err := s.UpsertIfAbsent(ctx, newState("a"))
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx, "a", domain.CloseReasonStopped))
	st, _ := s.Get("a")
	firstClosedAt := st.ClosedAt

	// A second close keeps the original reason and timestamp.
	require.NoError(t, s.Close(ctx, "a", domain.CloseReasonReconciler))
	st, _ = s.Get("a")
	assert.Equal(t, domain.CloseReasonStopped, st.CloseReason)
	assert.Equal(t, firstClosedAt, st.ClosedAt)
}

func TestLoadOpenFilters(t *testing.T) {
	ctx := context.Background()
	s := NewActiveStateStore(nil)

	a := newState("a")
	b := newState("b")
	b.UserID = "user-2"
	_, err := s.UpsertIfAbsent(ctx, a)
	require.NoError(t, err)
	_, err = s.UpsertIfAbsent(ctx, b)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, "a", domain.CloseReasonTarget2))

	open, err := s.LoadAllOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].ID)

	forUser, err := s.LoadOpenForUser(ctx, "user-2")
	require.NoError(t, err)
	require.Len(t, forUser, 1)

	forUser, err = s.LoadOpenForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, forUser)
}

func TestFillStoreLedger(t *testing.T) {
	ctx := context.Background()
	s := NewFillStore()

	require.NoError(t, s.Insert(ctx, domain.FillRecord{ID: "f1", SetupID: "setup-1", FillQuantity: 2}))
	require.NoError(t, s.Insert(ctx, domain.FillRecord{ID: "f2", SetupID: "setup-1", FillQuantity: 2}))
	require.NoError(t, s.Insert(ctx, domain.FillRecord{ID: "f3", SetupID: "setup-2", FillQuantity: 1}))

	fills, err := s.ListBySetup(ctx, "setup-1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "f1", fills[0].ID)
	assert.Equal(t, "f2", fills[1].ID)
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()
	s.Put(domain.Credential{UserID: "u1", AutoExecute: true})
	s.Put(domain.Credential{UserID: "u2", AutoExecute: false})

	auto, err := s.ListAutoExecute(ctx)
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, "u1", auto[0].UserID)

	_, err = s.GetByUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
