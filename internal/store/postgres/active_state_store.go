package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachbot/tradeexec/internal/domain"
)

// ActiveStateStore implements domain.ExecutionStateStore using PostgreSQL.
type ActiveStateStore struct {
	pool *pgxpool.Pool
}

// NewActiveStateStore creates a store backed by the given connection pool.
func NewActiveStateStore(pool *pgxpool.Pool) *ActiveStateStore {
	return &ActiveStateStore{pool: pool}
}

// UpsertIfAbsent inserts the state unless a non-closed row already holds its
// (user, setup, session) key. The partial unique index makes the check and
// the insert one atomic statement; ON CONFLICT DO NOTHING turns the losing
// side into zero rows affected instead of an error.
func (s *ActiveStateStore) UpsertIfAbsent(ctx context.Context, st domain.ActiveState) (bool, error) {
	const query = `
		INSERT INTO active_states (
			id, user_id, setup_id, session_date,
			option_symbol, quantity, remaining_quantity,
			entry_order_id, runner_stop_order_id, entry_limit_price,
			actual_fill_qty, avg_fill_price,
			status, close_reason, audit_notes,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15,
			NOW(), NOW()
		)
		ON CONFLICT (user_id, setup_id, session_date) WHERE status <> 'closed'
		DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		st.ID, st.UserID, st.SetupID, st.SessionDate,
		st.OptionSymbol, st.Quantity, st.RemainingQuantity,
		st.EntryOrderID, st.RunnerStopOrderID, st.EntryLimitPrice,
		st.ActualFillQty, st.AvgFillPrice,
		string(st.Status), st.CloseReason, st.AuditNotes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		if isUndefinedTable(err) {
			return false, fmt.Errorf("postgres: insert active state: %w", domain.ErrNotProvisioned)
		}
		return false, fmt.Errorf("postgres: insert active state %s: %w", st.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update applies a partial patch. Only non-nil fields touch their columns and
// audit notes only ever grow.
func (s *ActiveStateStore) Update(ctx context.Context, id string, patch domain.StatePatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	idx := 2

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if patch.RemainingQuantity != nil {
		add("remaining_quantity", *patch.RemainingQuantity)
	}
	if patch.RunnerStopOrderID != nil {
		add("runner_stop_order_id", *patch.RunnerStopOrderID)
	}
	if patch.ActualFillQty != nil {
		add("actual_fill_qty", *patch.ActualFillQty)
	}
	if patch.AvgFillPrice != nil {
		add("avg_fill_price", *patch.AvgFillPrice)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CloseReason != nil {
		add("close_reason", *patch.CloseReason)
	}
	if patch.AppendNote != "" {
		sets = append(sets, fmt.Sprintf(
			"audit_notes = CASE WHEN audit_notes = '' THEN $%d ELSE audit_notes || '; ' || $%d END",
			idx, idx))
		args = append(args, patch.AppendNote)
		idx++
	}

	query := "UPDATE active_states SET " + strings.Join(sets, ", ") + " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update active state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks the state closed. The status guard keeps the first close's
// reason and timestamp when called twice.
func (s *ActiveStateStore) Close(ctx context.Context, id string, reason string) error {
	const query = `
		UPDATE active_states
		SET status = 'closed', close_reason = $2, closed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: close active state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either already closed or missing; distinguish for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM active_states WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: verify active state %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

const activeStateCols = `id, user_id, setup_id, session_date,
	option_symbol, quantity, remaining_quantity,
	entry_order_id, runner_stop_order_id, entry_limit_price,
	actual_fill_qty, avg_fill_price,
	status, close_reason, audit_notes,
	created_at, updated_at, closed_at`

func scanActiveState(scanner interface{ Scan(dest ...any) error }) (domain.ActiveState, error) {
	var st domain.ActiveState
	var status string

	err := scanner.Scan(
		&st.ID, &st.UserID, &st.SetupID, &st.SessionDate,
		&st.OptionSymbol, &st.Quantity, &st.RemainingQuantity,
		&st.EntryOrderID, &st.RunnerStopOrderID, &st.EntryLimitPrice,
		&st.ActualFillQty, &st.AvgFillPrice,
		&status, &st.CloseReason, &st.AuditNotes,
		&st.CreatedAt, &st.UpdatedAt, &st.ClosedAt,
	)
	if err != nil {
		return domain.ActiveState{}, err
	}
	st.Status = domain.ExecutionStatus(status)
	return st, nil
}

func scanActiveStateRows(rows pgx.Rows) ([]domain.ActiveState, error) {
	var states []domain.ActiveState
	for rows.Next() {
		st, err := scanActiveState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// LoadAllOpen returns every non-closed state. A missing table means the
// deployment has never executed a trade; that reads as "no state".
func (s *ActiveStateStore) LoadAllOpen(ctx context.Context) ([]domain.ActiveState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activeStateCols+` FROM active_states
		 WHERE status <> 'closed'
		 ORDER BY created_at ASC`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load open states: %w", err)
	}
	defer rows.Close()

	states, err := scanActiveStateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open states: %w", err)
	}
	return states, nil
}

// LoadOpenForUser returns the non-closed states for one user.
func (s *ActiveStateStore) LoadOpenForUser(ctx context.Context, userID string) ([]domain.ActiveState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activeStateCols+` FROM active_states
		 WHERE status <> 'closed' AND user_id = $1
		 ORDER BY created_at ASC`, userID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load open states for %s: %w", userID, err)
	}
	defer rows.Close()

	states, err := scanActiveStateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open states for %s: %w", userID, err)
	}
	return states, nil
}
