package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachbot/tradeexec/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL. The table is an
// append-only ledger; there are no update or delete paths.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a store backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert appends one fill record.
func (s *FillStore) Insert(ctx context.Context, f domain.FillRecord) error {
	const query = `
		INSERT INTO fills (
			id, setup_id, user_id, side, source,
			fill_price, fill_quantity, executed_at,
			reference_price, slippage_pct
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		f.ID, f.SetupID, f.UserID, string(f.Side), string(f.Source),
		f.FillPrice, f.FillQuantity, f.ExecutedAt,
		f.ReferencePrice, f.SlippagePct,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	return nil
}

// ListBySetup returns a setup's fills in execution order.
func (s *FillStore) ListBySetup(ctx context.Context, setupID string) ([]domain.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, setup_id, user_id, side, source,
		        fill_price, fill_quantity, executed_at,
		        reference_price, slippage_pct
		 FROM fills
		 WHERE setup_id = $1
		 ORDER BY executed_at ASC, id ASC`, setupID)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list fills for %s: %w", setupID, err)
	}
	defer rows.Close()

	var fills []domain.FillRecord
	for rows.Next() {
		var f domain.FillRecord
		var side, source string
		if err := rows.Scan(
			&f.ID, &f.SetupID, &f.UserID, &side, &source,
			&f.FillPrice, &f.FillQuantity, &f.ExecutedAt,
			&f.ReferencePrice, &f.SlippagePct,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.FillSide(side)
		f.Source = domain.FillSource(source)
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fills: %w", err)
	}
	return fills, nil
}
