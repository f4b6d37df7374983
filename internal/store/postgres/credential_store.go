package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachbot/tradeexec/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL. Tokens
// are stored encrypted; this layer never sees plaintext.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a store backed by the given connection pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

const credentialCols = `user_id, account_id, encrypted_token, auto_execute, sandbox, created_at, updated_at`

func scanCredential(scanner interface{ Scan(dest ...any) error }) (domain.Credential, error) {
	var c domain.Credential
	err := scanner.Scan(
		&c.UserID, &c.AccountID, &c.EncryptedToken,
		&c.AutoExecute, &c.Sandbox, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// ListAutoExecute returns every credential with the auto-execute opt-in set.
func (s *CredentialStore) ListAutoExecute(ctx context.Context) ([]domain.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialCols+` FROM broker_credentials
		 WHERE auto_execute
		 ORDER BY user_id ASC`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list auto-execute credentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate credentials: %w", err)
	}
	return creds, nil
}

// GetByUser returns one user's credential.
func (s *CredentialStore) GetByUser(ctx context.Context, userID string) (domain.Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialCols+` FROM broker_credentials WHERE user_id = $1`, userID)

	c, err := scanCredential(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Credential{}, domain.ErrNotFound
		}
		return domain.Credential{}, fmt.Errorf("postgres: get credential %s: %w", userID, err)
	}
	return c, nil
}

// Upsert stores or replaces a credential.
func (s *CredentialStore) Upsert(ctx context.Context, c domain.Credential) error {
	const query = `
		INSERT INTO broker_credentials (
			user_id, account_id, encrypted_token, auto_execute, sandbox,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			encrypted_token = EXCLUDED.encrypted_token,
			auto_execute = EXCLUDED.auto_execute,
			sandbox = EXCLUDED.sandbox,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query,
		c.UserID, c.AccountID, c.EncryptedToken, c.AutoExecute, c.Sandbox,
	); err != nil {
		return fmt.Errorf("postgres: upsert credential %s: %w", c.UserID, err)
	}
	return nil
}
