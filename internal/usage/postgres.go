package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id TEXT        NOT NULL,
	session_id     TEXT        NOT NULL,
	level          TEXT        NOT NULL,
	message        TEXT        NOT NULL,
	feature        TEXT        NOT NULL DEFAULT '',
	tokens         BIGINT      NOT NULL DEFAULT 0,
	cost           NUMERIC     NOT NULL DEFAULT 0,
	success        BOOLEAN     NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_session_idx ON usage_records (session_id);

CREATE TABLE IF NOT EXISTS session_budgets (
	session_id       TEXT PRIMARY KEY,
	tokens_remaining BIGINT NOT NULL
);
`

// Store persists usage records and remaining session budgets in PostgreSQL.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("usage store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Record appends one usage record.
func (s *Store) Record(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records
			(correlation_id, session_id, level, message, feature, tokens, cost, success, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.CorrelationID, rec.SessionID, rec.Level.String(), rec.Message,
		rec.Feature, rec.Tokens, rec.Cost, rec.Success, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("usage store: insert record: %w", err)
	}
	return nil
}

// RemainingTokens reads the remaining token budget for a session. A session
// with no budget row has no external ceiling; that is reported as found=false
// rather than zero so the caller does not deny by accident.
func (s *Store) RemainingTokens(ctx context.Context, sessionID string) (remaining int64, found bool, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT tokens_remaining FROM session_budgets WHERE session_id = $1`, sessionID)
	if err := row.Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("usage store: read budget: %w", err)
	}
	return remaining, true, nil
}

// DebitTokens subtracts tokens from a session budget, clamping at zero.
func (s *Store) DebitTokens(ctx context.Context, sessionID string, tokens int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE session_budgets
		SET tokens_remaining = GREATEST(tokens_remaining - $2, 0)
		WHERE session_id = $1`, sessionID, tokens)
	if err != nil {
		return fmt.Errorf("usage store: debit budget: %w", err)
	}
	return nil
}

// Ping checks database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// BudgetStore reads and debits durable session token budgets. *Store
// implements it over the session_budgets table; tests substitute fakes.
type BudgetStore interface {
	// RemainingTokens reports the tokens left for sessionID. found is false
	// when no budget row exists, which means the session is uncapped.
	RemainingTokens(ctx context.Context, sessionID string) (remaining int64, found bool, err error)

	// DebitTokens subtracts tokens from the session budget, clamped at zero.
	DebitTokens(ctx context.Context, sessionID string, tokens int64) error
}

var (
	_ Recorder    = (*Store)(nil)
	_ BudgetStore = (*Store)(nil)
)
