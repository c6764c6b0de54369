package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
)

// Querier is the subset of *pgxpool.Pool the store uses
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps retry state in a SQL table so it survives restarts
// and is shared between service replicas
type PostgresStore struct {
	db        Querier
	namespace string
}

func NewPostgresStore(db Querier, namespace string) *PostgresStore {
	return &PostgresStore{db: db, namespace: namespace}
}

const schema = `
CREATE TABLE IF NOT EXISTS ageverify_retry_state (
  namespace       TEXT        NOT NULL,
  wallet          TEXT        NOT NULL,
  retry_count     INTEGER     NOT NULL DEFAULT 0,
  cooldown_until  BIGINT      NOT NULL DEFAULT 0,
  cooldown_rounds INTEGER     NOT NULL DEFAULT 0,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, wallet)
)`

// Migrate creates the table when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate retry state table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, wallet string) (core.RetryState, error) {
	var state core.RetryState
	err := s.db.QueryRow(ctx, `
SELECT retry_count, cooldown_until, cooldown_rounds
FROM ageverify_retry_state
WHERE namespace=$1 AND wallet=$2
`, s.namespace, wallet).Scan(&state.RetryCount, &state.CooldownUntil, &state.CooldownRounds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.RetryState{}, nil
		}
		return core.RetryState{}, fmt.Errorf("failed to load retry state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) Set(ctx context.Context, wallet string, state core.RetryState) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO ageverify_retry_state (namespace, wallet, retry_count, cooldown_until, cooldown_rounds, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (namespace, wallet) DO UPDATE
SET retry_count=EXCLUDED.retry_count,
    cooldown_until=EXCLUDED.cooldown_until,
    cooldown_rounds=EXCLUDED.cooldown_rounds,
    updated_at=now()
`, s.namespace, wallet, state.RetryCount, state.CooldownUntil, state.CooldownRounds)
	if err != nil {
		return fmt.Errorf("failed to store retry state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, wallet string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM ageverify_retry_state WHERE namespace=$1 AND wallet=$2`, s.namespace, wallet)
	if err != nil {
		return fmt.Errorf("failed to clear retry state: %w", err)
	}
	return nil
}

var _ ports.RetryStore = (*PostgresStore)(nil)
