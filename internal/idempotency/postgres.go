package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists idempotency records in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed idempotency store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Lookup returns the finalized payload for key.
func (s *PostgresStore) Lookup(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM idempotency_keys WHERE key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return payload, nil
}

// Finalize inserts the payload if the key is unclaimed, otherwise re-reads and
// returns the winner. The unique constraint on key is the arbitration point.
func (s *PostgresStore) Finalize(ctx context.Context, key string, payload []byte) ([]byte, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (key, payload, created_at)
        VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`, key, payload, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return payload, nil
	}

	winner, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("re-read finalized result: %w", err)
	}
	return winner, nil
}
