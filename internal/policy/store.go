package policy

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store persists policy rows.
type Store interface {
	// Get returns the policy for the wallet. The boolean reports whether a
	// row exists; a missing row is not an error.
	Get(ctx context.Context, walletID string) (Policy, bool, error)

	// Upsert creates or replaces the policy row.
	Upsert(ctx context.Context, p Policy) error
}

// PostgresStore keeps policy rows in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a policy store backed by PostgreSQL.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get fetches the policy row for the wallet.
func (s *PostgresStore) Get(ctx context.Context, walletID string) (Policy, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT wallet_id, enabled, per_tx_max::text, daily_cap::text, updated_at
        FROM policies WHERE wallet_id = $1`, walletID)

	var p Policy
	var perTxMax, dailyCap *string
	var updatedAt time.Time
	if err := row.Scan(&p.WalletID, &p.Enabled, &perTxMax, &dailyCap, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, false, nil
		}
		return Policy{}, false, err
	}
	p.UpdatedAt = updatedAt.UTC()

	var err error
	if p.PerTxMax, err = parseLimit(perTxMax); err != nil {
		return Policy{}, false, err
	}
	if p.DailyCap, err = parseLimit(dailyCap); err != nil {
		return Policy{}, false, err
	}
	return p, true, nil
}

// Upsert creates or replaces the policy row.
func (s *PostgresStore) Upsert(ctx context.Context, p Policy) error {
	_, err := s.db.Exec(ctx, `INSERT INTO policies (wallet_id, enabled, per_tx_max, daily_cap, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (wallet_id) DO UPDATE
        SET enabled = EXCLUDED.enabled, per_tx_max = EXCLUDED.per_tx_max,
            daily_cap = EXCLUDED.daily_cap, updated_at = EXCLUDED.updated_at`,
		p.WalletID, p.Enabled, limitString(p.PerTxMax), limitString(p.DailyCap), p.UpdatedAt.UTC())
	return err
}

func parseLimit(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func limitString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
