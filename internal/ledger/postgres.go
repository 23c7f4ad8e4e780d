package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists spend entries and period buckets in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// PeriodSpent returns the accumulated spend for the wallet in the given period.
func (l *PostgresLedger) PeriodSpent(ctx context.Context, walletID, periodKey string) (decimal.Decimal, error) {
	var raw string
	err := l.db.QueryRow(ctx, `SELECT accumulated::text FROM spend_buckets
        WHERE wallet_id = $1 AND period_key = $2`, walletID, periodKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Commit appends the entry and increments the period bucket in one transaction.
// The bucket row is locked for the duration, serializing concurrent commits
// for the same (wallet, period) and making the cap re-check race-free.
func (l *PostgresLedger) Commit(ctx context.Context, entry Entry, dailyCap *decimal.Decimal) (CommitResult, error) {
	if !entry.Amount.IsPositive() {
		return CommitResult{}, fmt.Errorf("entry amount must be positive")
	}
	entryID, err := uuid.Parse(entry.ID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("parse entry id: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CommitResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO spend_buckets (wallet_id, period_key, accumulated)
        VALUES ($1, $2, 0) ON CONFLICT (wallet_id, period_key) DO NOTHING`, entry.WalletID, entry.PeriodKey); err != nil {
		return CommitResult{}, err
	}

	var rawAccumulated string
	if err := tx.QueryRow(ctx, `SELECT accumulated::text FROM spend_buckets
        WHERE wallet_id = $1 AND period_key = $2 FOR UPDATE`, entry.WalletID, entry.PeriodKey).Scan(&rawAccumulated); err != nil {
		return CommitResult{}, err
	}
	accumulated, err := decimal.NewFromString(rawAccumulated)
	if err != nil {
		return CommitResult{}, fmt.Errorf("parse accumulated: %w", err)
	}

	// Insert-if-absent on the deterministic entry id: a retried commit whose
	// prior attempt already landed replays the stored outcome.
	var priorFlag bool
	err = tx.QueryRow(ctx, `SELECT needs_reconciliation FROM ledger_entries WHERE id = $1`, entryID).Scan(&priorFlag)
	if err == nil {
		return CommitResult{PeriodTotal: accumulated, CapBreached: priorFlag, Replayed: true}, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CommitResult{}, err
	}

	total := accumulated.Add(entry.Amount)
	breached := dailyCap != nil && total.GreaterThan(*dailyCap)

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries
        (id, wallet_id, direction, counterparty, amount, asset, reference, idempotency_key, period_key, needs_reconciliation, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entryID, entry.WalletID, string(entry.Direction), entry.Counterparty, entry.Amount.String(),
		entry.Asset, entry.Reference, entry.IdempotencyKey, entry.PeriodKey, breached, entry.CreatedAt.UTC()); err != nil {
		return CommitResult{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE spend_buckets SET accumulated = $3
        WHERE wallet_id = $1 AND period_key = $2`, entry.WalletID, entry.PeriodKey, total.String()); err != nil {
		return CommitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, err
	}

	return CommitResult{PeriodTotal: total, CapBreached: breached}, nil
}

// FindByID returns the entry with the given id.
func (l *PostgresLedger) FindByID(ctx context.Context, id string) (Entry, error) {
	entryID, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, ErrEntryNotFound
	}
	row := l.db.QueryRow(ctx, selectEntry+` WHERE id = $1`, entryID)
	return scanEntry(row)
}

// FindByReference returns the entry carrying the given external reference.
func (l *PostgresLedger) FindByReference(ctx context.Context, reference string) (Entry, error) {
	row := l.db.QueryRow(ctx, selectEntry+` WHERE reference = $1`, reference)
	return scanEntry(row)
}

// EntriesForWallet lists the wallet's most recent entries, newest first.
func (l *PostgresLedger) EntriesForWallet(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx, selectEntry+` WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

const selectEntry = `SELECT id, wallet_id, direction, counterparty, amount::text, asset, reference, idempotency_key, period_key, needs_reconciliation, created_at
        FROM ledger_entries`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var id uuid.UUID
	var direction, rawAmount string
	var createdAt time.Time
	if err := row.Scan(&id, &e.WalletID, &direction, &e.Counterparty, &rawAmount, &e.Asset,
		&e.Reference, &e.IdempotencyKey, &e.PeriodKey, &e.NeedsReconciliation, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return Entry{}, fmt.Errorf("parse amount: %w", err)
	}
	e.ID = id.String()
	e.Direction = Direction(direction)
	e.Amount = amount
	e.CreatedAt = createdAt.UTC()
	return e, nil
}
