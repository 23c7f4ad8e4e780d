package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEntryNotFound occurs when no ledger entry matches the requested id or reference.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// Direction classifies how funds moved relative to the wallet.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionFaucet   Direction = "faucet"
)

// Entry is an immutable record of a confirmed external submission. Entries are
// write-once: the ledger exposes no update or delete path.
type Entry struct {
	ID                  string
	WalletID            string
	Direction           Direction
	Counterparty        string
	Amount              decimal.Decimal
	Asset               string
	Reference           string
	IdempotencyKey      string
	PeriodKey           string
	NeedsReconciliation bool
	CreatedAt           time.Time
}

// CommitResult reports the outcome of appending an entry.
type CommitResult struct {
	// PeriodTotal is the bucket's accumulated spend after the commit.
	PeriodTotal decimal.Decimal
	// CapBreached is set when the serialized re-check found the daily cap
	// exceeded at commit time. The entry is still recorded (the external
	// submission already happened) but flagged for reconciliation.
	CapBreached bool
	// Replayed is set when an entry with the same id already existed and the
	// commit was a no-op replay of the prior outcome.
	Replayed bool
}

// Ledger defines the contract implemented by spend-ledger backends.
type Ledger interface {
	// PeriodSpent returns the accumulated spend for the wallet in the given
	// period, zero if no bucket exists.
	PeriodSpent(ctx context.Context, walletID, periodKey string) (decimal.Decimal, error)

	// Commit durably appends the entry and increments the matching period
	// bucket in one atomic step, serialized per (wallet, period). When
	// dailyCap is non-nil the cap is re-validated under the same lock.
	// Committing an entry id that already exists replays the stored outcome.
	Commit(ctx context.Context, entry Entry, dailyCap *decimal.Decimal) (CommitResult, error)

	// FindByID returns the entry with the given id.
	FindByID(ctx context.Context, id string) (Entry, error)

	// FindByReference returns the entry carrying the given external reference.
	FindByReference(ctx context.Context, reference string) (Entry, error)

	// EntriesForWallet lists the wallet's most recent entries, newest first.
	EntriesForWallet(ctx context.Context, walletID string, limit int) ([]Entry, error)
}

// PeriodKey formats the bucket key for t in the reference timezone. All period
// boundaries are computed in this one location regardless of caller locale.
func PeriodKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
