package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type bucketKey struct {
	walletID  string
	periodKey string
}

type inMemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]Entry
	buckets map[bucketKey]decimal.Decimal
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and dev mode.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		entries: make(map[string]Entry),
		buckets: make(map[bucketKey]decimal.Decimal),
	}
}

func (l *inMemoryLedger) PeriodSpent(_ context.Context, walletID, periodKey string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[bucketKey{walletID, periodKey}], nil
}

func (l *inMemoryLedger) Commit(_ context.Context, entry Entry, dailyCap *decimal.Decimal) (CommitResult, error) {
	if entry.ID == "" || entry.WalletID == "" || entry.PeriodKey == "" {
		return CommitResult{}, fmt.Errorf("entry id, wallet id and period key are required")
	}
	if !entry.Amount.IsPositive() {
		return CommitResult{}, fmt.Errorf("entry amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{entry.WalletID, entry.PeriodKey}

	if prior, exists := l.entries[entry.ID]; exists {
		return CommitResult{
			PeriodTotal: l.buckets[key],
			CapBreached: prior.NeedsReconciliation,
			Replayed:    true,
		}, nil
	}

	total := l.buckets[key].Add(entry.Amount)
	breached := dailyCap != nil && total.GreaterThan(*dailyCap)
	entry.NeedsReconciliation = breached

	l.entries[entry.ID] = entry
	l.buckets[key] = total

	return CommitResult{PeriodTotal: total, CapBreached: breached}, nil
}

func (l *inMemoryLedger) FindByID(_ context.Context, id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (l *inMemoryLedger) FindByReference(_ context.Context, reference string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.entries {
		if entry.Reference == reference {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (l *inMemoryLedger) EntriesForWallet(_ context.Context, walletID string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, entry := range l.entries {
		if entry.WalletID == walletID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
