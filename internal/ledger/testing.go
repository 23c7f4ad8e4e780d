package ledger

import "github.com/shopspring/decimal"

// SeedSpend is a test helper that seeds a period bucket when using the
// in-memory ledger.
func SeedSpend(l Ledger, walletID, periodKey string, amount decimal.Decimal) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.buckets[bucketKey{walletID, periodKey}] = amount
	}
}
