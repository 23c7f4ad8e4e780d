package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spendgate/spendgate/internal/ledger"
)

// Service manages spend policies and performs the fast-path authorization
// check ahead of a transfer. The authorization here is an optimization: the
// daily cap is re-validated under the ledger's commit lock, which is the
// enforcement point of record.
type Service struct {
	store  Store
	ledger ledger.Ledger
	clock  ledger.Clock
	loc    *time.Location
	logger *slog.Logger
}

// NewService builds a policy service.
func NewService(store Store, spendLedger ledger.Ledger, clock ledger.Clock, loc *time.Location, logger *slog.Logger) *Service {
	if clock == nil {
		clock = ledger.SystemClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, ledger: spendLedger, clock: clock, loc: loc, logger: logger}
}

// Grant upserts the wallet's policy with enabled=true and the given limits.
// Both limits must be positive.
func (s *Service) Grant(ctx context.Context, walletID string, perTxMax, dailyCap decimal.Decimal) (Policy, error) {
	if !perTxMax.IsPositive() || !dailyCap.IsPositive() {
		return Policy{}, ErrInvalidLimit
	}

	p := Policy{
		WalletID:  walletID,
		Enabled:   true,
		PerTxMax:  &perTxMax,
		DailyCap:  &dailyCap,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		return Policy{}, fmt.Errorf("upsert policy: %w", err)
	}

	s.logger.Info("authority granted", "wallet_id", walletID,
		"per_tx_max", perTxMax.String(), "daily_cap", dailyCap.String())
	return p, nil
}

// Revoke disables spending for the wallet, creating a disabled row when none
// exists. Revoking an already-revoked or unknown wallet succeeds silently.
func (s *Service) Revoke(ctx context.Context, walletID string) error {
	p, _, err := s.store.Get(ctx, walletID)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	p.WalletID = walletID
	p.Enabled = false
	p.UpdatedAt = s.clock.Now().UTC()

	if err := s.store.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}

	s.logger.Info("authority revoked", "wallet_id", walletID)
	return nil
}

// Status returns the policy plus the current period's spend. A wallet with no
// policy row reports disabled, no limits, zero spent.
func (s *Service) Status(ctx context.Context, walletID string) (Status, error) {
	p, _, err := s.store.Get(ctx, walletID)
	if err != nil {
		return Status{}, fmt.Errorf("read policy: %w", err)
	}
	p.WalletID = walletID

	periodKey := ledger.PeriodKey(s.clock.Now(), s.loc)
	spent, err := s.ledger.PeriodSpent(ctx, walletID, periodKey)
	if err != nil {
		return Status{}, fmt.Errorf("read period spend: %w", err)
	}

	st := Status{Policy: p, PeriodKey: periodKey, SpentToday: spent}
	if p.DailyCap != nil {
		remaining := p.DailyCap.Sub(spent)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		st.RemainingToday = &remaining
	}
	return st, nil
}

// Authorize runs the fast-path policy check for a prospective transfer and
// returns the policy snapshot when the transfer may proceed.
func (s *Service) Authorize(ctx context.Context, walletID string, amount decimal.Decimal) (Policy, error) {
	p, found, err := s.store.Get(ctx, walletID)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if !found || !p.Enabled {
		return Policy{}, ErrNotEnabled
	}

	if p.PerTxMax != nil && amount.GreaterThan(*p.PerTxMax) {
		return Policy{}, &PerTxLimitError{Limit: *p.PerTxMax, Requested: amount}
	}

	if p.DailyCap != nil {
		periodKey := ledger.PeriodKey(s.clock.Now(), s.loc)
		spent, err := s.ledger.PeriodSpent(ctx, walletID, periodKey)
		if err != nil {
			return Policy{}, fmt.Errorf("read period spend: %w", err)
		}
		if spent.Add(amount).GreaterThan(*p.DailyCap) {
			return Policy{}, &DailyCapError{Cap: *p.DailyCap, Spent: spent, Requested: amount}
		}
	}

	return p, nil
}
