package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendgate/spendgate/internal/idempotency"
	"github.com/spendgate/spendgate/internal/ledger"
	"github.com/spendgate/spendgate/internal/notification"
	"github.com/spendgate/spendgate/internal/policy"
	"github.com/spendgate/spendgate/internal/wallet"
)

// entryNamespace seeds the deterministic entry id derived from the
// idempotency key. Fixed forever: changing it would break commit replay for
// in-flight requests.
var entryNamespace = uuid.MustParse("c4f6532d-6e3a-4b7e-9f4d-8a1b0e2d7c55")

// EntryID derives the ledger entry id (and backend correlation id) for an
// idempotency key. The same key always maps to the same id, which makes
// repeated commit attempts insert-if-absent at the storage layer.
func EntryID(idempotencyKey string) string {
	return uuid.NewSHA1(entryNamespace, []byte(idempotencyKey)).String()
}

// State labels the terminal outcome recorded for a request.
type State string

const (
	// StateCommitted means the backend accepted the submission and the spend
	// was durably committed.
	StateCommitted State = "committed"
	// StateSubmitFailed means the backend rejected the submission; nothing
	// was committed externally.
	StateSubmitFailed State = "submit_failed"
)

// Request is a structurally validated transfer request arriving at the
// orchestrator boundary.
type Request struct {
	WalletID       string
	Destination    string
	Amount         decimal.Decimal
	Asset          string
	IdempotencyKey string
}

// Result is the terminal outcome of a request. It is the payload stored in
// the idempotency cache and replayed verbatim for duplicate requests.
type Result struct {
	State                    State           `json:"state"`
	EntryID                  string          `json:"entry_id,omitempty"`
	Reference                string          `json:"reference,omitempty"`
	WalletID                 string          `json:"wallet_id"`
	Destination              string          `json:"destination,omitempty"`
	Amount                   decimal.Decimal `json:"amount"`
	Asset                    string          `json:"asset"`
	PeriodKey                string          `json:"period,omitempty"`
	PeriodTotal              decimal.Decimal `json:"period_total"`
	FlaggedForReconciliation bool            `json:"flagged_for_reconciliation,omitempty"`
	FailureReason            string          `json:"failure_reason,omitempty"`
	CompletedAt              time.Time       `json:"completed_at"`
}

// Options aggregates the orchestrator's dependencies.
type Options struct {
	Cache       idempotency.Store
	Reservation idempotency.Reservation
	Policies    *policy.Service
	Ledger      ledger.Ledger
	Wallets     *wallet.Service
	Backend     Backend
	Notifier    notification.Notifier
	Clock       ledger.Clock
	Location    *time.Location
	Logger      *slog.Logger

	ReservationTTL   time.Duration
	SubmitTimeout    time.Duration
	CommitRetries    int
	CommitRetryDelay time.Duration
}

// Service sequences policy-check, external submission and spend commit for
// transfer requests.
type Service struct {
	cache       idempotency.Store
	reservation idempotency.Reservation
	policies    *policy.Service
	ledger      ledger.Ledger
	wallets     *wallet.Service
	backend     Backend
	notifier    notification.Notifier
	clock       ledger.Clock
	loc         *time.Location
	logger      *slog.Logger

	reservationTTL   time.Duration
	submitTimeout    time.Duration
	commitRetries    int
	commitRetryDelay time.Duration
	waitBudget       time.Duration
}

// NewService builds the transfer orchestrator.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Cache == nil:
		return nil, fmt.Errorf("idempotency cache is required")
	case opts.Reservation == nil:
		return nil, fmt.Errorf("reservation is required")
	case opts.Policies == nil:
		return nil, fmt.Errorf("policy service is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case opts.Wallets == nil:
		return nil, fmt.Errorf("wallet service is required")
	case opts.Backend == nil:
		return nil, fmt.Errorf("backend is required")
	}

	s := &Service{
		cache:            opts.Cache,
		reservation:      opts.Reservation,
		policies:         opts.Policies,
		ledger:           opts.Ledger,
		wallets:          opts.Wallets,
		backend:          opts.Backend,
		notifier:         opts.Notifier,
		clock:            opts.Clock,
		loc:              opts.Location,
		logger:           opts.Logger,
		reservationTTL:   opts.ReservationTTL,
		submitTimeout:    opts.SubmitTimeout,
		commitRetries:    opts.CommitRetries,
		commitRetryDelay: opts.CommitRetryDelay,
	}
	if s.clock == nil {
		s.clock = ledger.SystemClock()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.reservationTTL <= 0 {
		s.reservationTTL = 5 * time.Minute
	}
	if s.submitTimeout <= 0 {
		s.submitTimeout = 15 * time.Second
	}
	if s.commitRetries < 1 {
		s.commitRetries = 5
	}
	if s.commitRetryDelay <= 0 {
		s.commitRetryDelay = 200 * time.Millisecond
	}
	// Waiters on a contended key must outlast the reservation holder's worst
	// case: the backend deadline plus the full commit retry schedule.
	s.waitBudget = s.submitTimeout + retryBudget(s.commitRetries, s.commitRetryDelay)
	return s, nil
}

// retryBudget sums the doubling backoff delays between commit attempts.
func retryBudget(retries int, delay time.Duration) time.Duration {
	var total time.Duration
	for i := 1; i < retries; i++ {
		total += delay
		delay *= 2
	}
	return total
}

// Execute runs a transfer request through the state machine and returns its
// terminal result. Duplicate keys replay the stored outcome without touching
// the backend.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, &InvalidRequestError{Field: "idempotency_key", Reason: "required"}
	}

	if res, found, err := s.replay(ctx, req.IdempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return deliver(res)
	}

	w, dest, err := s.validate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	acquired, err := s.reservation.Acquire(ctx, req.IdempotencyKey, s.reservationTTL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: acquire reservation: %v", ErrStorageUnavailable, err)
	}
	if !acquired {
		return s.awaitResult(ctx, req.IdempotencyKey)
	}
	defer func() {
		if relErr := s.reservation.Release(context.WithoutCancel(ctx), req.IdempotencyKey); relErr != nil {
			s.logger.Warn("release reservation", "key", req.IdempotencyKey, "error", relErr)
		}
	}()

	// The winner of a concurrent race may have finalized between our lookup
	// and acquiring the reservation.
	if res, found, err := s.replay(ctx, req.IdempotencyKey); err != nil {
		return Result{}, err
	} else if found {
		return deliver(res)
	}

	entryID := EntryID(req.IdempotencyKey)

	// Crash recovery: a prior run may have committed the spend and died
	// before finalizing. The submission must not be repeated; only the
	// bookkeeping completes here.
	if entry, err := s.ledger.FindByID(ctx, entryID); err == nil {
		return s.finalizeCommitted(ctx, req.IdempotencyKey, entry, decimal.Zero, true)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return Result{}, fmt.Errorf("%w: read ledger: %v", ErrStorageUnavailable, err)
	}

	pol, err := s.policies.Authorize(ctx, req.WalletID, req.Amount)
	if err != nil {
		// Policy violations are deterministic and safe to re-run, so they
		// are not finalized under the key: a retry after a grant proceeds.
		return Result{}, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	receipt, err := s.backend.Submit(submitCtx, Submission{
		CorrelationID: entryID,
		Source:        w.Address,
		Destination:   dest,
		Amount:        req.Amount,
		Asset:         req.Asset,
	})
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			res := Result{
				State:         StateSubmitFailed,
				WalletID:      req.WalletID,
				Destination:   dest,
				Amount:        req.Amount,
				Asset:         req.Asset,
				FailureReason: rejected.Reason,
				CompletedAt:   s.clock.Now().UTC(),
			}
			return s.finalize(ctx, req.IdempotencyKey, res)
		}

		// Timeout or transport failure after the request may have reached
		// the backend. Assuming failure here risks a double spend on retry,
		// so the key stays open and the caller gets a retry-unsafe signal.
		s.logger.Error("submission indeterminate",
			"wallet_id", req.WalletID, "entry_id", entryID, "error", err)
		return Result{}, ErrSubmissionIndeterminate
	}

	entry := ledger.Entry{
		ID:             entryID,
		WalletID:       req.WalletID,
		Direction:      ledger.DirectionOutbound,
		Counterparty:   dest,
		Amount:         req.Amount,
		Asset:          req.Asset,
		Reference:      receipt.Reference,
		IdempotencyKey: req.IdempotencyKey,
		PeriodKey:      ledger.PeriodKey(s.clock.Now(), s.loc),
		CreatedAt:      s.clock.Now().UTC(),
	}

	commit, err := s.commitWithRetry(ctx, entry, pol.DailyCap)
	if err != nil {
		// The backend accepted the submission but the spend is unrecorded,
		// so no crash-recovery entry exists for a retry to find. A retryable
		// error here would let the same key reach the backend twice. The key
		// stays open, the caller gets the retry-unsafe signal and an
		// operator reconciles against the backend's record.
		s.logger.Error("spend unrecorded after accepted submission",
			"wallet_id", req.WalletID, "entry_id", entryID, "reference", receipt.Reference, "error", err)
		s.notify(ctx, notification.Message{
			Kind:     notification.KindReconciliationRequired,
			WalletID: req.WalletID,
			Body:     fmt.Sprintf("entry %s accepted by the backend but not recorded", entryID),
		})
		return Result{}, ErrSubmissionIndeterminate
	}

	entry.NeedsReconciliation = commit.CapBreached
	return s.finalizeCommitted(ctx, req.IdempotencyKey, entry, commit.PeriodTotal, false)
}

// Lookup returns the finalized result for a key, if any.
func (s *Service) Lookup(ctx context.Context, key string) (Result, bool, error) {
	return s.replay(ctx, key)
}

func (s *Service) validate(ctx context.Context, req Request) (wallet.Wallet, string, error) {
	if !req.Amount.IsPositive() {
		return wallet.Wallet{}, "", &InvalidRequestError{Field: "amount", Reason: "must be positive"}
	}
	if req.Asset == "" {
		return wallet.Wallet{}, "", &InvalidRequestError{Field: "asset", Reason: "required"}
	}

	dest, err := wallet.ChecksumAddress(req.Destination)
	if err != nil {
		return wallet.Wallet{}, "", &InvalidRequestError{Field: "destination", Reason: err.Error()}
	}

	w, err := s.wallets.Get(ctx, req.WalletID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return wallet.Wallet{}, "", &InvalidRequestError{Field: "wallet_id", Reason: "unknown wallet"}
		}
		return wallet.Wallet{}, "", fmt.Errorf("%w: read wallet: %v", ErrStorageUnavailable, err)
	}

	if strings.EqualFold(w.Address, dest) {
		return wallet.Wallet{}, "", &InvalidRequestError{Field: "destination", Reason: "source and destination must differ"}
	}
	return w, dest, nil
}

func (s *Service) replay(ctx context.Context, key string) (Result, bool, error) {
	payload, err := s.cache.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, idempotency.ErrResultNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: idempotency lookup: %v", ErrStorageUnavailable, err)
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode stored result: %w", err)
	}
	return res, true, nil
}

// awaitResult polls the cache while an identical request holds the
// reservation, returning its result once finalized.
func (s *Service) awaitResult(ctx context.Context, key string) (Result, error) {
	deadline := time.NewTimer(s.waitBudget)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			return Result{}, ErrRequestInFlight
		case <-tick.C:
			res, found, err := s.replay(ctx, key)
			if err != nil {
				return Result{}, err
			}
			if found {
				return deliver(res)
			}
		}
	}
}

func (s *Service) commitWithRetry(ctx context.Context, entry ledger.Entry, dailyCap *decimal.Decimal) (ledger.CommitResult, error) {
	var lastErr error
	delay := s.commitRetryDelay
	for attempt := 1; attempt <= s.commitRetries; attempt++ {
		commit, err := s.ledger.Commit(ctx, entry, dailyCap)
		if err == nil {
			return commit, nil
		}
		lastErr = err
		s.logger.Warn("spend commit attempt failed",
			"entry_id", entry.ID, "attempt", attempt, "error", err)

		if attempt == s.commitRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ledger.CommitResult{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return ledger.CommitResult{}, lastErr
}

// finalizeCommitted records the success outcome for a committed entry. When
// recovered is set the entry was committed by a prior run and the period
// total is re-read from the ledger.
func (s *Service) finalizeCommitted(ctx context.Context, key string, entry ledger.Entry, periodTotal decimal.Decimal, recovered bool) (Result, error) {
	if recovered {
		total, err := s.ledger.PeriodSpent(ctx, entry.WalletID, entry.PeriodKey)
		if err != nil {
			return Result{}, fmt.Errorf("%w: read period spend: %v", ErrStorageUnavailable, err)
		}
		periodTotal = total
	}

	res := Result{
		State:                    StateCommitted,
		EntryID:                  entry.ID,
		Reference:                entry.Reference,
		WalletID:                 entry.WalletID,
		Destination:              entry.Counterparty,
		Amount:                   entry.Amount,
		Asset:                    entry.Asset,
		PeriodKey:                entry.PeriodKey,
		PeriodTotal:              periodTotal,
		FlaggedForReconciliation: entry.NeedsReconciliation,
		CompletedAt:              s.clock.Now().UTC(),
	}

	if entry.NeedsReconciliation {
		s.logger.Error("daily cap breached at commit time",
			"wallet_id", entry.WalletID, "entry_id", entry.ID, "period", entry.PeriodKey,
			"amount", entry.Amount.String(), "period_total", periodTotal.String())
		s.notify(ctx, notification.Message{
			Kind:     notification.KindReconciliationRequired,
			WalletID: entry.WalletID,
			Body:     fmt.Sprintf("entry %s exceeded the daily cap at commit time", entry.ID),
		})
	} else {
		s.notify(ctx, notification.Message{
			Kind:     notification.KindTransferCommitted,
			WalletID: entry.WalletID,
			Body:     fmt.Sprintf("sent %s %s to %s", entry.Amount, entry.Asset, entry.Counterparty),
		})
	}

	return s.finalize(ctx, key, res)
}

// finalize stores the terminal result under the key and returns the winning
// result, which may belong to a concurrent request that finalized first.
func (s *Service) finalize(ctx context.Context, key string, res Result) (Result, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}

	winner, err := s.cache.Finalize(context.WithoutCancel(ctx), key, payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: finalize result: %v", ErrStorageUnavailable, err)
	}

	var final Result
	if err := json.Unmarshal(winner, &final); err != nil {
		return Result{}, fmt.Errorf("decode stored result: %w", err)
	}
	return deliver(final)
}

// deliver maps a stored result back onto the orchestrator's return contract
// so replays are indistinguishable from first executions.
func deliver(res Result) (Result, error) {
	if res.State == StateSubmitFailed {
		return res, &SubmissionRejectedError{Reason: res.FailureReason}
	}
	return res, nil
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}
