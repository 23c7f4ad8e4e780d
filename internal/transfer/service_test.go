package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spendgate/spendgate/internal/idempotency"
	"github.com/spendgate/spendgate/internal/ledger"
	"github.com/spendgate/spendgate/internal/logging"
	"github.com/spendgate/spendgate/internal/notification"
	"github.com/spendgate/spendgate/internal/policy"
	"github.com/spendgate/spendgate/internal/wallet"
)

const (
	srcAddr  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	destAddr = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeBackend struct {
	mu          sync.Mutex
	submissions []Submission

	rejectWith *RejectedError
	failWith   error
	delay      time.Duration
	barrier    *sync.WaitGroup
}

func (b *fakeBackend) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	b.mu.Lock()
	b.submissions = append(b.submissions, sub)
	reject, fail := b.rejectWith, b.failWith
	b.mu.Unlock()

	if b.barrier != nil {
		b.barrier.Done()
		b.barrier.Wait()
	}
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if reject != nil {
		return Receipt{}, reject
	}
	if fail != nil {
		return Receipt{}, fail
	}
	return Receipt{Reference: "0xref-" + sub.CorrelationID}, nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submissions)
}

func (b *fakeBackend) setFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// flakyLedger fails the first n Commit calls before delegating.
type flakyLedger struct {
	ledger.Ledger
	mu        sync.Mutex
	remaining int
}

func (l *flakyLedger) Commit(ctx context.Context, entry ledger.Entry, dailyCap *decimal.Decimal) (ledger.CommitResult, error) {
	l.mu.Lock()
	if l.remaining > 0 {
		l.remaining--
		l.mu.Unlock()
		return ledger.CommitResult{}, fmt.Errorf("storage flake")
	}
	l.mu.Unlock()
	return l.Ledger.Commit(ctx, entry, dailyCap)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *fakeNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeNotifier) byKind(kind string) []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Message
	for _, msg := range n.messages {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	backend  *fakeBackend
	led      ledger.Ledger
	policies *policy.Service
	notifier *fakeNotifier
	walletID string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	led := ledger.NewInMemory()
	clock := ledger.FixedClock(testNow)
	logger := logging.Discard()
	policies := policy.NewService(policy.NewMemoryStore(), led, clock, time.UTC, logger)
	wallets := wallet.NewService(wallet.NewMemoryRepository())
	backend := &fakeBackend{}
	notifier := &fakeNotifier{}

	w, err := wallets.Register(context.Background(), wallet.RegisterInput{Address: srcAddr})
	if err != nil {
		t.Fatalf("register wallet: %v", err)
	}

	opts := Options{
		Cache:            idempotency.NewMemoryStore(),
		Reservation:      idempotency.NewMemoryReservation(),
		Policies:         policies,
		Ledger:           led,
		Wallets:          wallets,
		Backend:          backend,
		Notifier:         notifier,
		Clock:            clock,
		Location:         time.UTC,
		Logger:           logger,
		SubmitTimeout:    2 * time.Second,
		CommitRetries:    3,
		CommitRetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}

	return &fixture{svc: svc, backend: backend, led: led, policies: policies, notifier: notifier, walletID: w.ID}
}

func (f *fixture) grant(t *testing.T, perTxMax, dailyCap string) {
	t.Helper()
	if _, err := f.policies.Grant(context.Background(), f.walletID, dec(perTxMax), dec(dailyCap)); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (f *fixture) request(amount, key string) Request {
	return Request{
		WalletID:       f.walletID,
		Destination:    destAddr,
		Amount:         dec(amount),
		Asset:          "USDC",
		IdempotencyKey: key,
	}
}

func TestExecuteCommitsTransfer(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, f.request("6", "k1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != StateCommitted {
		t.Fatalf("expected committed, got %s", res.State)
	}
	if res.EntryID != EntryID("k1") {
		t.Fatalf("entry id not derived from key: %s", res.EntryID)
	}
	if res.FlaggedForReconciliation {
		t.Fatalf("clean commit should not be flagged")
	}
	if !res.PeriodTotal.Equal(dec("6")) {
		t.Fatalf("expected period total 6, got %s", res.PeriodTotal)
	}
	if f.backend.count() != 1 {
		t.Fatalf("expected one submission, got %d", f.backend.count())
	}

	entry, err := f.led.FindByID(ctx, res.EntryID)
	if err != nil {
		t.Fatalf("ledger entry missing: %v", err)
	}
	if entry.Reference != res.Reference || entry.IdempotencyKey != "k1" {
		t.Fatalf("entry does not match result: %+v", entry)
	}
	if entry.Counterparty != destAddr {
		t.Fatalf("counterparty not checksummed: %s", entry.Counterparty)
	}
}

func TestExecuteReplaysDuplicateKey(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	ctx := context.Background()

	first, err := f.svc.Execute(ctx, f.request("6", "k1"))
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	for i := 0; i < 3; i++ {
		again, err := f.svc.Execute(ctx, f.request("6", "k1"))
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if again.Reference != first.Reference || again.EntryID != first.EntryID {
			t.Fatalf("replay differs from original: %+v vs %+v", again, first)
		}
	}

	if f.backend.count() != 1 {
		t.Fatalf("replays must not resubmit: %d submissions", f.backend.count())
	}

	stored, found, err := f.svc.Lookup(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("expected stored result, found=%v err=%v", found, err)
	}
	if stored.Reference != first.Reference {
		t.Fatalf("lookup differs from original: %+v", stored)
	}

	entries, _ := f.led.EntriesForWallet(ctx, f.walletID, 10)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	spent, _ := f.led.PeriodSpent(ctx, f.walletID, ledger.PeriodKey(testNow, time.UTC))
	if !spent.Equal(dec("6")) {
		t.Fatalf("replays must not re-count spend: %s", spent)
	}
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing key", Request{WalletID: f.walletID, Destination: destAddr, Amount: dec("1"), Asset: "USDC"}, "idempotency_key"},
		{"zero amount", f.request("0", "k1"), "amount"},
		{"negative amount", f.request("-2", "k2"), "amount"},
		{"missing asset", Request{WalletID: f.walletID, Destination: destAddr, Amount: dec("1"), IdempotencyKey: "k3"}, "asset"},
		{"bad destination", Request{WalletID: f.walletID, Destination: "nope", Amount: dec("1"), Asset: "USDC", IdempotencyKey: "k4"}, "destination"},
		{"self transfer", Request{WalletID: f.walletID, Destination: srcAddr, Amount: dec("1"), Asset: "USDC", IdempotencyKey: "k5"}, "destination"},
		{"unknown wallet", Request{WalletID: "missing", Destination: destAddr, Amount: dec("1"), Asset: "USDC", IdempotencyKey: "k6"}, "wallet_id"},
	}

	for _, tc := range cases {
		_, err := f.svc.Execute(ctx, tc.req)
		var invalid *InvalidRequestError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected invalid request, got %v", tc.name, err)
		}
		if invalid.Field != tc.field {
			t.Fatalf("%s: expected field %s, got %s", tc.name, tc.field, invalid.Field)
		}
	}

	if f.backend.count() != 0 {
		t.Fatalf("validation failures must not submit: %d", f.backend.count())
	}
}

func TestExecutePolicyRejectionsNotFinalized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// No policy yet: rejected, nothing submitted.
	if _, err := f.svc.Execute(ctx, f.request("6", "k1")); !errors.Is(err, policy.ErrNotEnabled) {
		t.Fatalf("expected not enabled, got %v", err)
	}
	if f.backend.count() != 0 {
		t.Fatalf("rejected request must not submit")
	}

	// The key stays open: after a grant the same key succeeds.
	f.grant(t, "10", "20")
	res, err := f.svc.Execute(ctx, f.request("6", "k1"))
	if err != nil {
		t.Fatalf("execute after grant: %v", err)
	}
	if res.State != StateCommitted {
		t.Fatalf("expected committed after grant, got %s", res.State)
	}
}

func TestExecutePerTxLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "100")

	_, err := f.svc.Execute(context.Background(), f.request("11", "k1"))
	var perTx *policy.PerTxLimitError
	if !errors.As(err, &perTx) {
		t.Fatalf("expected per-tx error, got %v", err)
	}
	if f.backend.count() != 0 {
		t.Fatalf("rejected request must not submit")
	}
}

func TestExecuteDailyCapFastPath(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	ctx := context.Background()

	ledger.SeedSpend(f.led, f.walletID, ledger.PeriodKey(testNow, time.UTC), dec("15"))

	_, err := f.svc.Execute(ctx, f.request("6", "k1"))
	var daily *policy.DailyCapError
	if !errors.As(err, &daily) {
		t.Fatalf("expected daily cap error, got %v", err)
	}
	if !daily.Cap.Equal(dec("20")) || !daily.Spent.Equal(dec("15")) || !daily.Requested.Equal(dec("6")) || !daily.Excess().Equal(dec("1")) {
		t.Fatalf("unexpected violation detail: %+v", daily)
	}
	if f.backend.count() != 0 {
		t.Fatalf("rejected request must not submit")
	}
}

func TestExecuteBackendRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	f.backend.rejectWith = &RejectedError{Reason: "insufficient funds"}
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, f.request("6", "k1"))
	var rejected *SubmissionRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected submission rejected, got %v", err)
	}
	if res.State != StateSubmitFailed || res.FailureReason != "insufficient funds" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Rejections are terminal: the stored outcome replays without another
	// submission even after the backend would accept.
	f.backend.rejectWith = nil
	res, err = f.svc.Execute(ctx, f.request("6", "k1"))
	if !errors.As(err, &rejected) {
		t.Fatalf("expected replayed rejection, got %v", err)
	}
	if res.State != StateSubmitFailed {
		t.Fatalf("expected replayed submit_failed, got %s", res.State)
	}
	if f.backend.count() != 1 {
		t.Fatalf("expected one submission, got %d", f.backend.count())
	}

	// Nothing was committed externally, so no spend was recorded.
	spent, _ := f.led.PeriodSpent(ctx, f.walletID, ledger.PeriodKey(testNow, time.UTC))
	if !spent.IsZero() {
		t.Fatalf("rejected submission must not count as spend: %s", spent)
	}
}

func TestExecuteIndeterminateOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	f.backend.setFailure(ErrOutcomeUnknown)
	ctx := context.Background()

	if _, err := f.svc.Execute(ctx, f.request("6", "k1")); !errors.Is(err, ErrSubmissionIndeterminate) {
		t.Fatalf("expected indeterminate, got %v", err)
	}

	// The key was not finalized, so a reconciled retry may proceed.
	f.backend.setFailure(nil)
	res, err := f.svc.Execute(ctx, f.request("6", "k1"))
	if err != nil {
		t.Fatalf("retry after reconciliation: %v", err)
	}
	if res.State != StateCommitted {
		t.Fatalf("expected committed, got %s", res.State)
	}
	if f.backend.count() != 2 {
		t.Fatalf("expected retry to resubmit, got %d submissions", f.backend.count())
	}
}

func TestExecuteBackendTimeoutIsIndeterminate(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.SubmitTimeout = 20 * time.Millisecond
	})
	f.grant(t, "10", "20")
	f.backend.delay = 200 * time.Millisecond

	if _, err := f.svc.Execute(context.Background(), f.request("6", "k1")); !errors.Is(err, ErrSubmissionIndeterminate) {
		t.Fatalf("expected indeterminate on timeout, got %v", err)
	}
}

func TestExecuteRetriesCommit(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Ledger = &flakyLedger{Ledger: opts.Ledger, remaining: 2}
	})
	f.grant(t, "10", "20")

	res, err := f.svc.Execute(context.Background(), f.request("6", "k1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != StateCommitted {
		t.Fatalf("expected committed despite flakes, got %s", res.State)
	}
	if f.backend.count() != 1 {
		t.Fatalf("commit retries must not resubmit: %d", f.backend.count())
	}
}

func TestExecuteCommitExhaustionIsRetryUnsafe(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Ledger = &flakyLedger{Ledger: opts.Ledger, remaining: 100}
		opts.CommitRetries = 2
	})
	f.grant(t, "10", "20")
	ctx := context.Background()

	// The backend accepted but every commit attempt failed: the caller must
	// get the retry-unsafe signal, never an error inviting a resubmission.
	if _, err := f.svc.Execute(ctx, f.request("6", "k1")); !errors.Is(err, ErrSubmissionIndeterminate) {
		t.Fatalf("expected indeterminate, got %v", err)
	}
	if f.backend.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.backend.count())
	}

	alerts := f.notifier.byKind(notification.KindReconciliationRequired)
	if len(alerts) != 1 {
		t.Fatalf("expected one reconciliation alert, got %d", len(alerts))
	}
	if alerts[0].WalletID != f.walletID {
		t.Fatalf("alert for wrong wallet: %+v", alerts[0])
	}
}

func TestExecuteRecoversCommittedButUnfinalized(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	ctx := context.Background()

	// Simulate a prior run that committed the spend and crashed before
	// finalizing the idempotency key.
	entry := ledger.Entry{
		ID:             EntryID("k1"),
		WalletID:       f.walletID,
		Direction:      ledger.DirectionOutbound,
		Counterparty:   destAddr,
		Amount:         dec("6"),
		Asset:          "USDC",
		Reference:      "0xearlier",
		IdempotencyKey: "k1",
		PeriodKey:      ledger.PeriodKey(testNow, time.UTC),
		CreatedAt:      testNow,
	}
	if _, err := f.led.Commit(ctx, entry, nil); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	res, err := f.svc.Execute(ctx, f.request("6", "k1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != StateCommitted || res.Reference != "0xearlier" {
		t.Fatalf("expected recovery of the committed entry, got %+v", res)
	}
	if f.backend.count() != 0 {
		t.Fatalf("recovery must not resubmit: %d", f.backend.count())
	}
	spent, _ := f.led.PeriodSpent(ctx, f.walletID, ledger.PeriodKey(testNow, time.UTC))
	if !spent.Equal(dec("6")) {
		t.Fatalf("recovery must not re-count spend: %s", spent)
	}
}

func TestExecuteConcurrentSameKey(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "10", "20")
	f.backend.delay = 100 * time.Millisecond
	ctx := context.Background()

	const workers = 8
	results := make([]Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Execute(ctx, f.request("6", "shared"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Reference != results[0].Reference || results[i].EntryID != results[0].EntryID {
			t.Fatalf("worker %d saw a different result: %+v vs %+v", i, results[i], results[0])
		}
	}

	if f.backend.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.backend.count())
	}
	entries, _ := f.led.EntriesForWallet(ctx, f.walletID, 10)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestExecuteWaiterOutlastsWinnerCommitRetries(t *testing.T) {
	f := newFixture(t, func(opts *Options) {
		opts.Ledger = &flakyLedger{Ledger: opts.Ledger, remaining: 2}
		opts.SubmitTimeout = 200 * time.Millisecond
		opts.CommitRetries = 3
		opts.CommitRetryDelay = 100 * time.Millisecond
	})
	f.grant(t, "10", "20")
	f.backend.delay = 50 * time.Millisecond
	ctx := context.Background()

	// The winner's run is longer than the backend deadline alone: delayed
	// submission plus two commit retries. The waiter must still outlast it.
	var winner, waiter Result
	var winnerErr, waiterErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		winner, winnerErr = f.svc.Execute(ctx, f.request("6", "shared"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		waiter, waiterErr = f.svc.Execute(ctx, f.request("6", "shared"))
	}()
	wg.Wait()

	if winnerErr != nil {
		t.Fatalf("winner: %v", winnerErr)
	}
	if waiterErr != nil {
		t.Fatalf("waiter should receive the winner's result, got %v", waiterErr)
	}
	if waiter.Reference != winner.Reference || waiter.EntryID != winner.EntryID {
		t.Fatalf("waiter saw a different result: %+v vs %+v", waiter, winner)
	}
	if f.backend.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.backend.count())
	}
}

func TestExecuteConcurrentDistinctKeysCapRace(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "15", "20")
	ctx := context.Background()

	// Hold both submissions at a barrier so both pass the fast-path check
	// before either commits; the serialized commit must catch the breach.
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	f.backend.barrier = barrier

	results := make([]Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Execute(ctx, f.request("15", fmt.Sprintf("key-%d", i)))
		}(i)
	}
	wg.Wait()

	flagged := 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].State != StateCommitted {
			t.Fatalf("worker %d: expected committed, got %s", i, results[i].State)
		}
		if results[i].FlaggedForReconciliation {
			flagged++
		}
	}
	if flagged != 1 {
		t.Fatalf("expected exactly one commit flagged for reconciliation, got %d", flagged)
	}
}

func TestEntryIDDeterministic(t *testing.T) {
	if EntryID("k1") != EntryID("k1") {
		t.Fatalf("entry id must be stable per key")
	}
	if EntryID("k1") == EntryID("k2") {
		t.Fatalf("distinct keys must map to distinct entry ids")
	}
}
