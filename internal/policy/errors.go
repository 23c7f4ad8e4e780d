package policy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLimit occurs when a grant carries a non-positive limit.
	ErrInvalidLimit = errors.New("limits must be positive")

	// ErrNotEnabled occurs when a transfer is attempted for a wallet whose
	// policy is disabled or missing.
	ErrNotEnabled = errors.New("spending authority not granted")
)

// PerTxLimitError reports a request exceeding the per-transaction maximum.
type PerTxLimitError struct {
	Limit     decimal.Decimal
	Requested decimal.Decimal
}

func (e *PerTxLimitError) Error() string {
	return fmt.Sprintf("per-transaction limit exceeded: requested %s > limit %s", e.Requested, e.Limit)
}

// Excess returns how far the request overshoots the limit.
func (e *PerTxLimitError) Excess() decimal.Decimal {
	return e.Requested.Sub(e.Limit)
}

// DailyCapError reports a request that would push the period total over the
// daily cap.
type DailyCapError struct {
	Cap       decimal.Decimal
	Spent     decimal.Decimal
	Requested decimal.Decimal
}

func (e *DailyCapError) Error() string {
	return fmt.Sprintf("daily cap exceeded: spent %s + requested %s > cap %s", e.Spent, e.Requested, e.Cap)
}

// Excess returns how far the combined spend overshoots the cap.
func (e *DailyCapError) Excess() decimal.Decimal {
	return e.Spent.Add(e.Requested).Sub(e.Cap)
}
