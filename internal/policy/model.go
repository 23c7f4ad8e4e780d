package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the spend authorization for one wallet. A nil limit is not
// enforced; a disabled policy blocks every transfer regardless of limits.
// Rows are never deleted: revocation flips Enabled, preserving audit history.
type Policy struct {
	WalletID  string
	Enabled   bool
	PerTxMax  *decimal.Decimal
	DailyCap  *decimal.Decimal
	UpdatedAt time.Time
}

// Status combines a policy with the current period's spend.
type Status struct {
	Policy
	PeriodKey      string
	SpentToday     decimal.Decimal
	RemainingToday *decimal.Decimal
}
