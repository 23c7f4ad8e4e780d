package wallet

import "time"

// Wallet identifies a custodial account whose spending is policy-controlled.
// Address is stored in checksummed form and never mutated after registration.
type Wallet struct {
	ID        string
	Address   string
	Network   string
	Status    string
	CreatedAt time.Time
}
