package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Backend represents the external fund-movement mechanism. A submission is
// irrevocable: once accepted it cannot be rolled back, so the orchestrator
// treats any ambiguous outcome as possibly-accepted.
type Backend interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}

// Submission carries the validated transfer parameters. CorrelationID is
// derived deterministically from the idempotency key so reconciliation can
// later ask the backend whether a submission actually happened.
type Submission struct {
	CorrelationID string
	Source        string
	Destination   string
	Amount        decimal.Decimal
	Asset         string
}

// Receipt confirms backend acceptance.
type Receipt struct {
	Reference string
}

// RejectedError reports a terminal backend rejection: nothing was committed
// externally and the same request will always be rejected again.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// ErrOutcomeUnknown signals that the backend's answer was lost: the
// submission may or may not have been accepted.
var ErrOutcomeUnknown = errors.New("submission outcome unknown")

// StaticBackend simulates a backend that accepts every submission. Used in
// dev mode when no real connector is configured.
type StaticBackend struct{}

// Submit accepts the submission with a synthetic reference.
func (StaticBackend) Submit(_ context.Context, _ Submission) (Receipt, error) {
	return Receipt{Reference: "0x" + uuid.NewString()}, nil
}
