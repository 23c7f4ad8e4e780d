package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionIndeterminate signals that the external outcome is not
	// durably recorded: the submission may have reached the backend, or was
	// accepted but its spend commit failed. Blind retry risks double
	// submission; the request must be reconciled against the backend's own
	// record first.
	ErrSubmissionIndeterminate = errors.New("submission outcome indeterminate: reconcile before retrying")

	// ErrRequestInFlight occurs when an identical request holds the
	// in-flight reservation and did not finalize within the wait window.
	ErrRequestInFlight = errors.New("identical request currently in flight")

	// ErrStorageUnavailable occurs when a storage dependency failed before
	// anything reached the backend. Safe to retry under the same key.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InvalidRequestError reports a malformed transfer request.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// SubmissionRejectedError reports a terminal backend rejection surfaced to
// the caller.
type SubmissionRejectedError struct {
	Reason string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}
