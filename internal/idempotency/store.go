package idempotency

import (
	"context"
	"errors"
)

// ErrResultNotFound indicates no finalized result exists for the key.
var ErrResultNotFound = errors.New("idempotency result not found")

// Store maps a client-supplied request key to the serialized result of the
// first finalized execution of that request. A key maps to exactly one result
// forever; once written it is never overwritten.
type Store interface {
	// Lookup returns the finalized payload for key, or ErrResultNotFound.
	Lookup(ctx context.Context, key string) ([]byte, error)

	// Finalize stores payload for key exactly once and returns the winning
	// payload. If a concurrent Finalize already succeeded for the key, the
	// conflict is absorbed and the earlier payload is returned.
	Finalize(ctx context.Context, key string, payload []byte) ([]byte, error)
}
