// Package idempotency implements the ledger that shields batch creation
// against client retries. A ledger maps a caller-supplied key to the response
// produced the first time the key was seen; a retried request bearing the
// same key and the same payload replays that response byte for byte.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Outcome says what CheckOrReserve decided for a key.
type Outcome int

const (
	// OutcomeReserved means the key was unseen and is now reserved for the
	// caller; the caller must complete it with Store or undo it with
	// Release.
	OutcomeReserved Outcome = iota

	// OutcomeHit means the key was seen before with the same fingerprint;
	// Result.Response carries the cached response.
	OutcomeHit

	// OutcomePending means the key is reserved by a concurrent in-flight
	// request that has not stored its response yet.
	OutcomePending
)

// Result is the outcome of a CheckOrReserve call.
type Result struct {
	Outcome  Outcome
	Response []byte // cached response bytes, set only for OutcomeHit
}

// Ledger is the idempotency store contract. Reservation and store must be
// atomic with respect to concurrent requests bearing the same key; this is
// the one place the engine relies on cross-request mutual exclusion.
//
// A key reused with a different fingerprint is rejected with
// domain.ErrIdempotencyConflict rather than silently ignored.
type Ledger interface {
	// CheckOrReserve atomically looks up key. Unseen keys are reserved and
	// OutcomeReserved returned. Keys completed with a matching fingerprint
	// return OutcomeHit with the cached response.
	CheckOrReserve(ctx context.Context, key, fingerprint string) (Result, error)

	// Store completes a reservation with the response to replay on retries.
	Store(ctx context.Context, key string, response []byte) error

	// Release drops a reservation so the key can be retried, used when
	// batch creation fails after the reserve.
	Release(ctx context.Context, key string) error
}

// Fingerprint derives a stable digest of a request payload. Two requests
// with the same key must carry the same fingerprint to be considered
// retries of each other.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Request types are plain structs; marshalling them cannot fail in
		// practice. Fall back to a representation-based digest.
		data = []byte(fmt.Sprintf("%+v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
