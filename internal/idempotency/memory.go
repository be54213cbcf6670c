package idempotency

import (
	"context"
	"sync"
	"time"

	"orderflow/internal/domain"
)

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

type record struct {
	fingerprint string
	response    []byte
	completed   bool
	expiresAt   time.Time
}

// MemoryLedger is an in-process Ledger with TTL expiry. All operations run
// under a single mutex; nothing inside the critical section performs I/O, so
// the check-and-set semantics hold without blocking concurrent requests for
// unrelated keys in any meaningful way.
//
// Records expire passively after the TTL (24h by default); an expired key
// may be reused and is treated as unseen.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*record
	ttl     time.Duration
	now     func() time.Time // overridable for tests
}

// NewMemoryLedger creates a MemoryLedger whose records expire after ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// CheckOrReserve implements Ledger.
func (l *MemoryLedger) CheckOrReserve(_ context.Context, key, fingerprint string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	rec, ok := l.records[key]
	if !ok {
		l.records[key] = &record{
			fingerprint: fingerprint,
			expiresAt:   now.Add(l.ttl),
		}
		return Result{Outcome: OutcomeReserved}, nil
	}

	if rec.fingerprint != fingerprint {
		return Result{}, domain.ErrIdempotencyConflict
	}
	if !rec.completed {
		return Result{Outcome: OutcomePending}, nil
	}
	return Result{Outcome: OutcomeHit, Response: rec.response}, nil
}

// Store implements Ledger. Storing against an unknown key (e.g. one swept
// between reserve and store) recreates it, keeping the replay shield intact.
func (l *MemoryLedger) Store(_ context.Context, key string, response []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		rec = &record{expiresAt: l.now().Add(l.ttl)}
		l.records[key] = rec
	}
	rec.response = response
	rec.completed = true
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
	return nil
}

// sweepLocked drops expired records. Called with l.mu held.
func (l *MemoryLedger) sweepLocked(now time.Time) {
	for k, rec := range l.records {
		if now.After(rec.expiresAt) {
			delete(l.records, k)
		}
	}
}
