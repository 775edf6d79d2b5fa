// Package claim implements the distributed idempotency primitive for
// the trigger-to-order pipeline. A claim is a keyed record enforcing
// at-most-once execution: the first caller to claim a (entity,
// idempotency key) pair proceeds, everyone else is told what happened
// instead.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a claim record.
type Status string

const (
	// StatusNone means no record exists (or it expired).
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrDuplicateInFlight indicates a concurrent attempt holds the claim.
// Callers should report "already processing", not retry immediately.
var ErrDuplicateInFlight = errors.New("duplicate operation in flight")

// Decision is the outcome of a claim attempt.
type Decision struct {
	// Allowed is true for exactly one claimant per (entity, key) pair.
	Allowed bool
	// Status is the visible record status when Allowed is false.
	Status Status
	// CachedResult holds the stored result when Status is completed.
	CachedResult json.RawMessage
	// WasReplay is true when a completed record answered the call.
	WasReplay bool
}

// Store is the claim-store contract. Implementations must make
// CheckAndClaim a single atomic conditional operation against the
// backing store; a read-then-write sequence leaves a race window
// between concurrent claimants.
type Store interface {
	// CheckAndClaim atomically creates a pending record if none
	// exists. A failed record is cleared and re-claimed in the same
	// call, so a previous failure never permanently blocks retries.
	CheckAndClaim(ctx context.Context, entityID, idempotencyKey, tenantID string) (Decision, error)

	// MarkCompleted overwrites the record to completed with a long TTL
	// so replays return the cached result instead of re-executing side
	// effects. No-op if the record already expired.
	MarkCompleted(ctx context.Context, entityID, idempotencyKey string, result json.RawMessage) error

	// MarkFailed overwrites the record to failed with a short TTL to
	// bound how long a failure blocks retries. No-op if the record
	// already expired.
	MarkFailed(ctx context.Context, entityID, idempotencyKey string, cause error) error
}

// TTLConfig tunes how long each record status survives.
type TTLConfig struct {
	// Pending bounds how long a crashed worker can hold a claim.
	Pending time.Duration
	// Completed bounds the replay-cache window.
	Completed time.Duration
	// Failed bounds how long a failure blocks the next retry.
	Failed time.Duration
}

// DefaultTTLConfig returns the production defaults.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Pending:   30 * time.Second,
		Completed: 10 * time.Minute,
		Failed:    5 * time.Second,
	}
}

// record is the stored claim payload.
type record struct {
	Status    Status          `json:"status"`
	TenantID  string          `json:"tenant_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func claimKey(entityID, idempotencyKey string) string {
	return "replen:claim:" + entityID + ":" + idempotencyKey
}
