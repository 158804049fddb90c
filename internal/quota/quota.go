package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/inferfront/inferfront/internal/identity"
)

// Verdict classifies the outcome of a consume attempt.
type Verdict int

const (
	Allowed Verdict = iota
	// Denied means the bucket will refill enough eventually; retry after
	// Decision.RetryAfter.
	Denied
	// CostExceedsCapacity means the cost can never fit the tier's bucket.
	// Terminal: retrying cannot succeed.
	CostExceedsCapacity
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case CostExceedsCapacity:
		return "cost_exceeds_capacity"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision is the outcome of a ledger operation. Quota outcomes are never
// Go errors; the error return of ledger methods is reserved for
// infrastructure failures (for example an unreachable Redis).
type Decision struct {
	Verdict   Verdict
	Remaining float64 // tokens left after the operation
	Capacity  float64 // bucket capacity for the identity's tier

	// RetryAfter is how long until the denied cost would fit. Set only
	// when Verdict is Denied.
	RetryAfter time.Duration

	// ResetAfter is how long until at least one full token is available
	// again. Zero when a token is already free.
	ResetAfter time.Duration
}

// TierLimit is the token bucket shape for one tier.
type TierLimit struct {
	Capacity        float64
	RefillPerSecond float64
}

// fullRefill is the time an empty bucket needs to fill completely.
func fullRefill(limit TierLimit) time.Duration {
	return time.Duration(limit.Capacity / limit.RefillPerSecond * float64(time.Second))
}

func resetAfter(remaining, refillPerSecond float64) time.Duration {
	if remaining >= 1 {
		return 0
	}
	return time.Duration((1 - remaining) / refillPerSecond * float64(time.Second))
}

func refillDelay(deficit, refillPerSecond float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / refillPerSecond * float64(time.Second))
}

// Ledger hands out admission tokens per identity. Consumption for a
// single identity is linearized; identities never contend with each
// other beyond brief bucket map access.
type Ledger interface {
	// TryConsume takes cost tokens from the identity's bucket.
	TryConsume(ctx context.Context, ident identity.Identity, cost int) (Decision, error)

	// Snapshot reports the bucket state without consuming anything.
	Snapshot(ctx context.Context, ident identity.Identity) (Decision, error)
}
