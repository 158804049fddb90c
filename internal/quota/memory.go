package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inferfront/inferfront/internal/identity"
)

// MemoryLedger keeps one token bucket per identity in process memory.
// Buckets are created lazily on first use and evicted once idle long
// enough to have refilled completely, so a recreated bucket (which
// starts full) is indistinguishable from one that was left alone.
type MemoryLedger struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	tiers   map[identity.Tier]TierLimit
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type bucket struct {
	lim        *rate.Limiter
	tier       identity.Tier
	lastAccess time.Time // guarded by the ledger mutex
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(tiers map[identity.Tier]TierLimit, idleTTL time.Duration, logger *slog.Logger) *MemoryLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryLedger{
		buckets: make(map[string]*bucket),
		tiers:   tiers,
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
	}
}

func (l *MemoryLedger) TryConsume(ctx context.Context, ident identity.Identity, cost int) (Decision, error) {
	limit, ok := l.tiers[ident.Tier]
	if !ok {
		return Decision{}, fmt.Errorf("no limit configured for tier %q", ident.Tier)
	}

	now := l.now()
	b := l.bucket(ident, limit, now)

	d := Decision{Capacity: limit.Capacity}

	if float64(cost) > limit.Capacity {
		d.Verdict = CostExceedsCapacity
		d.Remaining = b.lim.TokensAt(now)
		d.ResetAfter = resetAfter(d.Remaining, limit.RefillPerSecond)
		return d, nil
	}

	if b.lim.AllowN(now, cost) {
		d.Verdict = Allowed
		d.Remaining = b.lim.TokensAt(now)
		d.ResetAfter = resetAfter(d.Remaining, limit.RefillPerSecond)
		return d, nil
	}

	tokens := b.lim.TokensAt(now)
	d.Verdict = Denied
	d.Remaining = tokens
	d.RetryAfter = refillDelay(float64(cost)-tokens, limit.RefillPerSecond)
	d.ResetAfter = resetAfter(tokens, limit.RefillPerSecond)
	return d, nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context, ident identity.Identity) (Decision, error) {
	limit, ok := l.tiers[ident.Tier]
	if !ok {
		return Decision{}, fmt.Errorf("no limit configured for tier %q", ident.Tier)
	}

	now := l.now()
	b := l.bucket(ident, limit, now)

	remaining := b.lim.TokensAt(now)
	return Decision{
		Verdict:    Allowed,
		Remaining:  remaining,
		Capacity:   limit.Capacity,
		ResetAfter: resetAfter(remaining, limit.RefillPerSecond),
	}, nil
}

// bucket returns the identity's bucket, creating it full on first use.
// The map lock is released before any token accounting happens; the
// rate.Limiter linearizes consumption for the identity on its own.
func (l *MemoryLedger) bucket(ident identity.Identity, limit TierLimit, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ident.ID]
	if !ok || b.tier != ident.Tier {
		// A tier change rebuilds the bucket at the new shape.
		b = &bucket{
			lim:  rate.NewLimiter(rate.Limit(limit.RefillPerSecond), int(limit.Capacity)),
			tier: ident.Tier,
		}
		l.buckets[ident.ID] = b
	}
	b.lastAccess = now
	return b
}

// Sweep evicts buckets idle for at least the idle TTL, never sooner than
// a full refill would take. Returns the number of evicted buckets.
func (l *MemoryLedger) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, b := range l.buckets {
		idle := l.idleTTL
		if limit, ok := l.tiers[b.tier]; ok {
			if fill := fullRefill(limit); fill > idle {
				idle = fill
			}
		}
		if now.Sub(b.lastAccess) >= idle {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs Sweep on a fixed interval until ctx is canceled.
func (l *MemoryLedger) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("evicted idle quota buckets", "count", n)
				}
			}
		}
	}()
}

// Len reports the number of live buckets.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
