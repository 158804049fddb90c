package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferfront/inferfront/internal/identity"
)

func newRedisLedger(t *testing.T, tiers map[identity.Tier]TierLimit, idleTTL time.Duration) (*RedisLedger, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ledger := NewRedisLedger(client, tiers, idleTTL)
	clock := newFakeClock()
	ledger.now = clock.Now
	return ledger, clock
}

func TestRedisLedgerBurst(t *testing.T) {
	ledger, clock := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ident := identity.Identity{ID: "caller-1", Tier: identity.TierFree}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := ledger.TryConsume(ctx, ident, 1)
		require.NoError(t, err)
		require.Equal(t, Allowed, d.Verdict, "burst request %d", i+1)
	}

	d, err := ledger.TryConsume(ctx, ident, 1)
	require.NoError(t, err)
	require.Equal(t, Denied, d.Verdict)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(50*time.Millisecond))

	clock.Advance(time.Second)
	d, err = ledger.TryConsume(ctx, ident, 1)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Verdict)

	d, err = ledger.TryConsume(ctx, ident, 1)
	require.NoError(t, err)
	assert.Equal(t, Denied, d.Verdict)
}

func TestRedisLedgerCostExceedsCapacityIsTerminal(t *testing.T) {
	ledger, clock := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ident := identity.Identity{ID: "caller-1", Tier: identity.TierFree}
	ctx := context.Background()

	for _, advance := range []time.Duration{0, time.Hour} {
		clock.Advance(advance)
		d, err := ledger.TryConsume(ctx, ident, 11)
		require.NoError(t, err)
		assert.Equal(t, CostExceedsCapacity, d.Verdict)
		assert.Zero(t, d.RetryAfter)
	}
}

func TestRedisLedgerDeniedDoesNotSpend(t *testing.T) {
	ledger, _ := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ident := identity.Identity{ID: "caller-1", Tier: identity.TierFree}
	ctx := context.Background()

	d, err := ledger.TryConsume(ctx, ident, 4)
	require.NoError(t, err)
	require.Equal(t, Allowed, d.Verdict)

	d, err = ledger.TryConsume(ctx, ident, 7)
	require.NoError(t, err)
	require.Equal(t, Denied, d.Verdict)
	assert.InDelta(t, 6, d.Remaining, 0.001)

	d, err = ledger.TryConsume(ctx, ident, 6)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Verdict)
}

func TestRedisLedgerFractionalRefill(t *testing.T) {
	ledger, clock := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ident := identity.Identity{ID: "caller-1", Tier: identity.TierFree}
	ctx := context.Background()

	d, err := ledger.TryConsume(ctx, ident, 10)
	require.NoError(t, err)
	require.Equal(t, Allowed, d.Verdict)

	clock.Advance(500 * time.Millisecond)
	d, err = ledger.TryConsume(ctx, ident, 1)
	require.NoError(t, err)
	require.Equal(t, Denied, d.Verdict)
	assert.InDelta(t, 0.5, d.Remaining, 0.01)
	assert.InDelta(t, 500*time.Millisecond, d.RetryAfter, float64(20*time.Millisecond))
}

func TestRedisLedgerIdentitiesAreIndependent(t *testing.T) {
	ledger, _ := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ctx := context.Background()

	d, err := ledger.TryConsume(ctx, identity.Identity{ID: "caller-a", Tier: identity.TierFree}, 10)
	require.NoError(t, err)
	require.Equal(t, Allowed, d.Verdict)

	d, err = ledger.TryConsume(ctx, identity.Identity{ID: "caller-b", Tier: identity.TierFree}, 10)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Verdict)
}

func TestRedisLedgerSnapshot(t *testing.T) {
	ledger, clock := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)
	ident := identity.Identity{ID: "caller-1", Tier: identity.TierFree}
	ctx := context.Background()

	// No state yet: full bucket.
	d, err := ledger.Snapshot(ctx, ident)
	require.NoError(t, err)
	assert.InDelta(t, 10, d.Remaining, 0.001)

	_, err = ledger.TryConsume(ctx, ident, 4)
	require.NoError(t, err)

	d, err = ledger.Snapshot(ctx, ident)
	require.NoError(t, err)
	assert.InDelta(t, 6, d.Remaining, 0.001)

	// Snapshots see lazy refill without writing anything.
	clock.Advance(2 * time.Second)
	d, err = ledger.Snapshot(ctx, ident)
	require.NoError(t, err)
	assert.InDelta(t, 8, d.Remaining, 0.001)
}

func TestRedisLedgerUnknownTier(t *testing.T) {
	ledger, _ := newRedisLedger(t, freeTier(10, 1), 10*time.Minute)

	_, err := ledger.TryConsume(context.Background(), identity.Identity{ID: "x", Tier: identity.TierEnterprise}, 1)
	require.Error(t, err)
}

func TestRedisLedgerUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := NewRedisLedger(client, freeTier(10, 1), 10*time.Minute)

	mr.Close()

	_, err := ledger.TryConsume(context.Background(), identity.Identity{ID: "x", Tier: identity.TierFree}, 1)
	require.Error(t, err, "an unreachable store must surface as an error, not a quota verdict")
}
