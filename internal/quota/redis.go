package quota

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inferfront/inferfront/internal/identity"
)

// consumeScript refills and debits one bucket atomically. Timestamps are
// supplied by the caller in milliseconds so the script never consults
// server time. Reply: {verdict, tokens, wait_ms} with verdict 0 allowed,
// 1 denied, 2 cost exceeds capacity.
const consumeScript = `
local tokens_key = KEYS[1]
local stamp_key = KEYS[2]

local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local tokens = tonumber(redis.call('GET', tokens_key))
local stamp = tonumber(redis.call('GET', stamp_key))
if tokens == nil or stamp == nil then
  tokens = capacity
  stamp = now_ms
end

local elapsed = now_ms - stamp
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_per_ms)

local verdict = 0
local wait_ms = 0
if cost > capacity then
  verdict = 2
elseif tokens < cost then
  verdict = 1
  wait_ms = math.ceil((cost - tokens) / refill_per_ms)
else
  tokens = tokens - cost
end

redis.call('SET', tokens_key, tostring(tokens), 'PX', ttl_ms)
redis.call('SET', stamp_key, tostring(now_ms), 'PX', ttl_ms)

return {verdict, tostring(tokens), wait_ms}
`

// RedisLedger keeps buckets in Redis so replicas share one view of every
// identity's quota. Each decision costs one round trip; the Lua script
// keeps refill and debit atomic.
type RedisLedger struct {
	client  *redis.Client
	script  *redis.Script
	tiers   map[identity.Tier]TierLimit
	idleTTL time.Duration
	now     func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

func NewRedisLedger(client *redis.Client, tiers map[identity.Tier]TierLimit, idleTTL time.Duration) *RedisLedger {
	return &RedisLedger{
		client:  client,
		script:  redis.NewScript(consumeScript),
		tiers:   tiers,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (l *RedisLedger) TryConsume(ctx context.Context, ident identity.Identity, cost int) (Decision, error) {
	limit, ok := l.tiers[ident.Tier]
	if !ok {
		return Decision{}, fmt.Errorf("no limit configured for tier %q", ident.Tier)
	}

	now := l.now()
	keys := []string{l.key(ident.ID, "tokens"), l.key(ident.ID, "ts")}

	res, err := l.script.Run(ctx, l.client, keys,
		limit.Capacity,
		limit.RefillPerSecond/1000.0,
		cost,
		now.UnixMilli(),
		l.keyTTL(limit).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to consume quota: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected quota script reply: %v", res)
	}

	verdict, _ := vals[0].(int64)
	remaining, err := strconv.ParseFloat(vals[1].(string), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("unexpected quota script tokens %q: %w", vals[1], err)
	}
	waitMs, _ := vals[2].(int64)

	d := Decision{
		Remaining:  remaining,
		Capacity:   limit.Capacity,
		ResetAfter: resetAfter(remaining, limit.RefillPerSecond),
	}
	switch verdict {
	case 0:
		d.Verdict = Allowed
	case 1:
		d.Verdict = Denied
		d.RetryAfter = time.Duration(waitMs) * time.Millisecond
	case 2:
		d.Verdict = CostExceedsCapacity
	default:
		return Decision{}, fmt.Errorf("unexpected quota script verdict %d", verdict)
	}
	return d, nil
}

// Snapshot derives the current token count from the stored state and the
// caller clock. Reads are not atomic against concurrent consumes, which
// is fine for reporting.
func (l *RedisLedger) Snapshot(ctx context.Context, ident identity.Identity) (Decision, error) {
	limit, ok := l.tiers[ident.Tier]
	if !ok {
		return Decision{}, fmt.Errorf("no limit configured for tier %q", ident.Tier)
	}

	now := l.now()
	vals, err := l.client.MGet(ctx, l.key(ident.ID, "tokens"), l.key(ident.ID, "ts")).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read quota: %w", err)
	}

	remaining := limit.Capacity
	if len(vals) == 2 && vals[0] != nil && vals[1] != nil {
		tokensStr, ok1 := vals[0].(string)
		stampStr, ok2 := vals[1].(string)
		if ok1 && ok2 {
			tokens, err1 := strconv.ParseFloat(tokensStr, 64)
			stamp, err2 := strconv.ParseInt(stampStr, 10, 64)
			if err1 == nil && err2 == nil {
				elapsed := float64(now.UnixMilli() - stamp)
				if elapsed < 0 {
					elapsed = 0
				}
				remaining = math.Min(limit.Capacity, tokens+elapsed*limit.RefillPerSecond/1000.0)
			}
		}
	}

	return Decision{
		Verdict:    Allowed,
		Remaining:  remaining,
		Capacity:   limit.Capacity,
		ResetAfter: resetAfter(remaining, limit.RefillPerSecond),
	}, nil
}

func (l *RedisLedger) key(id, field string) string {
	return fmt.Sprintf("quota:%s:%s", id, field)
}

// keyTTL matches the memory ledger's eviction rule: state may only
// expire once the bucket would have refilled completely anyway.
func (l *RedisLedger) keyTTL(limit TierLimit) time.Duration {
	ttl := l.idleTTL
	if fill := fullRefill(limit); fill > ttl {
		ttl = fill
	}
	return ttl
}
