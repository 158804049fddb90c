package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pred:"

// redisEnvelope is the stored form of an entry. Value rides along
// base64-encoded so non-JSON payloads survive.
type redisEnvelope struct {
	Model        string `json:"model"`
	ModelVersion string `json:"model_version"`
	Value        []byte `json:"value"`
	StoredAt     int64  `json:"stored_at"` // unix nanoseconds
	TTLNs        int64  `json:"ttl_ns"`
}

// RedisStore shares one prediction cache between replicas. Expiry rides
// on the server's key TTL; capacity bounding is delegated to the
// server's maxmemory LRU policy. Corrupt payloads are dropped on read
// and reported as a miss, so the cache self-heals by recomputation.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	corruptions atomic.Int64
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint, currentVersion string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.corruptions.Add(1)
		s.misses.Add(1)
		s.logger.Warn("dropping corrupt cache entry", "fingerprint", fingerprint, "error", err)
		_ = s.client.Del(ctx, redisKeyPrefix+fingerprint).Err()
		return Entry{}, false, nil
	}

	e := Entry{
		Fingerprint:  fingerprint,
		Model:        env.Model,
		ModelVersion: env.ModelVersion,
		Value:        env.Value,
		StoredAt:     time.Unix(0, env.StoredAt),
		TTL:          time.Duration(env.TTLNs),
	}
	if !e.servableAt(s.now(), currentVersion) {
		_ = s.client.Del(ctx, redisKeyPrefix+fingerprint).Err()
		s.misses.Add(1)
		return Entry{}, false, nil
	}

	s.hits.Add(1)
	return e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	env := redisEnvelope{
		Model:        e.Model,
		ModelVersion: e.ModelVersion,
		Value:        e.Value,
		StoredAt:     e.StoredAt.UnixNano(),
		TTLNs:        int64(e.TTL),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+e.Fingerprint, raw, e.TTL).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidateVersion(ctx context.Context, model, keepVersion string) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("cache invalidate: %w", err)
		}

		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var env redisEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				_ = s.client.Del(ctx, key).Err()
				continue
			}
			if env.Model == model && env.ModelVersion != keepVersion {
				if s.client.Del(ctx, key).Err() == nil {
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var entries int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 200).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("cache stats: %w", err)
		}
		entries += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// Evictions happen server-side under the maxmemory policy and are
	// not visible here.
	return Stats{
		Entries: entries,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}, nil
}

// Close is a no-op; the Redis client is shared and owned by the caller.
func (s *RedisStore) Close() error { return nil }
