package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock pins time so TTL checks are deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func entryAt(clk *fakeClock, fingerprint, model, version, value string, ttl time.Duration) Entry {
	return Entry{
		Fingerprint:  fingerprint,
		Model:        model,
		ModelVersion: version,
		Value:        []byte(value),
		StoredAt:     clk.Now(),
		TTL:          ttl,
	}
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(10)
	store.now = clk.Now
	ctx := context.Background()

	e := entryAt(clk, "fp-1", "fraud", "3", `{"score":0.93}`, 5*time.Minute)
	require.NoError(t, store.Put(ctx, e))

	got, ok, err := store.Get(ctx, "fp-1", "3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"score":0.93}`), got.Value)
	assert.Equal(t, "fraud", got.Model)
	assert.Equal(t, "3", got.ModelVersion)
}

func TestMemoryStoreMissUnknown(t *testing.T) {
	store := NewMemoryStore(10)

	_, ok, err := store.Get(context.Background(), "nope", "3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(10)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-1", "fraud", "3", "v", 5*time.Minute)))

	// One instant before expiry the entry still serves.
	clk.Advance(5*time.Minute - time.Nanosecond)
	_, ok, err := store.Get(ctx, "fp-1", "3")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(time.Nanosecond)
	_, ok, err = store.Get(ctx, "fp-1", "3")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expiry drops the entry, it does not just hide it.
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestMemoryStoreVersionMismatch(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(10)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-1", "fraud", "3", "v", time.Hour)))

	// TTL is still live, but the active version moved on.
	_, ok, err := store.Get(ctx, "fp-1", "4")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestMemoryStoreInvalidateVersion(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(10)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-1", "fraud", "3", "v", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-2", "fraud", "3", "v", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-3", "fraud", "4", "v", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-4", "churn", "3", "v", time.Hour)))

	removed, err := store.InvalidateVersion(ctx, "fraud", "4")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The current-version entry and the other model survive.
	_, ok, _ := store.Get(ctx, "fp-3", "4")
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, "fp-4", "3")
	assert.True(t, ok)
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(2)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-a", "fraud", "3", "a", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-b", "fraud", "3", "b", time.Hour)))

	// Touch a so b becomes the least recently used.
	_, ok, _ := store.Get(ctx, "fp-a", "3")
	require.True(t, ok)

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-c", "fraud", "3", "c", time.Hour)))

	_, ok, _ = store.Get(ctx, "fp-b", "3")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok, _ = store.Get(ctx, "fp-a", "3")
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, "fp-c", "3")
	assert.True(t, ok)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryStoreReplaceDoesNotEvict(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(2)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-a", "fraud", "3", "old", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-b", "fraud", "3", "b", time.Hour)))
	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-a", "fraud", "3", "new", time.Hour)))

	got, ok, err := store.Get(ctx, "fp-a", "3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got.Value)

	_, ok, _ = store.Get(ctx, "fp-b", "3")
	assert.True(t, ok, "replacing in place must not evict the other entry")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Evictions)
}

func TestMemoryStoreStats(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore(10)
	store.now = clk.Now
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entryAt(clk, "fp-1", "fraud", "3", "v", time.Hour)))

	_, _, _ = store.Get(ctx, "fp-1", "3")
	_, _, _ = store.Get(ctx, "fp-1", "3")
	_, _, _ = store.Get(ctx, "absent", "3")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
