package cache

import (
	"context"
	"time"
)

// Entry is one cached prediction. Entries are immutable once stored:
// replacement and eviction swap whole values, never mutate one in place.
type Entry struct {
	Fingerprint  string
	Model        string
	ModelVersion string
	Value        []byte
	StoredAt     time.Time
	TTL          time.Duration
}

// servableAt enforces both halves of the servability invariant: the
// entry's version must match the active model version and its TTL must
// not have elapsed.
func (e Entry) servableAt(t time.Time, currentVersion string) bool {
	if e.ModelVersion != currentVersion {
		return false
	}
	return t.Before(e.StoredAt.Add(e.TTL))
}

type Stats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Store is a bounded prediction cache. The per-read servability check is
// the primary staleness guarantee; InvalidateVersion sweeps are an
// optimization layered on top of it.
type Store interface {
	// Get returns the entry for fingerprint if it is still servable
	// under currentVersion. Stale or corrupt entries are dropped and
	// reported as a miss, never as an error.
	Get(ctx context.Context, fingerprint, currentVersion string) (Entry, bool, error)

	// Put stores a fully materialized result.
	Put(ctx context.Context, e Entry) error

	// InvalidateVersion eagerly drops the model's entries whose version
	// differs from keepVersion and reports how many were dropped.
	InvalidateVersion(ctx context.Context, model, keepVersion string) (int, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}
