package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS prediction_cache (
	fingerprint TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	model_version TEXT NOT NULL,
	value BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prediction_cache_model ON prediction_cache (model);
CREATE INDEX IF NOT EXISTS idx_prediction_cache_last_access ON prediction_cache (last_access);
`

// SQLiteStore persists predictions across restarts. Fingerprints are
// stable between processes, so a warm file keeps serving after a
// redeploy. Recency for LRU eviction is tracked in the last_access
// column.
type SQLiteStore struct {
	db  *sql.DB
	max int
	now func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, maxEntries int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLiteStore{db: db, max: maxEntries, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint, currentVersion string) (Entry, bool, error) {
	var (
		e        Entry
		storedAt int64
		ttlNs    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model, model_version, value, stored_at, ttl_ns FROM prediction_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Model, &e.ModelVersion, &e.Value, &storedAt, &ttlNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.misses.Add(1)
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.Fingerprint = fingerprint
	e.StoredAt = time.Unix(0, storedAt)
	e.TTL = time.Duration(ttlNs)

	now := s.now()
	if !e.servableAt(now, currentVersion) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM prediction_cache WHERE fingerprint = ?`, fingerprint)
		s.misses.Add(1)
		return Entry{}, false, nil
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE prediction_cache SET last_access = ? WHERE fingerprint = ?`,
		now.UnixNano(), fingerprint,
	)

	s.hits.Add(1)
	return e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO prediction_cache (fingerprint, model, model_version, value, stored_at, ttl_ns, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, e.Model, e.ModelVersion, e.Value, e.StoredAt.UnixNano(), int64(e.TTL), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	return s.pruneLRU(ctx)
}

// pruneLRU deletes the least recently used rows beyond the entry bound.
func (s *SQLiteStore) pruneLRU(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prediction_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache prune: %w", err)
	}

	over := count - int64(s.max)
	if over <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM prediction_cache WHERE fingerprint IN (
			SELECT fingerprint FROM prediction_cache ORDER BY last_access ASC LIMIT ?)`,
		over,
	)
	if err != nil {
		return fmt.Errorf("cache prune: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.evictions.Add(n)
	}
	return nil
}

func (s *SQLiteStore) InvalidateVersion(ctx context.Context, model, keepVersion string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM prediction_cache WHERE model = ? AND model_version != ?`,
		model, keepVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prediction_cache`).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return Stats{
		Entries:   count,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
