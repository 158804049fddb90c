package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLimits(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultLimitsValid(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())
}

func TestLoadLimitsKeepsDefaultsForOmittedSections(t *testing.T) {
	path := writeLimits(t, `
tiers:
  pro:
    capacity: 1200
    refill_per_second: 20
`)

	limits, err := LoadLimits(path)
	require.NoError(t, err)

	assert.Equal(t, float64(1200), limits.Tiers["pro"].Capacity)
	// Untouched tiers and sections keep their defaults.
	assert.Equal(t, float64(60), limits.Tiers["free"].Capacity)
	assert.Equal(t, StoreMemory, limits.Cache.Backend)
	assert.Equal(t, 10*time.Second, limits.Admission.RequestTimeout())
	assert.Equal(t, 10000, limits.Cache.MaxEntries)
}

func TestLoadLimitsExpandsEnv(t *testing.T) {
	t.Setenv("TEST_SQLITE_PATH", "/tmp/pred.db")
	path := writeLimits(t, `
cache:
  backend: sqlite
  sqlite_path: ${TEST_SQLITE_PATH}
`)

	limits, err := LoadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pred.db", limits.Cache.SQLitePath)
}

func TestLoadLimitsRejectsMissingFile(t *testing.T) {
	_, err := LoadLimits(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Limits)
		wantErr string
	}{
		{
			name:    "non-positive capacity",
			mutate:  func(l *Limits) { l.Tiers["free"] = TierLimit{Capacity: 0, RefillPerSecond: 1} },
			wantErr: "capacity must be positive",
		},
		{
			name:    "non-positive refill",
			mutate:  func(l *Limits) { l.Tiers["free"] = TierLimit{Capacity: 10, RefillPerSecond: 0} },
			wantErr: "refill_per_second must be positive",
		},
		{
			name:    "non-positive cost",
			mutate:  func(l *Limits) { l.Endpoints["predict"] = EndpointLimit{Model: "default", Cost: 0} },
			wantErr: "cost must be positive",
		},
		{
			name: "endpoint with unknown model",
			mutate: func(l *Limits) {
				l.Endpoints["predict"] = EndpointLimit{Model: "missing", Cost: 1}
			},
			wantErr: "unknown model",
		},
		{
			name: "cacheable without ttl",
			mutate: func(l *Limits) {
				l.Endpoints["predict"] = EndpointLimit{Model: "default", Cost: 1, Cacheable: true}
			},
			wantErr: "cache_ttl_seconds",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(l *Limits) { l.Cache.Backend = "memcached" },
			wantErr: "unknown backend",
		},
		{
			name:    "sqlite without path",
			mutate:  func(l *Limits) { l.Cache.Backend = StoreSQLite; l.Cache.SQLitePath = "" },
			wantErr: "sqlite_path",
		},
		{
			name:    "unknown quota store",
			mutate:  func(l *Limits) { l.Quota.Store = "postgres" },
			wantErr: "unknown store",
		},
		{
			name:    "hit cost percent out of range",
			mutate:  func(l *Limits) { l.Admission.HitCostPercent = 150 },
			wantErr: "hit_cost_percent",
		},
		{
			name: "static key with unknown tier",
			mutate: func(l *Limits) {
				l.Identity.Keys = []StaticKey{{Key: "k", Identity: "id", Tier: "platinum"}}
			},
			wantErr: "unknown tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			tt.mutate(limits)
			err := limits.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNeedsRedis(t *testing.T) {
	limits := DefaultLimits()
	assert.False(t, limits.NeedsRedis())

	limits.Quota.Store = StoreRedis
	assert.True(t, limits.NeedsRedis())

	limits.Quota.Store = StoreMemory
	limits.Cache.Backend = StoreRedis
	assert.True(t, limits.NeedsRedis())
}
