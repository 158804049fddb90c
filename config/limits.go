package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store selectors accepted by Validate.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Limits is the YAML half of the configuration: quota tiers, endpoint
// costs, model versions, and store selection. Values omitted in the file
// keep their defaults.
type Limits struct {
	Tiers     map[string]TierLimit     `yaml:"tiers"`
	Endpoints map[string]EndpointLimit `yaml:"endpoints"`
	Models    map[string]ModelInfo     `yaml:"models"`
	Cache     CacheSettings            `yaml:"cache"`
	Quota     QuotaSettings            `yaml:"quota"`
	Admission AdmissionSettings        `yaml:"admission"`
	Identity  IdentitySettings         `yaml:"identity"`
}

// TierLimit is the token bucket shape for one quota tier.
type TierLimit struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// EndpointLimit prices one endpoint and controls its cache behavior.
type EndpointLimit struct {
	Model           string `yaml:"model"`
	Cost            int    `yaml:"cost"`
	Cacheable       bool   `yaml:"cacheable"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

func (e EndpointLimit) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}

type ModelInfo struct {
	Version string `yaml:"version"`
}

type CacheSettings struct {
	Backend    string `yaml:"backend"` // memory, sqlite or redis
	MaxEntries int    `yaml:"max_entries"`
	SQLitePath string `yaml:"sqlite_path"`
}

type QuotaSettings struct {
	Store                string `yaml:"store"` // memory or redis
	IdleBucketTTLSeconds int    `yaml:"idle_bucket_ttl_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

func (q QuotaSettings) IdleBucketTTL() time.Duration {
	return time.Duration(q.IdleBucketTTLSeconds) * time.Second
}

func (q QuotaSettings) SweepInterval() time.Duration {
	return time.Duration(q.SweepIntervalSeconds) * time.Second
}

type AdmissionSettings struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	BackendTimeoutSeconds int `yaml:"backend_timeout_seconds"`
	// HitCostPercent charges a fraction of the endpoint cost on cache
	// hits. 0 means hits bypass the quota ledger entirely.
	HitCostPercent int `yaml:"hit_cost_percent"`
}

func (a AdmissionSettings) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func (a AdmissionSettings) BackendTimeout() time.Duration {
	return time.Duration(a.BackendTimeoutSeconds) * time.Second
}

type IdentitySettings struct {
	Keys []StaticKey `yaml:"keys"`
}

// StaticKey is one preshared API key for deployments without Postgres.
type StaticKey struct {
	Key      string `yaml:"key"`
	Identity string `yaml:"identity"`
	Tier     string `yaml:"tier"`
}

// DefaultLimits returns the limits used when no file is supplied.
func DefaultLimits() *Limits {
	return &Limits{
		Tiers: map[string]TierLimit{
			"free":       {Capacity: 60, RefillPerSecond: 1},
			"pro":        {Capacity: 600, RefillPerSecond: 10},
			"enterprise": {Capacity: 6000, RefillPerSecond: 100},
		},
		Endpoints: map[string]EndpointLimit{
			"predict": {Model: "default", Cost: 1, Cacheable: true, CacheTTLSeconds: 300},
		},
		Models: map[string]ModelInfo{
			"default": {Version: "1"},
		},
		Cache: CacheSettings{
			Backend:    StoreMemory,
			MaxEntries: 10000,
			SQLitePath: "predictions.db",
		},
		Quota: QuotaSettings{
			Store:                StoreMemory,
			IdleBucketTTLSeconds: 600,
			SweepIntervalSeconds: 60,
		},
		Admission: AdmissionSettings{
			RequestTimeoutSeconds: 10,
			BackendTimeoutSeconds: 30,
			HitCostPercent:        0,
		},
	}
}

// LoadLimits reads a YAML limits file, expands environment variables and
// validates the result. Keys absent from the file keep the defaults.
func LoadLimits(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	limits := DefaultLimits()
	if err := yaml.Unmarshal([]byte(expanded), limits); err != nil {
		return nil, fmt.Errorf("parse limits config: %w", err)
	}

	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return limits, nil
}

func (l *Limits) Validate() error {
	if len(l.Tiers) == 0 {
		return fmt.Errorf("limits: at least one tier is required")
	}
	for name, t := range l.Tiers {
		if t.Capacity <= 0 {
			return fmt.Errorf("limits: tier %q: capacity must be positive", name)
		}
		if t.RefillPerSecond <= 0 {
			return fmt.Errorf("limits: tier %q: refill_per_second must be positive", name)
		}
	}

	if len(l.Endpoints) == 0 {
		return fmt.Errorf("limits: at least one endpoint is required")
	}
	for name, e := range l.Endpoints {
		if e.Cost <= 0 {
			return fmt.Errorf("limits: endpoint %q: cost must be positive", name)
		}
		if e.Model == "" {
			return fmt.Errorf("limits: endpoint %q: model is required", name)
		}
		if _, ok := l.Models[e.Model]; !ok {
			return fmt.Errorf("limits: endpoint %q: unknown model %q", name, e.Model)
		}
		if e.Cacheable && e.CacheTTLSeconds <= 0 {
			return fmt.Errorf("limits: endpoint %q: cacheable endpoints need a positive cache_ttl_seconds", name)
		}
	}

	for name, m := range l.Models {
		if m.Version == "" {
			return fmt.Errorf("limits: model %q: version is required", name)
		}
	}

	switch l.Cache.Backend {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if l.Cache.SQLitePath == "" {
			return fmt.Errorf("limits: cache: sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("limits: cache: unknown backend %q", l.Cache.Backend)
	}
	if l.Cache.MaxEntries <= 0 {
		return fmt.Errorf("limits: cache: max_entries must be positive")
	}

	switch l.Quota.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("limits: quota: unknown store %q", l.Quota.Store)
	}
	if l.Quota.IdleBucketTTLSeconds <= 0 {
		return fmt.Errorf("limits: quota: idle_bucket_ttl_seconds must be positive")
	}
	if l.Quota.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("limits: quota: sweep_interval_seconds must be positive")
	}

	if l.Admission.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("limits: admission: request_timeout_seconds must be positive")
	}
	if l.Admission.BackendTimeoutSeconds <= 0 {
		return fmt.Errorf("limits: admission: backend_timeout_seconds must be positive")
	}
	if l.Admission.HitCostPercent < 0 || l.Admission.HitCostPercent > 100 {
		return fmt.Errorf("limits: admission: hit_cost_percent must be between 0 and 100")
	}

	for i, k := range l.Identity.Keys {
		if k.Key == "" || k.Identity == "" {
			return fmt.Errorf("limits: identity: key %d: key and identity are required", i)
		}
		if _, ok := l.Tiers[k.Tier]; !ok {
			return fmt.Errorf("limits: identity: key %d: unknown tier %q", i, k.Tier)
		}
	}

	return nil
}

// NeedsRedis reports whether any configured store requires a Redis
// connection.
func (l *Limits) NeedsRedis() bool {
	return l.Cache.Backend == StoreRedis || l.Quota.Store == StoreRedis
}
