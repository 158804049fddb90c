package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/inferfront/inferfront/internal/backend"
	"github.com/inferfront/inferfront/internal/cache"
	"github.com/inferfront/inferfront/internal/identity"
	"github.com/inferfront/inferfront/internal/quota"
)

// VersionSource reports the active version for a model, usually the
// invalidation bus.
type VersionSource interface {
	Current(model string) (string, bool)
}

type Config struct {
	Ledger    quota.Ledger
	Cache     cache.Store
	Versions  VersionSource
	Invoker   backend.Invoker
	Endpoints map[string]Endpoint

	// RequestTimeout bounds how long one caller waits on cache, quota,
	// and in-flight results. BackendTimeout bounds the shared backend
	// invocation itself.
	RequestTimeout time.Duration
	BackendTimeout time.Duration

	// HitCostPercent charges this fraction of the endpoint cost on a
	// cache hit. Zero (the default) lets hits bypass the ledger: a hit
	// consumes none of the backend compute the ledger protects.
	HitCostPercent int

	Tracer trace.Tracer
	Logger *slog.Logger
}

// Coordinator decides, in bounded time, whether a request is served from
// cache, admitted to the backend, or rejected. Concurrent requests that
// share a fingerprint share one backend invocation.
type Coordinator struct {
	ledger         quota.Ledger
	cache          cache.Store
	versions       VersionSource
	invoker        backend.Invoker
	endpoints      map[string]Endpoint
	requestTimeout time.Duration
	backendTimeout time.Duration
	hitCostPercent int
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time

	flights singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	coalesced   atomic.Int64
	denials     atomic.Int64
	backendErrs atomic.Int64
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("admission")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		ledger:         cfg.Ledger,
		cache:          cfg.Cache,
		versions:       cfg.Versions,
		invoker:        cfg.Invoker,
		endpoints:      cfg.Endpoints,
		requestTimeout: cfg.RequestTimeout,
		backendTimeout: cfg.BackendTimeout,
		hitCostPercent: cfg.HitCostPercent,
		tracer:         cfg.Tracer,
		logger:         cfg.Logger,
		now:            time.Now,
	}
}

// Admit runs the admission pipeline for one request: cache check, quota
// check, backend invocation, cache store. Failed invocations write
// nothing to the cache and already-debited tokens are not refunded; the
// failed attempt consumed real backend capacity.
func (c *Coordinator) Admit(ctx context.Context, req Request) (*Result, error) {
	ep, ok := c.endpoints[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEndpointUnknown, req.Endpoint)
	}
	version, ok := c.versions.Current(ep.Model)
	if !ok {
		return nil, fmt.Errorf("%w: no version registered for model %q", ErrEndpointUnknown, ep.Model)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "admission.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("identity", req.Identity.ID),
		attribute.String("tier", string(req.Identity.Tier)),
		attribute.String("request_id", req.RequestID),
	)

	if !ep.Cacheable {
		return c.admitUncached(ctx, req, ep, version)
	}

	fp := cache.Fingerprint(req.Endpoint, ep.Model, version, req.Input)

	if entry, ok := c.cacheGet(ctx, fp, version); ok {
		c.hits.Add(1)
		span.SetAttributes(attribute.String("cache_status", string(CacheHit)))
		d, err := c.chargeHit(ctx, req.Identity, ep)
		if err != nil {
			return nil, err
		}
		return &Result{
			Value:        entry.Value,
			CacheStatus:  CacheHit,
			ModelVersion: entry.ModelVersion,
			Quota:        d,
		}, nil
	}
	c.misses.Add(1)
	span.SetAttributes(attribute.String("cache_status", string(CacheMiss)))

	// One flight per fingerprint. The first caller runs it; everyone
	// else attaches and is resolved identically when it settles. The
	// flight runs on a detached context so no single caller's timeout
	// can cancel work the other waiters share.
	leader := false
	ch := c.flights.DoChan(fp, func() (any, error) {
		leader = true
		return c.runFlight(context.WithoutCancel(ctx), req, ep, fp, version)
	})

	select {
	case <-ctx.Done():
		// Abandons this caller only. The flight keeps running and its
		// result still lands in the cache for later requests.
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure, ErrWaitTimeout)
	case fr := <-ch:
		if !leader {
			c.coalesced.Add(1)
		}
		if fr.Err != nil {
			return nil, fr.Err
		}
		out := fr.Val.(*flightResult)
		res := &Result{
			Value:        out.value,
			CacheStatus:  CacheMiss,
			ModelVersion: out.modelVersion,
			Quota:        out.quota,
		}
		if out.fromCache {
			res.CacheStatus = CacheHit
		}
		if !leader {
			// Followers were not debited; report their own bucket
			// instead of the admitting caller's.
			if d, err := c.ledger.Snapshot(ctx, req.Identity); err == nil {
				res.Quota = d
			}
		}
		return res, nil
	}
}

// flightResult is what one shared flight resolves to for all waiters.
type flightResult struct {
	value        []byte
	modelVersion string
	quota        quota.Decision
	fromCache    bool
}

// runFlight performs the admitted path once per fingerprint: cache
// double-check, quota debit for the leading caller, backend invocation,
// cache store.
func (c *Coordinator) runFlight(ctx context.Context, req Request, ep Endpoint, fp, version string) (*flightResult, error) {
	// A flight that settled between our lookup and this one starting may
	// have stored the fingerprint already.
	if entry, ok := c.cacheGet(ctx, fp, version); ok {
		d, err := c.ledger.Snapshot(ctx, req.Identity)
		if err != nil {
			c.logger.Debug("quota snapshot failed", "identity", req.Identity.ID, "error", err)
		}
		return &flightResult{
			value:        entry.Value,
			modelVersion: entry.ModelVersion,
			quota:        d,
			fromCache:    true,
		}, nil
	}

	d, err := c.consume(ctx, req.Identity, ep.Cost)
	if err != nil {
		return nil, err
	}

	out, err := c.invoke(ctx, req, ep)
	if err != nil {
		c.backendErrs.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	servedVersion := out.ModelVersion
	if servedVersion == "" {
		servedVersion = version
	}

	entry := cache.Entry{
		Fingerprint:  fp,
		Model:        ep.Model,
		ModelVersion: servedVersion,
		Value:        out.Output,
		StoredAt:     c.now(),
		TTL:          ep.CacheTTL,
	}
	if err := c.cache.Put(ctx, entry); err != nil {
		// The computation succeeded; caching it is best effort.
		c.logger.Warn("cache store failed", "fingerprint", fp, "error", err)
	}

	return &flightResult{value: out.Output, modelVersion: servedVersion, quota: d}, nil
}

// admitUncached handles endpoints whose results must not be reused:
// every request pays its own cost and gets its own invocation.
func (c *Coordinator) admitUncached(ctx context.Context, req Request, ep Endpoint, version string) (*Result, error) {
	d, err := c.consume(ctx, req.Identity, ep.Cost)
	if err != nil {
		return nil, err
	}

	out, err := c.invoke(ctx, req, ep)
	if err != nil {
		c.backendErrs.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	servedVersion := out.ModelVersion
	if servedVersion == "" {
		servedVersion = version
	}
	return &Result{
		Value:        out.Output,
		CacheStatus:  CacheMiss,
		ModelVersion: servedVersion,
		Quota:        d,
	}, nil
}

// consume debits the ledger and maps quota verdicts onto the error
// taxonomy. An unreachable ledger fails closed rather than over-admit.
func (c *Coordinator) consume(ctx context.Context, ident identity.Identity, cost int) (quota.Decision, error) {
	d, err := c.ledger.TryConsume(ctx, ident, cost)
	if err != nil {
		c.logger.Error("quota ledger unreachable", "identity", ident.ID, "error", err)
		return quota.Decision{}, fmt.Errorf("%w: %w", ErrQuotaUnavailable, err)
	}
	switch d.Verdict {
	case quota.Denied:
		c.denials.Add(1)
		return d, &DeniedError{Decision: d}
	case quota.CostExceedsCapacity:
		c.denials.Add(1)
		return d, fmt.Errorf("%w: cost %d, capacity %.0f", ErrCostExceedsCapacity, cost, d.Capacity)
	}
	return d, nil
}

// chargeHit accounts a cache hit. At zero percent the ledger is
// bypassed and the decision is a plain snapshot for response metadata;
// otherwise the reduced cost is debited and a denial applies as usual.
func (c *Coordinator) chargeHit(ctx context.Context, ident identity.Identity, ep Endpoint) (quota.Decision, error) {
	if c.hitCostPercent <= 0 {
		d, err := c.ledger.Snapshot(ctx, ident)
		if err != nil {
			c.logger.Debug("quota snapshot failed", "identity", ident.ID, "error", err)
			return quota.Decision{}, nil
		}
		return d, nil
	}

	cost := (ep.Cost*c.hitCostPercent + 99) / 100 // round up
	return c.consume(ctx, ident, cost)
}

// cacheGet treats store failures as a miss, so a broken cache degrades
// to recomputation instead of failing requests.
func (c *Coordinator) cacheGet(ctx context.Context, fp, version string) (cache.Entry, bool) {
	entry, ok, err := c.cache.Get(ctx, fp, version)
	if err != nil {
		c.logger.Warn("cache lookup failed", "fingerprint", fp, "error", err)
		return cache.Entry{}, false
	}
	return entry, ok
}

func (c *Coordinator) invoke(ctx context.Context, req Request, ep Endpoint) (*backend.InvokeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.backendTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "admission.invoke_backend")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("model", ep.Model),
	)

	return c.invoker.Invoke(ctx, &backend.InvokeRequest{
		Endpoint: req.Endpoint,
		Model:    ep.Model,
		Input:    req.Input,
	})
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		CacheHits:     c.hits.Load(),
		CacheMisses:   c.misses.Load(),
		Coalesced:     c.coalesced.Load(),
		Denials:       c.denials.Load(),
		BackendErrors: c.backendErrs.Load(),
	}
}
