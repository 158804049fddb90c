package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/inferfront/inferfront/internal/identity"
	"github.com/inferfront/inferfront/internal/quota"
)

var (
	// ErrEndpointUnknown means the request named an endpoint that is not
	// configured.
	ErrEndpointUnknown = errors.New("unknown endpoint")

	// ErrQuotaExceeded means the identity's bucket cannot cover the cost
	// right now. Retryable; DeniedError carries the retry hint.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrCostExceedsCapacity means the endpoint cost can never fit the
	// identity's tier bucket. Terminal: clients must not retry.
	ErrCostExceedsCapacity = errors.New("request cost exceeds tier capacity")

	// ErrBackendFailure wraps a failed backend invocation. The request
	// was admitted; tokens already debited are not refunded.
	ErrBackendFailure = errors.New("backend failure")

	// ErrQuotaUnavailable means the ledger's backing store could not be
	// reached. Admission fails closed rather than over-admitting.
	ErrQuotaUnavailable = errors.New("quota state unavailable")

	// ErrWaitTimeout means the caller gave up waiting on a shared
	// in-flight computation. The computation itself keeps running for
	// the waiters that remain.
	ErrWaitTimeout = errors.New("timed out waiting for in-flight result")
)

// DeniedError is a quota denial with the ledger's retry hint attached.
// It matches ErrQuotaExceeded under errors.Is.
type DeniedError struct {
	Decision quota.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota exceeded, retry after %s", e.Decision.RetryAfter)
}

func (e *DeniedError) Is(target error) bool { return target == ErrQuotaExceeded }

// CacheStatus reports whether a result came from the prediction cache.
// Callers that attach to an in-flight computation report MISS: the work
// was shared, not cached, when they joined.
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// Endpoint is the admission configuration for one route: which model it
// runs, its token cost, and how long results may be cached. Non-cacheable
// endpoints are never coalesced either, since suppressing duplicates
// would change their semantics.
type Endpoint struct {
	Model     string
	Cost      int
	Cacheable bool
	CacheTTL  time.Duration
}

// Request is one prediction request to admit. Identity is immutable for
// the request's lifetime.
type Request struct {
	Endpoint  string
	Input     []byte
	Identity  identity.Identity
	RequestID string
}

// Result is a served prediction. Quota reflects the caller's bucket
// after the request was accounted.
type Result struct {
	Value        []byte
	CacheStatus  CacheStatus
	ModelVersion string
	Quota        quota.Decision
}

// Stats are the coordinator's running counters, surfaced on the status
// endpoint.
type Stats struct {
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`
	Coalesced     int64 `json:"coalesced"`
	Denials       int64 `json:"denials"`
	BackendErrors int64 `json:"backend_errors"`
}
