package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/inferfront/inferfront/internal/admission"
	"github.com/inferfront/inferfront/internal/cache"
	"github.com/inferfront/inferfront/internal/identity"
	"github.com/inferfront/inferfront/internal/invalidation"
	"github.com/inferfront/inferfront/internal/quota"
)

type Config struct {
	Coordinator *admission.Coordinator
	Ledger      quota.Ledger
	Cache       cache.Store
	Bus         *invalidation.Bus

	// Broadcaster, when set, announces admin-published invalidations to
	// peer replicas as well.
	Broadcaster invalidation.Broadcaster

	// AdminToken guards the invalidation endpoint. Empty disables it.
	AdminToken string

	Tracer trace.Tracer
}

// Handler translates admission outcomes into HTTP responses. Routes are
// wired up in main.
type Handler struct {
	coordinator *admission.Coordinator
	ledger      quota.Ledger
	cache       cache.Store
	bus         *invalidation.Bus
	broadcaster invalidation.Broadcaster
	adminToken  string
	tracer      trace.Tracer
}

func NewHandler(cfg Config) *Handler {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("httpapi")
	}
	return &Handler{
		coordinator: cfg.Coordinator,
		ledger:      cfg.Ledger,
		cache:       cfg.Cache,
		bus:         cfg.Bus,
		broadcaster: cfg.Broadcaster,
		adminToken:  cfg.AdminToken,
		tracer:      cfg.Tracer,
	}
}

// HandlePredict serves POST /v1/predict/{endpoint}.
func (h *Handler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.Get(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	input, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	endpoint := chi.URLParam(r, "endpoint")
	requestID := identity.GetRequestID(ctx)

	ctx, span := h.tracer.Start(ctx, "httpapi.predict")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("identity", ident.ID),
		attribute.String("request_id", requestID),
	)

	res, err := h.coordinator.Admit(ctx, admission.Request{
		Endpoint:  endpoint,
		Input:     input,
		Identity:  ident,
		RequestID: requestID,
	})
	if err != nil {
		writeAdmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Status", string(res.CacheStatus))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(int(res.Quota.Remaining)))
	w.Header().Set("X-Quota-Reset", strconv.Itoa(ceilSeconds(res.Quota.ResetAfter)))
	w.Header().Set("X-Model-Version", res.ModelVersion)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Value)
}

// writeAdmitError maps the admission error taxonomy onto status codes
// and machine-readable reasons.
func writeAdmitError(w http.ResponseWriter, err error) {
	var denied *admission.DeniedError
	switch {
	case errors.As(err, &denied):
		retry := ceilSeconds(denied.Decision.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "quota exceeded",
			"reason":              "quota_exceeded",
			"retry_after_seconds": retry,
		})
	case errors.Is(err, admission.ErrCostExceedsCapacity):
		// Terminal: no amount of refill makes this request fit, so
		// clients must not retry.
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "request cost exceeds tier capacity",
			"reason": "cost_exceeds_capacity",
		})
	case errors.Is(err, admission.ErrEndpointUnknown):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "unknown endpoint",
		})
	case errors.Is(err, admission.ErrWaitTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":  "timed out waiting for backend",
			"reason": "backend_error",
		})
	case errors.Is(err, admission.ErrQuotaUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "quota state unavailable",
			"reason": "quota_unavailable",
		})
	case errors.Is(err, admission.ErrBackendFailure):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "backend error",
			"reason": "backend_error",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal error",
		})
	}
}

// HandleQuota serves GET /v1/quota: the caller's bucket state without
// consuming anything.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.Get(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	d, err := h.ledger.Snapshot(ctx, ident)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "quota state unavailable",
			"reason": "quota_unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":      ident.ID,
		"tier":          ident.Tier,
		"remaining":     math.Floor(d.Remaining),
		"capacity":      d.Capacity,
		"reset_seconds": ceilSeconds(d.ResetAfter),
	})
}

// HandleStatus serves GET /v1/status: model versions, cache statistics
// and admission counters.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		// Status must stay available; report what we have.
		stats = cache.Stats{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "inferfront",
		"model_versions": h.bus.Versions(),
		"cache":          stats,
		"admission":      h.coordinator.Stats(),
	})
}

// HandleInvalidate serves POST /admin/invalidations: a manual model
// version announcement, applied locally and broadcast to peers.
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" || r.Header.Get("X-Admin-Token") != h.adminToken {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}

	var ev invalidation.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.Model == "" || ev.NewVersion == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model and new_version are required"})
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	changed := h.bus.Publish(ev)

	if h.broadcaster != nil {
		if err := h.broadcaster.Broadcast(r.Context(), ev); err != nil {
			// Applied locally already; Publish is idempotent, so the
			// client can safely retry until peers hear it too.
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to broadcast invalidation",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":   ev.Model,
		"version": ev.NewVersion,
		"changed": changed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
