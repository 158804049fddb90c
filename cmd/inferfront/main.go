package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/inferfront/inferfront/config"
	"github.com/inferfront/inferfront/internal/admission"
	"github.com/inferfront/inferfront/internal/backend"
	"github.com/inferfront/inferfront/internal/cache"
	"github.com/inferfront/inferfront/internal/httpapi"
	"github.com/inferfront/inferfront/internal/identity"
	"github.com/inferfront/inferfront/internal/invalidation"
	"github.com/inferfront/inferfront/internal/quota"
	"github.com/inferfront/inferfront/internal/seeder"
	"github.com/inferfront/inferfront/internal/telemetry"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	limits := cfg.Limits
	logger := slog.Default()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("inferfront", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// Background lane for sweepers and subscribers; canceled on shutdown.
	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 3. Connect Redis when any store needs it
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 4. Init identity resolution: Postgres when configured, static keys
	// from the limits file otherwise
	var resolver identity.Resolver
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		store := identity.NewPostgresStore(pool)
		resolver = store

		// Seed a test API key if RUN_SEED=true
		if os.Getenv("RUN_SEED") == "true" {
			seeder.SeedTestKey(ctx, store)
		}
	} else {
		resolver, err = identity.NewStaticResolver(staticKeys(limits.Identity.Keys))
		if err != nil {
			log.Fatalf("failed to build static resolver: %v", err)
		}
	}
	authMiddleware := identity.NewMiddleware(resolver, rdb)

	// 5. Init quota ledger
	tiers, err := tierLimits(limits.Tiers)
	if err != nil {
		log.Fatalf("failed to load tiers: %v", err)
	}

	var ledger quota.Ledger
	switch limits.Quota.Store {
	case config.StoreRedis:
		ledger = quota.NewRedisLedger(rdb, tiers, limits.Quota.IdleBucketTTL())
	default:
		memLedger := quota.NewMemoryLedger(tiers, limits.Quota.IdleBucketTTL(), logger)
		memLedger.StartSweeper(ctx, limits.Quota.SweepInterval())
		ledger = memLedger
	}

	// 6. Init prediction cache
	var store cache.Store
	switch limits.Cache.Backend {
	case config.StoreRedis:
		store = cache.NewRedisStore(rdb, logger)
	case config.StoreSQLite:
		store, err = cache.NewSQLiteStore(limits.Cache.SQLitePath, limits.Cache.MaxEntries)
		if err != nil {
			log.Fatalf("failed to open cache db: %v", err)
		}
	default:
		store = cache.NewMemoryStore(limits.Cache.MaxEntries)
	}
	defer store.Close()

	// 7. Init invalidation bus. The cache's per-read version check is
	// the staleness guarantee; the sweep subscriber reclaims memory
	// eagerly on top of it.
	bus := invalidation.NewBus(modelVersions(limits.Models), logger)
	bus.Subscribe(func(ev invalidation.Event) {
		n, err := store.InvalidateVersion(ctx, ev.Model, ev.NewVersion)
		if err != nil {
			logger.Warn("cache sweep failed", "model", ev.Model, "error", err)
			return
		}
		logger.Info("swept superseded cache entries", "model", ev.Model, "removed", n)
	})

	var broadcaster invalidation.Broadcaster
	if rdb != nil {
		source := invalidation.NewRedisSource(rdb, bus, logger)
		broadcaster = source
		go func() {
			if err := source.Run(ctx); err != nil {
				logger.Error("deployment event listener stopped", "error", err)
			}
		}()
	}

	// 8. Init backend invoker
	invoker := backend.NewHTTPInvoker(cfg.BackendURL)

	// 9. Init admission coordinator
	tracer := otel.GetTracerProvider().Tracer("inferfront")
	coordinator := admission.NewCoordinator(admission.Config{
		Ledger:         ledger,
		Cache:          store,
		Versions:       bus,
		Invoker:        invoker,
		Endpoints:      endpointSpecs(limits.Endpoints),
		RequestTimeout: limits.Admission.RequestTimeout(),
		BackendTimeout: limits.Admission.BackendTimeout(),
		HitCostPercent: limits.Admission.HitCostPercent,
		Tracer:         tracer,
		Logger:         logger,
	})

	// 10. Init HTTP handler
	handler := httpapi.NewHandler(httpapi.Config{
		Coordinator: coordinator,
		Ledger:      ledger,
		Cache:       store,
		Bus:         bus,
		Broadcaster: broadcaster,
		AdminToken:  cfg.AdminToken,
		Tracer:      tracer,
	})

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"inferfront"}`))
	})
	r.Get("/v1/status", handler.HandleStatus)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/predict/{endpoint}", handler.HandlePredict)
		r.Get("/v1/quota", handler.HandleQuota)
	})

	// Admin routes, enabled only when a token is configured
	if cfg.AdminToken != "" {
		r.Post("/admin/invalidations", handler.HandleInvalidate)
	}

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("inferfront starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func tierLimits(in map[string]config.TierLimit) (map[identity.Tier]quota.TierLimit, error) {
	out := make(map[identity.Tier]quota.TierLimit, len(in))
	for name, t := range in {
		tier, err := identity.ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[tier] = quota.TierLimit{Capacity: t.Capacity, RefillPerSecond: t.RefillPerSecond}
	}
	return out, nil
}

func endpointSpecs(in map[string]config.EndpointLimit) map[string]admission.Endpoint {
	out := make(map[string]admission.Endpoint, len(in))
	for name, e := range in {
		out[name] = admission.Endpoint{
			Model:     e.Model,
			Cost:      e.Cost,
			Cacheable: e.Cacheable,
			CacheTTL:  e.CacheTTL(),
		}
	}
	return out
}

func modelVersions(in map[string]config.ModelInfo) map[string]string {
	out := make(map[string]string, len(in))
	for name, m := range in {
		out[name] = m.Version
	}
	return out
}

func staticKeys(in []config.StaticKey) []identity.StaticKey {
	out := make([]identity.StaticKey, 0, len(in))
	for _, k := range in {
		out = append(out, identity.StaticKey{Key: k.Key, Identity: k.Identity, Tier: k.Tier})
	}
	return out
}
