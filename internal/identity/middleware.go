package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cacheTTL = 5 * time.Minute

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware authenticates requests through the resolver, caching
// resolved identities in Redis for a few minutes. cache may be nil, in
// which case every request hits the resolver.
func NewMiddleware(resolver Resolver, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			key := extractCredential(r)
			if key == "" {
				http.Error(w, "Unauthorized: missing API key", http.StatusUnauthorized)
				return
			}

			redisKey := fmt.Sprintf("identity:%s", HashCredential(key))

			if cache != nil {
				var ident Identity
				err := cache.Get(ctx, redisKey).Scan(&ident)
				if err == nil {
					// Cache hit
					ctx = context.WithValue(ctx, identityKey, ident)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				} else if err != redis.Nil {
					log.Printf("identity: redis error: %v", err)
				}
			}

			// Cache miss or error: consult the resolver
			ident, err := resolver.Resolve(ctx, key)
			if err != nil {
				if errors.Is(err, ErrUnknownCredential) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, redisKey, &ident, cacheTTL).Err()
			}

			ctx = context.WithValue(ctx, identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractCredential accepts either an Authorization bearer token or an
// X-API-Key header.
func extractCredential(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Helpers to extract from context
func Get(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityKey).(Identity)
	return ident, ok
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func With(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
