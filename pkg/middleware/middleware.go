// Package middleware provides the HTTP cross-cutting layers: tenant
// extraction, request logging, and per-tenant rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	tenantKey    contextKey = "tenant-id"
	userKey      contextKey = "user-id"
	requestIDKey contextKey = "request-id"
)

// TenantHeader and UserHeader are the upstream gateway's authenticated
// identity headers.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

// TenantFromContext returns the tenant id placed by RequireTenant.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// UserFromContext returns the user id placed by RequireTenant, if the
// gateway supplied one.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

// RequestIDFromContext returns the request id placed by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// RequireTenant rejects requests without the tenant header and stores the
// tenant on the request context. The header is trusted; authentication is
// the gateway's job.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "missing " + TenantHeader + " header",
			})
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		if user := r.Header.Get(UserHeader); user != "" {
			ctx = context.WithValue(ctx, userKey, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID assigns each request an id, echoing the caller's when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs each request with its tenant, status, and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"tenant_id", TenantFromContext(r.Context()),
				"request_id", RequestIDFromContext(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// TenantRateLimiter enforces a token-bucket limit per tenant. Idle tenant
// buckets are swept after an hour.
type TenantRateLimiter struct {
	limit  rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*tenantLimiter
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter creates the limiter and starts its sweeper.
func NewTenantRateLimiter(perSecond float64, burst int, logger *slog.Logger) *TenantRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &TenantRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		logger:   logger.With("component", "rate-limiter"),
		limiters: make(map[string]*tenantLimiter),
	}
	go l.sweepLoop()
	return l
}

func (l *TenantRateLimiter) limiterFor(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.limiters[tenant]
	if !ok {
		entry = &tenantLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[tenant] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Middleware rejects over-limit requests with 429.
func (l *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFromContext(r.Context())
		if tenant != "" && !l.limiterFor(tenant).Allow() {
			l.logger.Warn("Rate limit exceeded", "tenant_id", tenant)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *TenantRateLimiter) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for tenant, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, tenant)
			}
		}
		l.mu.Unlock()
	}
}
