// internal/api/middleware.go
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Context keys for request info
type contextKey string

const (
	ScopeKey     contextKey = "scope"
	RequestIDKey contextKey = "request_id"
)

// DefaultMaxBodySize caps request bodies at 1 MiB.
const DefaultMaxBodySize = 1 << 20

// OwnerContext extracts the caller's scope from the headers set by the
// upstream auth layer and adds it to the context.
func OwnerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := types.Scope{
			OwnerID:        strings.TrimSpace(r.Header.Get(apitypes.HeaderOwnerID)),
			OrganizationID: strings.TrimSpace(r.Header.Get(apitypes.HeaderOrganizationID)),
		}
		ctx := context.WithValue(r.Context(), ScopeKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetScope returns the caller's scope from context. A missing owner fails
// validation downstream.
func GetScope(ctx context.Context) types.Scope {
	if v, ok := ctx.Value(ScopeKey).(types.Scope); ok {
		return v
	}
	return types.Scope{}
}

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(apitypes.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(apitypes.HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id from context
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// MaxBodySize limits request bodies to DefaultMaxBodySize.
func MaxBodySize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, DefaultMaxBodySize)
		next.ServeHTTP(w, r)
	})
}

// RateLimiter is a fixed-window per-client request limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter allows limit requests per client per window.
func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  per,
		now:     time.Now,
		clients: make(map[string]*window),
	}
}

// Allow records a request from key and reports whether it is within limits.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[key]
	if !ok || now.Sub(w.start) >= l.window {
		if len(l.clients) > 10000 {
			l.sweep(now)
		}
		l.clients[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

func (l *RateLimiter) sweep(now time.Time) {
	for k, w := range l.clients {
		if now.Sub(w.start) >= l.window {
			delete(l.clients, k)
		}
	}
}

// Middleware rejects over-limit clients with 429. Clients are keyed by
// owner when present, else by remote address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apitypes.HeaderOwnerID)
		if key == "" {
			key = clientIP(r)
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSMiddleware allows the listed origins. "*" allows any.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed["*"] || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
					"Content-Type", apitypes.HeaderOwnerID, apitypes.HeaderOrganizationID, apitypes.HeaderRequestID,
				}, ", "))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
