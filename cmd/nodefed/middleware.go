package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nodefed/nodefed/api/handlers"
	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/internal/metrics"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery converts panics into 500 responses.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteErrorMessage(w, http.StatusInternalServerError,
						types.ErrInternalError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs every request with method, path, status, and
// duration.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", handlers.RequestIDFromContext(r.Context())),
			)
		})
	}
}

// RequestID ensures every request carries an X-Request-ID, preserving
// a client-supplied one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := handlers.ContextWithRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// generateRequestID produces a random hex string suitable for request
// tracing.
func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// SecurityHeaders adds common security response headers.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records HTTP request metrics. Path labels are
// normalized so node slugs and IDs do not explode Prometheus
// cardinality.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start))
		})
	}
}

// nodePathPattern matches /api/v1/nodes/{slug}... routes.
var nodePathPattern = regexp.MustCompile(`^(/api/v1/nodes/)[^/]+(/.*)?$`)

// normalizePath replaces the node slug segment with ":slug" to bound
// Prometheus label cardinality.
func normalizePath(path string) string {
	switch path {
	case "/api/v1/nodes", "/api/v1/nodes/ping", "/api/v1/nodes/statistics":
		return path
	}
	if m := nodePathPattern.FindStringSubmatch(path); m != nil {
		return m[1] + ":slug" + m[2]
	}
	return path
}

// OTelTracing creates a server span per request using the global OTel
// tracer, extracting incoming trace context from the headers.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("nodefed/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLFull(r.URL.String()),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
		})
	}
}

// RateLimiter applies per-IP token bucket rate limiting. Idle visitor
// buckets are cleaned up in the background until ctx is canceled.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":"rate_limit_exceeded","message":"too many requests"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NodeAuthConfig configures the node authentication middleware.
type NodeAuthConfig struct {
	// SkipPaths are exempt from authentication.
	SkipPaths []string
	// MasterAPIKey is a static fallback credential accepted alongside
	// per-node API keys.
	MasterAPIKey string
	// SharedSecret is a static secret accepted as a bearer credential,
	// for deployments that pre-share one secret instead of issuing
	// tokens.
	SharedSecret string
	// AllowQueryAPIKey accepts ?api_key= as a last-resort credential
	// carrier for clients that cannot set headers.
	AllowQueryAPIKey bool
}

// NodeAuth authenticates inbound requests as nodes. Credentials are
// tried in order: X-Node-Token, Authorization: Bearer, X-API-Key, and
// optionally the api_key query parameter. Token callers get a virtual
// node from claims injected into the request context; API key callers
// are resolved against the registry. Tokens and API keys of registered
// nodes only authenticate while the node record is active.
func NodeAuth(authSvc *auth.Service, cfg NodeAuthConfig, logger *zap.Logger) Middleware {
	skipSet := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			if token := bearerOrNodeToken(r); token != "" {
				if cfg.SharedSecret != "" &&
					subtle.ConstantTimeCompare([]byte(token), []byte(cfg.SharedSecret)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
				virtual, err := authSvc.AuthenticateToken(r.Context(), token)
				if err != nil {
					writeAuthError(w, err, logger)
					return
				}
				ctx := handlers.ContextWithNode(r.Context(), virtual)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" && cfg.AllowQueryAPIKey {
				key = r.URL.Query().Get("api_key")
			}
			if key == "" {
				writeAuthError(w, types.NewError(types.ErrAuthentication, "missing credentials"), logger)
				return
			}

			if cfg.MasterAPIKey != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(cfg.MasterAPIKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			n, err := authSvc.ValidateAPIKey(r.Context(), key)
			if err != nil {
				writeAuthError(w, err, logger)
				return
			}
			virtual := &auth.VirtualNode{
				ID:           n.ID,
				Slug:         n.Slug,
				Name:         n.Name,
				Capabilities: n.Capabilities,
				Type:         n.Type,
			}
			ctx := handlers.ContextWithNode(r.Context(), virtual)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerOrNodeToken extracts a JWT from X-Node-Token or the
// Authorization header, preferring the former.
func bearerOrNodeToken(r *http.Request) string {
	if token := r.Header.Get(node.TokenHeader); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var apiErr *types.Error
	if !errors.As(err, &apiErr) {
		apiErr = types.NewError(types.ErrAuthentication, "authentication failed")
	}
	handlers.WriteError(w, apiErr, logger)
}
