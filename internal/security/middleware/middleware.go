package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
	"github.com/aryan0dhankhar/tenantguard/internal/security/audit"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/ratelimit"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
)

// TenantHeader optionally names the tenant a request targets. When present it
// must match the token's tenant.
const TenantHeader = "X-Tenant-ID"

type claimsContextKey struct{}

// Authenticator resolves a bearer token to a tenant context.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (tenant.Context, *auth.Claims, error)
}

// RequireAuth rejects the request with 401 unless it carries a valid bearer
// token. The handler runs with the tenant context and claims on its context.
func RequireAuth(a Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	log = orDefault(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := authenticate(r, a)
			if err != nil {
				logger.FromContext(r.Context(), log).Warn("authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("reason", apperr.GetKind(err).Code()),
				)
				httpx.Error(w, r, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth authenticates when an Authorization header is present and
// passes anonymous requests through untouched. A bad token is still a 401.
func OptionalAuth(a Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	required := RequireAuth(a, log)
	return func(next http.Handler) http.Handler {
		withAuth := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			withAuth.ServeHTTP(w, r)
		})
	}
}

func authenticate(r *http.Request, a Authenticator) (context.Context, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, apperr.Unauthorized("missing bearer token")
	}
	token, err := auth.ExtractToken(header)
	if err != nil {
		return nil, apperr.Unauthorized("invalid authorization header")
	}
	tc, claims, err := a.Authenticate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if err := tc.Bind(r.Header.Get(TenantHeader)); err != nil {
		return nil, err
	}
	ctx := tenant.WithContext(r.Context(), tc)
	return context.WithValue(ctx, claimsContextKey{}, claims), nil
}

// ClaimsFromContext returns the verified claims, or nil on anonymous requests.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return c
}

// RateLimit throttles per principal when authenticated and per client IP
// otherwise.
func RateLimit(limiter *ratelimit.Limiter, scope string, log *slog.Logger) func(http.Handler) http.Handler {
	log = orDefault(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if tc, err := tenant.FromContext(r.Context()); err == nil && tc.IsAuthenticated() {
				key = "user:" + tc.TenantID() + "/" + tc.UserID()
			}
			if !limiter.Allow(scope + "|" + key) {
				metrics.ObserveRateLimited(scope)
				logger.FromContext(r.Context(), log).Warn("rate limit exceeded",
					slog.String("scope", scope),
					slog.String("path", r.URL.Path),
				)
				httpx.Error(w, r, log, apperr.RateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Audit records every mutating request with the resolved principal.
func Audit(auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			var tenantID, userID string
			if tc, err := tenant.FromContext(r.Context()); err == nil {
				tenantID, userID = tc.TenantID(), tc.UserID()
			}
			status := "ok"
			if sw.status >= http.StatusBadRequest {
				status = "failed"
			}
			auditLog.LogAction(r.Context(), tenantID, userID, r.Method, r.URL.Path, r.PathValue("id"), status, http.StatusText(sw.status))
		})
	}
}

// RequestID attaches a request id to the context, the response headers and
// the completion log line. A well-formed incoming X-Request-ID is reused.
func RequestID(log *slog.Logger) func(http.Handler) http.Handler {
	log = orDefault(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if _, err := uuid.Parse(reqID); err != nil {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			ctx := logger.WithRequestID(r.Context(), reqID)
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r.WithContext(ctx))

			log.Info("request completed",
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Recover turns a handler panic into a 500.
func Recover(log *slog.Logger) func(http.Handler) http.Handler {
	log = orDefault(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.FromContext(r.Context(), log).Error("panic recovered", slog.Any("panic", p))
					httpx.Error(w, r, log, apperr.Internal(nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
