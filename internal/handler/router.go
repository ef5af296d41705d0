package handler

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
	"github.com/aryan0dhankhar/tenantguard/internal/security/audit"
	"github.com/aryan0dhankhar/tenantguard/internal/security/middleware"
	"github.com/aryan0dhankhar/tenantguard/internal/security/ratelimit"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Identity *service.IdentityService
	Admin    *service.AdminService
	Health   *HealthHandler

	// Limiter applies to every /api route, keyed by principal or client IP.
	Limiter *ratelimit.Limiter

	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// NewRouter builds the API mux with its middleware chain:
// recover -> request ID -> security headers -> CORS -> content type -> mux,
// with auth, rate limit and audit applied per route.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	authH := NewAuthHandler(cfg.Identity, log)
	adminH := NewAdminHandler(cfg.Admin, log)
	auditLog := audit.NewLogger(log)

	limit := func(h http.Handler) http.Handler { return h }
	if cfg.Limiter != nil {
		limit = middleware.RateLimit(cfg.Limiter, "api", log)
	}
	public := func(fn http.HandlerFunc) http.Handler {
		return limit(middleware.Audit(auditLog)(fn))
	}
	optional := func(fn http.HandlerFunc) http.Handler {
		return middleware.OptionalAuth(cfg.Identity, log)(public(fn))
	}
	protected := func(fn http.HandlerFunc) http.Handler {
		return middleware.RequireAuth(cfg.Identity, log)(public(fn))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/auth/register", optional(authH.Register))
	mux.Handle("POST /api/auth/login", public(authH.Login))
	mux.Handle("POST /api/auth/logout", protected(authH.Logout))
	mux.Handle("GET /api/auth/me", protected(authH.Me))
	mux.Handle("POST /api/auth/change-password", protected(authH.ChangePassword))

	mux.Handle("GET /api/users", protected(adminH.ListUsers))
	mux.Handle("GET /api/users/{id}", protected(adminH.GetUser))
	mux.Handle("POST /api/users/{id}/deactivate", protected(adminH.DeactivateUser))
	mux.Handle("POST /api/users/{id}/roles", protected(adminH.AssignRole))
	mux.Handle("DELETE /api/users/{id}/roles/{roleId}", protected(adminH.RevokeRole))

	mux.Handle("GET /api/roles", protected(adminH.ListRoles))
	mux.Handle("POST /api/roles", protected(adminH.CreateRole))
	mux.Handle("DELETE /api/roles/{id}", protected(adminH.DeleteRole))
	mux.Handle("POST /api/invitations", protected(adminH.CreateInvitation))

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil, log)
	}
	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("GET /readyz", health.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	var root http.Handler = metrics.HTTPMetricsMiddleware(mux)
	root = middleware.ValidateJSONContentType(log)(root)
	root = middleware.CORS(cfg.CORSAllowedOrigins)(root)
	root = middleware.SecurityHeaders(root)
	root = middleware.RequestID(log)(root)
	return middleware.Recover(log)(root)
}
