package security

import (
	"log/slog"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
)

// Require succeeds only when tc is authenticated and carries role.
func Require(tc tenant.Context, role string) error {
	if role == "" || !tc.HasRole(role) {
		return apperr.Forbidden()
	}
	return nil
}

// RequireAny succeeds when tc carries at least one of roles.
func RequireAny(tc tenant.Context, roles ...string) error {
	for _, role := range roles {
		if role != "" && tc.HasRole(role) {
			return nil
		}
	}
	return apperr.Forbidden()
}

// AuthorizationService wraps the role checks with denial logging
type AuthorizationService struct {
	logger *slog.Logger
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(logger *slog.Logger) *AuthorizationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationService{
		logger: logger,
	}
}

// Require is the logged form of the package-level Require.
func (as *AuthorizationService) Require(tc tenant.Context, role string) error {
	if err := Require(tc, role); err != nil {
		as.logger.Warn("permission denied",
			slog.String("tenant_id", tc.TenantID()),
			slog.String("user_id", tc.UserID()),
			slog.String("role", role),
		)
		return err
	}
	return nil
}

// ValidateTenantAccess checks a tenant named by the request against tc.
func (as *AuthorizationService) ValidateTenantAccess(tc tenant.Context, requestedTenantID string) error {
	if err := tc.Bind(requestedTenantID); err != nil {
		as.logger.Warn("tenant access denied",
			slog.String("user_tenant", tc.TenantID()),
			slog.String("requested_tenant", requestedTenantID),
		)
		return err
	}
	return nil
}
