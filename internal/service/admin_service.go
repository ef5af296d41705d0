package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
	"github.com/aryan0dhankhar/tenantguard/internal/repository"
	"github.com/aryan0dhankhar/tenantguard/internal/security"
	"github.com/aryan0dhankhar/tenantguard/internal/security/audit"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
	"github.com/aryan0dhankhar/tenantguard/internal/validation"
)

const maxPageSize = 200

// AdminService manages users, roles and invitations inside the caller's
// tenant. Every method requires the admin role.
type AdminService struct {
	backend  store.Backend
	tokens   *auth.TokenManager
	authz    *security.AuthorizationService
	validate *validation.Validator
	audit    *audit.Logger
	cfg      IdentityConfig
	logger   *slog.Logger
}

func NewAdminService(backend store.Backend, tokens *auth.TokenManager, cfg IdentityConfig, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = domain.DefaultRole
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = domain.AdminRole
	}
	if cfg.InvitationLifetime <= 0 {
		cfg.InvitationLifetime = 72 * time.Hour
	}
	return &AdminService{
		backend:  backend,
		tokens:   tokens,
		authz:    security.NewAuthorizationService(logger),
		validate: validation.New(),
		audit:    audit.NewLogger(logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Invitation is a signed, single-use registration grant
type Invitation struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenantId"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// admin resolves the caller and checks the admin role.
func (s *AdminService) admin(ctx context.Context) (tenant.Context, *store.Gateway, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return tenant.Context{}, nil, err
	}
	if err := s.authz.Require(tc, s.cfg.AdminRole); err != nil {
		s.audit.LogDenied(ctx, tc.TenantID(), tc.UserID(), "admin role required")
		return tenant.Context{}, nil, err
	}
	return tc, store.New(s.backend, tc), nil
}

func (s *AdminService) ListUsers(ctx context.Context, offset, limit int) ([]domain.UserSummary, error) {
	_, gw, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	users, err := repository.NewUserRepository(gw, s.logger).List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	roles := repository.NewRoleRepository(gw, s.logger)
	out := make([]domain.UserSummary, 0, len(users))
	for _, u := range users {
		names, err := roles.RoleNames(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, u.Summary(names))
	}
	return out, nil
}

func (s *AdminService) GetUser(ctx context.Context, userID string) (*domain.UserSummary, error) {
	_, gw, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	user, err := repository.NewUserRepository(gw, s.logger).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	names, err := repository.NewRoleRepository(gw, s.logger).RoleNames(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	summary := user.Summary(names)
	return &summary, nil
}

// DeactivateUser disables an account. Existing tokens stop working on their
// next use. Admins cannot deactivate themselves.
func (s *AdminService) DeactivateUser(ctx context.Context, userID string) error {
	tc, gw, err := s.admin(ctx)
	if err != nil {
		return err
	}
	if userID == tc.UserID() {
		return apperr.Validation("cannot deactivate yourself").WithDetail("userId", "is the caller")
	}
	if err := repository.NewUserRepository(gw, s.logger).SetActive(ctx, userID, false); err != nil {
		return err
	}
	metrics.ObserveIdentity("deactivate", "success")
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionDeactivate, "user", userID)
	return nil
}

func (s *AdminService) AssignRole(ctx context.Context, userID, roleID string) error {
	tc, gw, err := s.admin(ctx)
	if err != nil {
		return err
	}
	if err := repository.NewRoleRepository(gw, s.logger).Grant(ctx, userID, roleID); err != nil {
		return err
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionGrantRole, "user", userID)
	return nil
}

func (s *AdminService) RevokeRole(ctx context.Context, userID, roleID string) error {
	tc, gw, err := s.admin(ctx)
	if err != nil {
		return err
	}
	if err := repository.NewRoleRepository(gw, s.logger).Revoke(ctx, userID, roleID); err != nil {
		return err
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionRevokeRole, "user", userID)
	return nil
}

func (s *AdminService) ListRoles(ctx context.Context) ([]*domain.Role, error) {
	_, gw, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	return repository.NewRoleRepository(gw, s.logger).List(ctx)
}

func (s *AdminService) CreateRole(ctx context.Context, name string) (*domain.Role, error) {
	tc, gw, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Var("name", name, "required,max=64,rolename"); err != nil {
		return nil, err
	}
	role, err := repository.NewRoleRepository(gw, s.logger).Create(ctx, name)
	if err != nil {
		return nil, err
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionCreateRole, "role", role.ID)
	return role, nil
}

// DeleteRole removes a role and its grants. The built-in roles stay.
func (s *AdminService) DeleteRole(ctx context.Context, roleID string) error {
	tc, gw, err := s.admin(ctx)
	if err != nil {
		return err
	}
	roles := repository.NewRoleRepository(gw, s.logger)
	role, err := roles.GetByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.Name == s.cfg.DefaultRole || role.Name == s.cfg.AdminRole {
		return apperr.Validation("built-in role").WithDetail("roleId", "cannot delete a built-in role")
	}
	if err := roles.Delete(ctx, roleID); err != nil {
		return err
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionDeleteRole, "role", roleID)
	return nil
}

// CreateInvitation signs a registration grant for the caller's tenant.
func (s *AdminService) CreateInvitation(ctx context.Context, roles []string) (*Invitation, error) {
	tc, _, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Var("roles", roles, "omitempty,max=16,dive,required,max=64,rolename"); err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []string{}
	}

	token, claims, err := s.tokens.IssueInvitation(tc.TenantID(), roles, s.cfg.InvitationLifetime)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionInvite, "invitation", claims.ID)
	return &Invitation{
		Token:     token,
		TenantID:  tc.TenantID(),
		Roles:     roles,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}
