package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
	"github.com/aryan0dhankhar/tenantguard/internal/observability/tracing"
	"github.com/aryan0dhankhar/tenantguard/internal/repository"
	"github.com/aryan0dhankhar/tenantguard/internal/security"
	"github.com/aryan0dhankhar/tenantguard/internal/security/audit"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/password"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
	"github.com/aryan0dhankhar/tenantguard/internal/validation"
)

// Limiter throttles attempts per key.
type Limiter interface {
	Allow(key string) bool
}

// IdentityConfig holds the identity policy knobs.
type IdentityConfig struct {
	DefaultRole string
	AdminRole   string

	// OpenTenants accept self-registration while SelfRegistration reports true.
	OpenTenants      []string
	SelfRegistration func() bool

	InvitationLifetime time.Duration

	// LoginLimiter is keyed by tenant and normalized identifier. Optional.
	LoginLimiter Limiter
}

// IdentityService handles registration, login and session lifecycle
type IdentityService struct {
	backend     store.Backend
	hasher      *password.Hasher
	tokens      *auth.TokenManager
	revocations auth.RevocationStore
	validate    *validation.Validator
	audit       *audit.Logger
	cfg         IdentityConfig
	logger      *slog.Logger
}

// NewIdentityService creates a new identity service
func NewIdentityService(
	backend store.Backend,
	hasher *password.Hasher,
	tokens *auth.TokenManager,
	revocations auth.RevocationStore,
	cfg IdentityConfig,
	logger *slog.Logger,
) *IdentityService {
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
	return &IdentityService{
		backend:     backend,
		hasher:      hasher,
		tokens:      tokens,
		revocations: revocations,
		validate:    validation.New(),
		audit:       audit.NewLogger(logger),
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterInput is a registration request
type RegisterInput struct {
	TenantID string   `json:"tenantId"`
	Username string   `json:"username" validate:"required,min=3,max=64,username"`
	Email    string   `json:"email" validate:"omitempty,max=254,email"`
	Password string   `json:"password" validate:"required,max=128"`
	Roles    []string `json:"roles" validate:"omitempty,max=16,dive,required,max=64,rolename"`
}

// LoginInput identifies the account by username, or by email when the
// identifier contains "@".
type LoginInput struct {
	TenantID   string `json:"tenantId"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResult represents login response
type LoginResult struct {
	Token     string             `json:"token"`
	TokenType string             `json:"tokenType"`
	ExpiresAt time.Time          `json:"expiresAt"`
	User      domain.UserSummary `json:"user"`
}

// ChangePasswordInput is a password change by the signed-in user
type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,max=128"`
}

func (s *IdentityService) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, "identity."+name)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, apperr.GetKind(err).Code())
	}
	span.End()
}

func result(err error) string {
	if err != nil {
		return apperr.GetKind(err).Code()
	}
	return "success"
}

// Register creates an account in a tenant the caller may join: an open
// tenant, or the caller's own tenant when the caller is an admin there.
func (s *IdentityService) Register(ctx context.Context, in RegisterInput) (summary *domain.UserSummary, err error) {
	ctx, span := s.start(ctx, "Register")
	defer func() {
		metrics.ObserveIdentity("register", result(err))
		finish(span, err)
	}()

	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	reg, extra, err := s.admit(ctx, in)
	if err != nil {
		s.audit.LogDenied(ctx, in.TenantID, "", "registration not permitted")
		return nil, err
	}
	span.SetAttributes(attribute.String("tenant.id", reg.TenantID()))
	return s.create(ctx, reg, in, extra)
}

// RegisterWithInvitation creates an account in the invitation's tenant with
// the invited roles, or the subset of them listed in in.Roles. The invitation
// is claimed before the account is created and released again if creation
// fails, so concurrent redemptions yield one account at most.
func (s *IdentityService) RegisterWithInvitation(ctx context.Context, invitation string, in RegisterInput) (summary *domain.UserSummary, err error) {
	ctx, span := s.start(ctx, "RegisterWithInvitation")
	defer func() {
		metrics.ObserveIdentity("register_invitation", result(err))
		finish(span, err)
	}()

	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	claims, err := s.tokens.VerifyInvitation(invitation)
	if err != nil {
		return nil, apperr.New(apperr.KindForbidden, "invalid invitation")
	}
	if in.TenantID != "" && strings.TrimSpace(in.TenantID) != claims.TenantID {
		return nil, apperr.New(apperr.KindForbidden, "invalid invitation")
	}
	granted := claims.Roles
	if in.Roles != nil {
		for _, r := range in.Roles {
			if !slices.Contains(claims.Roles, r) {
				return nil, apperr.Forbidden()
			}
		}
		granted = in.Roles
	}

	reg, err := tenant.Unauthenticated(claims.TenantID)
	if err != nil {
		return nil, err
	}

	claimed, err := s.revocations.Consume(ctx, claims.ID, claims.ExpiresAtTime())
	if err != nil || !claimed {
		return nil, apperr.New(apperr.KindForbidden, "invalid invitation")
	}
	summary, err = s.create(ctx, reg, in, granted)
	if err != nil {
		if rerr := s.revocations.Release(context.WithoutCancel(ctx), claims.ID); rerr != nil {
			s.logger.Warn("failed to release invitation",
				slog.String("tenant_id", claims.TenantID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, err
	}
	return summary, nil
}

// admit resolves the tenant a registration lands in and the extra roles it
// may carry.
func (s *IdentityService) admit(ctx context.Context, in RegisterInput) (tenant.Context, []string, error) {
	if caller, err := tenant.FromContext(ctx); err == nil && caller.IsAuthenticated() {
		if err := caller.Bind(in.TenantID); err != nil {
			return tenant.Context{}, nil, err
		}
		if err := security.Require(caller, s.cfg.AdminRole); err != nil {
			return tenant.Context{}, nil, err
		}
		reg, err := tenant.Unauthenticated(caller.TenantID())
		return reg, in.Roles, err
	}

	reg, err := tenant.Unauthenticated(in.TenantID)
	if err != nil {
		return tenant.Context{}, nil, err
	}
	if !s.selfRegistrationOpen(reg.TenantID()) || len(in.Roles) > 0 {
		return tenant.Context{}, nil, apperr.Forbidden()
	}
	return reg, nil, nil
}

func (s *IdentityService) selfRegistrationOpen(tenantID string) bool {
	if s.cfg.SelfRegistration != nil && !s.cfg.SelfRegistration() {
		return false
	}
	return slices.Contains(s.cfg.OpenTenants, tenantID)
}

func (s *IdentityService) create(ctx context.Context, reg tenant.Context, in RegisterInput, extra []string) (*domain.UserSummary, error) {
	normalizedUsername := NormalizeUsername(in.Username)
	normalizedEmail := NormalizeEmail(in.Email)

	gw := store.New(s.backend, reg)
	exists, err := repository.NewUserRepository(gw, s.logger).Exists(ctx, normalizedUsername, normalizedEmail)
	if err != nil {
		return nil, err
	}
	if exists {
		s.audit.LogFailure(ctx, reg.TenantID(), "", audit.ActionRegister, "user", "duplicate")
		return nil, apperr.DuplicateUser()
	}

	hash, err := s.hash(ctx, in.Password)
	if err != nil {
		return nil, err
	}

	names := roleSet(s.cfg.DefaultRole, extra)
	user := &domain.User{
		Username:           strings.TrimSpace(in.Username),
		NormalizedUsername: normalizedUsername,
		Email:              strings.TrimSpace(in.Email),
		NormalizedEmail:    normalizedEmail,
		PasswordHash:       hash,
		IsActive:           true,
	}

	// Missing roles are created in the same transaction as the user. Losing a
	// role creation race to a concurrent registration rolls everything back
	// and the attempt is repeated.
	var created *domain.User
	for attempt := 1; ; attempt++ {
		created, err = s.insertUser(ctx, gw, user, names)
		if err == nil || attempt == roleRaceAttempts || !apperr.Is(err, apperr.KindConflict) {
			break
		}
		s.logger.Debug("role creation raced, retrying registration",
			slog.String("tenant_id", reg.TenantID()),
			slog.Int("attempt", attempt),
		)
	}
	if err != nil {
		if apperr.Is(err, apperr.KindDuplicateUser) {
			s.audit.LogFailure(ctx, reg.TenantID(), "", audit.ActionRegister, "user", "duplicate")
		}
		return nil, err
	}

	s.audit.LogSuccess(ctx, reg.TenantID(), created.ID, audit.ActionRegister, "user", created.ID)
	s.logger.Info("user registered",
		slog.String("tenant_id", reg.TenantID()),
		slog.String("user_id", created.ID),
	)
	summary := created.Summary(names)
	return &summary, nil
}

const roleRaceAttempts = 3

// insertUser creates user with the named roles, creating missing roles, in
// one transaction.
func (s *IdentityService) insertUser(ctx context.Context, gw *store.Gateway, user *domain.User, names []string) (*domain.User, error) {
	var created *domain.User
	err := gw.InTx(ctx, func(tx *store.Gateway) error {
		roleRepo := repository.NewRoleRepository(tx, s.logger)
		roles := make([]*domain.Role, 0, len(names))
		for _, name := range names {
			role, err := roleRepo.FindOrCreate(ctx, name)
			if err != nil {
				return err
			}
			roles = append(roles, role)
		}

		u, err := repository.NewUserRepository(tx, s.logger).Create(ctx, user)
		if err != nil {
			return err
		}
		for _, role := range roles {
			if err := roleRepo.Grant(ctx, u.ID, role.ID); err != nil {
				return err
			}
		}
		created = u
		return nil
	})
	return created, err
}

func (s *IdentityService) hash(ctx context.Context, plaintext string) (string, error) {
	start := time.Now()
	hash, err := s.hasher.HashContext(ctx, plaintext)
	metrics.ObservePasswordHash(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Internal(err)
	}
	return hash, nil
}

// roleSet returns the default role plus extra, deduplicated and sorted.
func roleSet(defaultRole string, extra []string) []string {
	names := append([]string{defaultRole}, extra...)
	slices.Sort(names)
	return slices.Compact(names)
}

// Login verifies credentials and issues an access token. Unknown tenant,
// unknown user, inactive user and wrong password are indistinguishable.
func (s *IdentityService) Login(ctx context.Context, in LoginInput) (res *LoginResult, err error) {
	ctx, span := s.start(ctx, "Login")
	defer func() {
		metrics.ObserveIdentity("login", result(err))
		finish(span, err)
	}()

	tc, err := tenant.Unauthenticated(in.TenantID)
	if err != nil {
		return nil, err
	}
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" || in.Password == "" {
		return nil, apperr.InvalidCredentials()
	}

	key := NormalizeUsername(identifier)
	if s.cfg.LoginLimiter != nil && !s.cfg.LoginLimiter.Allow(tc.TenantID()+"\x00"+key) {
		metrics.ObserveRateLimited("login")
		return nil, apperr.RateLimited()
	}

	gw := store.New(s.backend, tc)
	users := repository.NewUserRepository(gw, s.logger)

	var user *domain.User
	if strings.Contains(identifier, "@") {
		user, err = users.GetByEmail(ctx, NormalizeEmail(identifier))
	} else {
		user, err = users.GetByUsername(ctx, key)
	}
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		s.hasher.VerifyDummy(in.Password)
		s.audit.LogFailure(ctx, tc.TenantID(), "", audit.ActionLogin, "session", "invalid credentials")
		return nil, apperr.InvalidCredentials()
	}

	if !user.IsActive {
		s.hasher.VerifyDummy(in.Password)
		s.audit.LogFailure(ctx, tc.TenantID(), user.ID, audit.ActionLogin, "session", "inactive")
		return nil, apperr.InvalidCredentials()
	}

	if !s.hasher.VerifyContext(ctx, in.Password, user.PasswordHash) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.audit.LogFailure(ctx, tc.TenantID(), user.ID, audit.ActionLogin, "session", "invalid credentials")
		return nil, apperr.InvalidCredentials()
	}

	roles, err := repository.NewRoleRepository(gw, s.logger).RoleNames(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	token, claims, err := s.tokens.IssueAccess(tc.TenantID(), user.ID, user.Username, roles)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, users, user, in.Password)
	}

	s.audit.LogSuccess(ctx, tc.TenantID(), user.ID, audit.ActionLogin, "session", claims.ID)
	return &LoginResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAtTime(),
		User:      user.Summary(roles),
	}, nil
}

// rehash upgrades a stored credential after a successful login. Failure only
// logs; the old record keeps working.
func (s *IdentityService) rehash(ctx context.Context, users *repository.UserRepository, user *domain.User, plaintext string) {
	hash, err := s.hash(ctx, plaintext)
	if err == nil {
		err = users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("failed to upgrade password hash",
			slog.String("tenant_id", user.TenantID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Authenticate turns a bearer token into a tenant context. The token must
// verify, must not be revoked and must name an active user.
func (s *IdentityService) Authenticate(ctx context.Context, token string) (tenant.Context, *auth.Claims, error) {
	ctx, span := s.start(ctx, "Authenticate")
	var err error
	defer func() { finish(span, err) }()

	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		err = apperr.Unauthorized("invalid token")
		return tenant.Context{}, nil, err
	}

	revoked, rerr := s.revocations.IsRevoked(ctx, claims.ID)
	if rerr != nil {
		s.logger.Warn("revocation check failed", slog.String("error", rerr.Error()))
	}
	if revoked || rerr != nil {
		err = apperr.Unauthorized("invalid token")
		return tenant.Context{}, nil, err
	}

	tc, err := tenant.Authenticated(claims.TenantID, claims.UserID, claims.Username, claims.Roles)
	if err != nil {
		return tenant.Context{}, nil, err
	}

	user, gerr := repository.NewUserRepository(store.New(s.backend, tc), s.logger).GetByID(ctx, tc.UserID())
	if gerr != nil && !apperr.Is(gerr, apperr.KindNotFound) {
		err = gerr
		return tenant.Context{}, nil, err
	}
	if gerr != nil || !user.IsActive {
		err = apperr.Unauthorized("invalid token")
		return tenant.Context{}, nil, err
	}
	return tc, claims, nil
}

// Logout revokes the presented token until it would have expired anyway.
func (s *IdentityService) Logout(ctx context.Context, claims *auth.Claims) error {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if claims == nil || claims.ID == "" {
		return apperr.Unauthorized("invalid token")
	}
	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAtTime()); err != nil {
		return apperr.Internal(err)
	}
	metrics.ObserveIdentity("logout", "success")
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionLogout, "session", claims.ID)
	return nil
}

// Profile returns the signed-in user's summary with current roles.
func (s *IdentityService) Profile(ctx context.Context) (*domain.UserSummary, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !tc.IsAuthenticated() {
		return nil, apperr.Unauthorized("authentication required")
	}
	gw := store.New(s.backend, tc)
	user, err := repository.NewUserRepository(gw, s.logger).GetByID(ctx, tc.UserID())
	if err != nil {
		return nil, err
	}
	roles, err := repository.NewRoleRepository(gw, s.logger).RoleNames(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	summary := user.Summary(roles)
	return &summary, nil
}

// ChangePassword replaces the signed-in user's credential after checking
// the current one.
func (s *IdentityService) ChangePassword(ctx context.Context, in ChangePasswordInput) (err error) {
	ctx, span := s.start(ctx, "ChangePassword")
	defer func() {
		metrics.ObserveIdentity("change_password", result(err))
		finish(span, err)
	}()

	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if !tc.IsAuthenticated() {
		return apperr.Unauthorized("authentication required")
	}
	if err := s.validate.Struct(in); err != nil {
		return err
	}

	users := repository.NewUserRepository(store.New(s.backend, tc), s.logger)
	user, err := users.GetByID(ctx, tc.UserID())
	if err != nil {
		return err
	}
	if !s.hasher.VerifyContext(ctx, in.CurrentPassword, user.PasswordHash) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.audit.LogFailure(ctx, tc.TenantID(), tc.UserID(), audit.ActionChangePassword, "user", "invalid credentials")
		return apperr.InvalidCredentials()
	}

	hash, err := s.hash(ctx, in.NewPassword)
	if err != nil {
		return err
	}
	if err := users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}
	s.audit.LogSuccess(ctx, tc.TenantID(), tc.UserID(), audit.ActionChangePassword, "user", user.ID)
	return nil
}

// Bootstrap makes sure a tenant has the built-in roles and an admin account.
// Running it again for an existing user only re-grants the roles.
func (s *IdentityService) Bootstrap(ctx context.Context, tenantID string, in RegisterInput) (*domain.UserSummary, error) {
	reg, err := tenant.Unauthenticated(tenantID)
	if err != nil {
		return nil, err
	}
	in.TenantID = reg.TenantID()
	in.Roles = []string{s.cfg.AdminRole}

	gw := store.New(s.backend, reg)
	user, err := repository.NewUserRepository(gw, s.logger).GetByUsername(ctx, NormalizeUsername(in.Username))
	if apperr.Is(err, apperr.KindNotFound) {
		if err := s.validate.Struct(in); err != nil {
			return nil, err
		}
		return s.create(ctx, reg, in, in.Roles)
	}
	if err != nil {
		return nil, err
	}

	roles := repository.NewRoleRepository(gw, s.logger)
	for _, name := range roleSet(s.cfg.DefaultRole, in.Roles) {
		role, err := roles.Ensure(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := roles.Grant(ctx, user.ID, role.ID); err != nil {
			return nil, err
		}
	}
	names, err := roles.RoleNames(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	summary := user.Summary(names)
	return &summary, nil
}
