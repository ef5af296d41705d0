package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/repository"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/password"
	"github.com/aryan0dhankhar/tenantguard/internal/security/ratelimit"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
	"github.com/aryan0dhankhar/tenantguard/internal/store/memory"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
)

var fastParams = password.Params{Memory: 1024, Iterations: 1, Parallelism: 1}

type fixture struct {
	backend  store.Backend
	hasher   *password.Hasher
	tokens   *auth.TokenManager
	revoked  auth.RevocationStore
	cfg      IdentityConfig
	identity *IdentityService
	admin    *AdminService
}

func newFixture(t *testing.T, mutate ...func(*IdentityConfig)) *fixture {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret-test-secret-test-secret", "tenantguard", "tenantguard-api", time.Hour)
	require.NoError(t, err)

	cfg := IdentityConfig{OpenTenants: []string{"A", "B"}}
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		backend: memory.New(),
		hasher:  password.NewHasher(fastParams),
		tokens:  tokens,
		revoked: auth.NewMemoryRevocations(nil),
		cfg:     cfg,
	}
	f.identity = NewIdentityService(f.backend, f.hasher, f.tokens, f.revoked, cfg, nil)
	f.admin = NewAdminService(f.backend, f.tokens, cfg, nil)
	return f
}

func (f *fixture) register(t *testing.T, tenantID, username, pw string) *domain.UserSummary {
	t.Helper()
	u, err := f.identity.Register(context.Background(), RegisterInput{TenantID: tenantID, Username: username, Password: pw})
	require.NoError(t, err)
	return u
}

// signIn logs in and returns a context carrying the authenticated tenant.
func (f *fixture) signIn(t *testing.T, tenantID, identifier, pw string) (context.Context, *auth.Claims) {
	t.Helper()
	res, err := f.identity.Login(context.Background(), LoginInput{TenantID: tenantID, Identifier: identifier, Password: pw})
	require.NoError(t, err)
	tc, claims, err := f.identity.Authenticate(context.Background(), res.Token)
	require.NoError(t, err)
	return tenant.WithContext(context.Background(), tc), claims
}

func (f *fixture) bootstrapAdmin(t *testing.T, tenantID string) context.Context {
	t.Helper()
	_, err := f.identity.Bootstrap(context.Background(), tenantID, RegisterInput{Username: "root", Password: "rootpw"})
	require.NoError(t, err)
	ctx, _ := f.signIn(t, tenantID, "root", "rootpw")
	return ctx
}

func (f *fixture) storedUser(t *testing.T, tenantID, normalized string) *domain.User {
	t.Helper()
	tc, err := tenant.Unauthenticated(tenantID)
	require.NoError(t, err)
	u, err := repository.NewUserRepository(store.New(f.backend, tc), nil).GetByUsername(context.Background(), normalized)
	require.NoError(t, err)
	return u
}

func TestRegisterLoginAcrossTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bob := f.register(t, "A", "bob", "pw123")
	require.Equal(t, []string{"default"}, bob.Roles)
	require.Equal(t, "A", bob.TenantID)

	res, err := f.identity.Login(ctx, LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.NoError(t, err)
	require.Equal(t, "Bearer", res.TokenType)

	claims, err := f.tokens.VerifyAccess(res.Token)
	require.NoError(t, err)
	require.Equal(t, "A", claims.TenantID)
	require.Equal(t, bob.UserID, claims.UserID)
	require.Equal(t, []string{"default"}, claims.Roles)
	require.WithinDuration(t, time.Now().Add(time.Hour), res.ExpiresAt, 5*time.Second)

	_, err = f.identity.Login(ctx, LoginInput{TenantID: "B", Identifier: "bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))

	_, err = f.identity.Register(ctx, RegisterInput{TenantID: "A", Username: "BOB", Password: "x"})
	require.True(t, apperr.Is(err, apperr.KindDuplicateUser))

	other := f.register(t, "B", "bob", "other")
	require.NotEqual(t, bob.UserID, other.UserID)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.register(t, "A", "bob", "pw123")

	adminCtx := f.bootstrapAdmin(t, "A")
	f.register(t, "A", "carol", "pw123")
	carol := f.storedUser(t, "A", "carol")
	require.NoError(t, f.admin.DeactivateUser(adminCtx, carol.ID))

	attempts := []LoginInput{
		{TenantID: "A", Identifier: "bob", Password: "wrong"},
		{TenantID: "A", Identifier: "nobody", Password: "pw123"},
		{TenantID: "Z", Identifier: "bob", Password: "pw123"},
		{TenantID: "A", Identifier: "carol", Password: "pw123"},
		{TenantID: "A", Identifier: "bob@example.com", Password: "pw123"},
	}
	for _, in := range attempts {
		res, err := f.identity.Login(ctx, in)
		require.Nil(t, res)
		e := apperr.As(err)
		require.Equal(t, apperr.KindInvalidCredentials, e.Kind, in.Identifier)
		require.Equal(t, apperr.MsgInvalidCredentials, e.Error())
		require.Empty(t, e.Details)
	}
	require.NotEmpty(t, bob.UserID)
}

func TestLoginWithoutTenantFailsClosed(t *testing.T) {
	f := newFixture(t)
	_, err := f.identity.Login(context.Background(), LoginInput{Identifier: "bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindTenantUnresolved))
}

func TestLoginByEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.identity.Register(context.Background(), RegisterInput{
		TenantID: "A", Username: "dana", Email: "Dana@Example.com", Password: "pw123",
	})
	require.NoError(t, err)

	res, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: " dana@example.COM ", Password: "pw123"})
	require.NoError(t, err)
	require.Equal(t, "dana", res.User.Username)
	require.Equal(t, "Dana@Example.com", res.User.Email)

	_, err = f.identity.Register(context.Background(), RegisterInput{
		TenantID: "A", Username: "dana2", Email: "dana@example.com", Password: "pw123",
	})
	require.True(t, apperr.Is(err, apperr.KindDuplicateUser))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	cases := []RegisterInput{
		{TenantID: "A", Username: "", Password: "pw123"},
		{TenantID: "A", Username: "bob", Password: ""},
		{TenantID: "A", Username: "b b", Password: "pw123"},
		{TenantID: "A", Username: "bob", Email: "not-an-email", Password: "pw123"},
		{TenantID: "A", Username: "bob", Password: strings.Repeat("x", 129)},
	}
	for _, in := range cases {
		_, err := f.identity.Register(context.Background(), in)
		require.True(t, apperr.Is(err, apperr.KindValidation), "%+v", in)
		require.NotEmpty(t, apperr.As(err).Details)
	}
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	f := newFixture(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.identity.Register(context.Background(), RegisterInput{TenantID: "A", Username: "bob", Password: "pw123"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, apperr.Is(err, apperr.KindDuplicateUser), err)
	}
	require.Equal(t, 1, ok)
}

func TestCancelledRegistrationLeavesNoUser(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.identity.Register(ctx, RegisterInput{TenantID: "A", Username: "bob", Password: "pw123"})
	require.Error(t, err)

	_, err = f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))

	f.register(t, "A", "bob", "pw123")
}

func TestRegistrationGate(t *testing.T) {
	t.Run("closed tenant", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.identity.Register(context.Background(), RegisterInput{TenantID: "C", Username: "bob", Password: "pw123"})
		require.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("missing tenant", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.identity.Register(context.Background(), RegisterInput{Username: "bob", Password: "pw123"})
		require.True(t, apperr.Is(err, apperr.KindTenantUnresolved))
	})

	t.Run("self registration switched off", func(t *testing.T) {
		f := newFixture(t, func(c *IdentityConfig) { c.SelfRegistration = func() bool { return false } })
		_, err := f.identity.Register(context.Background(), RegisterInput{TenantID: "A", Username: "bob", Password: "pw123"})
		require.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("self registration cannot pick roles", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.identity.Register(context.Background(), RegisterInput{
			TenantID: "A", Username: "bob", Password: "pw123", Roles: []string{"admin"},
		})
		require.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("admin registers into own tenant", func(t *testing.T) {
		f := newFixture(t, func(c *IdentityConfig) { c.OpenTenants = nil })
		adminCtx := f.bootstrapAdmin(t, "C")

		u, err := f.identity.Register(adminCtx, RegisterInput{Username: "eve", Password: "pw123", Roles: []string{"auditor"}})
		require.NoError(t, err)
		require.Equal(t, "C", u.TenantID)
		require.Equal(t, []string{"auditor", "default"}, u.Roles)

		_, err = f.identity.Register(adminCtx, RegisterInput{TenantID: "D", Username: "mallory", Password: "pw123"})
		require.True(t, apperr.Is(err, apperr.KindTenantUnresolved))
	})

	t.Run("non admin caller", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "A", "bob", "pw123")
		bobCtx, _ := f.signIn(t, "A", "bob", "pw123")
		_, err := f.identity.Register(bobCtx, RegisterInput{Username: "eve", Password: "pw123"})
		require.True(t, apperr.Is(err, apperr.KindForbidden))
	})
}

func TestRegisterWithInvitation(t *testing.T) {
	f := newFixture(t, func(c *IdentityConfig) { c.OpenTenants = nil })
	adminCtx := f.bootstrapAdmin(t, "C")

	inv, err := f.admin.CreateInvitation(adminCtx, []string{"auditor"})
	require.NoError(t, err)
	require.Equal(t, "C", inv.TenantID)

	u, err := f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "eve", Password: "pw123"})
	require.NoError(t, err)
	require.Equal(t, "C", u.TenantID)
	require.Equal(t, []string{"auditor", "default"}, u.Roles)

	_, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "frank", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindForbidden), "invitation is single use")

	inv, err = f.admin.CreateInvitation(adminCtx, nil)
	require.NoError(t, err)
	_, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{TenantID: "A", Username: "frank", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "frank", Password: "pw123", Roles: []string{"admin"}})
	require.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.identity.RegisterWithInvitation(context.Background(), "garbage", RegisterInput{Username: "frank", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestConcurrentInvitationRedemption(t *testing.T) {
	f := newFixture(t, func(c *IdentityConfig) { c.OpenTenants = nil })
	adminCtx := f.bootstrapAdmin(t, "C")
	inv, err := f.admin.CreateInvitation(adminCtx, []string{"auditor"})
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{
				Username: fmt.Sprintf("user%d", i),
				Password: "pw123",
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, apperr.Is(err, apperr.KindForbidden), err)
	}
	require.Equal(t, 1, ok)

	users, err := f.admin.ListUsers(adminCtx, 0, 100)
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestFailedInvitationRegistrationKeepsInvitation(t *testing.T) {
	f := newFixture(t, func(c *IdentityConfig) { c.OpenTenants = nil })
	adminCtx := f.bootstrapAdmin(t, "C")
	inv, err := f.admin.CreateInvitation(adminCtx, nil)
	require.NoError(t, err)

	_, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "root", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindDuplicateUser))

	u, err := f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "eve", Password: "pw123"})
	require.NoError(t, err)
	require.Equal(t, "C", u.TenantID)

	_, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{Username: "frank", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestInvitationGrantsRequestedSubset(t *testing.T) {
	f := newFixture(t, func(c *IdentityConfig) { c.OpenTenants = nil })
	adminCtx := f.bootstrapAdmin(t, "C")

	inv, err := f.admin.CreateInvitation(adminCtx, []string{"auditor", "editor"})
	require.NoError(t, err)
	u, err := f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{
		Username: "eve", Password: "pw123", Roles: []string{"editor"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"default", "editor"}, u.Roles)

	eveCtx, claims := f.signIn(t, "C", "eve", "pw123")
	require.NotNil(t, eveCtx)
	require.Equal(t, []string{"default", "editor"}, claims.Roles)

	inv, err = f.admin.CreateInvitation(adminCtx, []string{"auditor"})
	require.NoError(t, err)
	u, err = f.identity.RegisterWithInvitation(context.Background(), inv.Token, RegisterInput{
		Username: "frank", Password: "pw123", Roles: []string{},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, u.Roles)
}

// refusingBegin is a backend whose transactions never start.
type refusingBegin struct {
	store.Backend
}

func (refusingBegin) Begin(context.Context) (store.Tx, error) {
	return nil, errors.New("begin refused")
}

func TestFailedRegistrationLeavesNoRoles(t *testing.T) {
	f := newFixture(t)
	broken := NewIdentityService(refusingBegin{f.backend}, f.hasher, f.tokens, f.revoked, f.cfg, nil)

	_, err := broken.Register(context.Background(), RegisterInput{TenantID: "A", Username: "bob", Password: "pw123"})
	require.Error(t, err)

	tc, err := tenant.Unauthenticated("A")
	require.NoError(t, err)
	gw := store.New(f.backend, tc)
	users, err := gw.Count(context.Background(), domain.UserSchema, nil)
	require.NoError(t, err)
	require.Zero(t, users)
	roles, err := gw.Count(context.Background(), domain.RoleSchema, nil)
	require.NoError(t, err)
	require.Zero(t, roles)
}

func TestConcurrentRegistrationsShareRoles(t *testing.T) {
	f := newFixture(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.identity.Register(context.Background(), RegisterInput{
				TenantID: "A", Username: fmt.Sprintf("user%d", i), Password: "pw123",
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	tc, err := tenant.Unauthenticated("A")
	require.NoError(t, err)
	roles, err := repository.NewRoleRepository(store.New(f.backend, tc), nil).List(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.Equal(t, "default", roles[0].Name)
}

func TestPasswordIsNeverExposed(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "A", "bob", "pw123")

	body, err := json.Marshal(u)
	require.NoError(t, err)
	require.NotContains(t, string(body), "pw123")
	require.NotContains(t, string(body), "argon2")

	stored := f.storedUser(t, "A", "bob")
	require.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
	require.NotContains(t, stored.PasswordHash, "pw123")
}

func TestAuthenticateAndLogout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "A", "bob", "pw123")
	ctx, claims := f.signIn(t, "A", "bob", "pw123")

	tc, err := tenant.FromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, "A", tc.TenantID())
	require.True(t, tc.HasRole("default"))

	me, err := f.identity.Profile(ctx)
	require.NoError(t, err)
	require.Equal(t, "bob", me.Username)

	res, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.NoError(t, err)

	require.NoError(t, f.identity.Logout(ctx, claims))
	_, _, err = f.identity.Authenticate(context.Background(), "x.y.z")
	require.True(t, apperr.Is(err, apperr.KindUnauthorized))

	// other sessions survive a logout
	_, _, err = f.identity.Authenticate(context.Background(), res.Token)
	require.NoError(t, err)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "A", "bob", "pw123")
	res, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.NoError(t, err)

	tc, claims, err := f.identity.Authenticate(context.Background(), res.Token)
	require.NoError(t, err)
	require.NoError(t, f.identity.Logout(tenant.WithContext(context.Background(), tc), claims))

	_, _, err = f.identity.Authenticate(context.Background(), res.Token)
	require.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestDeactivatedUserTokenStopsWorking(t *testing.T) {
	f := newFixture(t)
	adminCtx := f.bootstrapAdmin(t, "A")
	bob := f.register(t, "A", "bob", "pw123")
	res, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.NoError(t, err)

	require.NoError(t, f.admin.DeactivateUser(adminCtx, bob.UserID))
	_, _, err = f.identity.Authenticate(context.Background(), res.Token)
	require.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "A", "bob", "pw123")
	ctx, _ := f.signIn(t, "A", "bob", "pw123")

	err := f.identity.ChangePassword(ctx, ChangePasswordInput{CurrentPassword: "nope", NewPassword: "next"})
	require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))

	require.NoError(t, f.identity.ChangePassword(ctx, ChangePasswordInput{CurrentPassword: "pw123", NewPassword: "next"}))

	_, err = f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))
	f.signIn(t, "A", "bob", "next")

	err = f.identity.ChangePassword(context.Background(), ChangePasswordInput{CurrentPassword: "next", NewPassword: "again"})
	require.True(t, apperr.Is(err, apperr.KindTenantUnresolved))
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	f := newFixture(t)
	f.register(t, "A", "bob", "pw123")
	before := f.storedUser(t, "A", "bob").PasswordHash

	stronger := password.NewHasher(password.Params{Memory: 2048, Iterations: 2, Parallelism: 1})
	svc := NewIdentityService(f.backend, stronger, f.tokens, f.revoked, f.cfg, nil)
	_, err := svc.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "pw123"})
	require.NoError(t, err)

	after := f.storedUser(t, "A", "bob").PasswordHash
	require.NotEqual(t, before, after)
	require.False(t, stronger.NeedsRehash(after))
	require.True(t, stronger.Verify("pw123", after))
}

func TestLoginRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(2, time.Minute)
	t.Cleanup(limiter.Stop)
	f := newFixture(t, func(c *IdentityConfig) { c.LoginLimiter = limiter })
	f.register(t, "A", "bob", "pw123")

	for i := 0; i < 2; i++ {
		_, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "bob", Password: "wrong"})
		require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))
	}
	_, err := f.identity.Login(context.Background(), LoginInput{TenantID: "A", Identifier: "Bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindRateLimited))

	_, err = f.identity.Login(context.Background(), LoginInput{TenantID: "B", Identifier: "bob", Password: "pw123"})
	require.True(t, apperr.Is(err, apperr.KindInvalidCredentials))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	in := RegisterInput{Username: "root", Password: "rootpw"}

	first, err := f.identity.Bootstrap(context.Background(), "A", in)
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "default"}, first.Roles)

	second, err := f.identity.Bootstrap(context.Background(), "A", in)
	require.NoError(t, err)
	require.Equal(t, first.UserID, second.UserID)
	require.Equal(t, first.Roles, second.Roles)
}
