package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/password"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
	"github.com/aryan0dhankhar/tenantguard/internal/store/memory"
)

type api struct {
	t        *testing.T
	handler  http.Handler
	identity *service.IdentityService
}

func newAPI(t *testing.T) *api {
	t.Helper()
	backend := memory.New()
	tokens, err := auth.NewTokenManager("router-test-secret-router-test-secret", "tenantguard", "tenantguard-api", time.Hour)
	require.NoError(t, err)
	cfg := service.IdentityConfig{OpenTenants: []string{"A", "B"}}
	hasher := password.NewHasher(password.Params{Memory: 1024, Iterations: 1, Parallelism: 1})

	identity := service.NewIdentityService(backend, hasher, tokens, auth.NewMemoryRevocations(nil), cfg, nil)
	admin := service.NewAdminService(backend, tokens, cfg, nil)
	return &api{
		t:        t,
		identity: identity,
		handler: NewRouter(RouterConfig{
			Identity: identity,
			Admin:    admin,
			Health:   NewHealthHandler(map[string]Pinger{"store": backend, "redis": nil}, nil),
		}),
	}
}

func (a *api) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *api) login(tenantID, identifier, pw string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"tenantId": tenantID, "identifier": identifier, "password": pw,
	})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.LoginResult
	require.NoError(a.t, json.NewDecoder(rec.Body).Decode(&res))
	return res.Token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestRegisterLoginMeFlow(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"tenantId": "A", "username": "bob", "password": "pw123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bob domain.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&bob))
	require.Equal(t, []string{"default"}, bob.Roles)
	require.NotContains(t, rec.Body.String(), "password")

	token := a.login("A", "bob", "pw123")

	rec = a.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me domain.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	require.Equal(t, bob.UserID, me.UserID)
	require.Equal(t, "A", me.TenantID)

	rec = a.do(http.MethodGet, "/api/auth/me", token, nil, "X-Tenant-ID", "B")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "tenant_unresolved", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"tenantId": "B", "identifier": "bob", "password": "pw123",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"tenantId": "A", "username": "Bob", "password": "x",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "duplicate_user", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsBadRequests(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/api/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodGet, "/api/users", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/auth/register", "", map[string]any{
		"tenantId": "A", "username": "bob", "password": "pw123", "isAdmin": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"tenantId": "A", "username": "", "password": "pw123",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"tenantId": "closed", "username": "bob", "password": "pw123",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "bob", "password": "pw123",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "tenant_unresolved", errorCode(t, rec))
}

func TestAdminEndpoints(t *testing.T) {
	a := newAPI(t)
	_, err := a.identity.Bootstrap(context.Background(), "A", service.RegisterInput{Username: "root", Password: "rootpw"})
	require.NoError(t, err)
	adminToken := a.login("A", "root", "rootpw")

	rec := a.do(http.MethodPost, "/api/auth/register", adminToken, map[string]any{
		"username": "bob", "password": "pw123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bob domain.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&bob))
	require.Equal(t, "A", bob.TenantID)
	bobToken := a.login("A", "bob", "pw123")

	rec = a.do(http.MethodGet, "/api/users", bobToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/roles", adminToken, map[string]string{"name": "auditor"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var role domain.Role
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&role))

	rec = a.do(http.MethodPost, "/api/users/"+bob.UserID+"/roles", adminToken, map[string]string{"roleId": role.ID})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/users/"+bob.UserID, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, []string{"auditor", "default"}, got.Roles)

	rec = a.do(http.MethodGet, "/api/users?limit=abc", adminToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/users?offset=0&limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Users []domain.UserSummary `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Users, 2)

	rec = a.do(http.MethodDelete, "/api/users/"+bob.UserID+"/roles/"+role.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodPost, "/api/invitations", adminToken, map[string]any{"roles": []string{"auditor"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var inv service.Invitation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inv))

	rec = a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "eve", "password": "pw123", "invitation": inv.Token,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/users/"+bob.UserID+"/deactivate", adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodGet, "/api/auth/me", bobToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodDelete, "/api/roles/"+role.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodDelete, "/api/roles/"+role.ID, adminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCannotReachOtherTenant(t *testing.T) {
	a := newAPI(t)
	_, err := a.identity.Bootstrap(context.Background(), "A", service.RegisterInput{Username: "root", Password: "rootpw"})
	require.NoError(t, err)
	adminToken := a.login("A", "root", "rootpw")

	rec := a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"tenantId": "B", "username": "carol", "password": "pw123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var carol domain.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&carol))

	rec = a.do(http.MethodGet, "/api/users/"+carol.UserID, adminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(http.MethodPost, "/api/users/"+carol.UserID+"/deactivate", adminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = a.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	require.Equal(t, "ok", ready.Checks["store"])
	require.Equal(t, "not configured", ready.Checks["redis"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

func TestReadyReportsFailure(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{"store": failingPinger{}}, nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "deadline")
}
