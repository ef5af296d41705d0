package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/ratelimit"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
)

type stubAuthenticator struct{ calls int }

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (tenant.Context, *auth.Claims, error) {
	s.calls++
	if token != "good" {
		return tenant.Context{}, nil, apperr.Unauthorized("invalid token")
	}
	tc, err := tenant.Authenticated("A", "u1", "bob", []string{"default"})
	return tc, &auth.Claims{TenantID: "A", UserID: "u1"}, err
}

func echoTenant(t *testing.T, reached *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		tc, err := tenant.FromContext(r.Context())
		require.NoError(t, err)
		require.NotNil(t, ClaimsFromContext(r.Context()))
		w.Write([]byte(tc.TenantID()))
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorDetail {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestRequireAuth(t *testing.T) {
	stub := &stubAuthenticator{}

	cases := []struct {
		name   string
		header string
		tenant string
		status int
		code   string
	}{
		{"missing", "", "", http.StatusUnauthorized, "unauthorized"},
		{"malformed", "Token good", "", http.StatusUnauthorized, "unauthorized"},
		{"bad token", "Bearer bad", "", http.StatusUnauthorized, "unauthorized"},
		{"other tenant", "Bearer good", "B", http.StatusUnauthorized, "tenant_unresolved"},
		{"ok", "Bearer good", "", http.StatusOK, ""},
		{"ok matching tenant", "bearer good", "A", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			h := RequireAuth(stub, nil)(echoTenant(t, &reached))

			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.tenant != "" {
				req.Header.Set(TenantHeader, tc.tenant)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.status == http.StatusOK, reached)
			if tc.code != "" {
				require.Equal(t, tc.code, decodeError(t, rec).Code)
			} else {
				require.Equal(t, "A", rec.Body.String())
			}
		})
	}
}

func TestOptionalAuthPassesAnonymous(t *testing.T) {
	stub := &stubAuthenticator{}
	reached := false
	h := OptionalAuth(stub, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		_, err := tenant.FromContext(r.Context())
		require.Error(t, err)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register", nil))
	require.True(t, reached)
	require.Equal(t, 0, stub.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	h := RateLimit(limiter, "api", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1234").Code)
	rec := send("10.0.0.1:5678")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Code)
	require.Equal(t, http.StatusOK, send("10.0.0.2:1234").Code)
}

func TestValidateJSONContentType(t *testing.T) {
	h := ValidateJSONContentType(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	reached := false
	h := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.False(t, reached)

	req = httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, reached)
}

func TestRecover(t *testing.T) {
	h := Recover(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
