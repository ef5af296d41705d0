// Package tenant carries the immutable per-request tenant and principal.
package tenant

import (
	"context"
	"slices"
	"strings"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
)

// Context is the resolved tenant for one call. The zero value is unresolved
// and every consumer must treat it as such.
type Context struct {
	tenantID      string
	userID        string
	username      string
	roles         []string
	authenticated bool
}

// Unauthenticated builds a context with no principal, for login and for
// registrations that already passed the registration gate.
func Unauthenticated(tenantID string) (Context, error) {
	id := strings.TrimSpace(tenantID)
	if id == "" {
		return Context{}, apperr.TenantUnresolved()
	}
	return Context{tenantID: id}, nil
}

// Authenticated builds a context from a verified claim set.
func Authenticated(tenantID, userID, username string, roles []string) (Context, error) {
	id := strings.TrimSpace(tenantID)
	if id == "" || strings.TrimSpace(userID) == "" {
		return Context{}, apperr.TenantUnresolved()
	}
	return Context{
		tenantID:      id,
		userID:        userID,
		username:      username,
		roles:         slices.Clone(roles),
		authenticated: true,
	}, nil
}

func (c Context) TenantID() string { return c.tenantID }

func (c Context) UserID() string { return c.userID }

func (c Context) Username() string { return c.username }

// Roles returns a copy; mutating it does not affect the context.
func (c Context) Roles() []string { return slices.Clone(c.roles) }

func (c Context) IsAuthenticated() bool { return c.authenticated }

// Resolved reports whether a tenant is present.
func (c Context) Resolved() bool { return c.tenantID != "" }

// HasRole is false for unauthenticated contexts.
func (c Context) HasRole(role string) bool {
	if !c.authenticated {
		return false
	}
	return slices.Contains(c.roles, role)
}

// Bind checks a tenant named by the request against the one in the context.
// An empty request value is accepted.
func (c Context) Bind(requested string) error {
	if !c.Resolved() {
		return apperr.TenantUnresolved()
	}
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != c.tenantID {
		return apperr.TenantUnresolved()
	}
	return nil
}

type contextKey struct{}

// WithContext stores tc on ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant stored on ctx or TenantUnresolved.
func FromContext(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok || !tc.Resolved() {
		return Context{}, apperr.TenantUnresolved()
	}
	return tc, nil
}
