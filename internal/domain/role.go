package domain

import (
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// Built-in role names. Deployments may rename them through config.
const (
	DefaultRole = "default"
	AdminRole   = "admin"
)

// Role is a named grant scoped to one tenant
type Role struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserRole links a user to a role inside the same tenant
type UserRole struct {
	ID       string
	TenantID string
	UserID   string
	RoleID   string
}

var RoleSchema = store.Schema{
	Kind:      "roles",
	Fields:    []string{"id", "tenant_id", "name", "created_at"},
	Unique:    [][]string{{"tenant_id", "name"}},
	Immutable: []string{"name"},
}

var UserRoleSchema = store.Schema{
	Kind:      "user_roles",
	Fields:    []string{"id", "tenant_id", "user_id", "role_id", "created_at"},
	Unique:    [][]string{{"tenant_id", "user_id", "role_id"}},
	Immutable: []string{"user_id", "role_id"},
}

func RoleFromRow(r store.Row) *Role {
	return &Role{
		ID:        r.ID(),
		TenantID:  r.TenantID(),
		Name:      r.String("name"),
		CreatedAt: r.Time("created_at"),
	}
}
