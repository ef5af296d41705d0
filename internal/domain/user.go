package domain

import (
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// User represents an account within one tenant
type User struct {
	ID                 string
	TenantID           string
	Username           string
	NormalizedUsername string
	Email              string
	NormalizedEmail    string
	PasswordHash       string
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserSummary is the public view of a user. It never carries the hash.
type UserSummary struct {
	UserID   string   `json:"userId"`
	TenantID string   `json:"tenantId"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	IsActive bool     `json:"isActive"`
	Roles    []string `json:"roles"`
}

// Summary builds the public view with the given role names.
func (u *User) Summary(roles []string) UserSummary {
	if roles == nil {
		roles = []string{}
	}
	return UserSummary{
		UserID:   u.ID,
		TenantID: u.TenantID,
		Username: u.Username,
		Email:    u.Email,
		IsActive: u.IsActive,
		Roles:    roles,
	}
}

// UserSchema is the users table.
var UserSchema = store.Schema{
	Kind: "users",
	Fields: []string{
		"id", "tenant_id", "username", "normalized_username", "email",
		"normalized_email", "password_hash", "is_active", "created_at", "updated_at",
	},
	Unique: [][]string{
		{"tenant_id", "normalized_username"},
		{"tenant_id", "normalized_email"},
	},
	Immutable: []string{"username", "normalized_username"},
}

// ToRow maps u onto UserSchema columns. id and tenant_id are left to the gateway.
func (u *User) ToRow() store.Row {
	row := store.Row{
		"username":            u.Username,
		"normalized_username": u.NormalizedUsername,
		"email":               nil,
		"normalized_email":    nil,
		"password_hash":       u.PasswordHash,
		"is_active":           u.IsActive,
	}
	if u.Email != "" {
		row["email"] = u.Email
		row["normalized_email"] = u.NormalizedEmail
	}
	return row
}

// UserFromRow is the inverse of ToRow.
func UserFromRow(r store.Row) *User {
	return &User{
		ID:                 r.ID(),
		TenantID:           r.TenantID(),
		Username:           r.String("username"),
		NormalizedUsername: r.String("normalized_username"),
		Email:              r.String("email"),
		NormalizedEmail:    r.String("normalized_email"),
		PasswordHash:       r.String("password_hash"),
		IsActive:           r.Bool("is_active"),
		CreatedAt:          r.Time("created_at"),
		UpdatedAt:          r.Time("updated_at"),
	}
}
