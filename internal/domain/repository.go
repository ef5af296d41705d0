package domain

import "context"

// UserRepository defines tenant-scoped user persistence. Implementations are
// bound to one tenant; no method accepts a tenant id.
type UserRepository interface {
	Create(ctx context.Context, user *User) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, normalized string) (*User, error)
	GetByEmail(ctx context.Context, normalized string) (*User, error)
	Exists(ctx context.Context, normalizedUsername, normalizedEmail string) (bool, error)
	List(ctx context.Context, offset, limit int) ([]*User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// RoleRepository defines tenant-scoped role and grant persistence
type RoleRepository interface {
	Create(ctx context.Context, name string) (*Role, error)
	GetByID(ctx context.Context, id string) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	Ensure(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Delete(ctx context.Context, id string) error
	Grant(ctx context.Context, userID, roleID string) error
	Revoke(ctx context.Context, userID, roleID string) error
	RoleNames(ctx context.Context, userID string) ([]string, error)
}
