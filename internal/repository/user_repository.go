package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// UserRepository implements domain.UserRepository on a tenant-bound gateway
type UserRepository struct {
	gw     *store.Gateway
	logger *slog.Logger
}

var _ domain.UserRepository = (*UserRepository)(nil)

// NewUserRepository creates a user repository for the gateway's tenant
func NewUserRepository(gw *store.Gateway, logger *slog.Logger) *UserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserRepository{gw: gw, logger: logger}
}

// Create inserts a user. A store-level uniqueness violation is DuplicateUser.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	row, err := r.gw.Insert(ctx, domain.UserSchema, user.ToRow())
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, apperr.DuplicateUser().WithOp("users.create")
		}
		r.logger.Error("failed to create user",
			slog.String("tenant_id", r.gw.Tenant().TenantID()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return domain.UserFromRow(row), nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row, err := r.gw.Get(ctx, domain.UserSchema, id)
	if err != nil {
		return nil, err
	}
	return domain.UserFromRow(row), nil
}

// GetByUsername looks up by normalized username
func (r *UserRepository) GetByUsername(ctx context.Context, normalized string) (*domain.User, error) {
	row, err := r.gw.First(ctx, domain.UserSchema, store.Eq("normalized_username", normalized))
	if err != nil {
		return nil, err
	}
	return domain.UserFromRow(row), nil
}

// GetByEmail looks up by normalized email
func (r *UserRepository) GetByEmail(ctx context.Context, normalized string) (*domain.User, error) {
	if normalized == "" {
		return nil, apperr.NotFound()
	}
	row, err := r.gw.First(ctx, domain.UserSchema, store.Eq("normalized_email", normalized))
	if err != nil {
		return nil, err
	}
	return domain.UserFromRow(row), nil
}

// Exists reports whether the username, or the email when given, is taken.
func (r *UserRepository) Exists(ctx context.Context, normalizedUsername, normalizedEmail string) (bool, error) {
	filter := store.Eq("normalized_username", normalizedUsername)
	if normalizedEmail != "" {
		filter = store.Or(filter, store.Eq("normalized_email", normalizedEmail))
	}
	n, err := r.gw.Count(ctx, domain.UserSchema, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns users ordered by username
func (r *UserRepository) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	rows, err := r.gw.Query(ctx, domain.UserSchema, nil,
		store.OrderBy("normalized_username", false),
		store.Offset(offset),
		store.Limit(limit),
	)
	if err != nil {
		return nil, err
	}
	users := make([]*domain.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserFromRow(row))
	}
	return users, nil
}

// UpdatePasswordHash replaces the stored credential
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	_, err := r.gw.Update(ctx, domain.UserSchema, id, store.Row{"password_hash": hash})
	return err
}

// SetActive activates or deactivates a user; users are never hard-deleted
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.gw.Update(ctx, domain.UserSchema, id, store.Row{"is_active": active})
	return err
}
