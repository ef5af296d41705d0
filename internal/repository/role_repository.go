package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/domain"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// RoleRepository implements domain.RoleRepository on a tenant-bound gateway
type RoleRepository struct {
	gw     *store.Gateway
	logger *slog.Logger
}

var _ domain.RoleRepository = (*RoleRepository)(nil)

// NewRoleRepository creates a role repository for the gateway's tenant
func NewRoleRepository(gw *store.Gateway, logger *slog.Logger) *RoleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleRepository{gw: gw, logger: logger}
}

// Create adds a role; a taken name is a Conflict
func (r *RoleRepository) Create(ctx context.Context, name string) (*domain.Role, error) {
	row, err := r.gw.Insert(ctx, domain.RoleSchema, store.Row{"name": name})
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, apperr.Conflict("role already exists").WithOp("roles.create")
		}
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return domain.RoleFromRow(row), nil
}

func (r *RoleRepository) GetByID(ctx context.Context, id string) (*domain.Role, error) {
	row, err := r.gw.Get(ctx, domain.RoleSchema, id)
	if err != nil {
		return nil, err
	}
	return domain.RoleFromRow(row), nil
}

func (r *RoleRepository) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	row, err := r.gw.First(ctx, domain.RoleSchema, store.Eq("name", name))
	if err != nil {
		return nil, err
	}
	return domain.RoleFromRow(row), nil
}

// Ensure returns the named role, creating it on first use. Losing a creation
// race to another caller is not an error.
func (r *RoleRepository) Ensure(ctx context.Context, name string) (*domain.Role, error) {
	role, err := r.GetByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	role, err = r.Create(ctx, name)
	if apperr.Is(err, apperr.KindConflict) {
		return r.GetByName(ctx, name)
	}
	return role, err
}

// FindOrCreate is Ensure for use inside a transaction: a lost creation race
// is returned as Conflict instead of being read back, since the transaction
// may no longer be usable.
func (r *RoleRepository) FindOrCreate(ctx context.Context, name string) (*domain.Role, error) {
	role, err := r.GetByName(ctx, name)
	if apperr.Is(err, apperr.KindNotFound) {
		return r.Create(ctx, name)
	}
	return role, err
}

func (r *RoleRepository) List(ctx context.Context) ([]*domain.Role, error) {
	rows, err := r.gw.Query(ctx, domain.RoleSchema, nil, store.OrderBy("name", false))
	if err != nil {
		return nil, err
	}
	roles := make([]*domain.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, domain.RoleFromRow(row))
	}
	return roles, nil
}

// Delete removes a role and every grant of it.
func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	return r.gw.InTx(ctx, func(tx *store.Gateway) error {
		if _, err := tx.Get(ctx, domain.RoleSchema, id); err != nil {
			return err
		}
		if _, err := tx.DeleteWhere(ctx, domain.UserRoleSchema, store.Eq("role_id", id)); err != nil {
			return err
		}
		return tx.Delete(ctx, domain.RoleSchema, id)
	})
}

// Grant links a user to a role. Both must be visible in the gateway's tenant,
// otherwise the grant is rejected as invalid input. Granting twice is a no-op.
func (r *RoleRepository) Grant(ctx context.Context, userID, roleID string) error {
	if _, err := r.gw.Get(ctx, domain.UserSchema, userID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("invalid role assignment").WithDetail("userId", "unknown user")
		}
		return err
	}
	if _, err := r.gw.Get(ctx, domain.RoleSchema, roleID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("invalid role assignment").WithDetail("roleId", "unknown role")
		}
		return err
	}

	grant := store.And(store.Eq("user_id", userID), store.Eq("role_id", roleID))
	n, err := r.gw.Count(ctx, domain.UserRoleSchema, grant)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := r.gw.Insert(ctx, domain.UserRoleSchema, store.Row{"user_id": userID, "role_id": roleID}); err != nil {
		r.logger.Error("failed to grant role",
			slog.String("tenant_id", r.gw.Tenant().TenantID()),
			slog.String("user_id", userID),
			slog.String("role_id", roleID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to grant role: %w", err)
	}
	return nil
}

// Revoke removes a grant; a missing grant is NotFound.
func (r *RoleRepository) Revoke(ctx context.Context, userID, roleID string) error {
	n, err := r.gw.DeleteWhere(ctx, domain.UserRoleSchema,
		store.And(store.Eq("user_id", userID), store.Eq("role_id", roleID)))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound()
	}
	return nil
}

// RoleNames returns the sorted role names granted to userID.
func (r *RoleRepository) RoleNames(ctx context.Context, userID string) ([]string, error) {
	joined, err := r.gw.Join(ctx, store.JoinSpec{
		Left:       domain.UserRoleSchema,
		LeftFilter: store.Eq("user_id", userID),
		LeftKey:    "role_id",
		Right:      domain.RoleSchema,
		RightKey:   "id",
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(joined))
	for _, j := range joined {
		names = append(names, j.Right.String("name"))
	}
	sort.Strings(names)
	return names, nil
}
