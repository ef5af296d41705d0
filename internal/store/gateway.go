package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/tenant"
)

// Gateway is the only path to persisted tenant data. A zero Gateway, or one
// bound to an unresolved tenant, rejects every call with TenantUnresolved.
type Gateway struct {
	backend Backend  // nil inside a transaction
	exec    Executor // backend or the open Tx
	tc      tenant.Context
	now     func() time.Time
}

// New binds backend to tc.
func New(backend Backend, tc tenant.Context) *Gateway {
	return &Gateway{backend: backend, exec: backend, tc: tc, now: time.Now}
}

// FromContext binds backend to the tenant carried by ctx.
func FromContext(ctx context.Context, backend Backend) (*Gateway, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return New(backend, tc), nil
}

// Tenant returns the bound context.
func (g *Gateway) Tenant() tenant.Context { return g.tc }

func (g *Gateway) ready() error {
	if !g.tc.Resolved() || g.exec == nil {
		return apperr.TenantUnresolved()
	}
	return nil
}

// scope validates caller filter fields and ANDs in the tenant predicate.
func (g *Gateway) scope(schema Schema, f Filter) (Filter, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if f == nil {
		f = All()
	}
	for _, field := range f.Fields() {
		if !schema.HasField(field) {
			return nil, apperr.Validation("invalid filter").WithDetail(field, "unknown field")
		}
	}
	return And(Eq(FieldTenantID, g.tc.TenantID()), f), nil
}

// Query returns the rows of schema matching filter within the bound tenant.
func (g *Gateway) Query(ctx context.Context, schema Schema, filter Filter, opts ...QueryOption) ([]Row, error) {
	scoped, err := g.scope(schema, filter)
	if err != nil {
		return nil, err
	}
	var o QueryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.OrderBy != "" && !schema.HasField(o.OrderBy) {
		return nil, apperr.Validation("invalid ordering").WithDetail(o.OrderBy, "unknown field")
	}
	rows, err := g.exec.Select(ctx, schema, scoped, o)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", schema.Kind, err)
	}
	return rows, nil
}

// First returns the first matching row or NotFound.
func (g *Gateway) First(ctx context.Context, schema Schema, filter Filter, opts ...QueryOption) (Row, error) {
	rows, err := g.Query(ctx, schema, filter, append(opts, Limit(1))...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound()
	}
	return rows[0], nil
}

// Get loads one row by id. Absent and foreign rows are both NotFound.
func (g *Gateway) Get(ctx context.Context, schema Schema, id string) (Row, error) {
	return g.First(ctx, schema, Eq(FieldID, id))
}

// Count returns the number of matching rows within the bound tenant.
func (g *Gateway) Count(ctx context.Context, schema Schema, filter Filter) (int, error) {
	scoped, err := g.scope(schema, filter)
	if err != nil {
		return 0, err
	}
	n, err := g.exec.Count(ctx, schema, scoped)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", schema.Kind, err)
	}
	return n, nil
}

// Insert stamps tenant_id from the bound context and assigns a fresh id,
// overwriting any value the caller supplied for either. Ids are unique across
// tenants, so honouring a caller id would let a Conflict reveal another
// tenant's row.
func (g *Gateway) Insert(ctx context.Context, schema Schema, row Row) (Row, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	stored := row.Clone()
	if stored == nil {
		stored = Row{}
	}
	for col := range stored {
		if !schema.HasField(col) {
			return nil, apperr.Validation("invalid row").WithDetail(col, "unknown field")
		}
	}
	stored[FieldTenantID] = g.tc.TenantID()
	stored[FieldID] = uuid.NewString()
	now := g.now().UTC()
	if schema.HasField(FieldCreatedAt) {
		stored[FieldCreatedAt] = now
	}
	if schema.HasField(FieldUpdatedAt) {
		stored[FieldUpdatedAt] = now
	}

	if err := g.exec.Insert(ctx, schema, stored); err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return nil, apperr.Wrap(apperr.KindConflict, schema.Kind+" already exists", err)
		}
		return nil, fmt.Errorf("insert %s: %w", schema.Kind, err)
	}
	return stored, nil
}

// Update re-reads the row through the tenant filter before writing. id,
// tenant_id, created_at and schema-immutable columns are dropped from changes.
func (g *Gateway) Update(ctx context.Context, schema Schema, id string, changes Row) (Row, error) {
	current, err := g.Get(ctx, schema, id)
	if err != nil {
		return nil, err
	}

	clean := Row{}
	for col, v := range changes {
		if schema.immutable(col) {
			continue
		}
		if !schema.HasField(col) {
			return nil, apperr.Validation("invalid changes").WithDetail(col, "unknown field")
		}
		clean[col] = v
	}
	if len(clean) == 0 {
		return current, nil
	}
	if schema.HasField(FieldUpdatedAt) {
		clean[FieldUpdatedAt] = g.now().UTC()
	}

	scoped, err := g.scope(schema, Eq(FieldID, id))
	if err != nil {
		return nil, err
	}
	n, err := g.exec.Update(ctx, schema, scoped, clean)
	if err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return nil, apperr.Wrap(apperr.KindConflict, schema.Kind+" already exists", err)
		}
		return nil, fmt.Errorf("update %s: %w", schema.Kind, err)
	}
	if n == 0 {
		return nil, apperr.NotFound()
	}

	for col, v := range clean {
		current[col] = v
	}
	return current, nil
}

// Delete removes one row after re-reading it through the tenant filter.
func (g *Gateway) Delete(ctx context.Context, schema Schema, id string) error {
	if _, err := g.Get(ctx, schema, id); err != nil {
		return err
	}
	scoped, err := g.scope(schema, Eq(FieldID, id))
	if err != nil {
		return err
	}
	n, err := g.exec.Delete(ctx, schema, scoped)
	if err != nil {
		return fmt.Errorf("delete %s: %w", schema.Kind, err)
	}
	if n == 0 {
		return apperr.NotFound()
	}
	return nil
}

// DeleteWhere removes every matching row within the bound tenant.
func (g *Gateway) DeleteWhere(ctx context.Context, schema Schema, filter Filter) (int64, error) {
	scoped, err := g.scope(schema, filter)
	if err != nil {
		return 0, err
	}
	n, err := g.exec.Delete(ctx, schema, scoped)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", schema.Kind, err)
	}
	return n, nil
}

// JoinSpec describes an inner join of Left.LeftKey = Right.RightKey.
type JoinSpec struct {
	Left        Schema
	LeftFilter  Filter
	LeftKey     string
	Right       Schema
	RightFilter Filter
	RightKey    string
}

// JoinedRow is one matched pair.
type JoinedRow struct {
	Left  Row
	Right Row
}

// Join runs an inner join where both sides are independently restricted to
// the bound tenant. A foreign row on either side never pairs.
func (g *Gateway) Join(ctx context.Context, spec JoinSpec) ([]JoinedRow, error) {
	if !spec.Left.HasField(spec.LeftKey) {
		return nil, apperr.Validation("invalid join").WithDetail(spec.LeftKey, "unknown field")
	}
	if !spec.Right.HasField(spec.RightKey) {
		return nil, apperr.Validation("invalid join").WithDetail(spec.RightKey, "unknown field")
	}

	left, err := g.Query(ctx, spec.Left, spec.LeftFilter)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 {
		return []JoinedRow{}, nil
	}

	seen := map[any]bool{}
	keys := make([]any, 0, len(left))
	for _, r := range left {
		k := normalize(r[spec.LeftKey])
		if k == nil || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	right, err := g.Query(ctx, spec.Right, And(In(spec.RightKey, keys...), spec.RightFilter))
	if err != nil {
		return nil, err
	}
	byKey := map[any][]Row{}
	for _, r := range right {
		k := normalize(r[spec.RightKey])
		byKey[k] = append(byKey[k], r)
	}

	out := make([]JoinedRow, 0, len(left))
	for _, l := range left {
		for _, r := range byKey[normalize(l[spec.LeftKey])] {
			out = append(out, JoinedRow{Left: l, Right: r})
		}
	}
	return out, nil
}

// InTx runs fn against a gateway bound to the same tenant inside one backend
// transaction. An error from fn, or a cancelled ctx, rolls everything back.
// Calls nested in an existing transaction join it.
func (g *Gateway) InTx(ctx context.Context, fn func(tx *Gateway) error) (err error) {
	if err := g.ready(); err != nil {
		return err
	}
	if g.backend == nil {
		return fn(g)
	}

	tx, err := g.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txg := &Gateway{exec: tx, tc: g.tc, now: g.now}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txg); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
