// Package memory is an in-process store.Backend used in development and tests.
// Unique keys are checked under the same lock that applies the write, and a
// transaction holds that lock until it commits or rolls back.
package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// Backend keeps rows per kind in insertion order.
type Backend struct {
	sem    chan struct{}
	tables tables
}

var _ store.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{sem: make(chan struct{}, 1), tables: tables{}}
}

func (b *Backend) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) release() { <-b.sem }

func (b *Backend) Ping(ctx context.Context) error { return ctx.Err() }

func (b *Backend) Select(ctx context.Context, schema store.Schema, filter store.Filter, opts store.QueryOptions) ([]store.Row, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()
	return b.tables.selectRows(schema, filter, opts), nil
}

func (b *Backend) Count(ctx context.Context, schema store.Schema, filter store.Filter) (int, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()
	return len(b.tables.selectRows(schema, filter, store.QueryOptions{})), nil
}

func (b *Backend) Insert(ctx context.Context, schema store.Schema, row store.Row) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.tables.insert(schema, row)
}

func (b *Backend) Update(ctx context.Context, schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()
	return b.tables.update(schema, filter, changes)
}

func (b *Backend) Delete(ctx context.Context, schema store.Schema, filter store.Filter) (int64, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()
	return b.tables.delete(filter, schema), nil
}

// Begin blocks until no other transaction is open, then works on a private
// copy that replaces the live tables on Commit.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	return &tx{backend: b, tables: b.tables.clone()}, nil
}

type tx struct {
	backend *Backend
	tables  tables
	done    bool
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) Select(ctx context.Context, schema store.Schema, filter store.Filter, opts store.QueryOptions) ([]store.Row, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.tables.selectRows(schema, filter, opts), nil
}

func (t *tx) Count(ctx context.Context, schema store.Schema, filter store.Filter) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return len(t.tables.selectRows(schema, filter, store.QueryOptions{})), nil
}

func (t *tx) Insert(ctx context.Context, schema store.Schema, row store.Row) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.tables.insert(schema, row)
}

func (t *tx) Update(ctx context.Context, schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.tables.update(schema, filter, changes)
}

func (t *tx) Delete(ctx context.Context, schema store.Schema, filter store.Filter) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.tables.delete(filter, schema), nil
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.backend.tables = t.tables
	t.backend.release()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.backend.release()
	return nil
}

type tables map[string][]store.Row

func (ts tables) clone() tables {
	out := make(tables, len(ts))
	for kind, rows := range ts {
		cp := make([]store.Row, len(rows))
		for i, r := range rows {
			cp[i] = r.Clone()
		}
		out[kind] = cp
	}
	return out
}

func (ts tables) selectRows(schema store.Schema, filter store.Filter, opts store.QueryOptions) []store.Row {
	var out []store.Row
	for _, r := range ts[schema.Kind] {
		if filter.Match(r) {
			out = append(out, project(schema, r))
		}
	}
	if opts.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := store.CompareValues(out[i][opts.OrderBy], out[j][opts.OrderBy])
			if opts.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []store.Row{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []store.Row{}
	}
	return out
}

func (ts tables) insert(schema store.Schema, row store.Row) error {
	stored := project(schema, row)
	if err := ts.checkUnique(schema, stored, -1); err != nil {
		return err
	}
	ts[schema.Kind] = append(ts[schema.Kind], stored)
	return nil
}

func (ts tables) update(schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	rows := ts[schema.Kind]
	var idx []int
	for i, r := range rows {
		if filter.Match(r) {
			idx = append(idx, i)
		}
	}

	next := make(map[int]store.Row, len(idx))
	for _, i := range idx {
		candidate := rows[i].Clone()
		for col, v := range changes {
			candidate[col] = v
		}
		if err := ts.checkUnique(schema, candidate, i); err != nil {
			return 0, err
		}
		next[i] = candidate
	}
	for i, r := range next {
		rows[i] = r
	}
	return int64(len(idx)), nil
}

func (ts tables) delete(filter store.Filter, schema store.Schema) int64 {
	rows := ts[schema.Kind]
	kept := rows[:0:0]
	var n int64
	for _, r := range rows {
		if filter.Match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	ts[schema.Kind] = kept
	return n
}

// checkUnique rejects candidate when it collides with another row on the id
// or on any declared unique set. Sets containing a NULL never collide.
func (ts tables) checkUnique(schema store.Schema, candidate store.Row, skip int) error {
	for i, r := range ts[schema.Kind] {
		if i == skip {
			continue
		}
		if store.Eq(store.FieldID, candidate[store.FieldID]).Match(r) {
			return fmt.Errorf("%s.id: %w", schema.Kind, store.ErrUniqueViolation)
		}
		for _, set := range schema.Unique {
			if collides(set, candidate, r) {
				return fmt.Errorf("%s%v: %w", schema.Kind, set, store.ErrUniqueViolation)
			}
		}
	}
	return nil
}

func collides(set []string, a, b store.Row) bool {
	for _, col := range set {
		if a[col] == nil || b[col] == nil {
			return false
		}
		if !store.Eq(col, a[col]).Match(b) {
			return false
		}
	}
	return len(set) > 0
}

// project copies only declared columns, so a stored row never carries extras.
func project(schema store.Schema, r store.Row) store.Row {
	out := make(store.Row, len(schema.Fields))
	for _, col := range schema.Fields {
		if v, ok := r[col]; ok {
			out[col] = v
		}
	}
	return out
}
