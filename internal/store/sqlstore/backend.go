// Package sqlstore implements store.Backend over database/sql via sqlx and
// squirrel. Postgres (lib/pq) and sqlite3 are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/aryan0dhankhar/tenantguard/internal/store"
)

// Backend runs scoped statements built by the gateway.
type Backend struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	logger  *slog.Logger
}

var _ store.Backend = (*Backend)(nil)

// New picks placeholders from the driver name of db.
func New(db *sqlx.DB, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	var format sq.PlaceholderFormat = sq.Question
	if db.DriverName() == "postgres" {
		format = sq.Dollar
	}
	return &Backend{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(format),
		logger:  logger,
	}
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Select(ctx context.Context, schema store.Schema, filter store.Filter, opts store.QueryOptions) ([]store.Row, error) {
	return selectRows(ctx, b.db, b.builder, schema, filter, opts)
}

func (b *Backend) Count(ctx context.Context, schema store.Schema, filter store.Filter) (int, error) {
	return count(ctx, b.db, b.builder, schema, filter)
}

func (b *Backend) Insert(ctx context.Context, schema store.Schema, row store.Row) error {
	return insert(ctx, b.db, b.builder, schema, row)
}

func (b *Backend) Update(ctx context.Context, schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	return update(ctx, b.db, b.builder, schema, filter, changes)
}

func (b *Backend) Delete(ctx context.Context, schema store.Schema, filter store.Filter) (int64, error) {
	return remove(ctx, b.db, b.builder, schema, filter)
}

func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx, builder: b.builder, logger: b.logger}, nil
}

type txn struct {
	tx      *sqlx.Tx
	builder sq.StatementBuilderType
	logger  *slog.Logger
}

func (t *txn) Select(ctx context.Context, schema store.Schema, filter store.Filter, opts store.QueryOptions) ([]store.Row, error) {
	return selectRows(ctx, t.tx, t.builder, schema, filter, opts)
}

func (t *txn) Count(ctx context.Context, schema store.Schema, filter store.Filter) (int, error) {
	return count(ctx, t.tx, t.builder, schema, filter)
}

func (t *txn) Insert(ctx context.Context, schema store.Schema, row store.Row) error {
	return insert(ctx, t.tx, t.builder, schema, row)
}

func (t *txn) Update(ctx context.Context, schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	return update(ctx, t.tx, t.builder, schema, filter, changes)
}

func (t *txn) Delete(ctx context.Context, schema store.Schema, filter store.Filter) (int64, error) {
	return remove(ctx, t.tx, t.builder, schema, filter)
}

func (t *txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return err
	}
	return nil
}

func (t *txn) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		t.logger.Error("rollback failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func selectRows(ctx context.Context, q sqlx.QueryerContext, b sq.StatementBuilderType, schema store.Schema, filter store.Filter, opts store.QueryOptions) ([]store.Row, error) {
	stmt := b.Select(schema.Fields...).From(schema.Kind).Where(filter)
	if opts.OrderBy != "" {
		dir := "ASC"
		if opts.Desc {
			dir = "DESC"
		}
		stmt = stmt.OrderBy(opts.OrderBy + " " + dir)
	}
	if opts.Limit > 0 {
		stmt = stmt.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// sqlite rejects OFFSET without LIMIT
			stmt = stmt.Limit(uint64(1<<62))
		}
		stmt = stmt.Offset(uint64(opts.Offset))
	}

	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.Row{}
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		for k, v := range m {
			if bs, ok := v.([]byte); ok {
				m[k] = string(bs)
			}
		}
		out = append(out, store.Row(m))
	}
	return out, rows.Err()
}

func count(ctx context.Context, q sqlx.QueryerContext, b sq.StatementBuilderType, schema store.Schema, filter store.Filter) (int, error) {
	query, args, err := b.Select("COUNT(*)").From(schema.Kind).Where(filter).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func insert(ctx context.Context, e sqlx.ExecerContext, b sq.StatementBuilderType, schema store.Schema, row store.Row) error {
	query, args, err := b.Insert(schema.Kind).SetMap(map[string]any(row)).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := e.ExecContext(ctx, query, args...); err != nil {
		return translate(err)
	}
	return nil
}

func update(ctx context.Context, e sqlx.ExecerContext, b sq.StatementBuilderType, schema store.Schema, filter store.Filter, changes store.Row) (int64, error) {
	query, args, err := b.Update(schema.Kind).SetMap(map[string]any(changes)).Where(filter).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

func remove(ctx context.Context, e sqlx.ExecerContext, b sq.StatementBuilderType, schema store.Schema, filter store.Filter) (int64, error) {
	query, args, err := b.Delete(schema.Kind).Where(filter).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

// translate maps driver unique-key errors onto store.ErrUniqueViolation.
func translate(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrUniqueViolation, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
