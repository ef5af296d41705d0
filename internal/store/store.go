// Package store is the tenant-scoped data gateway. Every read, write and join
// issued through a Gateway is restricted to the tenant it was bound to; the
// Backend implementations never see an unscoped call.
package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

// Reserved columns present on every tenant-scoped kind.
const (
	FieldID        = "id"
	FieldTenantID  = "tenant_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var (
	// ErrUniqueViolation is returned by backends when a unique key would be duplicated.
	ErrUniqueViolation = errors.New("store: unique constraint violated")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("store: transaction already finished")
)

// Schema declares one entity kind. Fields is a whitelist: filters, ordering
// and writes can only reference declared columns.
type Schema struct {
	Kind      string
	Fields    []string
	Unique    [][]string // column sets, tenant_id included
	Immutable []string   // never changed by Update besides id and tenant_id
}

// HasField reports whether col is declared.
func (s Schema) HasField(col string) bool {
	return slices.Contains(s.Fields, col)
}

func (s Schema) immutable(col string) bool {
	return col == FieldID || col == FieldTenantID || col == FieldCreatedAt || slices.Contains(s.Immutable, col)
}

// Row is one record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

func (r Row) ID() string { return r.String(FieldID) }

func (r Row) TenantID() string { return r.String(FieldTenantID) }

// String returns col as a string; nil and missing values are "".
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Bool accepts the representations drivers return for booleans.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case []byte:
		return string(v) == "1" || string(v) == "true"
	case string:
		return v == "1" || v == "true"
	default:
		return false
	}
}

// Time parses string encodings written by sqlite when needed.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	default:
		return time.Time{}
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// QueryOptions controls ordering and paging of a Select.
type QueryOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// QueryOption mutates QueryOptions.
type QueryOption func(*QueryOptions)

func OrderBy(field string, desc bool) QueryOption {
	return func(o *QueryOptions) {
		o.OrderBy = field
		o.Desc = desc
	}
}

func Limit(n int) QueryOption {
	return func(o *QueryOptions) { o.Limit = n }
}

func Offset(n int) QueryOption {
	return func(o *QueryOptions) { o.Offset = n }
}

// Executor runs already-scoped statements. Only Gateway calls it.
type Executor interface {
	Select(ctx context.Context, schema Schema, filter Filter, opts QueryOptions) ([]Row, error)
	Count(ctx context.Context, schema Schema, filter Filter) (int, error)
	Insert(ctx context.Context, schema Schema, row Row) error
	Update(ctx context.Context, schema Schema, filter Filter, changes Row) (int64, error)
	Delete(ctx context.Context, schema Schema, filter Filter) (int64, error)
}

// Tx is a backend transaction.
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

// Backend is a persistence implementation.
type Backend interface {
	Executor
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
}
