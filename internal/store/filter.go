package store

import (
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Filter is a predicate over rows of one kind. Each filter renders to SQL
// and evaluates in memory with the same semantics.
type Filter interface {
	sq.Sqlizer
	Match(r Row) bool
	Fields() []string
}

// Eq matches rows where field equals value. A nil value matches NULL.
func Eq(field string, value any) Filter { return eqFilter{field: field, value: value} }

// NotEq matches rows where field differs from value; NULL never matches.
func NotEq(field string, value any) Filter { return notEqFilter{field: field, value: value} }

// In matches rows whose field is one of values. An empty list matches nothing.
func In(field string, values ...any) Filter { return inFilter{field: field, values: values} }

// IsNull matches rows where field is NULL.
func IsNull(field string) Filter { return eqFilter{field: field, value: nil} }

func And(filters ...Filter) Filter { return andFilter(compact(filters)) }

func Or(filters ...Filter) Filter { return orFilter(compact(filters)) }

func Not(f Filter) Filter { return notFilter{inner: f} }

// All matches every row.
func All() Filter { return allFilter{} }

func compact(filters []Filter) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

type eqFilter struct {
	field string
	value any
}

func (f eqFilter) ToSql() (string, []any, error) { return sq.Eq{f.field: f.value}.ToSql() }

func (f eqFilter) Match(r Row) bool {
	v, ok := r[f.field]
	if f.value == nil {
		return !ok || v == nil
	}
	return ok && equalValues(v, f.value)
}

func (f eqFilter) Fields() []string { return []string{f.field} }

type notEqFilter struct {
	field string
	value any
}

func (f notEqFilter) ToSql() (string, []any, error) { return sq.NotEq{f.field: f.value}.ToSql() }

func (f notEqFilter) Match(r Row) bool {
	v := r[f.field]
	if f.value == nil {
		return v != nil
	}
	return v != nil && !equalValues(v, f.value)
}

func (f notEqFilter) Fields() []string { return []string{f.field} }

type inFilter struct {
	field  string
	values []any
}

func (f inFilter) ToSql() (string, []any, error) {
	if len(f.values) == 0 {
		return "(1=0)", nil, nil
	}
	return sq.Eq{f.field: f.values}.ToSql()
}

func (f inFilter) Match(r Row) bool {
	v, ok := r[f.field]
	if !ok || v == nil {
		return false
	}
	return slices.ContainsFunc(f.values, func(x any) bool { return equalValues(v, x) })
}

func (f inFilter) Fields() []string { return []string{f.field} }

type andFilter []Filter

func (f andFilter) ToSql() (string, []any, error) {
	if len(f) == 0 {
		return "(1=1)", nil, nil
	}
	parts := make(sq.And, 0, len(f))
	for _, c := range f {
		parts = append(parts, c)
	}
	return parts.ToSql()
}

func (f andFilter) Match(r Row) bool {
	for _, c := range f {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

func (f andFilter) Fields() []string { return collectFields(f) }

type orFilter []Filter

func (f orFilter) ToSql() (string, []any, error) {
	if len(f) == 0 {
		return "(1=0)", nil, nil
	}
	parts := make(sq.Or, 0, len(f))
	for _, c := range f {
		parts = append(parts, c)
	}
	return parts.ToSql()
}

func (f orFilter) Match(r Row) bool {
	for _, c := range f {
		if c.Match(r) {
			return true
		}
	}
	return false
}

func (f orFilter) Fields() []string { return collectFields(f) }

type notFilter struct {
	inner Filter
}

func (f notFilter) ToSql() (string, []any, error) {
	if f.inner == nil {
		return "(1=0)", nil, nil
	}
	sql, args, err := f.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

func (f notFilter) Match(r Row) bool {
	if f.inner == nil {
		return false
	}
	return !f.inner.Match(r)
}

func (f notFilter) Fields() []string {
	if f.inner == nil {
		return nil
	}
	return f.inner.Fields()
}

type allFilter struct{}

func (allFilter) ToSql() (string, []any, error) { return "(1=1)", nil, nil }
func (allFilter) Match(Row) bool                { return true }
func (allFilter) Fields() []string              { return nil }

func collectFields(filters []Filter) []string {
	var out []string
	for _, c := range filters {
		out = append(out, c.Fields()...)
	}
	return out
}

// equalValues compares values across the representations drivers return.
func equalValues(a, b any) bool {
	return normalize(a) == normalize(b)
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

// CompareValues orders two column values for in-memory sorting.
func CompareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	na, nb := normalize(a), normalize(b)
	if ia, ok := na.(int64); ok {
		if ib, ok := nb.(int64); ok {
			switch {
			case ia < ib:
				return -1
			case ia > ib:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(na), fmt.Sprint(nb))
}
