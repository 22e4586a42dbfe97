// Package store is the external data store the sync layer talks to: row-level
// select/insert/update with simple filters, a unique-row fetch, and a change
// feed keyed by table and equality filter.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("store: row not found")
	ErrDuplicate = errors.New("store: duplicate key")
	ErrInvalid   = errors.New("store: constraint violated")
	ErrClosed    = errors.New("store: closed")
)

// Store is the row-level contract consumed by the sync layer.
type Store interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	// Single returns exactly one row, ErrNotFound when there is none.
	Single(ctx context.Context, q Query) (Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error)
	// Subscribe delivers committed changes of table matching f. Deliveries are
	// made in commit order from a single goroutine; fn must not block.
	Subscribe(table string, f Filter, fn func(Change)) (cancel func())
}

// Merger accepts rows committed on another node.
type Merger interface {
	// Merge stores rows under their own ids and created_at. A row that is
	// already present only moves forward: a message can become read and a
	// profile can change its display fields. Applied changes reach the feed
	// with Remote set.
	Merge(ctx context.Context, table string, rows ...Row) ([]Change, error)
}

type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLike
	OpIsNull
	OpGt
)

func (o Op) sql() string {
	switch o {
	case OpNeq:
		return "!="
	case OpLike:
		return "LIKE"
	case OpIsNull:
		return "IS NULL"
	case OpGt:
		return ">"
	default:
		return "="
	}
}

type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(col string, v any) Filter { return Filter{Column: col, Op: OpEq, Value: v} }
func Neq(col string, v any) Filter { return Filter{Column: col, Op: OpNeq, Value: v} }
func Like(col, pattern string) Filter { return Filter{Column: col, Op: OpLike, Value: pattern} }
func IsNull(col string) Filter { return Filter{Column: col, Op: OpIsNull} }
func Gt(col string, v any) Filter { return Filter{Column: col, Op: OpGt, Value: v} }

func (f Filter) String() string {
	if f.Op == OpIsNull {
		return f.Column + " IS NULL"
	}
	return fmt.Sprintf("%s %s %v", f.Column, f.Op.sql(), f.Value)
}

type Order struct {
	Column string
	Desc   bool
}

func Asc(col string) Order { return Order{Column: col} }
func Desc(col string) Order { return Order{Column: col, Desc: true} }

type Query struct {
	Table string
	Where []Filter
	Order []Order
	Limit int
}

type Event string

const (
	EventInsert Event = "insert"
	EventUpdate Event = "update"
)

// Change is one committed row mutation as seen by feed subscribers.
type Change struct {
	Event Event
	Table string
	Row   Row
	// Remote marks changes applied by Merge rather than written locally.
	Remote bool
}

// Row is a stored row keyed by column name. INTEGER columns come back as
// int64, TEXT as string, NULL as nil.
type Row map[string]any

func (r Row) Text(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return int64(f)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (r Row) Bool(col string) bool { return r.Int64(col) != 0 }

// IsNull reports whether the column is absent or NULL.
func (r Row) IsNull(col string) bool { return r[col] == nil }

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// normalize converts Go values into what the driver stores, so filters and
// feed matching compare like with like.
func normalize(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case []byte:
		return string(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	return v
}

// Match reports whether row satisfies f.
func (f Filter) Match(r Row) bool {
	v, ok := r[f.Column]
	switch f.Op {
	case OpIsNull:
		return !ok || v == nil
	case OpEq:
		return ok && v != nil && normalize(v) == normalize(f.Value)
	case OpNeq:
		return ok && v != nil && normalize(v) != normalize(f.Value)
	case OpGt:
		if !ok || v == nil {
			return false
		}
		switch a := normalize(v).(type) {
		case int64:
			b, isInt := normalize(f.Value).(int64)
			return isInt && a > b
		case string:
			b, isStr := normalize(f.Value).(string)
			return isStr && a > b
		}
		return false
	case OpLike:
		s, isStr := normalize(v).(string)
		p, _ := f.Value.(string)
		return isStr && likeMatch(strings.ToLower(s), strings.ToLower(p))
	}
	return false
}

// likeMatch implements SQL LIKE with % and _ wildcards, case-insensitive
// for ASCII as SQLite does.
func likeMatch(s, p string) bool {
	if p == "" {
		return s == ""
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatch(s[1:], p[1:])
	default:
		return s != "" && s[0] == p[0] && likeMatch(s[1:], p[1:])
	}
}
