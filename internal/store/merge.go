package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var _ Merger = (*SQLite)(nil)

// profileCols may be overwritten by a newer copy of a users row.
var profileCols = []string{"username", "avatar_url", "status"}

func (s *SQLite) Merge(ctx context.Context, table string, rows ...Row) ([]Change, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Change
	for _, r := range rows {
		c, err := s.mergeRow(ctx, table, def, r)
		if err != nil {
			if errors.Is(err, ErrInvalid) || errors.Is(err, ErrDuplicate) {
				log.Debugf("merge %s: skipping row: %v", table, err)
				continue
			}
			return out, err
		}
		if c == nil {
			continue
		}
		s.feed.publish(*c)
		out = append(out, *c)
	}
	return out, nil
}

// mergeRow must be called with mu held for writing.
func (s *SQLite) mergeRow(ctx context.Context, table string, def tableDef, in Row) (*Change, error) {
	r := make(Row, len(in))
	for col, v := range in {
		// Columns this schema does not know are dropped, so peers on a newer
		// schema can still be merged.
		if def.checkColumn(col) == nil {
			r[col] = v
		}
	}
	if def.hasID && r.Text("id") == "" {
		return nil, fmt.Errorf("%w: row without id", ErrInvalid)
	}
	if stamp := r.Int64("created_at"); stamp <= 0 {
		r["created_at"] = s.nextStamp()
	} else if stamp > s.lastStamp {
		// Later local writes sort after everything seen so far.
		s.lastStamp = stamp
	}

	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = normalize(r[col])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING RETURNING *",
		table, strings.Join(cols, ", "), placeholders)
	got, err := scanRows(s.db.QueryContext(ctx, query, args...))
	if err != nil {
		return nil, mapErr(err)
	}
	if len(got) > 0 {
		return &Change{Event: EventInsert, Table: table, Row: got[0], Remote: true}, nil
	}

	switch table {
	case TableMessages:
		if !r.Bool("is_read") {
			return nil, nil
		}
		got, err = scanRows(s.db.QueryContext(ctx,
			"UPDATE messages SET is_read = 1 WHERE id = ? AND is_read = 0 RETURNING *", r.Text("id")))
	case TableUsers:
		var sets, diffs []string
		var setArgs, diffArgs []any
		for _, col := range profileCols {
			if _, ok := r[col]; !ok {
				continue
			}
			sets = append(sets, col+" = ?")
			diffs = append(diffs, col+" IS NOT ?")
			setArgs = append(setArgs, normalize(r[col]))
			diffArgs = append(diffArgs, normalize(r[col]))
		}
		if len(sets) == 0 {
			return nil, nil
		}
		query := fmt.Sprintf("UPDATE users SET %s WHERE id = ? AND (%s) RETURNING *",
			strings.Join(sets, ", "), strings.Join(diffs, " OR "))
		args := append(setArgs, r.Text("id"))
		args = append(args, diffArgs...)
		got, err = scanRows(s.db.QueryContext(ctx, query, args...))
	default:
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if len(got) == 0 {
		return nil, nil
	}
	return &Change{Event: EventUpdate, Table: table, Row: got[0], Remote: true}, nil
}
