package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var log = logging.Logger("store")

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db   *sql.DB
	path string

	// Writers hold mu for the whole statement and the feed enqueue, so feed
	// order is commit order.
	mu        sync.RWMutex
	lastStamp int64
	closed    bool

	feed *feed
}

var _ Store = (*SQLite)(nil)

// Open opens or creates the database at path and starts the change feed.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	s := &SQLite{db: db, path: path, feed: newFeed()}

	// Resume stamps after whatever is already on disk.
	for name := range tables {
		var last sql.NullInt64
		if err := db.QueryRow(fmt.Sprintf("SELECT MAX(created_at) FROM %s", name)).Scan(&last); err == nil && last.Int64 > s.lastStamp {
			s.lastStamp = last.Int64
		}
	}

	go s.feed.run()
	log.Debugf("opened %s", path)
	return s, nil
}

// Close stops the change feed and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.feed.stop()
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLite) Path() string {
	return s.path
}

// nextStamp must be called with mu held for writing.
func (s *SQLite) nextStamp() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *SQLite) Select(ctx context.Context, q Query) ([]Row, error) {
	def, err := lookupTable(q.Table)
	if err != nil {
		return nil, err
	}
	where, args, err := def.whereSQL(q.Where)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", q.Table) + where
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			if err := def.checkColumn(o.Column); err != nil {
				return nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return scanRows(s.db.QueryContext(ctx, query, args...))
}

func (s *SQLite) Single(ctx context.Context, q Query) (Row, error) {
	q.Limit = 2
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("single %s: more than one row matched", q.Table)
	}
}

func (s *SQLite) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		r = r.clone()
		if def.hasID && r.Text("id") == "" {
			r["id"] = uuid.NewString()
		}
		r["created_at"] = s.nextStamp()

		cols := make([]string, 0, len(r))
		for col := range r {
			if err := def.checkColumn(col); err != nil {
				tx.Rollback()
				return nil, err
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)

		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = normalize(r[col])
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			table, strings.Join(cols, ", "), placeholders)
		got, err := scanRows(tx.QueryContext(ctx, query, args...))
		if err != nil {
			tx.Rollback()
			return nil, mapErr(err)
		}
		out = append(out, got...)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}

	for _, r := range out {
		s.feed.publish(Change{Event: EventInsert, Table: table, Row: r.clone()})
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, table string, where []Filter, patch Row) ([]Row, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, errors.New("update: empty patch")
	}

	cols := make([]string, 0, len(patch))
	for col := range patch {
		if err := def.checkColumn(col); err != nil {
			return nil, err
		}
		if col == "created_at" {
			return nil, errors.New("update: created_at is store-assigned")
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, normalize(patch[col]))
	}
	whereSQL, whereArgs, err := def.whereSQL(where)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", ")) + whereSQL + " RETURNING *"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	out, err := scanRows(s.db.QueryContext(ctx, query, args...))
	if err != nil {
		return nil, mapErr(err)
	}
	for _, r := range out {
		s.feed.publish(Change{Event: EventUpdate, Table: table, Row: r.clone()})
	}
	return out, nil
}

func (s *SQLite) Subscribe(table string, f Filter, fn func(Change)) (cancel func()) {
	return s.feed.subscribe(table, f, fn)
}

func (d tableDef) whereSQL(filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filters))
	var args []any
	for _, f := range filters {
		if err := d.checkColumn(f.Column); err != nil {
			return "", nil, err
		}
		if f.Op == OpIsNull {
			parts = append(parts, f.Column+" IS NULL")
			continue
		}
		parts = append(parts, f.Column+" "+f.Op.sql()+" ?")
		args = append(args, normalize(f.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func scanRows(rows *sql.Rows, err error) ([]Row, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(colNames))
		valuePtrs := make([]any, len(colNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(colNames))
		for i, col := range colNames {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// mapErr translates SQLite constraint failures into the package sentinels.
func mapErr(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return err
}
