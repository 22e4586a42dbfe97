package store

import (
	"fmt"
	"regexp"
)

const (
	TableUsers        = "users"
	TableMessages     = "messages"
	TableParticipants = "conversation_participants"
	TableGroupMembers = "group_members"
)

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent checks that a SQL identifier (table/column name) is safe.
func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

type tableDef struct {
	cols  map[string]bool
	hasID bool // string "id" primary key generated when absent
}

func newTableDef(hasID bool, cols ...string) tableDef {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return tableDef{cols: m, hasID: hasID}
}

var tables = map[string]tableDef{
	TableUsers: newTableDef(true,
		"id", "username", "avatar_url", "status", "created_at"),
	TableMessages: newTableDef(true,
		"id", "conversation_id", "group_id", "sender_id", "content",
		"media_type", "media_url", "created_at", "is_read"),
	TableParticipants: newTableDef(false,
		"conversation_id", "user_id", "created_at"),
	TableGroupMembers: newTableDef(false,
		"group_id", "user_id", "role", "created_at"),
}

func lookupTable(name string) (tableDef, error) {
	if !validIdent(name) {
		return tableDef{}, fmt.Errorf("invalid table name: %s", name)
	}
	def, ok := tables[name]
	if !ok {
		return tableDef{}, fmt.Errorf("unknown table: %s", name)
	}
	return def, nil
}

func (d tableDef) checkColumn(col string) error {
	if !validIdent(col) || !d.cols[col] {
		return fmt.Errorf("invalid column name: %s", col)
	}
	return nil
}

// created_at is an INTEGER of unix nanoseconds assigned by the store under
// the write lock, so it is strictly increasing across all tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		avatar_url TEXT DEFAULT '',
		status     TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT,
		group_id        TEXT,
		sender_id       TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		media_type      TEXT NOT NULL DEFAULT 'text'
			CHECK (media_type IN ('text', 'image', 'video', 'audio')),
		media_url       TEXT,
		created_at      INTEGER NOT NULL,
		is_read         INTEGER NOT NULL DEFAULT 0,
		CHECK ((conversation_id IS NULL) <> (group_id IS NULL))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages (conversation_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group
		ON messages (group_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id   TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'member',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);`,
}
