package store

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	name       string
	sqlDriver  string
	numbered   bool
	lengthFunc string
	sizeQuery  string
	pragmas    []string
	schema     []string
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	sqlDriver:  "sqlite",
	lengthFunc: "length",
	sizeQuery:  `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
	pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS stickers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			file_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(chat_id, file_id)
		)`,
	},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	sqlDriver:  "pgx",
	numbered:   true,
	lengthFunc: "char_length",
	sizeQuery:  `SELECT pg_database_size(current_database())`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS stickers (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			file_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(chat_id, file_id)
		)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pgx":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
