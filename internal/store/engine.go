package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Engine is the durable message log shared by every chat.
type Engine struct {
	db      *sql.DB
	dialect dialect
	dsn     string
	mu      sync.Mutex
}

// Open connects to driver ("sqlite" or "postgres") and creates the schema.
// For sqlite, dsn is a file path; for postgres, a connection string.
func Open(driver, dsn string) (*Engine, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is empty", d.name)
	}

	if d.name == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == DriverPostgres {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	e := &Engine{db: db, dialect: d, dsn: dsn}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	for _, p := range e.dialect.pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("%s pragma %q: %w", e.dialect.name, p, err)
		}
	}
	return nil
}

func (e *Engine) initSchema() error {
	for _, stmt := range e.dialect.schema {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Driver returns the name of the backing database driver.
func (e *Engine) Driver() string {
	return e.dialect.name
}

// Append stores text for chatID. Content is not inspected.
func (e *Engine) Append(ctx context.Context, chatID int64, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, e.dialect.rebind(`
		INSERT INTO messages (chat_id, text, created_at) VALUES (?, ?, ?)
	`), chatID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// List returns the chat's texts, most recent first. limit <= 0 means all.
func (e *Engine) List(ctx context.Context, chatID int64, limit int) ([]string, error) {
	q := `SELECT text FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{chatID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, e.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	texts := make([]string, 0)
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return texts, nil
}

// Messages returns full rows for chatID, most recent first.
func (e *Engine) Messages(ctx context.Context, chatID int64, limit int) ([]StoredMessage, error) {
	q := `SELECT id, chat_id, text, created_at FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{chatID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, e.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	result := make([]StoredMessage, 0)
	for rows.Next() {
		var m StoredMessage
		var ts timestamp
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Time(ts)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// Count returns the number of stored messages for chatID.
func (e *Engine) Count(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, e.dialect.rebind(`SELECT COUNT(1) FROM messages WHERE chat_id = ?`), chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Stats aggregates the chat's rows. An empty chat yields zero values.
func (e *Engine) Stats(ctx context.Context, chatID int64) (ChatStats, error) {
	q := fmt.Sprintf(`SELECT COUNT(1), COALESCE(AVG(%s(text)), 0) FROM messages WHERE chat_id = ?`, e.dialect.lengthFunc)

	var stats ChatStats
	var avg float64
	if err := e.db.QueryRowContext(ctx, e.dialect.rebind(q), chatID).Scan(&stats.TotalMessages, &avg); err != nil {
		return ChatStats{}, fmt.Errorf("chat stats: %w", err)
	}
	stats.AvgMessageLength = math.Round(avg*10) / 10
	return stats, nil
}

// Clear deletes every message and sticker of chatID. Clearing an empty chat succeeds.
func (e *Engine) Clear(ctx context.Context, chatID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, e.dialect.rebind(`DELETE FROM messages WHERE chat_id = ?`), chatID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, e.dialect.rebind(`DELETE FROM stickers WHERE chat_id = ?`), chatID); err != nil {
		return fmt.Errorf("clear stickers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// ChatIDs lists every chat that has at least one stored message.
func (e *Engine) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return ids, nil
}

// Size reports the on-disk size of the database in bytes.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	var size int64
	if err := e.db.QueryRowContext(ctx, e.dialect.sizeQuery).Scan(&size); err != nil {
		return 0, fmt.Errorf("database size: %w", err)
	}
	return size, nil
}
