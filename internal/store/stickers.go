package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AddSticker remembers fileID for chatID. It reports false when the
// sticker was already known.
func (e *Engine) AddSticker(ctx context.Context, chatID int64, fileID string) (bool, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return false, fmt.Errorf("sticker file id is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, e.dialect.rebind(`
		INSERT INTO stickers (chat_id, file_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, file_id) DO NOTHING
	`), chatID, fileID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("add sticker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add sticker rows: %w", err)
	}
	return n > 0, nil
}

// Stickers returns the chat's known sticker ids in insertion order.
func (e *Engine) Stickers(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.rebind(`
		SELECT file_id FROM stickers WHERE chat_id = ? ORDER BY id ASC
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("list stickers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sticker: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stickers: %w", err)
	}
	return ids, nil
}
