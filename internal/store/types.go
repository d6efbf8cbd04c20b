// Package store persists chat messages and sticker ids in SQLite or Postgres.
package store

import (
	"fmt"
	"time"
)

// StoredMessage is one admitted chat message.
type StoredMessage struct {
	ID        int64     `db:"id"`
	ChatID    int64     `db:"chat_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}

// ChatStats is derived on demand from a chat's rows.
type ChatStats struct {
	TotalMessages    int
	AvgMessageLength float64
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// timestamp scans the created_at column whether the driver yields
// time.Time or its textual form.
type timestamp time.Time

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*t = timestamp(v)
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		*t = timestamp(time.Time{})
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *timestamp) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}
