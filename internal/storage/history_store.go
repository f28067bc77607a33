package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/neura/neura/internal/core"
)

// DefaultHistoryLimit is the size of the rolling trigger log
const DefaultHistoryLimit = 20

// HistoryStore keeps a bounded log of presented triggers
type HistoryStore struct {
	db    *DB
	limit int
}

// NewHistoryStore creates a history store keeping at most limit entries
func NewHistoryStore(db *DB, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, limit: limit}
}

// Append adds an entry and drops the oldest ones beyond the limit
func (s *HistoryStore) Append(ctx context.Context, e *core.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_history (id, type, emoji, text, created_ms)
			VALUES (?, ?, ?, ?, ?)
		`, e.ID, e.Type, e.Emoji, e.Text, e.Timestamp.UnixMilli())
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM trigger_history WHERE id NOT IN (
				SELECT id FROM trigger_history ORDER BY created_ms DESC, rowid DESC LIMIT ?
			)
		`, s.limit)
		return err
	})
}

// List returns entries newest first
func (s *HistoryStore) List(ctx context.Context) ([]core.HistoryEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, type, emoji, text, created_ms
		FROM trigger_history
		ORDER BY created_ms DESC, rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []core.HistoryEntry{}
	for rows.Next() {
		var e core.HistoryEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Emoji, &e.Text, &ms); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Clear removes every entry
func (s *HistoryStore) Clear(ctx context.Context) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM trigger_history`)
	return err
}
