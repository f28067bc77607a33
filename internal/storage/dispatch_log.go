package storage

import (
	"context"
	"time"
)

const dispatchLogKeep = 200

// DispatchRecord is one backend send outcome
type DispatchRecord struct {
	EventType  string    `json:"event_type"`
	Endpoint   string    `json:"endpoint"`
	Result     string    `json:"result"`
	StatusCode int       `json:"status_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DispatchLog records dispatch outcomes, keeping only the most recent ones
type DispatchLog struct {
	db *DB
}

// NewDispatchLog creates a new dispatch log
func NewDispatchLog(db *DB) *DispatchLog {
	return &DispatchLog{db: db}
}

// Record appends an outcome
func (l *DispatchLog) Record(ctx context.Context, r DispatchRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := l.db.conn.ExecContext(ctx, `
		INSERT INTO dispatch_log (event_type, endpoint, result, status_code, created_ms)
		VALUES (?, ?, ?, ?, ?)
	`, r.EventType, r.Endpoint, r.Result, r.StatusCode, r.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}

	_, err = l.db.conn.ExecContext(ctx, `
		DELETE FROM dispatch_log WHERE id <= (SELECT MAX(id) FROM dispatch_log) - ?
	`, dispatchLogKeep)
	return err
}

// Recent returns up to limit records, newest first
func (l *DispatchLog) Recent(ctx context.Context, limit int) ([]DispatchRecord, error) {
	rows, err := l.db.conn.QueryContext(ctx, `
		SELECT event_type, endpoint, result, status_code, created_ms
		FROM dispatch_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []DispatchRecord{}
	for rows.Next() {
		var r DispatchRecord
		var ms int64
		if err := rows.Scan(&r.EventType, &r.Endpoint, &r.Result, &r.StatusCode, &ms); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(ms)
		records = append(records, r)
	}

	return records, rows.Err()
}
