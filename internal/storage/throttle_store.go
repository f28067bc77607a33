package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/neura/neura/internal/core"
)

// ThrottleStore persists core.ThrottleState per signal kind
type ThrottleStore struct {
	db *DB
}

// NewThrottleStore creates a new throttle store
func NewThrottleStore(db *DB) *ThrottleStore {
	return &ThrottleStore{db: db}
}

// Load returns the stored state for kind. A kind that never emitted yields a
// zero state and no error.
func (s *ThrottleStore) Load(ctx context.Context, kind core.SignalKind) (core.ThrottleState, error) {
	st := core.ThrottleState{Kind: kind}
	var lastEmitMs int64

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT has_location, last_lat, last_lon, last_value, last_emit_ms
		FROM throttle_state WHERE kind = ?
	`, string(kind)).Scan(&st.HasLocation, &st.LastLat, &st.LastLon, &st.LastValue, &lastEmitMs)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, err
	}

	if lastEmitMs > 0 {
		st.LastEmit = time.UnixMilli(lastEmitMs)
	}
	return st, nil
}

// Save upserts the state. A LastEmit older than the stored one is kept at
// the stored value so timestamps stay monotonic.
func (s *ThrottleStore) Save(ctx context.Context, st core.ThrottleState) error {
	var lastEmitMs int64
	if !st.LastEmit.IsZero() {
		lastEmitMs = st.LastEmit.UnixMilli()
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO throttle_state (kind, has_location, last_lat, last_lon, last_value, last_emit_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			has_location = excluded.has_location,
			last_lat = excluded.last_lat,
			last_lon = excluded.last_lon,
			last_value = excluded.last_value,
			last_emit_ms = MAX(throttle_state.last_emit_ms, excluded.last_emit_ms)
	`, string(st.Kind), st.HasLocation, st.LastLat, st.LastLon, st.LastValue, lastEmitMs)
	return err
}

// Reset forgets the state of one kind
func (s *ThrottleStore) Reset(ctx context.Context, kind core.SignalKind) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM throttle_state WHERE kind = ?`, string(kind))
	return err
}
