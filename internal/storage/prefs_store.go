package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/neura/neura/internal/core"
)

// Preference keys shared with the host
const (
	PrefDeviceID            = "device_id"
	PrefAuthToken           = "auth_token"
	PrefOnboardingCompleted = "onboarding_completed"
	PrefActiveMode          = "active_mode"
	PrefSmartTracking       = "smart_tracking_enabled"
	PrefVoiceNudges         = "voice_nudges_enabled"
	PrefPreferredLang       = "preferred_lang"
	PrefVoice               = "voice"
)

// PrefsStore is a string key-value store
type PrefsStore struct {
	db *DB
}

// NewPrefsStore creates a new prefs store
func NewPrefsStore(db *DB) *PrefsStore {
	return &PrefsStore{db: db}
}

// Get returns the value for key or core.ErrRecordNotFound
func (s *PrefsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.conn.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set upserts a value
func (s *PrefsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	return err
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *PrefsStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key)
	return err
}

// String returns the value for key, or def when unset
func (s *PrefsStore) String(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, core.ErrRecordNotFound) {
		return def, nil
	}
	return v, err
}

// Bool returns the boolean value for key, or def when unset or unparseable
func (s *PrefsStore) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, core.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return def, nil
	}
	return b, nil
}

// SetBool stores a boolean
func (s *PrefsStore) SetBool(ctx context.Context, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// Settings reads the user-facing settings, filling defaults for unset keys
func (s *PrefsStore) Settings(ctx context.Context) (core.Settings, error) {
	out := core.DefaultSettings()
	var err error

	if out.OnboardingCompleted, err = s.Bool(ctx, PrefOnboardingCompleted, out.OnboardingCompleted); err != nil {
		return out, err
	}
	if out.SmartTrackingEnabled, err = s.Bool(ctx, PrefSmartTracking, out.SmartTrackingEnabled); err != nil {
		return out, err
	}
	if out.VoiceNudgesEnabled, err = s.Bool(ctx, PrefVoiceNudges, out.VoiceNudgesEnabled); err != nil {
		return out, err
	}
	mode, err := s.String(ctx, PrefActiveMode, string(out.ActiveMode))
	if err != nil {
		return out, err
	}
	out.ActiveMode = core.ActiveMode(mode)
	if out.PreferredLang, err = s.String(ctx, PrefPreferredLang, out.PreferredLang); err != nil {
		return out, err
	}
	if out.Voice, err = s.String(ctx, PrefVoice, out.Voice); err != nil {
		return out, err
	}

	return out, nil
}

// SaveSettings writes every settings key in one transaction
func (s *PrefsStore) SaveSettings(ctx context.Context, st core.Settings) error {
	values := map[string]string{
		PrefOnboardingCompleted: strconv.FormatBool(st.OnboardingCompleted),
		PrefActiveMode:          string(st.ActiveMode),
		PrefSmartTracking:       strconv.FormatBool(st.SmartTrackingEnabled),
		PrefVoiceNudges:         strconv.FormatBool(st.VoiceNudgesEnabled),
		PrefPreferredLang:       st.PreferredLang,
		PrefVoice:               st.Voice,
	}
	now := time.Now().UnixMilli()

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, k, v, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
