// Package presenter turns published triggers into things a user sees or
// hears, and runs the SOS escalation flow.
package presenter

import "sync/atomic"

// Session is the process-wide presentation state owned by the daemon
type Session struct {
	muted atomic.Bool
}

// NewSession creates an unmuted session
func NewSession() *Session {
	return &Session{}
}

// Muted reports whether voice playback is silenced
func (s *Session) Muted() bool {
	return s.muted.Load()
}

// SetMuted sets the mute flag
func (s *Session) SetMuted(v bool) {
	s.muted.Store(v)
}

// ToggleMute flips the mute flag and returns the new value
func (s *Session) ToggleMute() bool {
	for {
		cur := s.muted.Load()
		if s.muted.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}
