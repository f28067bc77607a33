// Package core defines the fundamental types for the Neura context pipeline.
// Every other package speaks in these types.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// IDENTITY - Who the device is to the backend
// -----------------------------------------------------------------------------

// DeviceIdentity is the device id plus the bearer token used for every
// backend call. It is loaded once when the pipeline starts and never mutated
// by the pipeline.
type DeviceIdentity struct {
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"-"`
}

// Valid reports whether both halves of the identity are present.
func (d DeviceIdentity) Valid() bool {
	return d.DeviceID != "" && d.AuthToken != ""
}

// -----------------------------------------------------------------------------
// SIGNAL - A locally observed reading
// -----------------------------------------------------------------------------

// SignalKind identifies which sampler produced a signal
type SignalKind string

const (
	KindLocation   SignalKind = "location"
	KindForeground SignalKind = "foreground_app"
	KindSensor     SignalKind = "sensor"
	KindWakeword   SignalKind = "wakeword"
)

// AllKinds lists every signal kind in a stable order.
var AllKinds = []SignalKind{KindLocation, KindForeground, KindSensor, KindWakeword}

// ParseSignalKind maps a name (as used in URLs and config) to a kind.
func ParseSignalKind(s string) (SignalKind, bool) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	if s == "foreground" {
		return KindForeground, true
	}
	return "", false
}

// Signal is the tagged union of sampler outputs. Exactly one of the
// variant pointers is set, matching Kind.
type Signal struct {
	Kind       SignalKind      `json:"kind"`
	Location   *LocationFix    `json:"location,omitempty"`
	Foreground *ForegroundApp  `json:"foreground,omitempty"`
	Sensor     *SensorSnapshot `json:"sensor,omitempty"`
	Wakeword   *WakewordScore  `json:"wakeword,omitempty"`
}

// Timestamp returns the observation time of whichever variant is set.
func (s Signal) Timestamp() time.Time {
	switch {
	case s.Location != nil:
		return s.Location.Timestamp
	case s.Foreground != nil:
		return s.Foreground.Timestamp
	case s.Sensor != nil:
		return s.Sensor.Timestamp
	case s.Wakeword != nil:
		return s.Wakeword.Timestamp
	}
	return time.Time{}
}

// LocationFix is a coordinate reading
type LocationFix struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// ForegroundApp is the most recently used application
type ForegroundApp struct {
	PackageName string    `json:"package_name"`
	AppName     string    `json:"app_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MotionState summarises accelerometer activity between flushes
type MotionState string

const (
	MotionMoving     MotionState = "moving"
	MotionStationary MotionState = "stationary"
)

// Accel is a raw accelerometer vector in m/s²
type Accel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SensorSnapshot is the aggregated sensor state at flush time.
// Pointer fields are nil when the sensor never reported.
type SensorSnapshot struct {
	Light              *float64    `json:"light"`
	Proximity          *string     `json:"proximity"` // "near" | "far"
	ProximityRaw       *float64    `json:"proximity_raw,omitempty"`
	Motion             MotionState `json:"motion"`
	Accel              *Accel      `json:"accel,omitempty"`
	Battery            *int        `json:"battery"`
	Charging           bool        `json:"charging"`
	Screen             string      `json:"screen"`
	WifiConnected      bool        `json:"wifi_connected"`
	BluetoothConnected bool        `json:"bluetooth_connected"`
	Timestamp          time.Time   `json:"timestamp"`
}

// WakewordScore is a classifier confidence for one audio frame
type WakewordScore struct {
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// THROTTLE STATE - What was last emitted per kind
// -----------------------------------------------------------------------------

// ThrottleState is the last emitted value and time for one signal kind.
// LastEmit never moves backwards.
type ThrottleState struct {
	Kind SignalKind `json:"kind"`

	// Location
	HasLocation bool    `json:"has_location"`
	LastLat     float64 `json:"last_lat"`
	LastLon     float64 `json:"last_lon"`

	// Foreground: last observed package
	LastValue string `json:"last_value,omitempty"`

	LastEmit time.Time `json:"last_emit"`
}

// -----------------------------------------------------------------------------
// OUTBOUND EVENT - What the backend receives
// -----------------------------------------------------------------------------

// EventType is the backend-facing event discriminator
type EventType string

const (
	EventForegroundApp EventType = "foreground_app"
	EventSensorContext EventType = "sensor_context"
	EventTravelCheck   EventType = "travel_check"
	EventWakeword      EventType = "wakeword"
)

// OutboundEvent is the normalized payload built from a signal that passed
// throttling. Treat it as immutable once built.
type OutboundEvent struct {
	DeviceID  string         `json:"device_id"`
	EventType EventType      `json:"event_type"`
	Metadata  map[string]any `json:"metadata"`
}

// -----------------------------------------------------------------------------
// TRIGGER - What the backend (or a push) asks us to present
// -----------------------------------------------------------------------------

// TriggerResult is an instruction for local presentation
type TriggerResult struct {
	Text     string `json:"text,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	Lang     string `json:"lang,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`

	// Travel specifics
	City string `json:"city,omitempty"`
	Tips string `json:"tips,omitempty"`
}

// MessageKind tags a published trigger so consumers can filter
type MessageKind string

const (
	MsgWakeword        MessageKind = "wakeword"
	MsgNudge           MessageKind = "nudge"
	MsgHourlyNudge     MessageKind = "hourly_nudge"
	MsgForegroundReply MessageKind = "foreground_reply"
	MsgTravelTip       MessageKind = "travel_tip"
	MsgSOS             MessageKind = "sos"
	MsgNudgeFallback   MessageKind = "nudge_fallback"
)

// AllMessageKinds lists every message kind in a stable order.
var AllMessageKinds = []MessageKind{
	MsgWakeword, MsgNudge, MsgHourlyNudge, MsgForegroundReply,
	MsgTravelTip, MsgSOS, MsgNudgeFallback,
}

// -----------------------------------------------------------------------------
// PREFERENCES - Persisted settings shared with the host
// -----------------------------------------------------------------------------

// ActiveMode controls which kinds start automatically
type ActiveMode string

const (
	ModeManual  ActiveMode = "manual"
	ModeAmbient ActiveMode = "ambient"
)

// Settings is the user-facing subset of persisted preferences
type Settings struct {
	OnboardingCompleted  bool       `json:"onboarding_completed"`
	ActiveMode           ActiveMode `json:"active_mode"`
	SmartTrackingEnabled bool       `json:"smart_tracking_enabled"`
	VoiceNudgesEnabled   bool       `json:"voice_nudges_enabled"`
	PreferredLang        string     `json:"preferred_lang"`
	Voice                string     `json:"voice"`
}

// DefaultSettings mirrors what a fresh install has
func DefaultSettings() Settings {
	return Settings{
		ActiveMode:         ModeManual,
		VoiceNudgesEnabled: true,
		PreferredLang:      "en",
		Voice:              "male",
	}
}

// HistoryEntry is one item of the rolling trigger log shown in the UI
type HistoryEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Emoji     string    `json:"emoji"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
