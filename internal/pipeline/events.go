package pipeline

import (
	"fmt"
	"time"

	"github.com/neura/neura/internal/core"
)

// DeviceOS is reported with every sensor snapshot
const DeviceOS = "android"

// BuildEvent turns a signal that passed throttling into the payload the
// backend expects. Wakeword signals have no backend form.
func BuildEvent(deviceID string, sig core.Signal, now time.Time) (core.OutboundEvent, error) {
	ev := core.OutboundEvent{DeviceID: deviceID}

	switch {
	case sig.Kind == core.KindLocation && sig.Location != nil:
		ev.EventType = core.EventTravelCheck
		ev.Metadata = map[string]any{
			"lat": sig.Location.Lat,
			"lon": sig.Location.Lon,
		}

	case sig.Kind == core.KindForeground && sig.Foreground != nil:
		name := sig.Foreground.AppName
		if name == "" {
			name = sig.Foreground.PackageName
		}
		ev.EventType = core.EventForegroundApp
		ev.Metadata = map[string]any{
			"app_name":     name,
			"package_name": sig.Foreground.PackageName,
		}

	case sig.Kind == core.KindSensor && sig.Sensor != nil:
		ev.EventType = core.EventSensorContext
		ev.Metadata = sensorMetadata(sig.Sensor, now)

	default:
		return ev, fmt.Errorf("%w: no outbound form for %s signal", core.ErrInvalidInput, sig.Kind)
	}

	return ev, nil
}

// sensorMetadata always carries every key; absent readings are nil so they
// serialise as JSON null.
func sensorMetadata(s *core.SensorSnapshot, now time.Time) map[string]any {
	m := map[string]any{
		"battery":             nil,
		"charging":            s.Charging,
		"light":               nil,
		"proximity":           nil,
		"motion":              string(s.Motion),
		"bluetooth_connected": s.BluetoothConnected,
		"wifi_connected":      s.WifiConnected,
		"screen":              s.Screen,
		"time":                now.UTC().Format(time.RFC3339),
		"device_os":           DeviceOS,
	}

	if s.Battery != nil {
		m["battery"] = *s.Battery
	}
	if s.Light != nil {
		m["light"] = *s.Light
	}
	if s.Proximity != nil {
		m["proximity"] = *s.Proximity
		if s.ProximityRaw != nil {
			m["proximity_raw"] = *s.ProximityRaw
		}
	}
	if s.Accel != nil {
		m["accel"] = map[string]any{"x": s.Accel.X, "y": s.Accel.Y, "z": s.Accel.Z}
	}
	if m["motion"] == "" {
		m["motion"] = string(core.MotionStationary)
	}
	return m
}

// Presentation defaults for backend replies
const (
	ReplyEmoji       = "📱"
	WakewordGreeting = "Hi, I'm listening"
)

// presentFor maps a backend reply to the message kind consumers filter on
func presentFor(et core.EventType, r core.TriggerResult, lang string) (core.TriggerResult, core.MessageKind) {
	if lang == "" {
		lang = "en"
	}
	switch et {
	case core.EventTravelCheck:
		return r, core.MsgTravelTip
	default:
		if r.Emoji == "" {
			r.Emoji = ReplyEmoji
		}
		if r.Lang == "" {
			r.Lang = lang
		}
		return r, core.MsgForegroundReply
	}
}
