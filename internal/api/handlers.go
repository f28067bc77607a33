package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/pipeline"
	"github.com/neura/neura/internal/sampler"
)

// --- Status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"muted":      s.session.Muted(),
		"ws_clients": s.wsHub.Clients(),
	}
	if s.pipeline != nil {
		resp["pipeline"] = s.pipeline.Status()
	}
	if s.bus != nil {
		resp["notifier"] = s.bus.Stats()
	}
	if s.devices.Sensors != nil {
		resp["sensor_events_dropped"] = s.devices.Sensors.Dropped()
	}
	if s.sos != nil {
		if sess, ok := s.sos.Active(); ok {
			resp["sos"] = sess
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondJSON(w, http.StatusOK, []core.HistoryEntry{})
		return
	}
	entries, err := s.history.List(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []core.HistoryEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// --- Settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.respondError(w, http.StatusServiceUnavailable, "settings not configured")
		return
	}
	st, err := s.settings.Settings(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// settingsUpdate holds the fields a PUT may change; absent fields keep
// their stored value
type settingsUpdate struct {
	OnboardingCompleted  *bool   `json:"onboarding_completed"`
	ActiveMode           *string `json:"active_mode"`
	SmartTrackingEnabled *bool   `json:"smart_tracking_enabled"`
	VoiceNudgesEnabled   *bool   `json:"voice_nudges_enabled"`
	PreferredLang        *string `json:"preferred_lang"`
	Voice                *string `json:"voice"`
}

func (u settingsUpdate) apply(st core.Settings) (core.Settings, error) {
	if u.OnboardingCompleted != nil {
		st.OnboardingCompleted = *u.OnboardingCompleted
	}
	if u.ActiveMode != nil {
		mode := core.ActiveMode(*u.ActiveMode)
		if mode != core.ModeManual && mode != core.ModeAmbient {
			return st, fmt.Errorf("%w: active_mode must be manual or ambient", core.ErrInvalidInput)
		}
		st.ActiveMode = mode
	}
	if u.SmartTrackingEnabled != nil {
		st.SmartTrackingEnabled = *u.SmartTrackingEnabled
	}
	if u.VoiceNudgesEnabled != nil {
		st.VoiceNudgesEnabled = *u.VoiceNudgesEnabled
	}
	if u.PreferredLang != nil {
		lang := strings.TrimSpace(*u.PreferredLang)
		if lang == "" {
			return st, fmt.Errorf("%w: preferred_lang is empty", core.ErrInvalidInput)
		}
		st.PreferredLang = lang
	}
	if u.Voice != nil {
		st.Voice = *u.Voice
	}
	return st, nil
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.respondError(w, http.StatusServiceUnavailable, "settings not configured")
		return
	}

	var update settingsUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	current, err := s.settings.Settings(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	next, err := update.apply(current)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.settings.SaveSettings(r.Context(), next); err != nil {
		s.respondErr(w, err)
		return
	}

	if s.pipeline != nil {
		if err := s.pipeline.Reconfigure(r.Context()); err != nil && !errors.Is(err, pipeline.ErrNotStarted) {
			s.log.Warn("Reconfigure after settings change failed: %v", err)
		}
	}

	s.respondJSON(w, http.StatusOK, next)
}

// --- Identity ---

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		s.respondError(w, http.StatusServiceUnavailable, "identity store not configured")
		return
	}
	id, err := s.identity.Load(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"has_identity": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"has_identity": true,
		"device_id":    id.DeviceID,
	})
}

func (s *Server) handleSetIdentity(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		s.respondError(w, http.StatusServiceUnavailable, "identity store not configured")
		return
	}

	var input struct {
		DeviceID  string `json:"device_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	id := core.DeviceIdentity{
		DeviceID:  strings.TrimSpace(input.DeviceID),
		AuthToken: strings.TrimSpace(input.AuthToken),
	}
	if !id.Valid() {
		s.respondError(w, http.StatusBadRequest, "device_id and auth_token are required")
		return
	}
	if err := s.identity.Save(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}

	loaded := false
	if s.pipeline != nil {
		loaded = s.pipeline.ReloadIdentity(r.Context())
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":       id.DeviceID,
		"pipeline_loaded": loaded,
	})
}

// --- Mute ---

func (s *Server) handleGetMute(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]bool{"muted": s.session.Muted()})
}

// handleMute toggles the flag, or sets it when the body carries "muted"
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Muted *bool `json:"muted"`
	}
	if err := decodeJSON(w, r, &input); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var muted bool
	if input.Muted != nil {
		s.session.SetMuted(*input.Muted)
		muted = *input.Muted
	} else {
		muted = s.session.ToggleMute()
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

// --- Device feeds ---

func (s *Server) handleDeviceLocation(w http.ResponseWriter, r *http.Request) {
	if s.devices.Location == nil {
		s.respondError(w, http.StatusServiceUnavailable, "location bridge not configured")
		return
	}

	var input struct {
		Lat       *float64  `json:"lat"`
		Lon       *float64  `json:"lon"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if input.Lat == nil || input.Lon == nil {
		s.respondError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	if *input.Lat < -90 || *input.Lat > 90 || *input.Lon < -180 || *input.Lon > 180 {
		s.respondError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	s.devices.Location.Update(core.LocationFix{Lat: *input.Lat, Lon: *input.Lon, Timestamp: input.Timestamp})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeviceForeground(w http.ResponseWriter, r *http.Request) {
	if s.devices.Usage == nil {
		s.respondError(w, http.StatusServiceUnavailable, "usage bridge not configured")
		return
	}

	var input struct {
		PackageName string    `json:"package_name"`
		AppName     string    `json:"app_name"`
		LastUsed    time.Time `json:"last_used"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(input.PackageName) == "" {
		s.respondError(w, http.StatusBadRequest, "package_name is required")
		return
	}

	s.devices.Usage.Record(input.PackageName, input.AppName, input.LastUsed)
	w.WriteHeader(http.StatusAccepted)
}

// handleDeviceSensor accepts one event object or an array of events
func (s *Server) handleDeviceSensor(w http.ResponseWriter, r *http.Request) {
	if s.devices.Sensors == nil {
		s.respondError(w, http.StatusServiceUnavailable, "sensor bridge not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid body")
		return
	}

	var events []sampler.SensorEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var ev sampler.SensorEvent
		err = json.Unmarshal(trimmed, &ev)
		events = []sampler.SensorEvent{ev}
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	accepted, dropped := 0, 0
	for _, ev := range events {
		if ev.Type == "" {
			s.respondError(w, http.StatusBadRequest, "sensor event type is required")
			return
		}
	}
	for _, ev := range events {
		if s.devices.Sensors.Push(ev) {
			accepted++
		} else {
			dropped++
		}
	}

	s.respondJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "dropped": dropped})
}

// handleDevicePermissions records the host's grants, e.g. {"location": false}
func (s *Server) handleDevicePermissions(w http.ResponseWriter, r *http.Request) {
	if s.devices.Permissions == nil {
		s.respondError(w, http.StatusServiceUnavailable, "permissions not configured")
		return
	}

	var input map[string]bool
	if err := decodeJSON(w, r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	for name := range input {
		if _, ok := core.ParseSignalKind(name); !ok {
			s.respondError(w, http.StatusBadRequest, "unknown permission: "+name)
			return
		}
	}
	for name, granted := range input {
		kind, _ := core.ParseSignalKind(name)
		s.devices.Permissions.Set(kind, granted)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Push ---

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.respondError(w, http.StatusServiceUnavailable, "push router not configured")
		return
	}

	var data map[string]string
	if err := decodeJSON(w, r, &data); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	route, err := s.push.Handle(r.Context(), data)
	if err != nil {
		s.log.WithField("route", route).Warn("Push handling failed: %v", err)
		s.respondJSON(w, statusFor(err), map[string]string{"route": string(route), "error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"route": string(route)})
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.respondError(w, http.StatusServiceUnavailable, "push router not configured")
		return
	}

	var input struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(input.Token) == "" {
		s.respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.push.OnNewToken(r.Context(), input.Token); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- SOS ---

func (s *Server) handleSOSStatus(w http.ResponseWriter, r *http.Request) {
	if s.sos == nil {
		s.respondError(w, http.StatusServiceUnavailable, "sos not configured")
		return
	}
	sess, ok := s.sos.Active()
	resp := map[string]interface{}{"active": ok}
	if ok {
		resp["session"] = sess
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	if s.sos == nil {
		s.respondError(w, http.StatusServiceUnavailable, "sos not configured")
		return
	}

	var input struct {
		Location string `json:"location"`
	}
	if err := decodeJSON(w, r, &input); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	sess, err := s.sos.Trigger(r.Context(), input.Location)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleSOSCancel(w http.ResponseWriter, r *http.Request) {
	if s.sos == nil {
		s.respondError(w, http.StatusServiceUnavailable, "sos not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"cancelled": s.sos.Cancel()})
}

// --- Pipeline ---

func (s *Server) handleRunKind(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.respondErr(w, pipeline.ErrNotStarted)
		return
	}

	name := chi.URLParam(r, "kind")
	kind, ok := core.ParseSignalKind(name)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown signal kind: "+name)
		return
	}

	if err := s.pipeline.RunNow(kind); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"kind": string(kind), "status": "started"})
}

func (s *Server) handleActivateWakeword(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.respondErr(w, pipeline.ErrNotStarted)
		return
	}
	if err := s.pipeline.ActivateWakeword(); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"kind": string(core.KindWakeword), "status": "listening"})
}
