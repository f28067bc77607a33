// Package api provides the local HTTP control API for the Neura daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/neura/neura/internal/bridge"
	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/metrics"
	"github.com/neura/neura/internal/notifier"
	"github.com/neura/neura/internal/pipeline"
	"github.com/neura/neura/internal/presenter"
	"github.com/neura/neura/internal/push"
)

// Pipeline is the controller surface the API drives
type Pipeline interface {
	Status() pipeline.Status
	Reconfigure(ctx context.Context) error
	ReloadIdentity(ctx context.Context) bool
	RunNow(kind core.SignalKind) error
	ActivateWakeword() error
}

// SettingsStore reads and writes user settings
type SettingsStore interface {
	Settings(ctx context.Context) (core.Settings, error)
	SaveSettings(ctx context.Context, s core.Settings) error
}

// HistoryReader lists the rolling trigger history
type HistoryReader interface {
	List(ctx context.Context) ([]core.HistoryEntry, error)
}

// IdentityStore persists device credentials
type IdentityStore interface {
	Load(ctx context.Context) (core.DeviceIdentity, error)
	Save(ctx context.Context, id core.DeviceIdentity) error
}

// PushHandler routes relayed push payloads
type PushHandler interface {
	Handle(ctx context.Context, data map[string]string) (push.Route, error)
	OnNewToken(ctx context.Context, token string) error
}

// SOSController runs the escalation flow
type SOSController interface {
	Trigger(ctx context.Context, location string) (presenter.SOSSession, error)
	Cancel() bool
	Active() (presenter.SOSSession, bool)
}

// Devices are the bridge providers the host feeds
type Devices struct {
	Permissions *bridge.Permissions
	Location    *bridge.Location
	Usage       *bridge.Usage
	Sensors     *bridge.Sensors
	Audio       *bridge.Audio
}

// Config for the server
type Config struct {
	Addr        string
	CORSOrigins []string

	Pipeline Pipeline
	Settings SettingsStore
	History  HistoryReader
	Identity IdentityStore
	Push     PushHandler
	SOS      SOSController
	Session  *presenter.Session
	Bus      *notifier.Bus
	Devices  Devices
	Metrics  *metrics.Metrics

	// Hub is created when nil
	Hub *WebSocketHub
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	wsHub      *WebSocketHub
	log        *logging.Logger

	pipeline Pipeline
	settings SettingsStore
	history  HistoryReader
	identity IdentityStore
	push     PushHandler
	sos      SOSController
	session  *presenter.Session
	bus      *notifier.Bus
	devices  Devices
	audio    AudioWriter
	metrics  *metrics.Metrics
}

// New creates a new API server
func New(cfg Config) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = NewWebSocketHub()
	}
	session := cfg.Session
	if session == nil {
		session = presenter.NewSession()
	}

	s := &Server{
		wsHub:    hub,
		log:      logging.Component("api"),
		pipeline: cfg.Pipeline,
		settings: cfg.Settings,
		history:  cfg.History,
		identity: cfg.Identity,
		push:     cfg.Push,
		sos:      cfg.SOS,
		session:  session,
		bus:      cfg.Bus,
		devices:  cfg.Devices,
		metrics:  cfg.Metrics,
	}
	if cfg.Devices.Audio != nil {
		s.audio = cfg.Devices.Audio
	}

	s.setupRouter(cfg.CORSOrigins)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     otelhttp.NewHandler(s.router, "neura.api"),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Hub returns the WebSocket feed hub
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	// Long-lived connections stay outside the request timeout.
	r.Get("/ws", s.wsHub.ServeWS)
	r.Get("/ws/audio", s.serveAudio)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)

		r.Get("/identity", s.handleGetIdentity)
		r.Post("/identity", s.handleSetIdentity)

		r.Get("/mute", s.handleGetMute)
		r.Post("/mute", s.handleMute)

		r.Route("/device", func(r chi.Router) {
			r.Post("/location", s.handleDeviceLocation)
			r.Post("/foreground", s.handleDeviceForeground)
			r.Post("/sensor", s.handleDeviceSensor)
			r.Post("/permissions", s.handleDevicePermissions)
		})

		r.Post("/push", s.handlePush)
		r.Post("/push/token", s.handlePushToken)

		r.Get("/sos", s.handleSOSStatus)
		r.Post("/sos", s.handleSOS)
		r.Post("/sos/cancel", s.handleSOSCancel)

		r.Post("/pipeline/{kind}/run", s.handleRunKind)
		r.Post("/wakeword/activate", s.handleActivateWakeword)
	})

	s.router = r
}

// Start runs the feed hub and serves until Stop
func (s *Server) Start() error {
	go s.wsHub.Run()

	s.log.Info("API server listening on http://%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrRecordNotFound), errors.Is(err, pipeline.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNotOnboarded), errors.Is(err, presenter.ErrSOSActive):
		return http.StatusConflict
	case errors.Is(err, core.ErrStaleCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrNotStarted), errors.Is(err, core.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNetworkFailure), errors.Is(err, core.ErrMalformedResponse), errors.Is(err, core.ErrRateLimited):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}
