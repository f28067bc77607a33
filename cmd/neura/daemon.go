package main

import (
	"context"
	"fmt"

	"github.com/neura/neura/internal/api"
	"github.com/neura/neura/internal/bridge"
	"github.com/neura/neura/internal/config"
	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/dispatch"
	"github.com/neura/neura/internal/identity"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/metrics"
	"github.com/neura/neura/internal/notifier"
	"github.com/neura/neura/internal/pipeline"
	"github.com/neura/neura/internal/presenter"
	"github.com/neura/neura/internal/push"
	"github.com/neura/neura/internal/sampler"
	"github.com/neura/neura/internal/scheduler"
	"github.com/neura/neura/internal/storage"
	"github.com/neura/neura/internal/throttle"
	"github.com/neura/neura/internal/wakeword"
)

// daemon holds every long-lived component
type daemon struct {
	cfg *config.Config
	log *logging.Logger

	db       *storage.DB
	bus      *notifier.Bus
	audio    *bridge.Audio
	overlay  *presenter.Overlay
	pipeline *pipeline.Controller
	server   *api.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	log := logging.Component("neura")

	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	prefs := storage.NewPrefsStore(db)
	history := storage.NewHistoryStore(db, cfg.Pipeline.HistorySize)
	ids := identity.NewStore(prefs, cfg.Backend.TokenPassphrase)

	// Credentials from the environment seed the store once.
	if seed := (core.DeviceIdentity{DeviceID: cfg.Backend.DeviceID, AuthToken: cfg.Backend.AuthToken}); seed.Valid() {
		if err := ids.Save(context.Background(), seed); err != nil {
			log.Warn("Failed to store identity from environment: %v", err)
		}
	}

	m := metrics.New()
	bus := notifier.New(notifier.DefaultBuffer, notifier.Hooks{
		OnPublish: func(k core.MessageKind) { m.Published(string(k)) },
		OnDrop:    func(k core.MessageKind) { m.Dropped(string(k)) },
	})

	backend := dispatch.New(dispatch.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		MinSpacing: cfg.Backend.MinSpacing,
	}, dispatch.WithMetrics(m), dispatch.WithJournal(storage.NewDispatchLog(db)))

	// Platform bridge, fed by the host through the API
	perms := bridge.NewPermissions()
	location := bridge.NewLocation(perms)
	usage := bridge.NewUsage(perms)
	sensors := bridge.NewSensors()
	audio := bridge.NewAudio(perms, 5*cfg.Wakeword.SampleRate)

	sensorSampler := sampler.NewSensor(sensors)
	modelPath := cfg.Wakeword.ModelPath
	loadModel := func() (wakeword.Classifier, error) {
		model, err := wakeword.Load(modelPath)
		if err != nil {
			return nil, err
		}
		return model, nil
	}

	hub := api.NewWebSocketHub()
	location.OnRequest = hub.RequestLocation

	session := presenter.NewSession()
	sos := presenter.NewSOS(presenter.SOSConfig{
		Countdown:          cfg.SOS.Countdown,
		CountdownScreenOff: cfg.SOS.CountdownScreenOff,
		ScreenOn:           func() bool { return sensorSampler.Screen() != "off" },
	}, backend, ids, hub)
	sos.OnDone = func(o presenter.SOSOutcome) {
		data := map[string]interface{}{
			"session":   o.Session,
			"cancelled": o.Cancelled,
			"notified":  o.Notified,
		}
		if o.Err != nil {
			data["error"] = o.Err.Error()
		}
		hub.Broadcast(api.WebSocketMessage{Type: api.TypeSOSDone, Data: data})
	}
	overlay := presenter.NewOverlay(history, prefs, session, hub, sos)

	router := push.NewRouter(backend, ids, bus)

	rules := throttle.DefaultRules()
	rules.TravelDistanceKm = cfg.Pipeline.TravelDistanceKm
	rules.TravelWindow = cfg.Pipeline.TravelWindow

	ctrl := pipeline.New(pipeline.Config{
		LocationInterval:   cfg.Pipeline.LocationInterval,
		ForegroundInterval: cfg.Pipeline.ForegroundInterval,
		SensorInterval:     cfg.Pipeline.SensorInterval,
	}, pipeline.Deps{
		Location: sampler.NewLocation(location, sampler.LocationConfig{
			Freshness:  cfg.Pipeline.LocationFreshness,
			FixTimeout: cfg.Pipeline.FixTimeout,
		}),
		Foreground: sampler.NewForeground(usage, usage, cfg.Pipeline.ForegroundLookback),
		Sensor:     sensorSampler,
		Wakeword: sampler.NewWakeword(audio, loadModel, sampler.WakewordConfig{
			Threshold:      cfg.Wakeword.Threshold,
			Cooldown:       cfg.Wakeword.Cooldown,
			SampleRate:     cfg.Wakeword.SampleRate,
			InferenceDelay: cfg.Wakeword.InferenceDelay,
		}),
		Policy:     throttle.NewPolicy(rules, storage.NewThrottleStore(db)),
		Dispatcher: backend,
		Publisher:  bus,
		Identity:   ids,
		Settings:   prefs,
		Nudge:      router,
		Metrics:    m,
		Scheduler:  scheduler.NewScheduler(scheduler.DefaultConfig()),
	})

	server := api.New(api.Config{
		Addr:        cfg.Server.Addr(),
		CORSOrigins: cfg.Server.CORSOrigins,
		Pipeline:    ctrl,
		Settings:    prefs,
		History:     history,
		Identity:    ids,
		Push:        router,
		SOS:         sos,
		Session:     session,
		Bus:         bus,
		Devices: api.Devices{
			Permissions: perms,
			Location:    location,
			Usage:       usage,
			Sensors:     sensors,
			Audio:       audio,
		},
		Metrics: m,
		Hub:     hub,
	})

	return &daemon{
		cfg:      cfg,
		log:      log,
		db:       db,
		bus:      bus,
		audio:    audio,
		overlay:  overlay,
		pipeline: ctrl,
		server:   server,
	}, nil
}

// start launches the overlay consumer, the pipeline and the API server.
// Server failures are reported on errs.
func (d *daemon) start(ctx context.Context, errs chan<- error) error {
	sub := d.bus.Subscribe("overlay", presenter.OverlayKinds...)
	go d.overlay.Run(ctx, sub)

	if err := d.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	go func() {
		if err := d.server.Start(); err != nil {
			errs <- err
		}
	}()

	d.log.Info("Local API on http://%s", d.cfg.Server.Addr())
	return nil
}

func (d *daemon) stop(ctx context.Context) {
	if err := d.pipeline.Stop(); err != nil {
		d.log.Warn("Pipeline stop: %v", err)
	}
	if err := d.server.Stop(ctx); err != nil {
		d.log.Warn("API server stop: %v", err)
	}
}

func (d *daemon) close() {
	d.audio.Close()
	d.bus.Close()
	if err := d.db.Close(); err != nil {
		d.log.Warn("Database close: %v", err)
	}
}
