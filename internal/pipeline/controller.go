// Package pipeline runs the context event pipeline: per-kind cycles that
// sample, throttle, dispatch and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/metrics"
	"github.com/neura/neura/internal/notifier"
	"github.com/neura/neura/internal/sampler"
	"github.com/neura/neura/internal/scheduler"
	"github.com/neura/neura/internal/throttle"
)

// Controller errors
var (
	ErrNotStarted   = errors.New("pipeline not started")
	ErrUnknownKind  = errors.New("no sampler for signal kind")
	ErrBusy         = errors.New("cycle already in flight")
	ErrNotOnboarded = errors.New("onboarding not completed")
)

// Dispatcher sends outbound events
type Dispatcher interface {
	Send(ctx context.Context, ev core.OutboundEvent, id core.DeviceIdentity) (*core.TriggerResult, error)
}

// Publisher fans triggers out locally
type Publisher interface {
	Publish(result core.TriggerResult, kind core.MessageKind) notifier.Message
}

// IdentityLoader loads the device identity
type IdentityLoader interface {
	Load(ctx context.Context) (core.DeviceIdentity, error)
}

// SettingsSource reads persisted settings
type SettingsSource interface {
	Settings(ctx context.Context) (core.Settings, error)
}

// NudgeChecker runs the start-up nudge fallback check
type NudgeChecker interface {
	NudgeFallback(ctx context.Context, kind core.MessageKind) (bool, error)
}

// Runner is a sampler with a background event loop (the sensor sampler)
type Runner interface {
	Run(ctx context.Context) error
}

// Config holds the cycle intervals
type Config struct {
	LocationInterval   time.Duration
	ForegroundInterval time.Duration
	SensorInterval     time.Duration
	CycleTimeout       time.Duration
}

// DefaultConfig returns the stock intervals
func DefaultConfig() Config {
	return Config{
		LocationInterval:   15 * time.Minute,
		ForegroundInterval: 10 * time.Second,
		SensorInterval:     90 * time.Second,
		CycleTimeout:       2 * time.Minute,
	}
}

// Deps are the collaborators a controller needs. Samplers may be nil, in
// which case that kind is absent.
type Deps struct {
	Location   sampler.Sampler
	Foreground sampler.Sampler
	Sensor     sampler.Sampler
	Wakeword   sampler.Sampler

	Policy     *throttle.Policy
	Dispatcher Dispatcher
	Publisher  Publisher
	Identity   IdentityLoader
	Settings   SettingsSource
	Nudge      NudgeChecker
	Metrics    *metrics.Metrics
	Scheduler  *scheduler.Scheduler
}

// Status is the controller snapshot served by the API
type Status struct {
	Running     bool            `json:"running"`
	Onboarded   bool            `json:"onboarded"`
	Mode        core.ActiveMode `json:"mode"`
	HasIdentity bool            `json:"has_identity"`
	Kinds       []KindStatus    `json:"kinds"`
}

// Controller owns the per-kind loops
type Controller struct {
	cfg   Config
	deps  Deps
	sched *scheduler.Scheduler
	loops map[core.SignalKind]*kindLoop
	log   *logging.Logger

	mu          sync.RWMutex
	identity    core.DeviceIdentity
	hasIdentity bool
	settings    core.Settings
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a controller. Nothing runs until Start.
func New(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.LocationInterval <= 0 {
		cfg.LocationInterval = def.LocationInterval
	}
	if cfg.ForegroundInterval <= 0 {
		cfg.ForegroundInterval = def.ForegroundInterval
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = def.SensorInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if deps.Policy == nil {
		deps.Policy = throttle.NewPolicy(throttle.DefaultRules(), nil)
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.NewScheduler(scheduler.Config{DefaultTimeout: cfg.CycleTimeout})
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		sched:    sched,
		loops:    make(map[core.SignalKind]*kindLoop),
		log:      logging.Component("pipeline"),
		settings: core.DefaultSettings(),
	}

	for kind, s := range map[core.SignalKind]sampler.Sampler{
		core.KindLocation:   deps.Location,
		core.KindForeground: deps.Foreground,
		core.KindSensor:     deps.Sensor,
		core.KindWakeword:   deps.Wakeword,
	} {
		if s != nil {
			c.loops[kind] = newKindLoop(kind, s)
		}
	}
	return c
}

// Start loads identity and settings once, then applies the boot rules:
// nothing auto-starts before onboarding; sensor context always runs once
// onboarded; ambient mode adds location and wakeword; smart tracking adds
// the foreground app.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	c.mu.Unlock()

	var registered []string
	defer func() {
		if err != nil {
			c.abortStart(registered)
		}
	}()

	c.loadIdentity(ctx)
	settings := c.refreshSettings(ctx)

	intervals := map[core.SignalKind]time.Duration{
		core.KindLocation:   c.cfg.LocationInterval,
		core.KindForeground: c.cfg.ForegroundInterval,
		core.KindSensor:     c.cfg.SensorInterval,
	}
	for kind, every := range intervals {
		loop, ok := c.loops[kind]
		if !ok {
			continue
		}
		k := kind
		task := scheduler.IntervalTask(loop.taskID, string(kind)+" cycle", every, func(ctx context.Context) error {
			return c.cycle(ctx, k)
		})
		task.RunImmediately = true
		if err := c.sched.Register(task); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
		registered = append(registered, loop.taskID)
		// Tasks start disabled; apply() enables what the settings allow.
		if err := c.sched.Disable(loop.taskID); err != nil {
			return err
		}
	}

	if loop, ok := c.loops[core.KindSensor]; ok {
		if r, ok := loop.sampler.(Runner); ok {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := r.Run(c.ctx); err != nil {
					c.log.WithField("kind", core.KindSensor).Warn("Sensor listener stopped: %v", err)
				}
			}()
		}
	}

	if err := c.sched.Start(); err != nil {
		return err
	}

	c.apply(settings)

	if settings.OnboardingCompleted && c.deps.Nudge != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			nctx, cancel := context.WithTimeout(c.ctx, c.cfg.CycleTimeout)
			defer cancel()
			if _, err := c.deps.Nudge.NudgeFallback(nctx, core.MsgNudgeFallback); err != nil {
				c.log.Debug("Start-up nudge check failed: %v", err)
			}
		}()
	}

	c.log.WithFields(map[string]interface{}{
		"onboarded": settings.OnboardingCompleted,
		"mode":      settings.ActiveMode,
		"identity":  c.HasIdentity(),
	}).Info("Pipeline started")
	return nil
}

// Reconfigure re-reads settings and re-applies the boot rules
func (c *Controller) Reconfigure(ctx context.Context) error {
	if !c.running() {
		return ErrNotStarted
	}
	c.apply(c.refreshSettings(ctx))
	return nil
}

// ReloadIdentity re-reads credentials, e.g. after a login
func (c *Controller) ReloadIdentity(ctx context.Context) bool {
	return c.loadIdentity(ctx)
}

func (c *Controller) apply(s core.Settings) {
	want := map[core.SignalKind]bool{
		core.KindSensor:     s.OnboardingCompleted,
		core.KindLocation:   s.OnboardingCompleted && s.ActiveMode == core.ModeAmbient,
		core.KindForeground: s.OnboardingCompleted && s.SmartTrackingEnabled,
	}

	for kind, on := range want {
		loop, ok := c.loops[kind]
		if !ok {
			continue
		}
		task, _ := c.sched.GetTask(loop.taskID)
		switch {
		case on && !task.Enabled:
			c.sched.Enable(loop.taskID)
		case !on && task.Enabled:
			c.sched.Disable(loop.taskID)
		}
		loop.setScheduled(on)
	}

	if s.OnboardingCompleted && s.ActiveMode == core.ModeAmbient {
		if err := c.ActivateWakeword(); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrUnknownKind) {
			c.log.WithField("kind", core.KindWakeword).Warn("Wakeword not started: %v", err)
		}
	}

	if !s.OnboardingCompleted {
		c.log.Info("Onboarding not completed, nothing auto-started")
	}
}

// Stop cancels every kind and waits for the flows that are waited on
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	c.mu.Unlock()

	err := c.sched.Stop()
	c.wg.Wait()
	c.log.Info("Pipeline stopped")
	return err
}

// abortStart undoes a failed Start so it can be retried
func (c *Controller) abortStart(taskIDs []string) {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	for _, id := range taskIDs {
		c.sched.Unregister(id)
	}

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// RunNow triggers an on-demand cycle for kind. Wakeword maps to
// ActivateWakeword.
func (c *Controller) RunNow(kind core.SignalKind) error {
	if !c.running() {
		return ErrNotStarted
	}
	if kind == core.KindWakeword {
		return c.ActivateWakeword()
	}
	loop, ok := c.loops[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if loop.busy.Load() {
		return ErrBusy
	}
	return c.sched.RunNow(loop.taskID)
}

// ActivateWakeword starts one listening pass. It returns once the pass is
// running; the pass ends after the first detection or on Stop.
func (c *Controller) ActivateWakeword() error {
	if !c.running() {
		return ErrNotStarted
	}
	loop, ok := c.loops[core.KindWakeword]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, core.KindWakeword)
	}
	if loop.isDisabled() {
		return core.ErrModelUnavailable
	}
	if !c.currentSettings().OnboardingCompleted {
		return ErrNotOnboarded
	}
	if loop.busy.Load() {
		return ErrBusy
	}

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cycle(ctx, core.KindWakeword)
	}()
	return nil
}

// Status returns a snapshot of every loop
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		Running:     c.started,
		Onboarded:   c.settings.OnboardingCompleted,
		Mode:        c.settings.ActiveMode,
		HasIdentity: c.hasIdentity,
	}
	c.mu.RUnlock()

	for _, kind := range core.AllKinds {
		if loop, ok := c.loops[kind]; ok {
			st.Kinds = append(st.Kinds, loop.status())
		}
	}
	return st
}

// HasIdentity reports whether credentials were loaded
func (c *Controller) HasIdentity() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasIdentity
}

func (c *Controller) running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

func (c *Controller) loadIdentity(ctx context.Context) bool {
	if c.deps.Identity == nil {
		return false
	}
	id, err := c.deps.Identity.Load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("No device identity, dispatch disabled: %v", err)
		c.identity = core.DeviceIdentity{}
		c.hasIdentity = false
		return false
	}
	c.identity = id
	c.hasIdentity = true
	return true
}

func (c *Controller) refreshSettings(ctx context.Context) core.Settings {
	s := core.DefaultSettings()
	if c.deps.Settings != nil {
		loaded, err := c.deps.Settings.Settings(ctx)
		if err != nil {
			c.log.Warn("Failed to read settings, using defaults: %v", err)
		} else {
			s = loaded
		}
	}

	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return s
}

func (c *Controller) currentSettings() core.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}
