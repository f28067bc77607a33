package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/metrics"
)

// cycle runs Idle → Sampling → Evaluating → Dispatching → Idle for kind.
// Only failures the scheduler should count are returned.
func (c *Controller) cycle(ctx context.Context, kind core.SignalKind) error {
	loop, ok := c.loops[kind]
	if !ok {
		return ErrUnknownKind
	}
	log := c.log.WithField("kind", kind)

	if !loop.acquire() {
		c.deps.Metrics.Signal(string(kind), metrics.OutcomeSkipped)
		log.Debug("Cycle skipped, previous one still in flight")
		return nil
	}
	handedOff := false
	defer func() {
		if !handedOff {
			loop.release()
		}
	}()

	loop.setState(StateSampling)
	sig, err := loop.sampler.Sample(ctx)
	if err != nil {
		return c.samplingFailed(loop, err)
	}

	c.mu.RLock()
	id, hasID := c.identity, c.hasIdentity
	rootCtx := c.ctx
	c.mu.RUnlock()

	// Without credentials nothing can be sent, so throttle state must not
	// advance. Foreground still records the observed package.
	if !hasID && kind != core.KindWakeword && kind != core.KindForeground {
		log.Debug("No identity, cycle ends before evaluation")
		loop.fail(core.ErrStaleCredentials)
		return nil
	}

	loop.setState(StateEvaluating)
	emit := c.deps.Policy.Evaluate(ctx, sig)

	settings := c.currentSettings()
	if emit && kind == core.KindForeground && !settings.SmartTrackingEnabled {
		log.Debug("Smart tracking disabled, foreground event not sent")
		emit = false
	}
	if !emit {
		c.deps.Metrics.Signal(string(kind), metrics.OutcomeSuppressed)
		return nil
	}

	loop.emitted.Add(1)
	c.deps.Metrics.Signal(string(kind), metrics.OutcomeEmitted)

	if kind == core.KindWakeword {
		c.publish(core.TriggerResult{Text: WakewordGreeting, Lang: settings.PreferredLang}, core.MsgWakeword)
		log.Info("Wakeword detected")
		return nil
	}

	if !hasID {
		log.Debug("No identity, dispatch skipped")
		loop.fail(core.ErrStaleCredentials)
		return nil
	}

	ev, err := BuildEvent(id.DeviceID, sig, time.Now())
	if err != nil {
		loop.fail(err)
		return err
	}

	loop.setState(StateDispatching)

	if kind == core.KindSensor {
		// Fire-and-forget: the cycle ends now, the kind stays busy until
		// the send completes.
		handedOff = true
		go func() {
			defer loop.release()
			c.dispatch(rootCtx, loop, ev, id, settings.PreferredLang)
		}()
		return nil
	}

	return c.dispatch(ctx, loop, ev, id, settings.PreferredLang)
}

func (c *Controller) samplingFailed(loop *kindLoop, err error) error {
	log := c.log.WithField("kind", loop.kind)

	switch {
	case errors.Is(err, core.ErrNoSignal):
		c.deps.Metrics.Signal(string(loop.kind), metrics.OutcomeNoSignal)
		log.Debug("No signal this cycle")
		return nil

	case errors.Is(err, core.ErrModelUnavailable):
		c.deps.Metrics.Signal(string(loop.kind), metrics.OutcomeError)
		loop.disable(err)
		if loop.taskID != "" {
			c.sched.Disable(loop.taskID)
		}
		log.Error("Kind disabled until restart: %v", err)
		return nil

	case errors.Is(err, core.ErrPermissionDenied):
		c.deps.Metrics.Signal(string(loop.kind), metrics.OutcomeError)
		loop.fail(err)
		log.Warn("Sampling not permitted: %v", err)
		return nil

	case errors.Is(err, context.Canceled):
		return nil
	}

	c.deps.Metrics.Signal(string(loop.kind), metrics.OutcomeError)
	loop.fail(err)
	log.Warn("Sampling failed: %v", err)
	return err
}

func (c *Controller) dispatch(ctx context.Context, loop *kindLoop, ev core.OutboundEvent, id core.DeviceIdentity, lang string) error {
	log := c.log.WithFields(map[string]interface{}{
		"kind":  loop.kind,
		"event": ev.EventType,
	})

	if c.deps.Dispatcher == nil {
		return nil
	}
	result, err := c.deps.Dispatcher.Send(ctx, ev, id)
	if err != nil {
		// No rollback: the throttle state already counts this send.
		loop.fail(err)
		switch {
		case errors.Is(err, core.ErrRateLimited):
			log.Debug("Dispatch rate limited")
			return nil
		case errors.Is(err, core.ErrStaleCredentials):
			log.Warn("Dispatch skipped: %v", err)
			return nil
		}
		log.Warn("Dispatch failed: %v", err)
		return err
	}
	loop.fail(nil)

	if result == nil {
		log.Debug("Backend returned no trigger")
		return nil
	}

	r, msgKind := presentFor(ev.EventType, *result, lang)
	c.publish(r, msgKind)
	log.WithField("message", msgKind).Info("Trigger published")
	return nil
}

func (c *Controller) publish(r core.TriggerResult, kind core.MessageKind) {
	if c.deps.Publisher == nil {
		return
	}
	c.deps.Publisher.Publish(r, kind)
}
