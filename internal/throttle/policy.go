// Package throttle decides whether a sampled signal is worth sending.
package throttle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/geo"
	"github.com/neura/neura/internal/logging"
)

// DefaultExcludedPrefixes are launcher and system packages that never count
// as a foreground app.
var DefaultExcludedPrefixes = []string{
	"com.android.launcher",
	"com.google.android.googlequicksearchbox",
	"com.miui.home",
	"com.samsung.android",
}

// Rules holds the thresholds the decision function applies
type Rules struct {
	TravelDistanceKm float64
	TravelWindow     time.Duration
	ExcludedPrefixes []string
}

// DefaultRules returns the stock thresholds: 100 km and 6 hours
func DefaultRules() Rules {
	return Rules{
		TravelDistanceKm: 100,
		TravelWindow:     6 * time.Hour,
		ExcludedPrefixes: DefaultExcludedPrefixes,
	}
}

// ShouldEmit applies the default rules
func ShouldEmit(kind core.SignalKind, sig core.Signal, st core.ThrottleState) bool {
	return DefaultRules().ShouldEmit(kind, sig, st)
}

// ShouldEmit reports whether sig should be sent given the last emitted
// state for its kind. It has no side effects.
func (r Rules) ShouldEmit(kind core.SignalKind, sig core.Signal, st core.ThrottleState) bool {
	switch kind {
	case core.KindLocation:
		if sig.Location == nil {
			return false
		}
		// Without a previous fix the comparison point is (0,0).
		last := geo.Point{Lat: st.LastLat, Lon: st.LastLon}
		cur := geo.Point{Lat: sig.Location.Lat, Lon: sig.Location.Lon}
		if geo.DistanceKm(last, cur) <= r.TravelDistanceKm {
			return false
		}
		if st.LastEmit.IsZero() {
			return true
		}
		return observedAt(sig).Sub(st.LastEmit) > r.TravelWindow

	case core.KindForeground:
		if sig.Foreground == nil || sig.Foreground.PackageName == "" {
			return false
		}
		pkg := sig.Foreground.PackageName
		if r.Excluded(pkg) {
			return false
		}
		return pkg != st.LastValue

	case core.KindSensor:
		return sig.Sensor != nil

	case core.KindWakeword:
		// Cooldown is enforced by the sampler.
		return sig.Wakeword != nil
	}

	return false
}

// Excluded reports whether pkg matches an exclusion prefix
func (r Rules) Excluded(pkg string) bool {
	for _, prefix := range r.ExcludedPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	return false
}

func observedAt(sig core.Signal) time.Time {
	if ts := sig.Timestamp(); !ts.IsZero() {
		return ts
	}
	return time.Now()
}

// Store persists throttle state across restarts
type Store interface {
	Load(ctx context.Context, kind core.SignalKind) (core.ThrottleState, error)
	Save(ctx context.Context, st core.ThrottleState) error
}

// Policy applies Rules and keeps ThrottleState per kind. Each kind's state is
// only touched by that kind's own cycle.
type Policy struct {
	rules Rules
	store Store
	log   *logging.Logger

	mu     sync.Mutex
	states map[core.SignalKind]core.ThrottleState
}

// NewPolicy creates a policy backed by store. store may be nil for a
// memory-only policy.
func NewPolicy(rules Rules, store Store) *Policy {
	return &Policy{
		rules:  rules,
		store:  store,
		log:    logging.Component("throttle"),
		states: make(map[core.SignalKind]core.ThrottleState),
	}
}

// Rules returns the thresholds in use
func (p *Policy) Rules() Rules {
	return p.rules
}

// State returns the current state for kind, loading it from the store on
// first use.
func (p *Policy) State(ctx context.Context, kind core.SignalKind) core.ThrottleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(ctx, kind)
}

func (p *Policy) stateLocked(ctx context.Context, kind core.SignalKind) core.ThrottleState {
	if st, ok := p.states[kind]; ok {
		return st
	}

	st := core.ThrottleState{Kind: kind}
	if p.store != nil {
		loaded, err := p.store.Load(ctx, kind)
		if err != nil {
			p.log.WithField("kind", kind).Warn("Failed to load throttle state: %v", err)
		} else {
			st = loaded
		}
	}
	p.states[kind] = st
	return st
}

// Evaluate decides whether sig should be sent. On true the state is updated
// and persisted before returning, so a send that later fails still counts.
// Foreground readings update the observed package whatever the outcome.
func (p *Policy) Evaluate(ctx context.Context, sig core.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind := sig.Kind
	st := p.stateLocked(ctx, kind)
	emit := p.rules.ShouldEmit(kind, sig, st)

	next := st
	changed := false

	if kind == core.KindForeground && sig.Foreground != nil && sig.Foreground.PackageName != st.LastValue {
		next.LastValue = sig.Foreground.PackageName
		changed = true
	}

	if emit {
		ts := observedAt(sig)
		if ts.After(next.LastEmit) {
			next.LastEmit = ts
		}
		if kind == core.KindLocation {
			next.HasLocation = true
			next.LastLat = sig.Location.Lat
			next.LastLon = sig.Location.Lon
		}
		changed = true
	}

	if changed {
		p.states[kind] = next
		p.persist(ctx, next)
	}

	return emit
}

// Reset forgets the state of kind
func (p *Policy) Reset(ctx context.Context, kind core.SignalKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states[kind] = core.ThrottleState{Kind: kind}
	if p.store == nil {
		return
	}
	if r, ok := p.store.(interface {
		Reset(context.Context, core.SignalKind) error
	}); ok {
		if err := r.Reset(ctx, kind); err != nil {
			p.log.WithField("kind", kind).Warn("Failed to reset throttle state: %v", err)
		}
	}
}

func (p *Policy) persist(ctx context.Context, st core.ThrottleState) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, st); err != nil {
		// The in-memory state still holds; the next restart may re-send once.
		p.log.WithField("kind", st.Kind).Warn("Failed to persist throttle state: %v", err)
	}
}
