// Package bridge holds the platform providers the host process feeds over
// the local API. Each provider implements the matching sampler interface.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/sampler"
)

// Permissions tracks which platform capabilities the host reported granted.
// Everything starts granted.
type Permissions struct {
	mu     sync.RWMutex
	denied map[core.SignalKind]bool
}

// NewPermissions creates a permission set with everything granted
func NewPermissions() *Permissions {
	return &Permissions{denied: make(map[core.SignalKind]bool)}
}

// Set records whether kind's capability is granted
func (p *Permissions) Set(kind core.SignalKind, granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[kind] = !granted
}

// Check returns core.ErrPermissionDenied when kind is denied
func (p *Permissions) Check(kind core.SignalKind) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.denied[kind] {
		return core.ErrPermissionDenied
	}
	return nil
}

// Location is a LocationProvider fed by host fixes
type Location struct {
	perms *Permissions

	mu      sync.Mutex
	last    *core.LocationFix
	waiters []chan core.LocationFix

	// OnRequest, when set, is called whenever a sampler asks for a new fix
	// so the host can be told to acquire one.
	OnRequest func()
}

// NewLocation creates a location provider
func NewLocation(perms *Permissions) *Location {
	return &Location{perms: perms}
}

// Update records a fix from the host and wakes pending RequestFix calls
func (l *Location) Update(fix core.LocationFix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.last = &fix
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
}

// LastKnown returns the latest fix, or nil
func (l *Location) LastKnown(ctx context.Context) (*core.LocationFix, error) {
	if err := l.perms.Check(core.KindLocation); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, nil
	}
	fix := *l.last
	return &fix, nil
}

// RequestFix waits for the next Update
func (l *Location) RequestFix(ctx context.Context) (core.LocationFix, error) {
	if err := l.perms.Check(core.KindLocation); err != nil {
		return core.LocationFix{}, err
	}

	ch := make(chan core.LocationFix, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	if l.OnRequest != nil {
		l.OnRequest()
	}

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		l.removeWaiter(ch)
		return core.LocationFix{}, ctx.Err()
	}
}

func (l *Location) removeWaiter(ch chan core.LocationFix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

const maxUsageRecords = 128

// Usage is a UsageStatsProvider and AppLabeler fed by host reports
type Usage struct {
	perms *Permissions

	mu      sync.Mutex
	records []sampler.UsageRecord
	labels  map[string]string
}

// NewUsage creates a usage provider
func NewUsage(perms *Permissions) *Usage {
	return &Usage{perms: perms, labels: make(map[string]string)}
}

// Record adds a usage report. appName may be empty.
func (u *Usage) Record(pkg, appName string, lastUsed time.Time) {
	if lastUsed.IsZero() {
		lastUsed = time.Now()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.records = append(u.records, sampler.UsageRecord{PackageName: pkg, LastUsed: lastUsed})
	if len(u.records) > maxUsageRecords {
		u.records = u.records[len(u.records)-maxUsageRecords:]
	}
	if appName != "" {
		u.labels[pkg] = appName
	}
}

// QueryUsage returns records whose last use falls in [from, to]
func (u *Usage) QueryUsage(ctx context.Context, from, to time.Time) ([]sampler.UsageRecord, error) {
	if err := u.perms.Check(core.KindForeground); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	var out []sampler.UsageRecord
	for _, r := range u.records {
		if !r.LastUsed.Before(from) && !r.LastUsed.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Label returns the display name the host reported for pkg
func (u *Usage) Label(pkg string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	name, ok := u.labels[pkg]
	return name, ok
}

const sensorBuffer = 256

// Sensors is a SensorSource fed by host events. It has a single consumer;
// events arriving while the buffer is full are dropped.
type Sensors struct {
	ch chan sampler.SensorEvent

	mu      sync.Mutex
	dropped int64
}

// NewSensors creates a sensor source
func NewSensors() *Sensors {
	return &Sensors{ch: make(chan sampler.SensorEvent, sensorBuffer)}
}

// Push queues an event without blocking. It returns false when dropped.
func (s *Sensors) Push(ev sampler.SensorEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

// Dropped returns how many events were discarded
func (s *Sensors) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Events returns the event stream
func (s *Sensors) Events(ctx context.Context) (<-chan sampler.SensorEvent, error) {
	return s.ch, nil
}
