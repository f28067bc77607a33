package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neura/neura/internal/core"
)

// LocationConfig bounds fix freshness and acquisition time
type LocationConfig struct {
	Freshness  time.Duration
	FixTimeout time.Duration
}

// DefaultLocationConfig returns 5 minute freshness and a 30 second fix wait
func DefaultLocationConfig() LocationConfig {
	return LocationConfig{
		Freshness:  5 * time.Minute,
		FixTimeout: 30 * time.Second,
	}
}

// Location samples the device position
type Location struct {
	provider LocationProvider
	cfg      LocationConfig
	now      Clock
}

// NewLocation creates a location sampler
func NewLocation(p LocationProvider, cfg LocationConfig) *Location {
	return &Location{provider: p, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source
func (l *Location) WithClock(c Clock) *Location {
	l.now = c
	return l
}

func (l *Location) Kind() core.SignalKind { return core.KindLocation }

// Sample uses the cached fix when it is fresh, otherwise waits up to
// FixTimeout for a new one.
func (l *Location) Sample(ctx context.Context) (core.Signal, error) {
	last, err := l.provider.LastKnown(ctx)
	if err != nil && errors.Is(err, core.ErrPermissionDenied) {
		return core.Signal{}, err
	}
	if err == nil && last != nil && l.now().Sub(last.Timestamp) < l.cfg.Freshness {
		return locationSignal(*last), nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, l.cfg.FixTimeout)
	defer cancel()

	fix, err := l.provider.RequestFix(fixCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.Signal{}, fmt.Errorf("%w: no fix within %s", core.ErrNoSignal, l.cfg.FixTimeout)
		}
		return core.Signal{}, err
	}

	if fix.Timestamp.IsZero() {
		fix.Timestamp = l.now()
	}
	return locationSignal(fix), nil
}

func locationSignal(fix core.LocationFix) core.Signal {
	return core.Signal{Kind: core.KindLocation, Location: &fix}
}
