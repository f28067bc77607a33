package sampler

import (
	"context"
	"time"

	"github.com/neura/neura/internal/core"
)

// DefaultForegroundLookback is how far back usage records are considered
const DefaultForegroundLookback = 10 * time.Second

// Foreground samples the most recently used app
type Foreground struct {
	usage    UsageStatsProvider
	labeler  AppLabeler
	lookback time.Duration
	now      Clock
}

// NewForeground creates a foreground-app sampler. labeler may be nil.
func NewForeground(usage UsageStatsProvider, labeler AppLabeler, lookback time.Duration) *Foreground {
	if lookback <= 0 {
		lookback = DefaultForegroundLookback
	}
	return &Foreground{usage: usage, labeler: labeler, lookback: lookback, now: time.Now}
}

// WithClock replaces the time source
func (f *Foreground) WithClock(c Clock) *Foreground {
	f.now = c
	return f
}

func (f *Foreground) Kind() core.SignalKind { return core.KindForeground }

// Sample returns the package with the latest use inside the lookback window
func (f *Foreground) Sample(ctx context.Context) (core.Signal, error) {
	now := f.now()

	records, err := f.usage.QueryUsage(ctx, now.Add(-f.lookback), now)
	if err != nil {
		return core.Signal{}, err
	}

	var recent *UsageRecord
	for i := range records {
		r := &records[i]
		if r.PackageName == "" {
			continue
		}
		if recent == nil || r.LastUsed.After(recent.LastUsed) {
			recent = r
		}
	}
	if recent == nil {
		return core.Signal{}, core.ErrNoSignal
	}

	name := recent.PackageName
	if f.labeler != nil {
		if label, ok := f.labeler.Label(recent.PackageName); ok && label != "" {
			name = label
		}
	}

	return core.Signal{
		Kind: core.KindForeground,
		Foreground: &core.ForegroundApp{
			PackageName: recent.PackageName,
			AppName:     name,
			Timestamp:   now,
		},
	}, nil
}
