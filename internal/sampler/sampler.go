// Package sampler turns platform readings into typed signals.
//
// Samplers never fail loudly: a missing permission, an empty reading or a
// transient error comes back as an error the controller treats as "no signal
// this cycle". Platform access goes through the provider interfaces below.
package sampler

import (
	"context"
	"time"

	"github.com/neura/neura/internal/core"
)

// Sampler produces one signal on demand
type Sampler interface {
	Kind() core.SignalKind
	Sample(ctx context.Context) (core.Signal, error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// LocationProvider gives access to device location
type LocationProvider interface {
	// LastKnown returns the cached fix, or nil when there is none.
	LastKnown(ctx context.Context) (*core.LocationFix, error)
	// RequestFix blocks until a new fix arrives or ctx is done.
	RequestFix(ctx context.Context) (core.LocationFix, error)
}

// UsageRecord is one app usage entry
type UsageRecord struct {
	PackageName string    `json:"package_name"`
	LastUsed    time.Time `json:"last_used"`
}

// UsageStatsProvider lists apps used in a time window
type UsageStatsProvider interface {
	QueryUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error)
}

// AppLabeler resolves a package name to a display name
type AppLabeler interface {
	Label(packageName string) (string, bool)
}

// SensorSource streams raw sensor and system events
type SensorSource interface {
	Events(ctx context.Context) (<-chan SensorEvent, error)
}

// AudioSource reads mono 16-bit PCM
type AudioSource interface {
	// ReadFrame fills buf and returns the number of samples read. io.EOF
	// means the stream has ended.
	ReadFrame(ctx context.Context, buf []int16) (int, error)
}
