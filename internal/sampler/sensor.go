package sampler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
)

// Movement detection constants
const (
	StandardGravity = 9.80665
	AccelThreshold  = 2.2 // m/s² deviation from gravity counted as movement
)

// SensorType names a sensor or system state stream
type SensorType string

const (
	SensorLight         SensorType = "light"
	SensorProximity     SensorType = "proximity"
	SensorAccelerometer SensorType = "accelerometer"
	SensorBattery       SensorType = "battery"
	SensorScreen        SensorType = "screen"
	SensorWifi          SensorType = "wifi"
	SensorBluetooth     SensorType = "bluetooth"
)

// Battery statuses that count as charging
const (
	BatteryCharging    = "charging"
	BatteryFull        = "full"
	BatteryDischarging = "discharging"
)

// SensorEvent is one raw reading
type SensorEvent struct {
	Type   SensorType `json:"type"`
	Values []float64  `json:"values,omitempty"`

	// Proximity
	MaxRange float64 `json:"max_range,omitempty"`

	// Battery
	Level  int    `json:"level,omitempty"`
	Scale  int    `json:"scale,omitempty"`
	Status string `json:"status,omitempty"`

	// Screen, wifi, bluetooth
	On bool `json:"on,omitempty"`
}

// Sensor keeps the latest value per sensor between flushes
type Sensor struct {
	source SensorSource
	now    Clock
	log    *logging.Logger

	mu           sync.Mutex
	light        *float64
	proximity    *float64
	proxMaxRange float64
	accel        *core.Accel
	moved        bool
	battery      *int
	charging     bool
	screen       string
	wifi         bool
	bluetooth    bool
}

// NewSensor creates a sensor sampler. source may be nil when events are fed
// through Observe.
func NewSensor(source SensorSource) *Sensor {
	return &Sensor{
		source: source,
		now:    time.Now,
		log:    logging.Component("sampler.sensor"),
		screen: "unknown",
	}
}

// WithClock replaces the time source
func (s *Sensor) WithClock(c Clock) *Sensor {
	s.now = c
	return s
}

func (s *Sensor) Kind() core.SignalKind { return core.KindSensor }

// Run consumes events from the source until ctx is done
func (s *Sensor) Run(ctx context.Context) error {
	if s.source == nil {
		<-ctx.Done()
		return nil
	}

	events, err := s.source.Events(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Observe(ev)
		}
	}
}

// Observe records one event
func (s *Sensor) Observe(ev SensorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case SensorLight:
		if len(ev.Values) > 0 {
			v := ev.Values[0]
			s.light = &v
		}

	case SensorProximity:
		if len(ev.Values) > 0 {
			v := ev.Values[0]
			s.proximity = &v
			s.proxMaxRange = ev.MaxRange
		}

	case SensorAccelerometer:
		var x, y, z float64
		if len(ev.Values) > 0 {
			x = ev.Values[0]
		}
		if len(ev.Values) > 1 {
			y = ev.Values[1]
		}
		if len(ev.Values) > 2 {
			z = ev.Values[2]
		}
		s.accel = &core.Accel{X: x, Y: y, Z: z}
		magnitude := math.Sqrt(x*x + y*y + z*z)
		if math.Abs(magnitude-StandardGravity) > AccelThreshold {
			s.moved = true
		}

	case SensorBattery:
		if ev.Level >= 0 && ev.Scale > 0 {
			pct := ev.Level * 100 / ev.Scale
			s.battery = &pct
		} else {
			s.battery = nil
		}
		s.charging = ev.Status == BatteryCharging || ev.Status == BatteryFull

	case SensorScreen:
		if ev.On {
			s.screen = "on"
		} else {
			s.screen = "off"
		}

	case SensorWifi:
		s.wifi = ev.On

	case SensorBluetooth:
		s.bluetooth = ev.On

	default:
		s.log.Debug("Ignoring unknown sensor type %q", ev.Type)
	}
}

// Screen returns the last reported screen state: "on", "off" or "unknown"
func (s *Sensor) Screen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Sample flushes a snapshot and clears the movement flag. It always
// produces a signal; sensors that never reported are nil.
func (s *Sensor) Sample(ctx context.Context) (core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &core.SensorSnapshot{
		Light:              copyFloat(s.light),
		Motion:             core.MotionStationary,
		Battery:            copyInt(s.battery),
		Charging:           s.charging,
		Screen:             s.screen,
		WifiConnected:      s.wifi,
		BluetoothConnected: s.bluetooth,
		Timestamp:          s.now(),
	}

	if s.proximity != nil {
		raw := *s.proximity
		maxRange := s.proxMaxRange
		if maxRange <= 0 {
			maxRange = 1
		}
		state := "far"
		if raw < maxRange {
			state = "near"
		}
		snap.Proximity = &state
		snap.ProximityRaw = &raw
	}

	if s.moved {
		snap.Motion = core.MotionMoving
	}
	if s.accel != nil {
		a := *s.accel
		snap.Accel = &a
	}

	s.moved = false

	return core.Signal{Kind: core.KindSensor, Sensor: snap}, nil
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
