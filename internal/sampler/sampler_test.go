package sampler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/wakeword"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeLocation struct {
	last     *core.LocationFix
	lastErr  error
	fix      core.LocationFix
	fixErr   error
	block    bool
	fixCalls int
}

func (f *fakeLocation) LastKnown(ctx context.Context) (*core.LocationFix, error) {
	return f.last, f.lastErr
}

func (f *fakeLocation) RequestFix(ctx context.Context) (core.LocationFix, error) {
	f.fixCalls++
	if f.block {
		<-ctx.Done()
		return core.LocationFix{}, ctx.Err()
	}
	return f.fix, f.fixErr
}

type fakeUsage struct {
	records  []UsageRecord
	err      error
	from, to time.Time
}

func (f *fakeUsage) QueryUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	f.from, f.to = from, to
	return f.records, f.err
}

type fakeLabeler map[string]string

func (f fakeLabeler) Label(pkg string) (string, bool) {
	v, ok := f[pkg]
	return v, ok
}

// scriptedAudio returns frames whose first sample carries a score hint
type scriptedAudio struct {
	mu     sync.Mutex
	frames [][]int16
	reads  int
}

func (a *scriptedAudio) ReadFrame(ctx context.Context, buf []int16) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reads >= len(a.frames) {
		return 0, context.Canceled
	}
	n := copy(buf, a.frames[a.reads])
	a.reads++
	return n, nil
}

// firstSampleClassifier scores a frame by its first sample / 100
type firstSampleClassifier struct{}

func (firstSampleClassifier) Score(frame []int16) float64 {
	return float64(frame[0]) / 100
}

func frameScoring(score int16) []int16 { return []int16{score, 0, 0, 0} }

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// Location Tests
// =============================================================================

func TestLocation_FreshLastKnown(t *testing.T) {
	now := time.Now()
	p := &fakeLocation{last: &core.LocationFix{Lat: 1, Lon: 2, Timestamp: now.Add(-time.Minute)}}

	sig, err := NewLocation(p, DefaultLocationConfig()).WithClock(func() time.Time { return now }).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if sig.Kind != core.KindLocation || sig.Location.Lat != 1 {
		t.Errorf("Sample() = %+v", sig)
	}
	if p.fixCalls != 0 {
		t.Error("fresh fix should not trigger RequestFix")
	}
}

func TestLocation_StaleRequestsFix(t *testing.T) {
	now := time.Now()
	p := &fakeLocation{
		last: &core.LocationFix{Lat: 1, Lon: 2, Timestamp: now.Add(-10 * time.Minute)},
		fix:  core.LocationFix{Lat: 3, Lon: 4},
	}

	sig, err := NewLocation(p, DefaultLocationConfig()).WithClock(func() time.Time { return now }).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if sig.Location.Lat != 3 || !sig.Location.Timestamp.Equal(now) {
		t.Errorf("Sample() = %+v, want new fix stamped now", sig.Location)
	}
	if p.fixCalls != 1 {
		t.Errorf("RequestFix calls = %d, want 1", p.fixCalls)
	}
}

func TestLocation_FixTimeout(t *testing.T) {
	p := &fakeLocation{block: true}
	cfg := LocationConfig{Freshness: time.Minute, FixTimeout: 20 * time.Millisecond}

	start := time.Now()
	_, err := NewLocation(p, cfg).Sample(context.Background())
	if !errors.Is(err, core.ErrNoSignal) {
		t.Errorf("Sample() error = %v, want ErrNoSignal", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sample() did not respect FixTimeout")
	}
}

func TestLocation_PermissionDenied(t *testing.T) {
	p := &fakeLocation{lastErr: core.ErrPermissionDenied}

	_, err := NewLocation(p, DefaultLocationConfig()).Sample(context.Background())
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("Sample() error = %v, want ErrPermissionDenied", err)
	}
	if p.fixCalls != 0 {
		t.Error("denied permission should not request a fix")
	}
}

// =============================================================================
// Foreground Tests
// =============================================================================

func TestForeground_MostRecent(t *testing.T) {
	now := time.Now()
	usage := &fakeUsage{records: []UsageRecord{
		{PackageName: "com.spotify.music", LastUsed: now.Add(-8 * time.Second)},
		{PackageName: "com.whatsapp", LastUsed: now.Add(-2 * time.Second)},
		{PackageName: "", LastUsed: now},
	}}
	labels := fakeLabeler{"com.whatsapp": "WhatsApp"}

	sig, err := NewForeground(usage, labels, 10*time.Second).WithClock(func() time.Time { return now }).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if sig.Foreground.PackageName != "com.whatsapp" || sig.Foreground.AppName != "WhatsApp" {
		t.Errorf("Sample() = %+v", sig.Foreground)
	}
	if got := now.Sub(usage.from); got != 10*time.Second {
		t.Errorf("lookback = %v, want 10s", got)
	}
}

func TestForeground_NoLabelFallsBackToPackage(t *testing.T) {
	usage := &fakeUsage{records: []UsageRecord{{PackageName: "org.example", LastUsed: time.Now()}}}

	sig, err := NewForeground(usage, nil, 0).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if sig.Foreground.AppName != "org.example" {
		t.Errorf("AppName = %q", sig.Foreground.AppName)
	}
}

func TestForeground_NoRecords(t *testing.T) {
	_, err := NewForeground(&fakeUsage{}, nil, 0).Sample(context.Background())
	if !errors.Is(err, core.ErrNoSignal) {
		t.Errorf("Sample() error = %v, want ErrNoSignal", err)
	}

	_, err = NewForeground(&fakeUsage{err: core.ErrPermissionDenied}, nil, 0).Sample(context.Background())
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("Sample() error = %v, want ErrPermissionDenied", err)
	}
}

// =============================================================================
// Sensor Tests
// =============================================================================

func TestSensor_FlushWithoutReadings(t *testing.T) {
	s := NewSensor(nil)

	sig, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	snap := sig.Sensor
	if snap == nil {
		t.Fatal("Sample() returned no snapshot")
	}
	if snap.Light != nil || snap.Proximity != nil || snap.Battery != nil || snap.Accel != nil {
		t.Errorf("absent sensors should be nil: %+v", snap)
	}
	if snap.Motion != core.MotionStationary || snap.Screen != "unknown" {
		t.Errorf("defaults = motion %q screen %q", snap.Motion, snap.Screen)
	}
}

func TestSensor_Aggregation(t *testing.T) {
	s := NewSensor(nil)

	s.Observe(SensorEvent{Type: SensorLight, Values: []float64{120}})
	s.Observe(SensorEvent{Type: SensorLight, Values: []float64{80}})
	s.Observe(SensorEvent{Type: SensorProximity, Values: []float64{0}, MaxRange: 5})
	s.Observe(SensorEvent{Type: SensorBattery, Level: 45, Scale: 50, Status: BatteryFull})
	s.Observe(SensorEvent{Type: SensorScreen, On: true})
	s.Observe(SensorEvent{Type: SensorWifi, On: true})
	s.Observe(SensorEvent{Type: SensorAccelerometer, Values: []float64{0, 0, 9.8}})

	sig, _ := s.Sample(context.Background())
	snap := sig.Sensor

	if snap.Light == nil || *snap.Light != 80 {
		t.Errorf("Light = %v, want latest 80", snap.Light)
	}
	if snap.Proximity == nil || *snap.Proximity != "near" || *snap.ProximityRaw != 0 {
		t.Errorf("Proximity = %v", snap.Proximity)
	}
	if snap.Battery == nil || *snap.Battery != 90 || !snap.Charging {
		t.Errorf("Battery = %v charging = %v", snap.Battery, snap.Charging)
	}
	if snap.Screen != "on" || !snap.WifiConnected || snap.BluetoothConnected {
		t.Errorf("system state = %+v", snap)
	}
	if snap.Motion != core.MotionStationary {
		t.Error("resting device reported as moving")
	}
}

func TestSensor_MovementIsStickyUntilFlush(t *testing.T) {
	s := NewSensor(nil)

	s.Observe(SensorEvent{Type: SensorAccelerometer, Values: []float64{0, 0, 15}})
	s.Observe(SensorEvent{Type: SensorAccelerometer, Values: []float64{0, 0, 9.81}})

	first, _ := s.Sample(context.Background())
	if first.Sensor.Motion != core.MotionMoving {
		t.Error("movement between flushes should be reported")
	}
	if first.Sensor.Accel.Z != 9.81 {
		t.Errorf("Accel = %+v, want latest", first.Sensor.Accel)
	}

	second, _ := s.Sample(context.Background())
	if second.Sensor.Motion != core.MotionStationary {
		t.Error("movement flag should reset after flush")
	}
}

func TestSensor_ProximityFarAndBadBattery(t *testing.T) {
	s := NewSensor(nil)
	s.Observe(SensorEvent{Type: SensorProximity, Values: []float64{5}, MaxRange: 5})
	s.Observe(SensorEvent{Type: SensorBattery, Level: 50, Scale: 0, Status: BatteryDischarging})

	sig, _ := s.Sample(context.Background())
	if *sig.Sensor.Proximity != "far" {
		t.Errorf("Proximity = %q, want far", *sig.Sensor.Proximity)
	}
	if sig.Sensor.Battery != nil || sig.Sensor.Charging {
		t.Error("unknown scale should leave battery nil")
	}
}

type chanSource struct{ ch chan SensorEvent }

func (c chanSource) Events(ctx context.Context) (<-chan SensorEvent, error) { return c.ch, nil }

func TestSensor_Run(t *testing.T) {
	src := chanSource{ch: make(chan SensorEvent)}
	s := NewSensor(src)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	src.ch <- SensorEvent{Type: SensorBluetooth, On: true}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sig, _ := s.Sample(context.Background())
	if !sig.Sensor.BluetoothConnected {
		t.Error("event from source was not observed")
	}
}

// =============================================================================
// Wakeword Tests
// =============================================================================

func loader(c wakeword.Classifier, err error) ModelLoader {
	return func() (wakeword.Classifier, error) { return c, err }
}

func testWakewordConfig() WakewordConfig {
	cfg := DefaultWakewordConfig()
	cfg.SampleRate = 4
	cfg.InferenceDelay = 0
	return cfg
}

func TestWakeword_EmitsOnFirstHighScore(t *testing.T) {
	audio := &scriptedAudio{frames: [][]int16{frameScoring(10), frameScoring(50), frameScoring(95), frameScoring(99)}}
	w := NewWakeword(audio, loader(firstSampleClassifier{}, nil), testWakewordConfig())

	sig, err := w.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if sig.Wakeword.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95", sig.Wakeword.Confidence)
	}
	if audio.reads != 3 {
		t.Errorf("frames read = %d, want 3 (one-shot)", audio.reads)
	}
}

// endedAudio is a source whose stream has already ended
type endedAudio struct{ reads int }

func (a *endedAudio) ReadFrame(ctx context.Context, buf []int16) (int, error) {
	a.reads++
	return 0, io.EOF
}

func TestWakeword_EndedStreamStopsListening(t *testing.T) {
	audio := &endedAudio{}
	cfg := testWakewordConfig()
	cfg.InferenceDelay = time.Hour
	w := NewWakeword(audio, loader(firstSampleClassifier{}, nil), cfg)

	done := make(chan error, 1)
	go func() {
		_, err := w.Sample(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, core.ErrNoSignal) {
			t.Errorf("Sample() error = %v, want ErrNoSignal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sample() kept polling an ended stream")
	}
	if audio.reads != 1 {
		t.Errorf("reads = %d, want 1", audio.reads)
	}
}

func TestWakeword_ThresholdIsExclusive(t *testing.T) {
	audio := &scriptedAudio{frames: [][]int16{frameScoring(80)}}
	w := NewWakeword(audio, loader(firstSampleClassifier{}, nil), testWakewordConfig())

	if _, err := w.Sample(context.Background()); !errors.Is(err, core.ErrNoSignal) {
		t.Errorf("score equal to threshold emitted, err = %v", err)
	}
}

func TestWakeword_CooldownAcrossActivations(t *testing.T) {
	clock := &manualClock{t: time.Now()}
	audio := &scriptedAudio{frames: [][]int16{frameScoring(90), frameScoring(90), frameScoring(90)}}
	w := NewWakeword(audio, loader(firstSampleClassifier{}, nil), testWakewordConfig()).WithClock(clock.Now)

	if _, err := w.Sample(context.Background()); err != nil {
		t.Fatalf("first activation error = %v", err)
	}

	// Two more trigger-worthy frames within 4 s of the first
	clock.Advance(2 * time.Second)
	_, err := w.Sample(context.Background())
	if !errors.Is(err, core.ErrNoSignal) {
		t.Errorf("second activation within cooldown error = %v, want ErrNoSignal", err)
	}
	if audio.reads != 3 {
		t.Errorf("frames read = %d, want all 3", audio.reads)
	}
}

func TestWakeword_CooldownElapsed(t *testing.T) {
	clock := &manualClock{t: time.Now()}
	audio := &scriptedAudio{frames: [][]int16{frameScoring(90), frameScoring(90)}}
	w := NewWakeword(audio, loader(firstSampleClassifier{}, nil), testWakewordConfig()).WithClock(clock.Now)

	w.Sample(context.Background())
	clock.Advance(5 * time.Second)
	if _, err := w.Sample(context.Background()); err != nil {
		t.Errorf("activation after cooldown error = %v", err)
	}
}

func TestWakeword_MissingModelDisablesPermanently(t *testing.T) {
	calls := 0
	load := func() (wakeword.Classifier, error) {
		calls++
		return nil, core.ErrModelUnavailable
	}
	w := NewWakeword(&scriptedAudio{}, load, testWakewordConfig())

	for i := 0; i < 3; i++ {
		if _, err := w.Sample(context.Background()); !errors.Is(err, core.ErrModelUnavailable) {
			t.Errorf("Sample() error = %v, want ErrModelUnavailable", err)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
	if w.Disabled() == nil {
		t.Error("Disabled() should report the load error")
	}
}

func TestWakeword_CancelledContext(t *testing.T) {
	w := NewWakeword(&scriptedAudio{}, loader(firstSampleClassifier{}, nil), testWakewordConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Sample(ctx); !errors.Is(err, core.ErrNoSignal) {
		t.Errorf("Sample() error = %v, want ErrNoSignal", err)
	}
}
