package sampler

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/wakeword"
)

// WakewordConfig holds detection constants
type WakewordConfig struct {
	Threshold      float64
	Cooldown       time.Duration
	SampleRate     int
	InferenceDelay time.Duration
}

// DefaultWakewordConfig returns threshold 0.8, 4 s cooldown, 1 s frames at 16 kHz
func DefaultWakewordConfig() WakewordConfig {
	return WakewordConfig{
		Threshold:      0.8,
		Cooldown:       4 * time.Second,
		SampleRate:     16000,
		InferenceDelay: 100 * time.Millisecond,
	}
}

// ModelLoader returns the classifier to score frames with
type ModelLoader func() (wakeword.Classifier, error)

// Wakeword listens for the wake phrase. Each Sample call is one activation:
// it returns on the first detection past the cooldown, or when ctx ends.
type Wakeword struct {
	audio AudioSource
	load  ModelLoader
	cfg   WakewordConfig
	now   Clock
	log   *logging.Logger

	mu         sync.Mutex
	classifier wakeword.Classifier
	disabled   error
	lastEmit   time.Time
}

// NewWakeword creates a wakeword sampler
func NewWakeword(audio AudioSource, load ModelLoader, cfg WakewordConfig) *Wakeword {
	return &Wakeword{
		audio: audio,
		load:  load,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.Component("sampler.wakeword"),
	}
}

// WithClock replaces the time source
func (w *Wakeword) WithClock(c Clock) *Wakeword {
	w.now = c
	return w
}

func (w *Wakeword) Kind() core.SignalKind { return core.KindWakeword }

// Disabled reports the error that permanently disabled the sampler, if any
func (w *Wakeword) Disabled() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disabled
}

// Sample runs one activation
func (w *Wakeword) Sample(ctx context.Context) (core.Signal, error) {
	classifier, err := w.model()
	if err != nil {
		return core.Signal{}, err
	}

	frame := make([]int16, w.cfg.SampleRate)

	for {
		if err := ctx.Err(); err != nil {
			return core.Signal{}, core.ErrNoSignal
		}

		n, err := w.audio.ReadFrame(ctx, frame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return core.Signal{}, core.ErrNoSignal
			}
			return core.Signal{}, err
		}

		if n > 0 {
			score := classifier.Score(frame[:n])
			now := w.now()

			if score > w.cfg.Threshold && w.cooledDown(now) {
				w.mu.Lock()
				w.lastEmit = now
				w.mu.Unlock()

				return core.Signal{
					Kind:     core.KindWakeword,
					Wakeword: &core.WakewordScore{Confidence: score, Timestamp: now},
				}, nil
			}
		}

		if w.cfg.InferenceDelay > 0 {
			select {
			case <-ctx.Done():
				return core.Signal{}, core.ErrNoSignal
			case <-time.After(w.cfg.InferenceDelay):
			}
		}
	}
}

func (w *Wakeword) cooledDown(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEmit.IsZero() || now.Sub(w.lastEmit) > w.cfg.Cooldown
}

// model loads the classifier once. A missing model disables the sampler
// until restart.
func (w *Wakeword) model() (wakeword.Classifier, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled != nil {
		return nil, w.disabled
	}
	if w.classifier != nil {
		return w.classifier, nil
	}

	c, err := w.load()
	if err != nil {
		if errors.Is(err, core.ErrModelUnavailable) {
			w.disabled = err
			w.log.Warn("Wakeword disabled: %v", err)
		}
		return nil, err
	}
	w.classifier = c
	return c, nil
}
