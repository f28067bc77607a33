// Package wakeword scores one-second audio frames for the wake phrase.
//
// The model is a small logistic classifier over per-segment RMS energy,
// stored as JSON:
//
//	{"segments": 8, "weights": [...8 floats...], "bias": -3.2}
package wakeword

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/neura/neura/internal/core"
)

// Classifier scores a PCM frame; higher means more likely the wake phrase
type Classifier interface {
	Score(frame []int16) float64
}

// Model is a logistic classifier over segment energies
type Model struct {
	Segments int       `json:"segments"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

// Load reads a model file. A missing file yields core.ErrModelUnavailable.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrModelUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", core.ErrModelUnavailable, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrModelUnavailable, err)
	}
	return &m, nil
}

// Validate checks the model shape
func (m *Model) Validate() error {
	if m.Segments <= 0 {
		return errors.New("segments must be positive")
	}
	if len(m.Weights) != m.Segments {
		return fmt.Errorf("got %d weights for %d segments", len(m.Weights), m.Segments)
	}
	return nil
}

// Score returns the wake-phrase probability for frame in [0,1]
func (m *Model) Score(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	z := m.Bias
	for i, e := range Features(frame, m.Segments) {
		z += m.Weights[i] * e
	}
	return sigmoid(z)
}

// Features splits frame into n equal segments and returns each segment's
// RMS amplitude normalized to [0,1].
func Features(frame []int16, n int) []float64 {
	out := make([]float64, n)
	if n <= 0 || len(frame) == 0 {
		return out
	}

	seg := len(frame) / n
	if seg == 0 {
		seg = 1
	}

	for i := 0; i < n; i++ {
		start := i * seg
		if start >= len(frame) {
			break
		}
		end := start + seg
		if i == n-1 || end > len(frame) {
			end = len(frame)
		}

		var sum float64
		for _, s := range frame[start:end] {
			v := float64(s) / 32768.0
			sum += v * v
		}
		out[i] = math.Sqrt(sum / float64(end-start))
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
