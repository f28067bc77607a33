// Package config handles Neura configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env file
// in the working directory, then NEURA_* environment variables. Nested keys
// use a double underscore in the environment, e.g. NEURA_PIPELINE__SENSOR_INTERVAL=60s.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "NEURA_"

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `koanf:"data_dir"`

	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Wakeword  WakewordConfig  `koanf:"wakeword"`
	SOS       SOSConfig       `koanf:"sos"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig for the local control API
type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"cors_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig for the remote event backend
type BackendConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
	// MinSpacing is the smallest gap allowed between two sends to the same
	// endpoint. Zero disables the limiter.
	MinSpacing time.Duration `koanf:"min_spacing"`

	// Secrets. Only read from the environment, never saved.
	DeviceID        string `koanf:"device_id"`
	AuthToken       string `koanf:"auth_token"`
	TokenPassphrase string `koanf:"token_passphrase"`
}

// PipelineConfig holds per-kind schedule and throttle values
type PipelineConfig struct {
	LocationInterval   time.Duration `koanf:"location_interval"`
	LocationFreshness  time.Duration `koanf:"location_freshness"`
	FixTimeout         time.Duration `koanf:"fix_timeout"`
	TravelDistanceKm   float64       `koanf:"travel_distance_km"`
	TravelWindow       time.Duration `koanf:"travel_window"`
	ForegroundInterval time.Duration `koanf:"foreground_interval"`
	ForegroundLookback time.Duration `koanf:"foreground_lookback"`
	SensorInterval     time.Duration `koanf:"sensor_interval"`
	HistorySize        int           `koanf:"history_size"`
}

// WakewordConfig for the on-device classifier
type WakewordConfig struct {
	ModelPath      string        `koanf:"model_path"`
	Threshold      float64       `koanf:"threshold"`
	Cooldown       time.Duration `koanf:"cooldown"`
	SampleRate     int           `koanf:"sample_rate"`
	InferenceDelay time.Duration `koanf:"inference_delay"`
}

// SOSConfig for the escalation countdown
type SOSConfig struct {
	Countdown          time.Duration `koanf:"countdown"`
	CountdownScreenOff time.Duration `koanf:"countdown_screen_off"`
}

// LogConfig for logging
type LogConfig struct {
	Level string `koanf:"level"`
}

// TelemetryConfig for tracing
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".neura"),
		Server: ServerConfig{
			Host: "localhost",
			Port: 8787,
		},
		Backend: BackendConfig{
			BaseURL: "https://api.neura.local",
			Timeout: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			LocationInterval:   15 * time.Minute,
			LocationFreshness:  5 * time.Minute,
			FixTimeout:         30 * time.Second,
			TravelDistanceKm:   100,
			TravelWindow:       6 * time.Hour,
			ForegroundInterval: 10 * time.Second,
			ForegroundLookback: 10 * time.Second,
			SensorInterval:     90 * time.Second,
			HistorySize:        20,
		},
		Wakeword: WakewordConfig{
			ModelPath:      filepath.Join(home, ".neura", "wakeword.json"),
			Threshold:      0.8,
			Cooldown:       4 * time.Second,
			SampleRate:     16000,
			InferenceDelay: 100 * time.Millisecond,
		},
		SOS: SOSConfig{
			Countdown:          5 * time.Second,
			CountdownScreenOff: 8 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "neura",
		},
	}
}

// DefaultPath returns the config file location inside dataDir
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load loads config from file and environment, falling back to defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env only seeds the process environment; real env vars win.
	_ = godotenv.Load()

	k := koanf.New(".")

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})

	// data_dir may come from the environment and decides the default file path
	if path == "" {
		if err := k.Load(envProvider, nil); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
		dataDir := cfg.DataDir
		if k.String("data_dir") != "" {
			dataDir = k.String("data_dir")
		}
		path = DefaultPath(dataDir)
		k = koanf.New(".")
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("config: data_dir is empty")
	case c.Pipeline.LocationInterval <= 0, c.Pipeline.ForegroundInterval <= 0, c.Pipeline.SensorInterval <= 0:
		return errors.New("config: pipeline intervals must be positive")
	case c.Pipeline.HistorySize <= 0:
		return errors.New("config: pipeline.history_size must be positive")
	case c.Wakeword.Threshold <= 0 || c.Wakeword.Threshold >= 1:
		return fmt.Errorf("config: wakeword.threshold %v out of (0,1)", c.Wakeword.Threshold)
	case c.Wakeword.SampleRate <= 0:
		return errors.New("config: wakeword.sample_rate must be positive")
	}
	return nil
}

// DBPath returns the SQLite database location
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "neura.db")
}

// Save saves config to file as YAML. Backend secrets are never written.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath(c.DataDir)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Parser().Marshal(c.toMap())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// toMap renders the persistable subset with durations as strings so the
// file round-trips through Load.
func (c *Config) toMap() map[string]interface{} {
	origins := make([]interface{}, 0, len(c.Server.CORSOrigins))
	for _, o := range c.Server.CORSOrigins {
		origins = append(origins, o)
	}

	return map[string]interface{}{
		"data_dir": c.DataDir,
		"server": map[string]interface{}{
			"host":         c.Server.Host,
			"port":         c.Server.Port,
			"cors_origins": origins,
		},
		"backend": map[string]interface{}{
			"base_url":    c.Backend.BaseURL,
			"timeout":     c.Backend.Timeout.String(),
			"min_spacing": c.Backend.MinSpacing.String(),
		},
		"pipeline": map[string]interface{}{
			"location_interval":   c.Pipeline.LocationInterval.String(),
			"location_freshness":  c.Pipeline.LocationFreshness.String(),
			"fix_timeout":         c.Pipeline.FixTimeout.String(),
			"travel_distance_km":  c.Pipeline.TravelDistanceKm,
			"travel_window":       c.Pipeline.TravelWindow.String(),
			"foreground_interval": c.Pipeline.ForegroundInterval.String(),
			"foreground_lookback": c.Pipeline.ForegroundLookback.String(),
			"sensor_interval":     c.Pipeline.SensorInterval.String(),
			"history_size":        c.Pipeline.HistorySize,
		},
		"wakeword": map[string]interface{}{
			"model_path":      c.Wakeword.ModelPath,
			"threshold":       c.Wakeword.Threshold,
			"cooldown":        c.Wakeword.Cooldown.String(),
			"sample_rate":     c.Wakeword.SampleRate,
			"inference_delay": c.Wakeword.InferenceDelay.String(),
		},
		"sos": map[string]interface{}{
			"countdown":            c.SOS.Countdown.String(),
			"countdown_screen_off": c.SOS.CountdownScreenOff.String(),
		},
		"log": map[string]interface{}{
			"level": c.Log.Level,
		},
		"telemetry": map[string]interface{}{
			"enabled":      c.Telemetry.Enabled,
			"service_name": c.Telemetry.ServiceName,
		},
	}
}
