package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides: STREAMCEP_STORE__BACKEND=sqlite
// sets store.backend.
const EnvPrefix = "STREAMCEP_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

var backends = []string{BackendMemory, BackendSQLite, BackendBadger}

// Settings is the replay configuration.
type Settings struct {
	Pattern string          `koanf:"pattern"`
	Store   StoreSettings   `koanf:"store"`
	Engine  EngineSettings  `koanf:"engine"`
	Log     LogSettings     `koanf:"log"`
	Metrics MetricsSettings `koanf:"metrics"`
}

// StoreSettings selects where run state is kept.
type StoreSettings struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// EngineSettings tunes the worker pool.
type EngineSettings struct {
	Workers            int  `koanf:"workers"`
	QueueSize          int  `koanf:"queue_size"`
	MaxRunsPerKey      int  `koanf:"max_runs_per_key"`
	ContinueAfterMatch bool `koanf:"continue_after_match"`
}

// LogSettings configures slog.
type LogSettings struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// MetricsSettings configures the Prometheus endpoint. An empty address
// disables metrics.
type MetricsSettings struct {
	Addr string `koanf:"addr"`
}

var defaults = map[string]any{
	"store.backend":               BackendMemory,
	"store.path":                  "",
	"engine.workers":              4,
	"engine.queue_size":           256,
	"engine.max_runs_per_key":     0,
	"engine.continue_after_match": false,
	"log.level":                   "info",
	"log.format":                  "text",
	"metrics.addr":                "",
}

// LoadSettings layers defaults, the optional YAML file at path, and
// STREAMCEP_ environment variables, in that order.
func LoadSettings(path string) (*Settings, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}

// Validate reports every invalid setting.
func (s *Settings) Validate() error {
	var errs []error
	if s.Pattern == "" {
		errs = append(errs, errors.New("pattern is required"))
	}
	if !slices.Contains(backends, s.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q: must be one of %v", s.Store.Backend, backends))
	}
	if s.Store.Backend == BackendSQLite && s.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required for sqlite"))
	}
	if s.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be at least 1, got %d", s.Engine.Workers))
	}
	if s.Engine.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("engine.queue_size must not be negative, got %d", s.Engine.QueueSize))
	}
	if s.Engine.MaxRunsPerKey < 0 {
		errs = append(errs, fmt.Errorf("engine.max_runs_per_key must not be negative, got %d", s.Engine.MaxRunsPerKey))
	}
	if _, err := s.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if s.Log.Format != "text" && s.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", s.Log.Format))
	}
	return errors.Join(errs...)
}

func (l LogSettings) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
