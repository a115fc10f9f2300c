package main

import (
	"fmt"
	"log/slog"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// openStore opens the configured state backend. A badger store without a
// path runs in memory.
func openStore(s StoreSettings, logger *slog.Logger) (state.Store, error) {
	switch s.Backend {
	case BackendMemory:
		return state.NewMemoryStore(), nil
	case BackendSQLite:
		return state.NewSQLiteStore(s.Path)
	case BackendBadger:
		cfg := state.InMemoryBadgerConfig()
		if s.Path != "" {
			cfg = state.DefaultBadgerConfig(s.Path)
		}
		cfg.Logger = logger.With(slog.String("component", "badger"))
		return state.OpenBadgerStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.Backend)
	}
}
