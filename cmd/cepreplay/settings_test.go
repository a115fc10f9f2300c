package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, s.Store.Backend)
	assert.Equal(t, 4, s.Engine.Workers)
	assert.Equal(t, 256, s.Engine.QueueSize)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "text", s.Log.Format)
	assert.Empty(t, s.Metrics.Addr)
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pattern: patterns/fraud.yaml
store:
  backend: sqlite
  path: /tmp/state.db
engine:
  workers: 2
  continue_after_match: true
log:
  level: debug
`), 0o600))

	t.Setenv("STREAMCEP_ENGINE__WORKERS", "8")
	t.Setenv("STREAMCEP_LOG__FORMAT", "json")

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "patterns/fraud.yaml", s.Pattern)
	assert.Equal(t, BackendSQLite, s.Store.Backend)
	assert.Equal(t, "/tmp/state.db", s.Store.Path)
	assert.Equal(t, 8, s.Engine.Workers, "env wins over file")
	assert.True(t, s.Engine.ContinueAfterMatch)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 256, s.Engine.QueueSize, "defaults fill the gaps")
}

func TestLoadSettings_MissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSettings_Validate(t *testing.T) {
	valid := func() *Settings {
		s, err := LoadSettings("")
		require.NoError(t, err)
		s.Pattern = "p.yaml"
		return s
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no pattern", func(s *Settings) { s.Pattern = "" }, "pattern is required"},
		{"bad backend", func(s *Settings) { s.Store.Backend = "redis" }, `store.backend "redis"`},
		{"sqlite without path", func(s *Settings) { s.Store.Backend = BackendSQLite }, "store.path is required"},
		{"no workers", func(s *Settings) { s.Engine.Workers = 0 }, "engine.workers"},
		{"negative queue", func(s *Settings) { s.Engine.QueueSize = -1 }, "engine.queue_size"},
		{"negative cap", func(s *Settings) { s.Engine.MaxRunsPerKey = -1 }, "engine.max_runs_per_key"},
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }, `log.level "loud"`},
		{"bad format", func(s *Settings) { s.Log.Format = "xml" }, `log.format "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.ErrorContains(t, s.Validate(), tt.want)
		})
	}
}
