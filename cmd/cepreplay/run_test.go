package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

const pattern = `
name: login-burst
skip: skip_till_next
aggregates:
  - name: failures
    function: count
stages:
  - name: failed
    where: outcome == 'failure'
    times: 2
    aggregates: failures
  - name: success
    where: outcome == 'success'
`

const events = `{"key": "alice", "ts": "2024-05-01T09:00:00Z", "value": {"outcome": "failure"}}
{"key": "bob", "ts": "2024-05-01T09:00:01Z", "value": {"outcome": "failure"}}
{"key": "alice", "ts": "2024-05-01T09:00:02Z", "value": {"outcome": "failure"}}

{"key": "alice", "ts": "2024-05-01T09:00:03Z", "value": {"outcome": "success"}}
{"key": "bob", "ts": "2024-05-01T09:00:04Z", "value": {"outcome": "success"}}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decodeMatches(t *testing.T, out string) []OutputMatch {
	t.Helper()
	var matches []OutputMatch
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var m OutputMatch
		err := dec.Decode(&m)
		if err == io.EOF {
			return matches
		}
		require.NoError(t, err)
		matches = append(matches, m)
	}
}

func TestRun_Backends(t *testing.T) {
	for _, backend := range []string{BackendMemory, BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			p := writeFile(t, dir, "pattern.yaml", pattern)
			in := writeFile(t, dir, "logins.jsonl", events)

			args := []string{"run", "-p", p, "--backend", backend, "-w", "2", in}
			if backend != BackendMemory {
				args = append(args, "--store-path", filepath.Join(dir, "state"))
			}
			out, _, err := execute(t, "", args...)
			require.NoError(t, err)

			matches := decodeMatches(t, out)
			require.Len(t, matches, 1)
			m := matches[0]
			assert.Equal(t, "login-burst", m.Pattern)
			assert.Equal(t, "alice", m.Key)
			require.Len(t, m.Events, 3)
			assert.Equal(t, "failed", m.Events[0].Stage)
			assert.Equal(t, "success", m.Events[2].Stage)
			assert.Equal(t, "2", m.Aggregates["failures"].String())
		})
	}
}

func TestRun_ResumesFromSQLite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pattern.yaml", pattern)
	lines := strings.Split(strings.TrimSpace(events), "\n")
	first := writeFile(t, dir, "logins.jsonl", strings.Join(lines[:3], "\n"))
	db := filepath.Join(dir, "state.db")

	out, _, err := execute(t, "", "run", "-p", p, "--backend", "sqlite", "--store-path", db, first)
	require.NoError(t, err)
	assert.Empty(t, decodeMatches(t, out))

	// Same topic, so the replayed prefix is dropped by the watermark.
	second := writeFile(t, t.TempDir(), "logins.jsonl", events)
	out, _, err = execute(t, "", "run", "-p", p, "--backend", "sqlite", "--store-path", db, second)
	require.NoError(t, err)
	require.Len(t, decodeMatches(t, out), 1)
}

func TestRun_Stdin(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pattern.yaml", pattern)

	out, _, err := execute(t, events, "run", "-p", p, "-")
	require.NoError(t, err)
	assert.Len(t, decodeMatches(t, out), 1)
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pattern.yaml", pattern)
	cfg := writeFile(t, dir, "replay.yaml", "pattern: "+p+"\nengine:\n  workers: 1\nlog:\n  format: json\n  level: debug\n")
	in := writeFile(t, dir, "logins.jsonl", events)

	out, stderr, err := execute(t, "", "run", "-c", cfg, in)
	require.NoError(t, err)
	assert.Len(t, decodeMatches(t, out), 1)
	assert.Contains(t, stderr, `"msg":"replay complete"`)
	assert.Contains(t, stderr, `"msg":"pattern compiled"`)
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pattern.yaml", pattern)
	in := writeFile(t, dir, "logins.jsonl", events)

	_, _, err := execute(t, "", "run", in)
	assert.ErrorContains(t, err, "pattern is required")

	_, _, err = execute(t, "", "run", "-p", p, "--backend", "redis", in)
	assert.ErrorContains(t, err, "store.backend")

	bad := writeFile(t, dir, "bad.jsonl", "{\"key\": \"a\", \"ts\": \"2024-05-01T09:00:00Z\", \"value\": {}}\nnot json\n")
	_, _, err = execute(t, "", "run", "-p", p, bad)
	assert.ErrorContains(t, err, "bad.jsonl:2")

	noTS := writeFile(t, dir, "nots.jsonl", `{"key": "a", "value": {}}`)
	_, _, err = execute(t, "", "run", "-p", p, noTS)
	assert.ErrorContains(t, err, "ts is required")

	broken := writeFile(t, dir, "broken.yaml", "name: broken\nstages:\n  - name: a\n  - name: b\n    negated: true\n")
	_, _, err = execute(t, "", "run", "-p", broken, in)
	assert.ErrorContains(t, err, "invalid negation")

	_, _, err = execute(t, "", "run", "-p", p)
	assert.Error(t, err, "needs at least one file")
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pattern.yaml", pattern)

	out, stderr, err := execute(t, "", "check", "-p", p)
	require.NoError(t, err)
	assert.Contains(t, stderr, "pattern compiled")
	assert.Contains(t, out, "pattern login-burst (skip=skip_till_next")
	assert.Contains(t, out, "failed:1 [start]")
	assert.Contains(t, out, "failed:2")
	assert.Contains(t, out, "$final [final]")

	_, _, err = execute(t, "", "check")
	assert.ErrorContains(t, err, "pattern is required")
}

func TestStartMetrics(t *testing.T) {
	logger, err := newLogger(LogSettings{Level: "error", Format: "text"}, io.Discard)
	require.NoError(t, err)

	ms, err := startMetrics("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer func() { assert.NoError(t, ms.Shutdown(context.Background())) }()

	counter, err := otel.Meter("test").Int64Counter("replay.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	resp, err := http.Get("http://" + ms.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "replay_test_events")
}
