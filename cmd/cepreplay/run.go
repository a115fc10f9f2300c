package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/streamcep/pkg/cep"
	"github.com/randalmurphal/streamcep/pkg/cep/dsl"
	"github.com/randalmurphal/streamcep/pkg/cep/observability"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Backend   string
	StorePath string
	Workers   int
	Metrics   string
}

// InputRecord is one line of an input file.
type InputRecord struct {
	Key   string    `json:"key"`
	Time  time.Time `json:"ts"`
	Topic string    `json:"topic,omitempty"`
	Value dsl.Event `json:"value"`
}

// OutputEvent is one matched event in the output.
type OutputEvent struct {
	Stage string    `json:"stage"`
	Time  time.Time `json:"ts"`
	Value dsl.Event `json:"value"`
}

// OutputMatch is one output line.
type OutputMatch struct {
	Pattern    string                     `json:"pattern"`
	Key        string                     `json:"key"`
	Events     []OutputEvent              `json:"events"`
	Aggregates map[string]decimal.Decimal `json:"aggregates,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [flags] FILE...",
		Short: "Replay JSON-lines event files through a pattern",
		Long: `Replay JSON-lines event files through a pattern.

Each input line is {"key": ..., "ts": RFC3339, "topic": ..., "value": {...}}.
The topic defaults to the file name. Files are read in order; "-" reads
standard input. Matches are written to standard output as JSON lines.`,
		Example: `  cepreplay run -p patterns/card-testing.yaml events.jsonl
  cepreplay run -c replay.yaml --backend sqlite --store-path state.db day1.jsonl day2.jsonl`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.settings()
			if err != nil {
				return err
			}
			opts.apply(cmd, s)
			if err := s.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}
			return runReplay(cmd.Context(), s, args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "", "state backend (memory|sqlite|badger)")
	cmd.Flags().StringVar(&opts.StorePath, "store-path", "", "state database path")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "number of workers")
	cmd.Flags().StringVar(&opts.Metrics, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// apply overrides settings with the flags that were set.
func (o *RunOptions) apply(cmd *cobra.Command, s *Settings) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		s.Store.Backend = o.Backend
	}
	if flags.Changed("store-path") {
		s.Store.Path = o.StorePath
	}
	if flags.Changed("workers") {
		s.Engine.Workers = o.Workers
	}
	if flags.Changed("metrics-addr") {
		s.Metrics.Addr = o.Metrics
	}
}

func runReplay(ctx context.Context, s *Settings, files []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(s.Log, stderr)
	if err != nil {
		return err
	}

	stages, err := compilePattern(s.Pattern, logger)
	if err != nil {
		return err
	}

	opts := []cep.Option{
		cep.WithLogger(logger),
		cep.WithQueueSize(s.Engine.QueueSize),
		cep.WithMaxRunsPerKey(s.Engine.MaxRunsPerKey),
	}
	if s.Engine.ContinueAfterMatch {
		opts = append(opts, cep.WithContinueAfterMatch())
	}
	if s.Metrics.Addr != "" {
		ms, err := startMetrics(s.Metrics.Addr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, ms.Shutdown(shutdownCtx))
		}()
		opts = append(opts, cep.WithMetrics(observability.NewMetricsRecorder()))
	}

	store, err := openStore(s.Store, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.Store.Backend, err)
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	sink := &jsonSink{enc: json.NewEncoder(stdout)}
	pool, err := cep.NewPool(stages, store, sink, s.Engine.Workers, opts...)
	if err != nil {
		return err
	}

	var read atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		defer pool.Close()
		for _, name := range files {
			n, err := submitFile(gctx, pool, name, stdin)
			read.Add(int64(n))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("replay complete",
		slog.String("pattern", stages.Pattern()),
		slog.Int64("records", read.Load()),
		slog.Int64("matches", sink.count.Load()),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
	)
	return nil
}

// submitFile feeds every record of one input file to the pool and returns
// how many were submitted.
func submitFile(ctx context.Context, pool *cep.Pool[dsl.Event], name string, stdin io.Reader) (int, error) {
	var r io.Reader = stdin
	topic := "stdin"
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
		topic = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var in InputRecord
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			return n, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if in.Time.IsZero() {
			return n, fmt.Errorf("%s:%d: ts is required", name, line)
		}
		if in.Topic == "" {
			in.Topic = topic
		}
		rec := cep.Record[dsl.Event]{Key: in.Key, Value: in.Value, Timestamp: in.Time, Topic: in.Topic}
		if err := pool.Submit(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", name, err)
	}
	return n, nil
}

// jsonSink writes matches as JSON lines. The pool calls it from a single
// goroutine.
type jsonSink struct {
	enc   *json.Encoder
	count atomic.Int64
}

func (s *jsonSink) Forward(_ context.Context, m cep.Match[dsl.Event]) error {
	out := OutputMatch{Pattern: m.Pattern, Key: m.Key, Aggregates: m.Aggregates}
	for _, e := range m.Events {
		out.Events = append(out.Events, OutputEvent{Stage: e.Stage, Time: e.Timestamp, Value: e.Value})
	}
	s.count.Add(1)
	return s.enc.Encode(out)
}
