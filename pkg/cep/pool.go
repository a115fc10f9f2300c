package cep

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// Pool runs one pattern over several workers. Keys are routed to workers by
// PartitionFor, so every key is owned by exactly one worker and no state is
// shared between workers. Each worker keeps its buffer, aggregates and
// watermarks under its own bucket prefix in the shared store.
//
// Completed matches flow over one channel to a single sink goroutine, which
// calls the sink Forwarder. Matches of one key reach the sink in order.
type Pool[V any] struct {
	workers []*worker[V]
	matches chan Match[V]
	sink    Forwarder[V]

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type worker[V any] struct {
	id   int
	in   chan Record[V]
	proc *Processor[V]
}

// NewPool creates a pool of n workers and restores each worker's state from
// store.
func NewPool[V any](stages *Stages[V], store state.Store, sink Forwarder[V], n int, opts ...Option) (*Pool[V], error) {
	if n < 1 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", n)
	}
	if sink == nil {
		return nil, errors.New("pool needs a sink")
	}
	cfg := newConfig(opts)

	p := &Pool[V]{
		matches: make(chan Match[V], cfg.queueSize),
		sink:    sink,
		done:    make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		workerOpts := append(append([]Option{}, opts...), withPartition(i))
		proc, err := NewProcessor(stages, store, ForwarderFunc[V](p.send), workerOpts...)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", i, err)
		}
		p.workers = append(p.workers, &worker[V]{
			id:   i,
			in:   make(chan Record[V], cfg.queueSize),
			proc: proc,
		})
	}
	return p, nil
}

// send hands a match to the sink goroutine.
func (p *Pool[V]) send(ctx context.Context, m Match[V]) error {
	select {
	case p.matches <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (p *Pool[V]) Size() int { return len(p.workers) }

// Submit routes rec to the worker owning its key. It blocks while that
// worker's queue is full.
func (p *Pool[V]) Submit(ctx context.Context, rec Record[V]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	w := p.workers[PartitionFor(rec.Key, len(p.workers))]
	select {
	case w.in <- rec:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records. Run returns once every queued record has
// been processed and every match forwarded.
func (p *Pool[V]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.in)
	}
}

// Run processes records until Close is called and the queues drain, ctx is
// cancelled, or a worker or the sink fails. The first error cancels
// everything and is returned.
func (p *Pool[V]) Run(ctx context.Context) error {
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	var workers sync.WaitGroup
	for _, w := range p.workers {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return w.run(gctx)
		})
	}

	g.Go(func() error {
		workers.Wait()
		close(p.matches)
		return nil
	})

	g.Go(func() error {
		for m := range p.matches {
			if err := p.sink.Forward(gctx, m); err != nil {
				return fmt.Errorf("sink: %w", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (w *worker[V]) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-w.in:
			if !ok {
				return nil
			}
			if err := w.proc.Process(ctx, rec); err != nil {
				return fmt.Errorf("partition %d: %w", w.id, err)
			}
		}
	}
}
