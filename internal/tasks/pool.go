package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("task pool closed")

// Pool runs detached background tasks so callers are never blocked by them.
// Concurrency is bounded; when the pool is saturated a task is dropped and
// counted rather than queued. Errors and panics are logged, never lost.
type Pool struct {
	log     zerolog.Logger
	sem     *semaphore.Weighted
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	started   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
	succeeded atomic.Uint64
}

type Stats struct {
	Started   uint64 `json:"started"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// New creates a pool running at most size tasks at once, each bounded by
// timeout (0 disables the per-task deadline).
func New(size int, timeout time.Duration, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:     log.With().Str("comp", "tasks").Logger(),
		sem:     semaphore.NewWeighted(int64(size)),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit starts fn in the background. It returns ErrClosed after Close and
// an error when the pool is saturated.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if !p.sem.TryAcquire(1) {
		p.dropped.Add(1)
		p.log.Warn().Str("task", name).Msg("task pool saturated, dropping task")
		return fmt.Errorf("task %s: pool saturated", name)
	}

	p.wg.Add(1)
	p.started.Add(1)
	go p.run(name, fn)
	return nil
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.log.Error().
				Str("task", name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("background task panic recovered")
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		p.log.Error().Err(err).Str("task", name).Dur("duration", time.Since(start)).Msg("background task failed")
		return
	}
	p.succeeded.Add(1)
}

// Close stops intake and waits for running tasks until ctx is done. On
// timeout the remaining tasks have their contexts canceled and are not
// waited for.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Started:   p.started.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Panics:    p.panics.Load(),
	}
}
