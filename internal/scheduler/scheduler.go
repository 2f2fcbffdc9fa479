package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one run of a periodic maintenance task.
type Job func(ctx context.Context) error

// Status is a point-in-time view of a scheduler, served on the admin API.
type Status struct {
	Name                string    `json:"name"`
	Running             bool      `json:"running"`
	Interval            string    `json:"interval"`
	Runs                uint64    `json:"runs"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRun             time.Time `json:"last_run,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

type Option func(*Scheduler)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithRunTimeout bounds each run. Zero leaves runs bounded only by Stop.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// Scheduler runs a Job once on Start and then again interval after each run
// finishes, so runs never overlap.
type Scheduler struct {
	name       string
	interval   time.Duration
	job        Job
	runTimeout time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	stats   Status
}

func New(name string, interval time.Duration, job Job, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	s := &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("comp", "scheduler").Str("job", name).Logger()
	return s, nil
}

func (s *Scheduler) Name() string { return s.name }

// Start launches the loop. It reports false if the scheduler is already
// running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	return true
}

// Stop cancels the current run, waits for the loop to exit and reports
// false if the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Name = s.name
	st.Running = s.running
	st.Interval = s.interval.String()
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.runOnce(ctx)
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeRun(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = start.UTC()
	if err != nil {
		s.stats.Failures++
		s.stats.ConsecutiveFailures++
		s.stats.LastError = err.Error()
	} else {
		s.stats.ConsecutiveFailures = 0
		s.stats.LastError = ""
	}
	streak := s.stats.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int("consecutive_failures", streak).Dur("duration_ms", elapsed).Msg("scheduled run failed")
		return
	}
	s.log.Debug().Dur("duration_ms", elapsed).Msg("scheduled run completed")
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("scheduled run panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.job(ctx)
}
