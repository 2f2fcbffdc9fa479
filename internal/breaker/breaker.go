package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
)

// ErrOpen is matched by every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	Closed State = "closed"
	Open   State = "open"
)

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name      string
	OpenUntil time.Time
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open: %s remaining in cooldown",
		e.Name, e.Remaining.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Breaker is a binary failure-window breaker. It counts failures reported
// through RecordFailure within the trailing window; once the count reaches
// the threshold it rejects calls until cooldown has elapsed. There is no
// half-open state.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	clock     clock.Clock
	log       zerolog.Logger

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
	trips     int64
	rejected  int64
}

type Option func(*Breaker)

func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

func WithWindow(d time.Duration) Option {
	return func(b *Breaker) { b.window = d }
}

func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		window:    time.Minute,
		cooldown:  30 * time.Second,
		clock:     clock.Real{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.threshold <= 0 {
		b.threshold = 1
	}
	b.log = b.log.With().Str("breaker", name).Logger()
	return b
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() error {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.openUntil) {
		b.rejected++
		return &OpenError{Name: b.name, OpenUntil: b.openUntil, Remaining: b.openUntil.Sub(now)}
	}
	return nil
}

// Call runs fn only while the breaker is closed. Failures of fn are not
// recorded; the caller decides which errors count via RecordFailure.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	return fn()
}

// RecordFailure appends a failure and opens the breaker when the trailing
// window holds threshold or more failures.
func (b *Breaker) RecordFailure() {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) < b.threshold {
		b.log.Debug().Int("failures", len(b.failures)).Int("threshold", b.threshold).Msg("breaker failure recorded")
		return
	}

	wasOpen := now.Before(b.openUntil)
	b.openUntil = now.Add(b.cooldown)
	if !wasOpen {
		b.trips++
		b.log.Error().
			Int("failures", len(b.failures)).
			Dur("window", b.window).
			Dur("cooldown", b.cooldown).
			Msg("circuit breaker opened")
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) State() State {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.openUntil) {
		return Open
	}
	return Closed
}

func (b *Breaker) IsOpen() bool { return b.State() == Open }

type Snapshot struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	Threshold int       `json:"threshold"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	Trips     int64     `json:"trips"`
	Rejected  int64     `json:"rejected"`
}

func (b *Breaker) Snapshot() Snapshot {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(now)
	s := Snapshot{
		Name:      b.name,
		State:     Closed,
		Failures:  len(b.failures),
		Threshold: b.threshold,
		Trips:     b.trips,
		Rejected:  b.rejected,
	}
	if now.Before(b.openUntil) {
		s.State = Open
		s.OpenUntil = b.openUntil
	}
	return s
}
