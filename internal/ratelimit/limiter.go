package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
)

// Limiter paces outbound calls with two tiers, checked in order:
//  1. a minimum interval between any two accepted calls;
//  2. a sliding window capping accepted calls per trailing window.
//
// Wait callers are served one at a time, so the prune-then-check sequence of
// the window tier never interleaves with another caller.
type Limiter struct {
	minInterval  time.Duration
	window       time.Duration
	maxPerWindow int
	clock        clock.Clock
	log          zerolog.Logger

	slot   chan struct{}
	pacer  *rate.Limiter
	stamps []time.Time
	last   time.Time
}

type Config struct {
	MinInterval  time.Duration
	Window       time.Duration
	MaxPerWindow int
}

func DefaultConfig() Config {
	return Config{
		MinInterval:  500 * time.Millisecond,
		Window:       time.Minute,
		MaxPerWindow: 20,
	}
}

func New(cfg Config, c clock.Clock, log zerolog.Logger) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	l := &Limiter{
		minInterval:  cfg.MinInterval,
		window:       cfg.Window,
		maxPerWindow: cfg.MaxPerWindow,
		clock:        c,
		log:          log.With().Str("comp", "ratelimit").Logger(),
		slot:         make(chan struct{}, 1),
	}
	if cfg.MinInterval > 0 {
		l.pacer = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		l.pacer = rate.NewLimiter(rate.Inf, 1)
	}
	return l
}

// Wait blocks until a call may be issued and records it as accepted.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slot }()

	for {
		now := l.clock.Now()

		if d := l.intervalDelay(now); d > 0 {
			l.log.Debug().Dur("wait", d).Msg("rate limit (interval): waiting")
			if err := l.clock.Sleep(ctx, d); err != nil {
				return err
			}
			continue
		}

		if d := l.windowDelay(now); d > 0 {
			l.log.Warn().
				Int("in_window", len(l.stamps)).
				Int("max", l.maxPerWindow).
				Dur("window", l.window).
				Dur("wait", d).
				Msg("rate limit (window): waiting")
			if err := l.clock.Sleep(ctx, d); err != nil {
				return err
			}
			continue
		}

		if !l.pacer.AllowN(now, 1) {
			if err := l.clock.Sleep(ctx, time.Millisecond); err != nil {
				return err
			}
			continue
		}

		l.stamps = append(l.stamps, now)
		l.last = now
		return nil
	}
}

func (l *Limiter) intervalDelay(now time.Time) time.Duration {
	if l.minInterval <= 0 {
		return 0
	}
	var d time.Duration
	if tokens := l.pacer.TokensAt(now); tokens < 1 {
		d = time.Duration(math.Ceil((1 - tokens) * float64(l.minInterval)))
	}
	if !l.last.IsZero() {
		if rem := l.minInterval - now.Sub(l.last); rem > d {
			d = rem
		}
	}
	return d
}

func (l *Limiter) windowDelay(now time.Time) time.Duration {
	if l.maxPerWindow <= 0 || l.window <= 0 {
		return 0
	}
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
	if len(l.stamps) < l.maxPerWindow {
		return 0
	}
	return l.stamps[0].Add(l.window).Sub(now)
}

type Snapshot struct {
	InWindow     int       `json:"in_window"`
	MaxPerWindow int       `json:"max_per_window"`
	LastRequest  time.Time `json:"last_request,omitempty"`
}

// Snapshot is best-effort: it does not wait for an in-flight Wait.
func (l *Limiter) Snapshot() Snapshot {
	select {
	case l.slot <- struct{}{}:
		defer func() { <-l.slot }()
	default:
		return Snapshot{MaxPerWindow: l.maxPerWindow}
	}
	l.windowDelay(l.clock.Now())
	return Snapshot{InWindow: len(l.stamps), MaxPerWindow: l.maxPerWindow, LastRequest: l.last}
}
