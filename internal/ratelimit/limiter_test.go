package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func acceptN(t *testing.T, l *Limiter, c *clock.Fake, n int) []time.Time {
	t.Helper()
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, l.Wait(context.Background()))
		out = append(out, c.Now())
	}
	return out
}

func TestLimiter_FirstCallDoesNotWait(t *testing.T) {
	c := clock.NewFake(epoch)
	l := New(DefaultConfig(), c, zerolog.Nop())

	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, epoch, c.Now())
	assert.Zero(t, c.TotalSlept())
}

func TestLimiter_EnforcesMinimumInterval(t *testing.T) {
	c := clock.NewFake(epoch)
	l := New(Config{MinInterval: 500 * time.Millisecond, Window: time.Minute, MaxPerWindow: 1000}, c, zerolog.Nop())

	stamps := acceptN(t, l, c, 10)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 500*time.Millisecond, "call %d", i)
	}
	assert.Equal(t, epoch.Add(9*500*time.Millisecond), stamps[9])
}

func TestLimiter_BurstNeverExceedsWindowOrInterval(t *testing.T) {
	c := clock.NewFake(epoch)
	cfg := DefaultConfig()
	l := New(cfg, c, zerolog.Nop())

	stamps := acceptN(t, l, c, 65)

	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), cfg.MinInterval)
	}
	for i := range stamps {
		inWindow := 0
		for j := i; j < len(stamps) && stamps[j].Sub(stamps[i]) < cfg.Window; j++ {
			inWindow++
		}
		require.LessOrEqual(t, inWindow, cfg.MaxPerWindow, "window starting at call %d", i)
	}

	// The 21st call has to wait for the first one to leave the window.
	assert.Equal(t, stamps[0].Add(cfg.Window), stamps[20])
}

func TestLimiter_SpacedCallsDoNotSleep(t *testing.T) {
	c := clock.NewFake(epoch)
	l := New(DefaultConfig(), c, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background()))
		c.Advance(time.Second)
	}
	assert.Zero(t, c.TotalSlept())
	assert.Equal(t, 5, l.Snapshot().InWindow)
}

func TestLimiter_CanceledContext(t *testing.T) {
	c := clock.NewFake(epoch)
	l := New(DefaultConfig(), c, zerolog.Nop())
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestLimiter_ConcurrentCallersRealClock(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: 20 * time.Millisecond, Window: time.Second, MaxPerWindow: 100}, clock.Real{}, zerolog.Nop())

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(context.Background()); err != nil {
				t.Errorf("Wait: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 4*20*time.Millisecond)
	assert.Equal(t, 5, l.Snapshot().InWindow)
}
