package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-outbound/internal/breaker"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
	"github.com/LeventeLantos/whatsapp-outbound/internal/tasks"
)

func testSources(statsErr error) Sources {
	return Sources{
		QueueStats: func(context.Context) (model.QueueStats, error) {
			if statsErr != nil {
				return model.QueueStats{}, statsErr
			}
			return model.QueueStats{PendingHigh: 2, PendingNormal: 5, Processing: 1, DeadLetter: 3, PendingTotal: 7}, nil
		},
		Breakers: func() []breaker.Snapshot {
			return []breaker.Snapshot{
				{Name: "outbound-send", State: breaker.Open, Failures: 10, Trips: 1, Rejected: 4},
				{Name: "state-read", State: breaker.Closed},
			}
		},
		Tasks: func() tasks.Stats { return tasks.Stats{Started: 3, Succeeded: 2, Failed: 1} },
	}
}

func TestCounters(t *testing.T) {
	m := New(Sources{}, zerolog.Nop())

	m.SendSucceeded(120 * time.Millisecond)
	m.SendSucceeded(80 * time.Millisecond)
	m.SendFailed()
	m.RateLimited(model.RateSpike)
	m.Delivered()
	m.DeliveryFailed(model.DeadLettered)
	m.Enqueued(model.High)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sends.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimits.WithLabelValues("RATE_SPIKE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("dead_letter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("high")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendLatency))
}

func TestStateCollector_Breakers(t *testing.T) {
	c := newStateCollector(testSources(nil), zerolog.Nop())

	expected := `
# HELP whatsapp_outbound_breaker_open 1 when the circuit breaker is open.
# TYPE whatsapp_outbound_breaker_open gauge
whatsapp_outbound_breaker_open{breaker="outbound-send"} 1
whatsapp_outbound_breaker_open{breaker="state-read"} 0
# HELP whatsapp_outbound_breaker_trips_total Times the breaker has opened.
# TYPE whatsapp_outbound_breaker_trips_total counter
whatsapp_outbound_breaker_trips_total{breaker="outbound-send"} 1
whatsapp_outbound_breaker_trips_total{breaker="state-read"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"whatsapp_outbound_breaker_open", "whatsapp_outbound_breaker_trips_total"))
}

func TestStateCollector_Queue(t *testing.T) {
	c := newStateCollector(testSources(nil), zerolog.Nop())

	expected := `
# HELP whatsapp_outbound_queue_depth Messages currently held in each queue set.
# TYPE whatsapp_outbound_queue_depth gauge
whatsapp_outbound_queue_depth{set="dead_letter"} 3
whatsapp_outbound_queue_depth{set="failed"} 0
whatsapp_outbound_queue_depth{set="high"} 2
whatsapp_outbound_queue_depth{set="low"} 0
whatsapp_outbound_queue_depth{set="normal"} 5
whatsapp_outbound_queue_depth{set="processing"} 1
# HELP whatsapp_outbound_queue_up Whether the last queue stats read succeeded.
# TYPE whatsapp_outbound_queue_up gauge
whatsapp_outbound_queue_up 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"whatsapp_outbound_queue_depth", "whatsapp_outbound_queue_up"))
}

func TestStateCollector_QueueDown(t *testing.T) {
	c := newStateCollector(testSources(errors.New("redis down")), zerolog.Nop())

	expected := `
# HELP whatsapp_outbound_queue_up Whether the last queue stats read succeeded.
# TYPE whatsapp_outbound_queue_up gauge
whatsapp_outbound_queue_up 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "whatsapp_outbound_queue_up"))
	assert.Zero(t, testutil.CollectAndCount(c, "whatsapp_outbound_queue_depth"))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New(testSources(nil), zerolog.Nop())
	m.RateLimited(model.QuotaExhausted)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `whatsapp_outbound_provider_rate_limits_total{kind="QUOTA_EXHAUSTED"} 1`)
	assert.Contains(t, string(body), `whatsapp_outbound_tasks_total{outcome="started"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}
