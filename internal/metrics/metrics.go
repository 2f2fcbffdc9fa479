package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/breaker"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
	"github.com/LeventeLantos/whatsapp-outbound/internal/tasks"
)

const namespace = "whatsapp_outbound"

// Sources are read on every scrape.
type Sources struct {
	QueueStats func(ctx context.Context) (model.QueueStats, error)
	Breakers   func() []breaker.Snapshot
	Tasks      func() tasks.Stats
}

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	sends       *prometheus.CounterVec
	sendLatency prometheus.Histogram
	rateLimits  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
}

func New(src Sources, log zerolog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_sends_total",
			Help:      "Provider send calls by outcome.",
		}, []string{"outcome"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_send_duration_seconds",
			Help:      "Latency of successful provider sends.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_rate_limits_total",
			Help:      "HTTP 429 responses by classification.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Queue messages processed by resulting status.",
		}, []string{"status"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Messages accepted into the queue by priority.",
		}, []string{"priority"}),
	}

	m.registry.MustRegister(
		m.sends, m.sendLatency, m.rateLimits, m.deliveries, m.enqueued,
		newStateCollector(src, log),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SendSucceeded(d time.Duration) {
	m.sends.WithLabelValues("success").Inc()
	m.sendLatency.Observe(d.Seconds())
}

func (m *Metrics) SendFailed() {
	m.sends.WithLabelValues("failure").Inc()
}

func (m *Metrics) RateLimited(kind model.RateLimitKind) {
	m.rateLimits.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Delivered() {
	m.deliveries.WithLabelValues("delivered").Inc()
}

// DeliveryFailed counts a failed attempt under the status the message moved
// to (retry or dead letter).
func (m *Metrics) DeliveryFailed(status model.Status) {
	m.deliveries.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Enqueued(p model.Priority) {
	m.enqueued.WithLabelValues(string(p)).Inc()
}
