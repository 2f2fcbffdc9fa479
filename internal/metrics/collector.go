package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/breaker"
)

const scrapeTimeout = 2 * time.Second

var (
	queueDepthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "depth"),
		"Messages currently held in each queue set.",
		[]string{"set"}, nil,
	)
	queueUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "up"),
		"Whether the last queue stats read succeeded.",
		nil, nil,
	)
	breakerOpenDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "open"),
		"1 when the circuit breaker is open.",
		[]string{"breaker"}, nil,
	)
	breakerFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "failures"),
		"Failures inside the breaker window.",
		[]string{"breaker"}, nil,
	)
	breakerTripsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "trips_total"),
		"Times the breaker has opened.",
		[]string{"breaker"}, nil,
	)
	breakerRejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "rejected_total"),
		"Calls refused while open.",
		[]string{"breaker"}, nil,
	)
	tasksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "total"),
		"Background tasks by outcome.",
		[]string{"outcome"}, nil,
	)
)

// stateCollector reads queue, breaker and task pool state at scrape time.
type stateCollector struct {
	src Sources
	log zerolog.Logger
}

func newStateCollector(src Sources, log zerolog.Logger) *stateCollector {
	return &stateCollector{src: src, log: log.With().Str("comp", "metrics").Logger()}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- queueUpDesc
	ch <- breakerOpenDesc
	ch <- breakerFailuresDesc
	ch <- breakerTripsDesc
	ch <- breakerRejectedDesc
	ch <- tasksDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectQueue(ch)

	if c.src.Breakers != nil {
		for _, s := range c.src.Breakers() {
			open := 0.0
			if s.State == breaker.Open {
				open = 1
			}
			ch <- prometheus.MustNewConstMetric(breakerOpenDesc, prometheus.GaugeValue, open, s.Name)
			ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(s.Failures), s.Name)
			ch <- prometheus.MustNewConstMetric(breakerTripsDesc, prometheus.CounterValue, float64(s.Trips), s.Name)
			ch <- prometheus.MustNewConstMetric(breakerRejectedDesc, prometheus.CounterValue, float64(s.Rejected), s.Name)
		}
	}

	if c.src.Tasks != nil {
		st := c.src.Tasks()
		for outcome, v := range map[string]uint64{
			"started":   st.Started,
			"succeeded": st.Succeeded,
			"failed":    st.Failed,
			"dropped":   st.Dropped,
			"panicked":  st.Panics,
		} {
			ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.CounterValue, float64(v), outcome)
		}
	}
}

func (c *stateCollector) collectQueue(ch chan<- prometheus.Metric) {
	if c.src.QueueStats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	st, err := c.src.QueueStats(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("queue stats unavailable for scrape")
		ch <- prometheus.MustNewConstMetric(queueUpDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(queueUpDesc, prometheus.GaugeValue, 1)
	for set, v := range map[string]int64{
		"high":        st.PendingHigh,
		"normal":      st.PendingNormal,
		"low":         st.PendingLow,
		"processing":  st.Processing,
		"failed":      st.Failed,
		"dead_letter": st.DeadLetter,
	} {
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(v), set)
	}
}
