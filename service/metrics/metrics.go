package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khaledhikmat/vs-firewatch/model"
)

const namespace = "firewatch"

// Metrics exposes detector counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// New registers gauges that read the dispatcher stats on every scrape.
func New(stats func() model.DispatcherStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_requests_total",
			Help:      "Detect requests by response status",
		}, []string{"status"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Detect request latency including queueing",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.registry.MustRegister(m.requests, m.latency)
	m.registerDispatcher(stats)

	return m
}

func (m *Metrics) registerDispatcher(stats func() model.DispatcherStats) {
	gauges := []struct {
		name string
		help string
		read func(model.DispatcherStats) float64
	}{
		{"dispatcher_slots", "Configured classification slots", func(s model.DispatcherStats) float64 { return float64(s.Slots) }},
		{"dispatcher_in_flight", "Classifications running now", func(s model.DispatcherStats) float64 { return float64(s.InFlight) }},
		{"dispatcher_max_in_flight", "Most classifications ever running at once", func(s model.DispatcherStats) float64 { return float64(s.MaxInFlight) }},
		{"dispatcher_queued", "Jobs waiting for a slot", func(s model.DispatcherStats) float64 { return float64(s.Queued) }},
		{"dispatcher_submitted_total", "Jobs admitted", func(s model.DispatcherStats) float64 { return float64(s.Submitted) }},
		{"dispatcher_completed_total", "Jobs classified, including undecodable payloads", func(s model.DispatcherStats) float64 { return float64(s.Completed) }},
		{"dispatcher_decode_failures_total", "Payloads that were not images", func(s model.DispatcherStats) float64 { return float64(s.DecodeFails) }},
		{"dispatcher_failed_total", "Jobs whose classifier failed", func(s model.DispatcherStats) float64 { return float64(s.Failed) }},
		{"dispatcher_rejected_total", "Submissions rejected on a full queue", func(s model.DispatcherStats) float64 { return float64(s.Rejected) }},
		{"dispatcher_timed_out_total", "Callers released by the job timeout", func(s model.DispatcherStats) float64 { return float64(s.TimedOut) }},
		{"dispatcher_abandoned_total", "Queued jobs skipped after their caller left", func(s model.DispatcherStats) float64 { return float64(s.Abandoned) }},
	}

	for _, g := range gauges {
		read := g.read
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      g.name,
				Help:      g.help,
			},
			func() float64 { return read(stats()) },
		))
	}
}

// ObserveDetect records one finished detect request.
func (m *Metrics) ObserveDetect(status int, elapsed time.Duration) {
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
