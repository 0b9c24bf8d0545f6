package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drone_delivery"

// Metrics holds the service's collectors on a private registry. It
// satisfies the order service's placement recorder and the outbox relay's
// observer.
type Metrics struct {
	reg *prometheus.Registry

	PlacementAttempts prometheus.Counter
	PlacementRetries  prometheus.Counter
	PlacementOutcomes *prometheus.CounterVec
	OutboxDispatched  prometheus.Counter
	OutboxFailed      prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		PlacementAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "placement_attempts_total",
			Help:      "Order placement transactions started, retries included.",
		}),
		PlacementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "placement_retries_total",
			Help:      "Transactions re-run after lock contention.",
		}),
		PlacementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "placement_outcomes_total",
			Help:      "Order placements by final outcome.",
		}, []string{"outcome"}),
		OutboxDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "outbox_dispatched_total",
			Help:      "Outbox events published to Kafka.",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "outbox_failed_total",
			Help:      "Outbox events whose publish failed.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PlacementAttempts,
		m.PlacementRetries,
		m.PlacementOutcomes,
		m.OutboxDispatched,
		m.OutboxFailed,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Attempt()               { m.PlacementAttempts.Inc() }
func (m *Metrics) Retry()                 { m.PlacementRetries.Inc() }
func (m *Metrics) Outcome(outcome string) { m.PlacementOutcomes.WithLabelValues(outcome).Inc() }

func (m *Metrics) Dispatched(n int) { m.OutboxDispatched.Add(float64(n)) }
func (m *Metrics) Failed(n int)     { m.OutboxFailed.Add(float64(n)) }

// RegisterGauge exposes a value read at scrape time, such as the outbox
// backlog.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
