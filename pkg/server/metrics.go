package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepmem/deepmem/pkg/queue"
)

// metrics owns the App's Prometheus registry. Each App gets a private
// registry rather than the process-global one so tests can run several
// servers side by side.
type metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	queueEvents        *prometheus.CounterVec
	degradedRetrievals prometheus.Counter
}

func newMetrics(updateQ, forgetQ *queue.Queue) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepmem_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepmem_http_request_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepmem_queue_events_total",
			Help: "Task lifecycle transitions by queue and event type.",
		}, []string{"queue", "type"}),
		degradedRetrievals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepmem_degraded_retrievals_total",
			Help: "Retrievals served without the graph relation signal.",
		}),
	}
	reg.MustRegister(m.requests, m.latency, m.queueEvents, m.degradedRetrievals)

	for name, q := range map[string]*queue.Queue{"update": updateQ, "forget": forgetQ} {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "deepmem_queue_pending",
			Help:        "Approximate pending tasks (coalesced keys).",
			ConstLabels: prometheus.Labels{"queue": name},
		}, func() float64 { return float64(q.Stats().PendingApprox) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "deepmem_queue_inflight",
			Help:        "Tasks currently claimed by workers.",
			ConstLabels: prometheus.Labels{"queue": name},
		}, func() float64 { return float64(q.Stats().Inflight) }))
	}
	return m
}

func (m *metrics) observeRequest(route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// queueEvent is the EventHub observer feeding the transition counter.
func (m *metrics) queueEvent(queueName string, ev queue.Event) {
	m.queueEvents.WithLabelValues(queueName, ev.Type).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
