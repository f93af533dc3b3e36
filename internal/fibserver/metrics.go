package fibserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// serviceMetrics is registered on a per-server registry so several servers
// can live in one process, as they do in tests.
type serviceMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	compute  prometheus.Histogram
	inFlight prometheus.Gauge
}

func newServiceMetrics() *serviceMetrics {
	m := &serviceMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fibserver_requests_total",
			Help: "Fibonacci requests by HTTP status code",
		}, []string{"code"}),
		compute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fibserver_compute_seconds",
			Help:    "Time spent computing Fibonacci numbers",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fibserver_in_flight_requests",
			Help: "Fibonacci computations currently running",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.compute,
		m.inFlight,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *serviceMetrics) observeRequest(status int) {
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *serviceMetrics) observeCompute(d time.Duration) {
	m.compute.Observe(d.Seconds())
}
