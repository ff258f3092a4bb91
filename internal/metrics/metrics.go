// ============================================================================
// Metrics Module
// Responsibility: Collect and expose Prometheus metrics for the caster
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the job dispatch core and the
// connection layer.
type Collector struct {
	// Dispatch metrics
	jobsAppended  prometheus.Counter
	jobsCoalesced prometheus.Counter
	jobsDropped   prometheus.Counter
	jobsRun       prometheus.Counter
	batchSize     prometheus.Histogram

	// Connection metrics
	connsLinked prometheus.Gauge
	connsActive prometheus.Gauge
	connsTotal  prometheus.Counter
}

// NewCollector creates a collector and registers its metrics with the
// default registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caster_jobs_appended_total",
			Help: "Total number of callbacks enqueued for dispatch",
		}),
		jobsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caster_jobs_coalesced_total",
			Help: "Total number of appends coalesced into the queue tail",
		}),
		jobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caster_jobs_dropped_total",
			Help: "Total number of appends dropped (ending connection or full queue)",
		}),
		jobsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caster_jobs_run_total",
			Help: "Total number of callbacks invoked by workers",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caster_job_batch_size",
			Help:    "Jobs drained per connection batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		connsLinked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caster_connections_linked",
			Help: "Connections currently linked into the dispatch queues",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caster_connections_active",
			Help: "Connections currently registered",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caster_connections_total",
			Help: "Total connections accepted since start",
		}),
	}

	prometheus.MustRegister(c.jobsAppended)
	prometheus.MustRegister(c.jobsCoalesced)
	prometheus.MustRegister(c.jobsDropped)
	prometheus.MustRegister(c.jobsRun)
	prometheus.MustRegister(c.batchSize)
	prometheus.MustRegister(c.connsLinked)
	prometheus.MustRegister(c.connsActive)
	prometheus.MustRegister(c.connsTotal)

	return c
}

// RecordJobAppended records one enqueued callback.
func (c *Collector) RecordJobAppended() {
	c.jobsAppended.Inc()
}

// RecordJobCoalesced records one append coalesced away.
func (c *Collector) RecordJobCoalesced() {
	c.jobsCoalesced.Inc()
}

// RecordJobDropped records one append dropped without being queued.
func (c *Collector) RecordJobDropped() {
	c.jobsDropped.Inc()
}

// RecordJobsRun records one drained connection batch of n callbacks.
func (c *Collector) RecordJobsRun(n int) {
	c.jobsRun.Add(float64(n))
	c.batchSize.Observe(float64(n))
}

// ConnLinked records a connection entering the dispatch queues.
func (c *Collector) ConnLinked() {
	c.connsLinked.Inc()
}

// ConnUnlinked records a connection leaving the dispatch queues.
func (c *Collector) ConnUnlinked() {
	c.connsLinked.Dec()
}

// ConnOpened records a newly registered connection.
func (c *Collector) ConnOpened() {
	c.connsActive.Inc()
	c.connsTotal.Inc()
}

// ConnClosed records a connection being released.
func (c *Collector) ConnClosed() {
	c.connsActive.Dec()
}

// Server exposes the metrics over HTTP.
type Server struct {
	server *http.Server
}

// NewServer creates an HTTP server serving /metrics on the given port.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving metrics until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown() error {
	return s.server.Close()
}
