package metrics

import (
	"fmt"
	"net/http"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/progress"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Collector collects and exposes sync metrics. It satisfies syncer.Observer
type Collector struct {
	registry        *prometheus.Registry
	outcomesTotal   *prometheus.CounterVec
	initTotal       *prometheus.CounterVec
	recoveryCycles  prometheus.Counter
	restoreFailures prometheus.Counter
	inflight        prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cd2_sync_outcomes_total",
				Help: "Sync attempts by final outcome",
			},
			[]string{"outcome"},
		),
		initTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cd2_init_outcomes_total",
				Help: "Init attempts by outcome",
			},
			[]string{"outcome"},
		),
		recoveryCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cd2_recovery_cycles_total",
				Help: "Dependency drop and restore cycles run after a blocked schema change",
			},
		),
		restoreFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cd2_restore_failures_total",
				Help: "Restores of dependent views that failed, leaving the views missing",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cd2_sync_inflight",
				Help: "Number of sync attempts currently running",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cd2_sync_duration_seconds",
				Help:    "Time taken by one sync attempt",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.outcomesTotal)
	c.registry.MustRegister(c.initTotal)
	c.registry.MustRegister(c.recoveryCycles)
	c.registry.MustRegister(c.restoreFailures)
	c.registry.MustRegister(c.inflight)
	c.registry.MustRegister(c.duration)

	return c
}

// SyncStarted marks an attempt as running
func (c *Collector) SyncStarted(table string) {
	c.inflight.Inc()
}

// SyncFinished records a finished attempt
func (c *Collector) SyncFinished(a syncer.Attempt) {
	c.inflight.Dec()
	c.outcomesTotal.WithLabelValues(string(a.Outcome)).Inc()
	c.duration.Observe(a.Duration.Seconds())
	if a.Recovery {
		c.recoveryCycles.Inc()
	}
	if a.RestoreFailed() {
		c.restoreFailures.Inc()
	}
}

// IncInit counts an init attempt under its outcome
func (c *Collector) IncInit(outcome syncer.Outcome) {
	c.initTotal.WithLabelValues(string(outcome)).Inc()
}

// TableFinished updates batch progress with the final outcome of a table
func (c *Collector) TableFinished(outcome syncer.Outcome) {
	c.progressTracker.Add(string(outcome))
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}

// Push sends the current metrics to a Prometheus Pushgateway
func (c *Collector) Push(url, job string, groupings map[string]string) error {
	p := push.New(url, job).Gatherer(c.registry)
	for name, value := range groupings {
		p = p.Grouping(name, value)
	}
	if err := p.Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalTables sets the number of tables in the batch for progress tracking
func (c *Collector) SetTotalTables(n int) {
	c.progressTracker.SetTotal(int64(n))
}
