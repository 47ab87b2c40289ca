// Package metrics exposes Prometheus counters for the scheduler loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's instrumentation. Each collector owns its
// registry so independent schedulers (and tests) never collide on metric
// registration.
type Collector struct {
	registry *prometheus.Registry

	Ticks          prometheus.Counter
	JobsExecuted   prometheus.Counter
	JobsFailed     prometheus.Counter
	LockContention prometheus.Counter
	RunsDone       prometheus.Counter
	RunsFailed     prometheus.Counter
}

// NewCollector creates and registers the scheduler metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_scheduler_ticks_total",
			Help: "Total number of scheduler ticks executed",
		}),
		JobsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_jobs_executed_total",
			Help: "Total number of jobs executed successfully",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_jobs_failed_total",
			Help: "Total number of jobs that ended failed",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_lock_contention_total",
			Help: "Total number of job executions skipped because the lock was held",
		}),
		RunsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_runs_done_total",
			Help: "Total number of runs completed with every job done",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorun_runs_failed_total",
			Help: "Total number of runs completed with at least one failed job",
		}),
	}

	c.registry.MustRegister(c.Ticks, c.JobsExecuted, c.JobsFailed, c.LockContention, c.RunsDone, c.RunsFailed)
	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
