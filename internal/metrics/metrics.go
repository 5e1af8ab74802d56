// Package metrics exposes Prometheus instruments for the scheduling core.
// A nil *Collector is valid and records nothing, so components can run without one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobcluster"

// Collector owns its registry so several nodes can live in one test process.
type Collector struct {
	registry *prometheus.Registry

	fetchRounds    *prometheus.CounterVec
	tasksGranted   *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	tasksAbandoned *prometheus.CounterVec
	tasksInFlight  *prometheus.GaugeVec
	lockCalls      *prometheus.CounterVec
	locksHeld      prometheus.Gauge
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetchRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_rounds_total",
			Help:      "Task fetch rounds sent to the master, by result.",
		}, []string{"result"}),
		tasksGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_granted_total",
			Help:      "Distributed tasks granted to this node.",
		}, []string{"job"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Distributed tasks executed on this node, by result.",
		}, []string{"job", "result"}),
		tasksAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_abandoned_total",
			Help:      "Distributed tasks returned to their factory without execution.",
		}, []string{"job"}),
		tasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Distributed tasks currently executing on this node.",
		}, []string{"job"}),
		lockCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_calls_total",
			Help:      "Cluster lock calls, by operation and result.",
		}, []string{"op", "result"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Cluster locks this node believes it holds.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_job_runs_total",
			Help:      "Scheduled job executions, by result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_job_duration_seconds",
			Help:      "Scheduled job execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	c.registry.MustRegister(
		c.fetchRounds, c.tasksGranted, c.tasksFinished, c.tasksAbandoned, c.tasksInFlight,
		c.lockCalls, c.locksHeld, c.jobRuns, c.jobDuration,
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) FetchRound(result string) {
	if c == nil {
		return
	}
	c.fetchRounds.WithLabelValues(result).Inc()
}

func (c *Collector) TaskGranted(job string) {
	if c == nil {
		return
	}
	c.tasksGranted.WithLabelValues(job).Inc()
	c.tasksInFlight.WithLabelValues(job).Inc()
}

func (c *Collector) TaskFinished(job string, err error) {
	if c == nil {
		return
	}
	c.tasksInFlight.WithLabelValues(job).Dec()
	c.tasksFinished.WithLabelValues(job, result(err)).Inc()
}

func (c *Collector) TasksAbandoned(job string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.tasksAbandoned.WithLabelValues(job).Add(float64(n))
}

func (c *Collector) LockCall(op string, ok bool) {
	if c == nil {
		return
	}
	r := "true"
	if !ok {
		r = "false"
	}
	c.lockCalls.WithLabelValues(op, r).Inc()
}

func (c *Collector) LocksHeld(n int) {
	if c == nil {
		return
	}
	c.locksHeld.Set(float64(n))
}

func (c *Collector) JobRun(job string, seconds float64, err error) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, result(err)).Inc()
	c.jobDuration.WithLabelValues(job).Observe(seconds)
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
