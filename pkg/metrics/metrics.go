// Package metrics exposes run, job, step and cache counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is implemented by Prom and Noop.
type Recorder interface {
	IncRunsStarted(workflow string)
	IncRunsCompleted(workflow, result string)
	IncJobsStarted(job string)
	IncJobsCompleted(job, result string)
	ObserveJobDuration(job string, d time.Duration)
	ObserveStepDuration(job, conclusion string, d time.Duration)
	// IncCacheLookups counts restores by outcome: hit, partial or miss.
	IncCacheLookups(outcome string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncRunsStarted(string)                             {}
func (Noop) IncRunsCompleted(string, string)                   {}
func (Noop) IncJobsStarted(string)                             {}
func (Noop) IncJobsCompleted(string, string)                   {}
func (Noop) ObserveJobDuration(string, time.Duration)          {}
func (Noop) ObserveStepDuration(string, string, time.Duration) {}
func (Noop) IncCacheLookups(string)                            {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	stepDuration  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
}

// NewProm registers the collectors with reg, or with the default registry
// when reg is nil.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200}
	p := &Prom{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started by workflow",
		}, []string{"workflow"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Workflow runs completed by workflow and result",
		}, []string{"workflow", "result"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Job instances started by job",
		}, []string{"job"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job instances completed by job and result",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job instance duration seconds by job",
			Buckets:   buckets,
		}, []string{"job"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration seconds by job and conclusion",
			Buckets:   buckets,
		}, []string{"job", "conclusion"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache restores by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(p.runsStarted, p.runsCompleted, p.jobsStarted, p.jobsCompleted,
		p.jobDuration, p.stepDuration, p.cacheLookups)
	return p
}

func (p *Prom) IncRunsStarted(workflow string) {
	p.runsStarted.WithLabelValues(workflow).Inc()
}

func (p *Prom) IncRunsCompleted(workflow, result string) {
	p.runsCompleted.WithLabelValues(workflow, result).Inc()
}

func (p *Prom) IncJobsStarted(job string) {
	p.jobsStarted.WithLabelValues(job).Inc()
}

func (p *Prom) IncJobsCompleted(job, result string) {
	p.jobsCompleted.WithLabelValues(job, result).Inc()
}

func (p *Prom) ObserveJobDuration(job string, d time.Duration) {
	p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (p *Prom) ObserveStepDuration(job, conclusion string, d time.Duration) {
	p.stepDuration.WithLabelValues(job, conclusion).Observe(d.Seconds())
}

func (p *Prom) IncCacheLookups(outcome string) {
	p.cacheLookups.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
