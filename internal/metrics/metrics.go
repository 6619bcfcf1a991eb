// Package metrics holds the Prometheus collectors of the execution engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "nexrun"

type Metrics struct {
	registry      prometheus.Registerer
	jobsClaimed   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	rulesFired    *prometheus.CounterVec
	agentRuns     *prometheus.CounterVec
	agentTimeouts *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	leasesReaped  *prometheus.CounterVec
	activeTasks   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = Namespace
	}

	m := &Metrics{
		registry: reg,
		jobsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_claimed_total",
				Help:      "Total number of jobs leased by workers",
			},
			[]string{"worker"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),
		rulesFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_fired_total",
				Help:      "Total number of rule firings by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		agentRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_runs_total",
				Help:      "Total number of scheduled agent runs by outcome",
			},
			[]string{"agent", "status"},
		),
		agentTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_timeouts_total",
				Help:      "Total number of agent runs failed by the timeout sweep",
			},
			[]string{"agent"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Total number of failed poll cycles",
			},
			[]string{"component"},
		),
		leasesReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_reaped_total",
				Help:      "Total number of expired leases cleared",
			},
			[]string{"kind"},
		),
		activeTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Number of tasks currently running",
			},
			[]string{"component"},
		),
	}

	reg.MustRegister(
		m.jobsClaimed,
		m.jobsCompleted,
		m.jobDuration,
		m.rulesFired,
		m.agentRuns,
		m.agentTimeouts,
		m.pollErrors,
		m.leasesReaped,
		m.activeTasks,
	)

	return m
}

func (m *Metrics) JobClaimed(workerID string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(workerID).Inc()
}

// JobFinished records a terminal job status and how long execution took.
func (m *Metrics) JobFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RuleFired(kind, status string) {
	if m == nil {
		return
	}
	m.rulesFired.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) AgentRun(agent, status string) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(agent, status).Inc()
}

func (m *Metrics) AgentTimeout(agent string) {
	if m == nil {
		return
	}
	m.agentTimeouts.WithLabelValues(agent).Inc()
}

func (m *Metrics) PollError(component string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(component).Inc()
}

func (m *Metrics) LeasesReaped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesReaped.WithLabelValues(kind).Add(float64(n))
}

// TaskStarted and TaskDone track the active task gauge of a component.
func (m *Metrics) TaskStarted(component string) {
	if m == nil {
		return
	}
	m.activeTasks.WithLabelValues(component).Inc()
}

func (m *Metrics) TaskDone(component string) {
	if m == nil {
		return
	}
	m.activeTasks.WithLabelValues(component).Dec()
}
