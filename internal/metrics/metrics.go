// Package metrics exposes the daemon's prometheus instrumentation. Domain
// packages never import prometheus directly; they accept the small
// Recorder interface below and call it when non-nil, so agentpool,
// workflow, and coordinator stay testable without a registry in play.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the instrumentation surface domain packages depend on.
// Registry implements it; tests can pass nil (the zero value's callers in
// this codebase all nil-check before invoking).
type Recorder interface {
	SetAgentCounts(available, resting, allocated, busy int)
	SetTaskCounts(counts map[string]int)
	SetWorkflowCounts(live, archived int)
	EvaluationFired(sessionID string)
	EvaluationFailed(sessionID string)
	EvaluationRetried(sessionID string)
	WorkflowDispatched(workflowType string)
	WorkflowTerminal(workflowType, status string)
}

// Config controls whether metrics are collected and where they are served,
// mirroring the MetricsConfig{Enabled, PrometheusPort} shape the pack's
// observability tests exercise.
type Config struct {
	Enabled        bool
	ListenAddr     string // e.g. ":9090"; empty disables the HTTP listener
	Namespace      string
}

// Registry owns a prometheus.Registry and the gauges/counters the daemon's
// components record against.
type Registry struct {
	enabled bool
	reg     *prometheus.Registry

	agentAvailable prometheus.Gauge
	agentResting   prometheus.Gauge
	agentAllocated prometheus.Gauge
	agentBusy      prometheus.Gauge

	tasksByStatus *prometheus.GaugeVec

	workflowsLive     prometheus.Gauge
	workflowsArchived prometheus.Gauge

	evalsFired    *prometheus.CounterVec
	evalsFailed   *prometheus.CounterVec
	evalsRetried  *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	terminalsByType *prometheus.CounterVec
}

// New builds a Registry. When cfg.Enabled is false, every recording method
// is a no-op and no registry is constructed, matching the "disabled
// metrics" case the pack's MetricsCollector tests assert against.
func New(cfg Config) *Registry {
	if !cfg.Enabled {
		return &Registry{enabled: false}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "apc_coordinator"
	}
	reg := prometheus.NewRegistry()
	r := &Registry{
		enabled: true,
		reg:     reg,
		agentAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "agent_pool", Name: "available", Help: "Agents currently available.",
		}),
		agentResting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "agent_pool", Name: "resting", Help: "Agents currently resting.",
		}),
		agentAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "agent_pool", Name: "allocated", Help: "Agents currently allocated (benched).",
		}),
		agentBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "agent_pool", Name: "busy", Help: "Agents currently busy.",
		}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "tasks", Name: "by_status", Help: "Task count by status.",
		}, []string{"status"}),
		workflowsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "workflows", Name: "live", Help: "Non-terminal workflow instances.",
		}),
		workflowsArchived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "workflows", Name: "archived", Help: "Archived workflow records held in the eviction cache.",
		}),
		evalsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "coordinator", Name: "evaluations_fired_total", Help: "Coordinator evaluations fired, by session.",
		}, []string{"session"}),
		evalsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "coordinator", Name: "evaluations_failed_total", Help: "Coordinator evaluations that exhausted retries.",
		}, []string{"session"}),
		evalsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "coordinator", Name: "evaluations_retried_total", Help: "Coordinator evaluation retry attempts.",
		}, []string{"session"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "workflows", Name: "dispatched_total", Help: "Workflows dispatched, by type.",
		}, []string{"type"}),
		terminalsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "workflows", Name: "terminal_total", Help: "Workflow terminal transitions, by type and status.",
		}, []string{"type", "status"}),
	}
	reg.MustRegister(
		r.agentAvailable, r.agentResting, r.agentAllocated, r.agentBusy,
		r.tasksByStatus, r.workflowsLive, r.workflowsArchived,
		r.evalsFired, r.evalsFailed, r.evalsRetried, r.dispatches, r.terminalsByType,
	)
	return r
}

// SetAgentCounts implements Recorder.
func (r *Registry) SetAgentCounts(available, resting, allocated, busy int) {
	if !r.enabled {
		return
	}
	r.agentAvailable.Set(float64(available))
	r.agentResting.Set(float64(resting))
	r.agentAllocated.Set(float64(allocated))
	r.agentBusy.Set(float64(busy))
}

// SetTaskCounts implements Recorder.
func (r *Registry) SetTaskCounts(counts map[string]int) {
	if !r.enabled {
		return
	}
	for status, n := range counts {
		r.tasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetWorkflowCounts implements Recorder.
func (r *Registry) SetWorkflowCounts(live, archived int) {
	if !r.enabled {
		return
	}
	r.workflowsLive.Set(float64(live))
	r.workflowsArchived.Set(float64(archived))
}

// EvaluationFired implements Recorder.
func (r *Registry) EvaluationFired(sessionID string) {
	if r.enabled {
		r.evalsFired.WithLabelValues(sessionID).Inc()
	}
}

// EvaluationFailed implements Recorder.
func (r *Registry) EvaluationFailed(sessionID string) {
	if r.enabled {
		r.evalsFailed.WithLabelValues(sessionID).Inc()
	}
}

// EvaluationRetried implements Recorder.
func (r *Registry) EvaluationRetried(sessionID string) {
	if r.enabled {
		r.evalsRetried.WithLabelValues(sessionID).Inc()
	}
}

// WorkflowDispatched implements Recorder.
func (r *Registry) WorkflowDispatched(workflowType string) {
	if r.enabled {
		r.dispatches.WithLabelValues(workflowType).Inc()
	}
}

// WorkflowTerminal implements Recorder.
func (r *Registry) WorkflowTerminal(workflowType, status string) {
	if r.enabled {
		r.terminalsByType.WithLabelValues(workflowType, status).Inc()
	}
}

// Serve starts the /metrics HTTP listener and blocks until ctx is
// cancelled. A disabled or addr-less registry starts no listener and just
// waits for ctx to be cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	if !r.enabled || addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
