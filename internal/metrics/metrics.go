// Package metrics exposes Prometheus counters for the workflow engine,
// the task loop and the agent manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick outcomes.
const (
	TickCompleted   = "completed"
	TickTransition  = "transition"
	TickIdle        = "idle"
	TickActionError = "action_error"
	TickSkipped     = "skipped"
)

// Recorder groups crew metrics. All methods are safe on a nil *Recorder.
type Recorder struct {
	registry           *prometheus.Registry
	workflowTicks      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	lifecycle          *prometheus.CounterVec
	activeInstances    prometheus.Gauge
	taskSteps          *prometheus.CounterVec
	responsesScheduled *prometheus.CounterVec
	toolCalls          *prometheus.CounterVec
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workflowTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_workflow_ticks_total",
				Help: "Workflow engine ticks by outcome",
			},
			[]string{"outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_workflow_transitions_total",
				Help: "Applied state transitions",
			},
			[]string{"from", "to"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_workflow_lifecycle_total",
				Help: "Workflow instance lifecycle changes",
			},
			[]string{"status"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_workflow_scheduled_ticks",
				Help: "Instances with a pending scheduled tick",
			},
		),
		taskSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_task_steps_total",
				Help: "Task workflow step executions by status",
			},
			[]string{"status"},
		),
		responsesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_agent_responses_scheduled_total",
				Help: "Agent replies scheduled by message kind",
			},
			[]string{"kind"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_tool_calls_total",
				Help: "Tool invocations by tool and result",
			},
			[]string{"tool", "result"},
		),
	}
	r.registry.MustRegister(
		r.workflowTicks, r.transitions, r.lifecycle, r.activeInstances,
		r.taskSteps, r.responsesScheduled, r.toolCalls,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) WorkflowTick(outcome string) {
	if r == nil {
		return
	}
	r.workflowTicks.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Lifecycle(status string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(status).Inc()
}

// ScheduledTicks sets the number of instances waiting on a timer.
func (r *Recorder) ScheduledTicks(n int) {
	if r == nil {
		return
	}
	r.activeInstances.Set(float64(n))
}

func (r *Recorder) TaskStep(status string) {
	if r == nil {
		return
	}
	r.taskSteps.WithLabelValues(status).Inc()
}

func (r *Recorder) ResponseScheduled(kind string) {
	if r == nil {
		return
	}
	r.responsesScheduled.WithLabelValues(kind).Inc()
}

func (r *Recorder) ToolCall(tool string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.toolCalls.WithLabelValues(tool, result).Inc()
}
