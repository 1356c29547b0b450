package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports engine lifecycle counters to Prometheus.
// It can be combined with LoggingObserver via NewCompositeObserver.
type MetricsObserver struct {
	NoopObserver

	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowsStopped   *prometheus.CounterVec
	todosCreated       *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
}

// NewMetricsObserver creates a MetricsObserver and registers its collectors
// with reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &MetricsObserver{
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperflow",
			Name:      "workflows_started_total",
			Help:      "Workflow instances started.",
		}, []string{"tenant", "tplid"}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperflow",
			Name:      "workflows_completed_total",
			Help:      "Workflow instances that reached ST_DONE.",
		}, []string{"tenant", "tplid"}),
		workflowsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperflow",
			Name:      "workflows_stopped_total",
			Help:      "Workflow instances stopped or destroyed.",
		}, []string{"tenant", "tplid"}),
		todosCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperflow",
			Name:      "todos_created_total",
			Help:      "Todos created by engine steps.",
		}, []string{"tenant", "tplid"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hyperflow",
			Name:      "node_duration_seconds",
			Help:      "Wall time from node activation to resolution.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}, []string{"tenant", "nodetype"}),
	}

	reg.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowsStopped,
		m.todosCreated,
		m.nodeDuration,
	)
	return m
}

func (m *MetricsObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	m.workflowsStarted.WithLabelValues(wf.Tenant, wf.TplID).Inc()
}

func (m *MetricsObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	m.workflowsCompleted.WithLabelValues(wf.Tenant, wf.TplID).Inc()
}

func (m *MetricsObserver) OnWorkflowStopped(ctx context.Context, wf *Workflow) {
	m.workflowsStopped.WithLabelValues(wf.Tenant, wf.TplID).Inc()
}

func (m *MetricsObserver) OnTodoCreated(ctx context.Context, todo *Todo) {
	m.todosCreated.WithLabelValues(todo.Tenant, todo.TplID).Inc()
}

func (m *MetricsObserver) OnNodeDone(ctx context.Context, wf *Workflow, work *Work, d time.Duration) {
	m.nodeDuration.WithLabelValues(wf.Tenant, work.NodeType).Observe(d.Seconds())
}
