package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the workflow engine for logging, metrics
// and notification dispatch.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay engine steps. Observer failures never
// roll back an engine state transition.
type Observer interface {
	// OnWorkflowStart is called once when an instance is first started,
	// after the start step committed.
	OnWorkflowStart(ctx context.Context, wf *Workflow)

	// OnWorkflowCompleted is called when an instance reaches ST_DONE.
	OnWorkflowCompleted(ctx context.Context, wf *Workflow)

	// OnWorkflowStopped is called when an instance is stopped or destroyed.
	OnWorkflowStopped(ctx context.Context, wf *Workflow)

	// OnTodoCreated is called for every todo created by an engine step.
	// This is the notification dispatch hook: implementations typically
	// enqueue an email or bot message to the doer.
	OnTodoCreated(ctx context.Context, todo *Todo)

	// OnNodeDone is called after a node-activation is resolved, for both
	// human completions and script/timer/callback resumptions.
	OnNodeDone(ctx context.Context, wf *Workflow, work *Work, duration time.Duration)

	// OnNoDoer is called when participant resolution for a node produced an
	// empty doer set. A template configuration error, not a fault: the
	// engine falls back to the starter and keeps going.
	OnNoDoer(ctx context.Context, wf *Workflow, nodeid, pds string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, wf *Workflow)     {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {}
func (NoopObserver) OnWorkflowStopped(ctx context.Context, wf *Workflow)   {}
func (NoopObserver) OnTodoCreated(ctx context.Context, todo *Todo)         {}
func (NoopObserver) OnNodeDone(ctx context.Context, wf *Workflow, work *Work, d time.Duration) {
}
func (NoopObserver) OnNoDoer(ctx context.Context, wf *Workflow, nodeid, pds string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowStopped(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowStopped(ctx, wf)
	}
}

func (c *CompositeObserver) OnTodoCreated(ctx context.Context, todo *Todo) {
	for _, o := range c.observers {
		o.OnTodoCreated(ctx, todo)
	}
}

func (c *CompositeObserver) OnNodeDone(ctx context.Context, wf *Workflow, work *Work, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeDone(ctx, wf, work, d)
	}
}

func (c *CompositeObserver) OnNoDoer(ctx context.Context, wf *Workflow, nodeid, pds string) {
	for _, o := range c.observers {
		o.OnNoDoer(ctx, wf, nodeid, pds)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("tenant", wf.Tenant),
		slog.String("tplid", wf.TplID),
		slog.String("wfid", wf.WFID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("tenant", wf.Tenant),
		slog.String("tplid", wf.TplID),
		slog.String("wfid", wf.WFID),
	)
}

func (o *LoggingObserver) OnWorkflowStopped(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_stopped",
		slog.String("tenant", wf.Tenant),
		slog.String("wfid", wf.WFID),
		slog.String("status", string(wf.Status)),
	)
}

func (o *LoggingObserver) OnTodoCreated(ctx context.Context, todo *Todo) {
	o.Logger.InfoContext(ctx, "todo_created",
		slog.String("tenant", todo.Tenant),
		slog.String("wfid", todo.WFID),
		slog.String("nodeid", todo.NodeID),
		slog.String("todoid", todo.TodoID),
		slog.String("doer", todo.Doer),
	)
}

func (o *LoggingObserver) OnNodeDone(ctx context.Context, wf *Workflow, work *Work, d time.Duration) {
	o.Logger.DebugContext(ctx, "node_done",
		slog.String("tenant", wf.Tenant),
		slog.String("wfid", wf.WFID),
		slog.String("nodeid", work.NodeID),
		slog.String("workid", work.WorkID),
		slog.String("decision", work.Decision),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnNoDoer(ctx context.Context, wf *Workflow, nodeid, pds string) {
	o.Logger.WarnContext(ctx, "no_doer_resolved",
		slog.String("tenant", wf.Tenant),
		slog.String("wfid", wf.WFID),
		slog.String("nodeid", nodeid),
		slog.String("pds", pds),
	)
}
