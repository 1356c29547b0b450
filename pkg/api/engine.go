package api

import "context"

// StartRequest carries everything needed to start a workflow instance from a
// template.
type StartRequest struct {
	Tenant  string
	TplID   string
	Starter string

	// WFID, if non-empty, is used as the new instance's id; otherwise the
	// engine generates one. Supplying a wfid that already exists is an error.
	WFID string

	Title     string
	TeamID    string
	PBO       string
	KVars     map[string]any
	RunMode   string
	Rehearsal bool

	// Parent linkage when this start is a sub-workflow spawned by a node of
	// another instance. Left empty by external callers.
	PWFID   string
	PNodeID string
	PWorkID string
}

// DoWorkRequest carries one participant's completion of a todo.
type DoWorkRequest struct {
	Tenant string
	Doer   string
	TodoID string

	// Route selects the outgoing link by case label. Empty picks the
	// default (unlabelled) link.
	Route   string
	KVars   map[string]any
	Comment string
}

// WorkflowFilter selects workflow instances. Tenant is mandatory; zero values
// elsewhere mean "no filter".
type WorkflowFilter struct {
	Tenant  string
	TplID   string
	Status  Status
	Starter string
}

// TodoFilter selects todos. Tenant is mandatory; zero values elsewhere mean
// "no filter".
type TodoFilter struct {
	Tenant   string
	WFID     string
	WorkID   string
	Doer     string
	Status   Status
	WfStatus Status
}

// Engine is the workflow execution engine: it interprets an instance's
// node/link document and advances it token by token in response to events
// (start, do-work, callback, timer fire, admin ops).
//
// All mutating operations on the same wfid are serialized by a per-wfid
// lease; a caller that cannot acquire the lease within the configured
// timeout receives an ENGINE_BUSY error and may safely retry, since nothing
// was mutated.
type Engine interface {
	// SaveTemplate creates or updates a template. An update must carry the
	// LastUpdatedAt of the version it was loaded from; a stale value is
	// rejected with STALE_TEMPLATE. The document is parsed up front so a
	// malformed template never reaches storage.
	SaveTemplate(ctx context.Context, tpl *Template) (*Template, error)
	GetTemplate(ctx context.Context, tenant, tplid string) (*Template, error)
	DeleteTemplate(ctx context.Context, tenant, tplid string) error
	ListTemplates(ctx context.Context, tenant string) ([]*Template, error)

	// StartWorkflow clones the template's doc into a new instance, activates
	// the START node and advances synchronously until the traversal parks on
	// a human todo, a WAIT node or the END.
	StartWorkflow(ctx context.Context, req StartRequest) (*Workflow, error)

	// DoWork completes a todo on behalf of its doer, records the route and
	// advances the instance from the completed node.
	DoWork(ctx context.Context, req DoWorkRequest) (*Workflow, error)

	// Sendback reopens a still-running work item's todos for rework at the
	// same node. Fails with NOT_RETURNABLE if a parallel sibling work item
	// has already completed.
	Sendback(ctx context.Context, tenant, doer, todoid string) error

	// Revoke reopens a completed work item whose successors have not been
	// acted upon, voiding the successor activations. Fails with
	// NOT_REVOCABLE otherwise.
	Revoke(ctx context.Context, tenant, doer, todoid string) error

	// TransferTodo reassigns a transferable todo to another doer.
	TransferTodo(ctx context.Context, tenant, todoid, newDoer string) error

	PauseWorkflow(ctx context.Context, tenant, wfid string) error
	ResumeWorkflow(ctx context.Context, tenant, wfid string) error
	StopWorkflow(ctx context.Context, tenant, wfid string) error

	// RestartWorkflow starts a structurally fresh instance (new wfid) from
	// the same template, leaving the old instance intact.
	RestartWorkflow(ctx context.Context, tenant, wfid string) (*Workflow, error)

	// DestroyWorkflow deletes the instance and every dependent Work, Todo,
	// Route, DelayTimer and CbPoint row. Destroying a wfid that does not
	// exist is a no-op.
	DestroyWorkflow(ctx context.Context, tenant, wfid string) error

	// RestartThenDestroy restarts the instance and destroys the old copy
	// only after the restart succeeded.
	RestartThenDestroy(ctx context.Context, tenant, wfid string) (*Workflow, error)

	// RerunNode is an administrative override that resets one node's work
	// and todos back to ST_RUN, stripping any prior decision.
	RerunNode(ctx context.Context, tenant, wfid, nodeid string) error

	// DoCallback resumes the waiting node addressed by a callback point,
	// routing by the given decision as if a participant had completed it.
	DoCallback(ctx context.Context, tenant, cbpid, decision string, kvars map[string]any) (*Workflow, error)

	// FireTimer resumes the waiting node of a claimed delay timer. Callers
	// (the scanner worker) must have atomically claimed the timer first.
	FireTimer(ctx context.Context, timer *DelayTimer) error

	GetWorkflow(ctx context.Context, tenant, wfid string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	ListTodos(ctx context.Context, filter TodoFilter) ([]*Todo, error)
	ListRoutes(ctx context.Context, tenant, wfid string) ([]*Route, error)
}
