package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metatocome/hyperflow/pkg/api"
)

var (
	// ErrTemplateNotFound is returned when a template does not exist in
	// tenant scope.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplateExists is returned when creating a template whose tplid is
	// already taken within the tenant.
	ErrTemplateExists = errors.New("template already exists")

	// ErrStaleTemplate is returned when an update carries an out-of-date
	// optimistic concurrency token.
	ErrStaleTemplate = errors.New("template modified concurrently")

	// ErrWorkflowNotFound is returned when a workflow instance is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowExists is returned when creating a workflow whose wfid is
	// already taken.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrWorkNotFound is returned when a work item is not found.
	ErrWorkNotFound = errors.New("work not found")

	// ErrTodoNotFound is returned when a todo is not found.
	ErrTodoNotFound = errors.New("todo not found")

	// ErrCbPointNotFound is returned when a callback point is not found.
	ErrCbPointNotFound = errors.New("callback point not found")

	// ErrTeamNotFound is returned when a team is not found.
	ErrTeamNotFound = errors.New("team not found")

	// ErrCrontabExists is returned when an identical schedule (tplid, expr,
	// starters, method) is already registered.
	ErrCrontabExists = errors.New("crontab already exists")
)

// WorkUpdate mutates one existing work row inside a step commit.
type WorkUpdate struct {
	WorkID   string
	Status   api.Status
	Decision string
	DoneAt   time.Time
}

// TodoUpdate mutates one existing todo row inside a step commit.
type TodoUpdate struct {
	TodoID   string
	Status   api.Status
	Decision string
	Comment  string
	Doer     string // non-empty reassigns the todo (transfer)
	DoneAt   time.Time
}

// StepCommit is the atomic unit of one engine step: the re-serialized
// document plus every dependent row the step created, resolved or voided.
// Implementations must apply a commit all-or-nothing; a failed step may not
// leave partial state behind.
type StepCommit struct {
	Tenant string
	WFID   string

	// Doc, when non-empty, replaces the instance's document snapshot.
	Doc string

	// SetStatus, when non-empty, updates the workflow's status AND the
	// denormalized wfstatus of every todo of the wfid in the same commit.
	SetStatus api.Status

	// KVars, when non-nil, replaces the workflow's variable map.
	KVars map[string]any

	NewWorks    []*api.Work
	UpdateWorks []WorkUpdate
	DeleteWorks []string // workids voided by revoke

	NewTodos    []*api.Todo
	UpdateTodos []TodoUpdate
	DeleteTodos []string

	NewRoutes []*api.Route

	NewTimers    []*api.DelayTimer
	DeleteTimers []string // nodeids of (wfid, nodeid) timer rows

	NewCbPoints    []*api.CbPoint
	DeleteCbPoints []string // cbp ids
}

// Empty reports whether the commit would change nothing.
func (c *StepCommit) Empty() bool {
	return c.Doc == "" && c.SetStatus == "" && c.KVars == nil &&
		len(c.NewWorks) == 0 && len(c.UpdateWorks) == 0 && len(c.DeleteWorks) == 0 &&
		len(c.NewTodos) == 0 && len(c.UpdateTodos) == 0 && len(c.DeleteTodos) == 0 &&
		len(c.NewRoutes) == 0 && len(c.NewTimers) == 0 && len(c.DeleteTimers) == 0 &&
		len(c.NewCbPoints) == 0 && len(c.DeleteCbPoints) == 0
}

// TemplateStore handles storage of process templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl *api.Template) error
	// UpdateTemplate replaces the template if its stored LastUpdatedAt still
	// equals ifUpdatedAt; otherwise it fails with ErrStaleTemplate.
	UpdateTemplate(ctx context.Context, tpl *api.Template, ifUpdatedAt time.Time) error
	GetTemplate(ctx context.Context, tenant, tplid string) (*api.Template, error)
	DeleteTemplate(ctx context.Context, tenant, tplid string) error
	ListTemplates(ctx context.Context, tenant string) ([]*api.Template, error)
}

// InstanceStore handles storage of workflow instances and the per-wfid lease
// that serializes engine steps.
type InstanceStore interface {
	CreateWorkflow(ctx context.Context, wf *api.Workflow) error
	GetWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error)

	// CommitStep applies one engine step atomically.
	CommitStep(ctx context.Context, commit *StepCommit) error

	// DestroyWorkflow removes the instance and all dependent work, todo,
	// route, timer and callback-point rows. It is a no-op (not an error)
	// when the wfid does not exist.
	DestroyWorkflow(ctx context.Context, tenant, wfid string) error

	// TryAcquireLease attempts to acquire (or re-acquire) the engine-step
	// lease for a wfid. If the lease is currently held by another owner and
	// has not expired, it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as
	// re-entrant.
	TryAcquireLease(ctx context.Context, wfid, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by owner for the given ttl.
	RenewLease(ctx context.Context, wfid, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, wfid, owner string) error
}

// WorkStore reads work items, todos and route history. All writes go through
// CommitStep.
type WorkStore interface {
	GetWork(ctx context.Context, tenant, wfid, workid string) (*api.Work, error)
	ListWorks(ctx context.Context, tenant, wfid string) ([]*api.Work, error)
	GetTodo(ctx context.Context, tenant, todoid string) (*api.Todo, error)
	ListTodos(ctx context.Context, filter api.TodoFilter) ([]*api.Todo, error)
	// ListRoutes returns route rows in causal insertion order.
	ListRoutes(ctx context.Context, tenant, wfid string) ([]*api.Route, error)
}

// TimerStore reads and claims delay timers and callback points. Creation and
// per-step deletion go through CommitStep.
type TimerStore interface {
	// ClaimDueTimers atomically removes and returns up to limit timers with
	// time <= now. Concurrent scanners never receive the same timer twice.
	ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*api.DelayTimer, error)
	GetDelayTimer(ctx context.Context, tenant, wfid, nodeid string) (*api.DelayTimer, error)
	GetCbPoint(ctx context.Context, tenant, cbpid string) (*api.CbPoint, error)
	ListCbPoints(ctx context.Context, tenant, wfid string) ([]*api.CbPoint, error)
}

// TeamStore handles role-mapping teams. TMap is an opaque document: partial
// updates go through the explicit role operations so implementations can
// mark the field dirty.
type TeamStore interface {
	SaveTeam(ctx context.Context, team *api.Team) error
	GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error)
	DeleteTeam(ctx context.Context, tenant, teamid string) error
	SetTeamRole(ctx context.Context, tenant, teamid, role string, members []api.TeamMember) error
	DeleteTeamRole(ctx context.Context, tenant, teamid, role string) error
}

// CrontabStore handles scheduled workflow starts.
type CrontabStore interface {
	// CreateCrontab registers a schedule; an identical (tplid, expr,
	// starters, method) combination fails with ErrCrontabExists.
	CreateCrontab(ctx context.Context, entry *api.Crontab) error

	// ListCrontabs returns the tenant's schedules; an empty tenant returns
	// every tenant's, for scheduler rehydration after a restart.
	ListCrontabs(ctx context.Context, tenant string) ([]*api.Crontab, error)
	DeleteCrontab(ctx context.Context, tenant, cronid string) error
	CountCrontabs(ctx context.Context, tenant string) (int, error)
}

// Store is the full persistence surface one backend implements.
type Store interface {
	TemplateStore
	InstanceStore
	WorkStore
	TimerStore
	TeamStore
	CrontabStore
}
