package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/metatocome/hyperflow/internal/cache"
	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/doc"
	"github.com/metatocome/hyperflow/pkg/pds"
)

// engineImpl interprets workflow documents and advances instances step by
// step. Every mutating operation on a wfid runs under that instance's lease,
// so at most one engine step is in flight per instance across all processes
// sharing the store.
type engineImpl struct {
	store    persistence.Store
	cache    cache.Cache
	resolver *pds.Resolver
	observer api.Observer
	logger   *slog.Logger

	owner       string
	leaseTTL    time.Duration
	lockTimeout time.Duration
	maxSteps    int
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engine. Store is required; everything
// else has a sensible default.
type Config struct {
	Store     persistence.Store
	Cache     cache.Cache
	Directory pds.Directory
	Observer  api.Observer
	Logger    *slog.Logger

	// LeaseTTL is how long one engine step may hold a wfid lease before it
	// is considered abandoned.
	LeaseTTL time.Duration

	// LockTimeout bounds how long a caller waits for a contended lease
	// before failing with ENGINE_BUSY.
	LockTimeout time.Duration

	// MaxSteps bounds the number of node activations in a single engine
	// step; exceeding it fails with WORKFLOW_LOOP_DETECTED.
	MaxSteps int
}

const (
	defaultLeaseTTL    = 30 * time.Second
	defaultLockTimeout = 5 * time.Second
	defaultMaxSteps    = 500
)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemCache()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	dir := cfg.Directory
	if dir == nil {
		dir = nullDirectory{}
	}
	return &engineImpl{
		store:       cfg.Store,
		cache:       c,
		resolver:    &pds.Resolver{Teams: teamLookup{cfg.Store}, Dir: dir},
		observer:    obs,
		logger:      logger,
		owner:       uuid.NewString(),
		leaseTTL:    cfg.LeaseTTL,
		lockTimeout: cfg.LockTimeout,
		maxSteps:    cfg.MaxSteps,
	}
}

// NewEngine returns an Engine over the given store with default settings.
func NewEngine(store persistence.Store) api.Engine {
	return NewEngineWithConfig(Config{Store: store})
}

// teamLookup adapts the store's team read to the resolver's convention that
// a missing team is (nil, nil), not an error.
type teamLookup struct {
	store persistence.TeamStore
}

func (t teamLookup) GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error) {
	team, err := t.store.GetTeam(ctx, tenant, teamid)
	if errors.Is(err, persistence.ErrTeamNotFound) {
		return nil, nil
	}
	return team, err
}

// nullDirectory backs deployments without an org-chart service: every query
// resolves to nobody.
type nullDirectory struct{}

func (nullDirectory) QueryOrgChart(ctx context.Context, tenant, ouRegex string, positions []string) ([]api.Employee, error) {
	return nil, nil
}

func (nullDirectory) OrgUnitOf(ctx context.Context, tenant, eid string) (string, error) {
	return "", nil
}

// withLease runs fn while holding the wfid's engine-step lease, polling until
// the lease is free or the lock timeout elapses.
func (e *engineImpl) withLease(ctx context.Context, wfid string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(e.lockTimeout)
	for {
		acquired, err := e.store.TryAcquireLease(ctx, wfid, e.owner, e.leaseTTL)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return api.NewError(api.ErrEngineBusy, "workflow is busy, retry later").WithWFID(wfid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), wfid, e.owner); err != nil {
			e.logger.Warn("lease release failed", "wfid", wfid, "err", err)
		}
	}()
	return fn(ctx)
}

// storeErr maps persistence sentinels onto the engine error taxonomy.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrTemplateNotFound):
		return api.NewError(api.ErrTplNotFound, "template not found")
	case errors.Is(err, persistence.ErrStaleTemplate):
		return api.NewError(api.ErrStaleTemplate, "template was modified concurrently, reload and retry")
	case errors.Is(err, persistence.ErrWorkflowNotFound):
		return api.NewError(api.ErrWorkflowNotFound, "workflow not found")
	case errors.Is(err, persistence.ErrTodoNotFound):
		return api.NewError(api.ErrTodoNotFound, "todo not found")
	case errors.Is(err, persistence.ErrCbPointNotFound):
		return api.NewError(api.ErrCbPointNotFound, "callback point not found")
	default:
		return err
	}
}

// resetInstanceETags invalidates the tenant's list caches after a mutating
// engine operation. Failures are logged, never propagated: the cache is a
// freshness convenience, not a correctness dependency.
func (e *engineImpl) resetInstanceETags(ctx context.Context, tenant string) {
	for _, key := range []string{cache.ETagWorkflowList(tenant), cache.ETagTodoList(tenant)} {
		if err := e.cache.ResetETag(ctx, key); err != nil {
			e.logger.Warn("etag reset failed", "key", key, "err", err)
		}
	}
}

func (e *engineImpl) resetTemplateETag(ctx context.Context, tenant string) {
	if err := e.cache.ResetETag(ctx, cache.ETagTemplateList(tenant)); err != nil {
		e.logger.Warn("etag reset failed", "tenant", tenant, "err", err)
	}
}

// --- templates ---

func (e *engineImpl) SaveTemplate(ctx context.Context, tpl *api.Template) (*api.Template, error) {
	if _, err := doc.Parse(tpl.Doc); err != nil {
		return nil, err
	}

	saved := *tpl
	prev := saved.LastUpdatedAt
	saved.LastUpdatedAt = time.Now()

	if prev.IsZero() {
		if err := e.store.CreateTemplate(ctx, &saved); err != nil {
			if errors.Is(err, persistence.ErrTemplateExists) {
				return nil, api.NewError(api.ErrStaleTemplate,
					"template %s already exists, load it before saving", tpl.TplID)
			}
			return nil, storeErr(err)
		}
	} else {
		if err := e.store.UpdateTemplate(ctx, &saved, prev); err != nil {
			return nil, storeErr(err)
		}
	}
	e.resetTemplateETag(ctx, tpl.Tenant)
	return &saved, nil
}

func (e *engineImpl) GetTemplate(ctx context.Context, tenant, tplid string) (*api.Template, error) {
	tpl, err := e.store.GetTemplate(ctx, tenant, tplid)
	return tpl, storeErr(err)
}

func (e *engineImpl) DeleteTemplate(ctx context.Context, tenant, tplid string) error {
	if err := e.store.DeleteTemplate(ctx, tenant, tplid); err != nil {
		return storeErr(err)
	}
	e.resetTemplateETag(ctx, tenant)
	return nil
}

func (e *engineImpl) ListTemplates(ctx context.Context, tenant string) ([]*api.Template, error) {
	return e.store.ListTemplates(ctx, tenant)
}

// --- reads ---

func (e *engineImpl) GetWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, tenant, wfid)
	if err != nil {
		return nil, storeErr(err)
	}
	return wf, nil
}

func (e *engineImpl) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

func (e *engineImpl) ListTodos(ctx context.Context, filter api.TodoFilter) ([]*api.Todo, error) {
	return e.store.ListTodos(ctx, filter)
}

func (e *engineImpl) ListRoutes(ctx context.Context, tenant, wfid string) ([]*api.Route, error) {
	return e.store.ListRoutes(ctx, tenant, wfid)
}
