package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/doc"
)

func (e *engineImpl) StartWorkflow(ctx context.Context, req api.StartRequest) (*api.Workflow, error) {
	tpl, err := e.store.GetTemplate(ctx, req.Tenant, req.TplID)
	if err != nil {
		return nil, storeErr(err)
	}

	wfid := req.WFID
	if wfid == "" {
		wfid = uuid.NewString()
	}
	title := req.Title
	if title == "" {
		title = tpl.TplID
	}
	now := time.Now()
	wf := &api.Workflow{
		Tenant:    req.Tenant,
		WFID:      wfid,
		TplID:     req.TplID,
		Title:     title,
		Doc:       tpl.Doc,
		Status:    api.StatusRun,
		Starter:   req.Starter,
		TeamID:    req.TeamID,
		Rehearsal: req.Rehearsal,
		RunMode:   req.RunMode,
		Pboat:     tpl.Pboat,
		PBO:       req.PBO,
		KVars:     req.KVars,
		PNodeID:   req.PNodeID,
		PWorkID:   req.PWorkID,
		PWFID:     req.PWFID,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, persistence.ErrWorkflowExists) {
			return nil, api.NewError(api.ErrBadStatus, "wfid %s is already taken", wfid).WithWFID(wfid)
		}
		return nil, err
	}
	e.observer.OnWorkflowStart(ctx, wf)

	var s *step
	err = e.withLease(ctx, wfid, func(ctx context.Context) error {
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		start := s.d.Start()
		if err := s.activate(ctx, start.ID, nil, ""); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		// The instance never had a valid first step; don't leave the bare
		// row behind.
		_ = e.store.DestroyWorkflow(context.WithoutCancel(ctx), req.Tenant, wfid)
		return nil, err
	}
	e.afterCommit(ctx, s)
	return wf, nil
}

func (e *engineImpl) DoWork(ctx context.Context, req api.DoWorkRequest) (*api.Workflow, error) {
	td, err := e.store.GetTodo(ctx, req.Tenant, req.TodoID)
	if err != nil {
		return nil, storeErr(err)
	}
	if td.Doer != req.Doer {
		return nil, api.NewError(api.ErrNoPerm, "todo belongs to %s", td.Doer).WithTodo(td.TodoID)
	}
	if td.Status != api.StatusRun {
		return nil, api.NewError(api.ErrBadStatus, "todo is already %s", td.Status).WithTodo(td.TodoID)
	}

	var wf *api.Workflow
	var s *step
	err = e.withLease(ctx, td.WFID, func(ctx context.Context) error {
		wf, err = e.store.GetWorkflow(ctx, req.Tenant, td.WFID)
		if err != nil {
			return storeErr(err)
		}
		if wf.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "workflow is %s", wf.Status).WithWFID(wf.WFID)
		}
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		w := s.works[td.WorkID]
		if w == nil || w.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "work item is no longer active").
				WithWFID(wf.WFID).WithTodo(td.TodoID)
		}

		s.mergeKVars(req.KVars)
		now := time.Now()
		s.commit.UpdateTodos = append(s.commit.UpdateTodos, persistence.TodoUpdate{
			TodoID:   td.TodoID,
			Status:   api.StatusDone,
			Decision: req.Route,
			Comment:  req.Comment,
			DoneAt:   now,
		})

		// First completion resolves the work item; sibling obligations are
		// withdrawn.
		siblings, err := e.store.ListTodos(ctx, api.TodoFilter{
			Tenant: req.Tenant, WFID: td.WFID, WorkID: td.WorkID,
		})
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.TodoID != td.TodoID && sib.Status == api.StatusRun {
				s.commit.DeleteTodos = append(s.commit.DeleteTodos, sib.TodoID)
			}
		}

		s.markDone(w, req.Route)
		if err := s.advance(ctx, w, req.Route); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(ctx, s)
	return wf, nil
}

func (e *engineImpl) Sendback(ctx context.Context, tenant, doer, todoid string) error {
	td, err := e.store.GetTodo(ctx, tenant, todoid)
	if err != nil {
		return storeErr(err)
	}
	if td.Doer != doer {
		return api.NewError(api.ErrNoPerm, "todo belongs to %s", td.Doer).WithTodo(todoid)
	}

	var s *step
	err = e.withLease(ctx, td.WFID, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, tenant, td.WFID)
		if err != nil {
			return storeErr(err)
		}
		if wf.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "workflow is %s", wf.Status).WithWFID(wf.WFID)
		}
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		w := s.works[td.WorkID]
		if w == nil {
			return api.NewError(api.ErrBadStatus, "work item no longer exists").WithTodo(todoid)
		}
		// Returnable only while no parallel sibling activation has already
		// been resolved and nothing downstream has been activated. A work
		// item with successors needs a revoke, which voids them.
		for _, other := range s.works {
			if other.WorkID != w.WorkID && other.FromWorkID != "" &&
				other.FromWorkID == w.FromWorkID && other.Status == api.StatusDone {
				return api.NewError(api.ErrNotReturnable,
					"a parallel branch already completed at node %s", other.NodeID).
					WithWFID(wf.WFID).WithNode(w.NodeID)
			}
			if other.FromWorkID == w.WorkID {
				return api.NewError(api.ErrNotReturnable,
					"node %s already advanced to %s", w.NodeID, other.NodeID).
					WithWFID(wf.WFID).WithNode(w.NodeID)
			}
		}

		s.reopenWork(w)
		if err := s.reissueTodos(ctx, w); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return err
	}
	e.afterCommit(ctx, s)
	return nil
}

func (e *engineImpl) Revoke(ctx context.Context, tenant, doer, todoid string) error {
	td, err := e.store.GetTodo(ctx, tenant, todoid)
	if err != nil {
		return storeErr(err)
	}
	if td.Doer != doer {
		return api.NewError(api.ErrNoPerm, "todo belongs to %s", td.Doer).WithTodo(todoid)
	}

	var s *step
	err = e.withLease(ctx, td.WFID, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, tenant, td.WFID)
		if err != nil {
			return storeErr(err)
		}
		if wf.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "workflow is %s", wf.Status).WithWFID(wf.WFID)
		}
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		w := s.works[td.WorkID]
		if w == nil || w.Status != api.StatusDone {
			return api.NewError(api.ErrNotRevocable, "work item is not completed").WithTodo(todoid)
		}

		// Revocable only while nothing downstream has been acted upon.
		var successors []*api.Work
		for _, other := range s.works {
			if other.FromWorkID == w.WorkID {
				if other.Status == api.StatusDone {
					return api.NewError(api.ErrNotRevocable,
						"successor node %s already completed", other.NodeID).
						WithWFID(wf.WFID).WithNode(w.NodeID)
				}
				successors = append(successors, other)
			}
		}
		for _, succ := range successors {
			acted, err := e.store.ListTodos(ctx, api.TodoFilter{
				Tenant: tenant, WFID: wf.WFID, WorkID: succ.WorkID, Status: api.StatusDone,
			})
			if err != nil {
				return err
			}
			if len(acted) > 0 {
				return api.NewError(api.ErrNotRevocable,
					"successor node %s already acted upon", succ.NodeID).
					WithWFID(wf.WFID).WithNode(succ.NodeID)
			}
		}

		// Void the successor activations and reopen the work item.
		for _, succ := range successors {
			s.voidWork(ctx, succ)
		}
		s.reopenWork(w)
		if err := s.reissueTodos(ctx, w); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return err
	}
	e.afterCommit(ctx, s)
	return nil
}

func (e *engineImpl) TransferTodo(ctx context.Context, tenant, todoid, newDoer string) error {
	td, err := e.store.GetTodo(ctx, tenant, todoid)
	if err != nil {
		return storeErr(err)
	}
	if td.Status != api.StatusRun {
		return api.NewError(api.ErrBadStatus, "todo is already %s", td.Status).WithTodo(todoid)
	}
	if !td.Transferable {
		return api.NewError(api.ErrNotTransferable, "todo is not transferable").WithTodo(todoid)
	}

	err = e.withLease(ctx, td.WFID, func(ctx context.Context) error {
		return e.store.CommitStep(ctx, &persistence.StepCommit{
			Tenant: tenant,
			WFID:   td.WFID,
			UpdateTodos: []persistence.TodoUpdate{{
				TodoID: todoid,
				Status: api.StatusRun,
				Doer:   newDoer,
			}},
		})
	})
	if err != nil {
		return err
	}
	e.resetInstanceETags(ctx, tenant)
	return nil
}

func (e *engineImpl) PauseWorkflow(ctx context.Context, tenant, wfid string) error {
	return e.transition(ctx, tenant, wfid, []api.Status{api.StatusRun}, api.StatusPause)
}

func (e *engineImpl) ResumeWorkflow(ctx context.Context, tenant, wfid string) error {
	return e.transition(ctx, tenant, wfid, []api.Status{api.StatusPause}, api.StatusRun)
}

func (e *engineImpl) StopWorkflow(ctx context.Context, tenant, wfid string) error {
	err := e.transition(ctx, tenant, wfid, []api.Status{api.StatusRun, api.StatusPause}, api.StatusStop)
	if err != nil {
		return err
	}
	if wf, gerr := e.store.GetWorkflow(ctx, tenant, wfid); gerr == nil {
		e.observer.OnWorkflowStopped(ctx, wf)
	}
	return nil
}

// transition applies a coarse lifecycle status change. Stopping additionally
// voids the instance's pending timers and callback points, since no future
// event may advance a stopped instance.
func (e *engineImpl) transition(ctx context.Context, tenant, wfid string, from []api.Status, to api.Status) error {
	err := e.withLease(ctx, wfid, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, tenant, wfid)
		if err != nil {
			return storeErr(err)
		}
		allowed := false
		for _, f := range from {
			if wf.Status == f {
				allowed = true
			}
		}
		if !allowed {
			return api.NewError(api.ErrBadStatus, "cannot go from %s to %s", wf.Status, to).WithWFID(wfid)
		}

		commit := &persistence.StepCommit{Tenant: tenant, WFID: wfid, SetStatus: to}
		if to == api.StatusStop {
			d, err := doc.Parse(wf.Doc)
			if err == nil {
				for _, n := range d.Nodes() {
					if n.Type == doc.TypeWait {
						commit.DeleteTimers = append(commit.DeleteTimers, n.ID)
					}
				}
			}
			cbps, err := e.store.ListCbPoints(ctx, tenant, wfid)
			if err != nil {
				return err
			}
			for _, cbp := range cbps {
				commit.DeleteCbPoints = append(commit.DeleteCbPoints, cbp.ID)
			}
		}
		return e.store.CommitStep(ctx, commit)
	})
	if err != nil {
		return err
	}
	e.resetInstanceETags(ctx, tenant)
	return nil
}

func (e *engineImpl) RestartWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, tenant, wfid)
	if err != nil {
		return nil, storeErr(err)
	}
	return e.StartWorkflow(ctx, api.StartRequest{
		Tenant:  tenant,
		TplID:   wf.TplID,
		Starter: wf.Starter,
		Title:   wf.Title,
		TeamID:  wf.TeamID,
		PBO:     wf.PBO,
		RunMode: wf.RunMode,
	})
}

func (e *engineImpl) DestroyWorkflow(ctx context.Context, tenant, wfid string) error {
	err := e.withLease(ctx, wfid, func(ctx context.Context) error {
		return e.store.DestroyWorkflow(ctx, tenant, wfid)
	})
	if err != nil {
		return err
	}
	e.resetInstanceETags(ctx, tenant)
	return nil
}

func (e *engineImpl) RestartThenDestroy(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	fresh, err := e.RestartWorkflow(ctx, tenant, wfid)
	if err != nil {
		return nil, err
	}
	// The old copy goes only after the restart is safely in place.
	if err := e.DestroyWorkflow(ctx, tenant, wfid); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (e *engineImpl) RerunNode(ctx context.Context, tenant, wfid, nodeid string) error {
	var s *step
	err := e.withLease(ctx, wfid, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, tenant, wfid)
		if err != nil {
			return storeErr(err)
		}
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		if s.d.Node(nodeid) == nil {
			return api.NewError(api.ErrDocParse, "node %s not in document", nodeid).
				WithWFID(wfid).WithNode(nodeid)
		}

		// Reset the node's latest activation.
		var latest *api.Work
		for _, w := range s.works {
			if w.NodeID != nodeid {
				continue
			}
			if latest == nil || w.CreatedAt.After(latest.CreatedAt) {
				latest = w
			}
		}
		if latest == nil {
			return api.NewError(api.ErrBadStatus, "node %s was never activated", nodeid).
				WithWFID(wfid).WithNode(nodeid)
		}

		s.reopenWork(latest)
		todos, err := e.store.ListTodos(ctx, api.TodoFilter{Tenant: tenant, WFID: wfid, WorkID: latest.WorkID})
		if err != nil {
			return err
		}
		for _, td := range todos {
			s.commit.UpdateTodos = append(s.commit.UpdateTodos, persistence.TodoUpdate{
				TodoID: td.TodoID,
				Status: api.StatusRun,
			})
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return err
	}
	e.resetInstanceETags(ctx, tenant)
	return nil
}

func (e *engineImpl) DoCallback(ctx context.Context, tenant, cbpid, decision string, kvars map[string]any) (*api.Workflow, error) {
	cbp, err := e.store.GetCbPoint(ctx, tenant, cbpid)
	if err != nil {
		return nil, storeErr(err)
	}

	var wf *api.Workflow
	var s *step
	err = e.withLease(ctx, cbp.WFID, func(ctx context.Context) error {
		wf, err = e.store.GetWorkflow(ctx, tenant, cbp.WFID)
		if err != nil {
			return storeErr(err)
		}
		if wf.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "workflow is %s", wf.Status).WithWFID(wf.WFID)
		}
		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		w := s.works[cbp.WorkID]
		if w == nil || w.Status != api.StatusRun {
			return api.NewError(api.ErrBadStatus, "waiting node already resumed").
				WithWFID(wf.WFID).WithNode(cbp.NodeID)
		}
		s.mergeKVars(kvars)
		if err := s.resumeWait(ctx, w, decision); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(ctx, s)
	return wf, nil
}

func (e *engineImpl) FireTimer(ctx context.Context, timer *api.DelayTimer) error {
	var s *step
	err := e.withLease(ctx, timer.WFID, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, timer.Tenant, timer.WFID)
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			// Instance destroyed while the timer was pending; drop it.
			return nil
		}
		if err != nil {
			return err
		}
		switch wf.Status {
		case api.StatusPause:
			// Paused instances keep their timers; push the fire time out
			// and let a later scan retry.
			rearmed := *timer
			rearmed.Time = time.Now().Add(30 * time.Second)
			return e.store.CommitStep(ctx, &persistence.StepCommit{
				Tenant:    timer.Tenant,
				WFID:      timer.WFID,
				NewTimers: []*api.DelayTimer{&rearmed},
			})
		case api.StatusRun:
		default:
			return nil
		}

		s, err = e.newStep(ctx, wf)
		if err != nil {
			return err
		}
		w := s.works[timer.WorkID]
		if w == nil || w.Status != api.StatusRun {
			// Already resumed through its callback point.
			return nil
		}
		if err := s.resumeWait(ctx, w, ""); err != nil {
			return err
		}
		return e.store.CommitStep(ctx, s.finish())
	})
	if err != nil {
		return err
	}
	if s != nil {
		e.afterCommit(ctx, s)
	}
	return nil
}
