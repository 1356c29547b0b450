package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/doc"
	"github.com/metatocome/hyperflow/pkg/pds"
)

// routeDefault is the route label recorded when a traversal followed the
// unlabelled (default) link.
const routeDefault = "DEFAULT"

func routeLabel(route string) string {
	if route == "" {
		return routeDefault
	}
	return route
}

// step is one locked engine step over a single instance: it parses the
// instance's document, advances tokens, and stages every mutation into a
// StepCommit that is applied all-or-nothing when the step ends.
type step struct {
	e  *engineImpl
	wf *api.Workflow
	d  *doc.Document

	commit *persistence.StepCommit
	kvars  map[string]any

	// works holds all work rows of the instance, existing and staged, with
	// staged status changes already applied.
	works  map[string]*api.Work
	staged map[string]bool
	budget int

	// side effects to run after the commit succeeds
	newTodos     []*api.Todo
	doneWorks    []*api.Work
	childStarts  []api.StartRequest
	completed    bool
	lastDecision string
}

// newStep loads the instance's work rows and parses its document under the
// caller-held lease.
func (e *engineImpl) newStep(ctx context.Context, wf *api.Workflow) (*step, error) {
	d, err := doc.Parse(wf.Doc)
	if err != nil {
		return nil, err
	}
	works, err := e.store.ListWorks(ctx, wf.Tenant, wf.WFID)
	if err != nil {
		return nil, err
	}

	s := &step{
		e:  e,
		wf: wf,
		d:  d,
		commit: &persistence.StepCommit{
			Tenant: wf.Tenant,
			WFID:   wf.WFID,
		},
		kvars:  map[string]any{},
		works:  map[string]*api.Work{},
		staged: map[string]bool{},
	}
	for k, v := range wf.KVars {
		s.kvars[k] = v
	}
	for _, w := range works {
		s.works[w.WorkID] = w
	}
	return s, nil
}

// finish seals the step: the re-serialized document and the final variable
// map join the staged commit.
func (s *step) finish() *persistence.StepCommit {
	s.commit.Doc = s.d.Serialize()
	s.commit.KVars = s.kvars
	return s.commit
}

// mergeKVars folds new values over the current variable map.
func (s *step) mergeKVars(kv map[string]any) {
	for k, v := range kv {
		s.kvars[k] = v
	}
}

// mergeNodeDefaults folds a node's default kvars in without overriding
// values already set by the caller or by earlier nodes.
func (s *step) mergeNodeDefaults(n *doc.Node) {
	for k, v := range n.KVars() {
		if _, ok := s.kvars[k]; !ok {
			s.kvars[k] = v
		}
	}
}

func (s *step) newWork(n *doc.Node, from *api.Work, route string) *api.Work {
	w := &api.Work{
		Tenant:    s.wf.Tenant,
		WFID:      s.wf.WFID,
		WorkID:    uuid.NewString(),
		NodeID:    n.ID,
		NodeType:  n.Type,
		Status:    api.StatusRun,
		ByRoute:   route,
		CreatedAt: time.Now(),
	}
	if from != nil {
		w.FromWorkID = from.WorkID
		w.FromNodeID = from.NodeID
	}
	s.commit.NewWorks = append(s.commit.NewWorks, w)
	s.works[w.WorkID] = w
	s.staged[w.WorkID] = true
	return w
}

// markDone resolves a work item with the given decision and flips its node's
// document status.
func (s *step) markDone(w *api.Work, decision string) {
	now := time.Now()
	w.Status = api.StatusDone
	w.Decision = decision
	w.DoneAt = now
	if !s.staged[w.WorkID] {
		s.commit.UpdateWorks = append(s.commit.UpdateWorks, persistence.WorkUpdate{
			WorkID:   w.WorkID,
			Status:   api.StatusDone,
			Decision: decision,
			DoneAt:   now,
		})
	}
	if n := s.d.Node(w.NodeID); n != nil {
		n.SetStatus(string(api.StatusDone))
	}
	if decision != "" {
		s.lastDecision = decision
	}
	s.doneWorks = append(s.doneWorks, w)
}

// advance follows the outgoing link of from's node selected by route. A node
// with no outgoing links at all is a dead end: the branch parks and the
// instance completes when nothing else is active. A node whose links all
// carry cases and none matches the route is a document error, not a dead end.
func (s *step) advance(ctx context.Context, from *api.Work, route string) error {
	link := s.d.RouteFrom(from.NodeID, route)
	if link == nil {
		if len(s.d.LinksFrom(from.NodeID)) > 0 {
			return api.NewError(api.ErrDocParse,
				"node %s has no link for route %q", from.NodeID, route).
				WithWFID(s.wf.WFID).WithNode(from.NodeID)
		}
		s.checkCompletion()
		return nil
	}
	return s.activate(ctx, link.To, from, route)
}

// activate visits one node: it creates the node's work row, records the
// traversed route, and dispatches on node type. Auto-resolving nodes (START,
// OR, SCRIPT, END) complete inside the same step; ACTION and WAIT park the
// token and end the traversal on this branch.
func (s *step) activate(ctx context.Context, nodeid string, from *api.Work, route string) error {
	s.budget++
	if s.budget > s.e.maxSteps {
		return api.NewError(api.ErrLoopDetected,
			"traversal exceeded %d node activations", s.e.maxSteps).WithWFID(s.wf.WFID).WithNode(nodeid)
	}

	n := s.d.Node(nodeid)
	if n == nil {
		return api.NewError(api.ErrDocParse, "link target %s not in document", nodeid).WithWFID(s.wf.WFID)
	}

	w := s.newWork(n, from, routeLabel(route))
	n.SetStatus(string(api.StatusRun))
	s.mergeNodeDefaults(n)
	if from != nil {
		s.commit.NewRoutes = append(s.commit.NewRoutes, &api.Route{
			Tenant:     s.wf.Tenant,
			WFID:       s.wf.WFID,
			FromNodeID: from.NodeID,
			FromWorkID: from.WorkID,
			ToNodeID:   n.ID,
			ToWorkID:   w.WorkID,
			Route:      routeLabel(route),
			Status:     api.StatusDone,
			CreatedAt:  time.Now(),
		})
	}

	switch n.Type {
	case doc.TypeStart:
		s.markDone(w, "")
		return s.advance(ctx, w, "")

	case doc.TypeAction:
		return s.activateAction(ctx, n, w)

	case doc.TypeOr:
		// A decision gateway: the route that reached it selects the
		// outgoing case link.
		s.markDone(w, route)
		return s.advance(ctx, w, route)

	case doc.TypeScript:
		decision, updates, err := runScript(n.Code(), s.kvars)
		if err != nil {
			return err
		}
		s.mergeKVars(updates)
		s.markDone(w, decision)
		return s.advance(ctx, w, decision)

	case doc.TypeWait:
		return s.activateWait(n, w)

	case doc.TypeEnd:
		s.markDone(w, "")
		s.checkCompletion()
		return nil
	}
	return api.NewError(api.ErrDocParse, "node %s: unknown type %s", n.ID, n.Type).WithWFID(s.wf.WFID)
}

// activateAction either spawns a sub-workflow (sub attribute) or fans the
// work item out to one todo per resolved doer.
func (s *step) activateAction(ctx context.Context, n *doc.Node, w *api.Work) error {
	if sub := n.Sub(); sub != "" {
		s.commit.NewCbPoints = append(s.commit.NewCbPoints, &api.CbPoint{
			ID:     uuid.NewString(),
			Tenant: s.wf.Tenant,
			TplID:  s.wf.TplID,
			WFID:   s.wf.WFID,
			NodeID: n.ID,
			WorkID: w.WorkID,
		})
		kv := map[string]any{}
		for k, v := range s.kvars {
			kv[k] = v
		}
		s.childStarts = append(s.childStarts, api.StartRequest{
			Tenant:    s.wf.Tenant,
			TplID:     sub,
			Starter:   s.wf.Starter,
			TeamID:    s.wf.TeamID,
			KVars:     kv,
			Rehearsal: s.wf.Rehearsal,
			PWFID:     s.wf.WFID,
			PNodeID:   n.ID,
			PWorkID:   w.WorkID,
		})
		return nil
	}

	doers, err := s.resolveDoers(ctx, n)
	if err != nil {
		return err
	}
	for _, doer := range doers {
		td := &api.Todo{
			Tenant:       s.wf.Tenant,
			TodoID:       uuid.NewString(),
			WFID:         s.wf.WFID,
			WorkID:       w.WorkID,
			NodeID:       n.ID,
			TplID:        s.wf.TplID,
			Doer:         doer,
			Title:        s.wf.Title,
			Status:       api.StatusRun,
			WfStatus:     s.wf.Status,
			Transferable: n.Transferable(),
			Rehearsal:    s.wf.Rehearsal,
			TeamID:       s.wf.TeamID,
			CreatedAt:    time.Now(),
		}
		s.commit.NewTodos = append(s.commit.NewTodos, td)
		s.newTodos = append(s.newTodos, td)
	}
	return nil
}

// resolveDoers evaluates the node's PDS. Rehearsal runs always assign the
// starter. An empty resolution falls back to the starter so the instance can
// still make progress; the observer is told so the template misconfiguration
// is visible.
func (s *step) resolveDoers(ctx context.Context, n *doc.Node) ([]string, error) {
	if s.wf.Rehearsal {
		return []string{s.wf.Starter}, nil
	}
	src := n.PDS()
	doers, err := s.e.resolver.Resolve(ctx, src, pds.Env{
		Tenant:  s.wf.Tenant,
		WFID:    s.wf.WFID,
		TeamID:  s.wf.TeamID,
		Starter: s.wf.Starter,
		KVars:   s.kvars,
	})
	if err != nil {
		return nil, api.NewError(api.ErrDocParse, "node %s: bad participant definition: %v", n.ID, err).
			WithWFID(s.wf.WFID).WithNode(n.ID)
	}
	if len(doers) == 0 {
		s.e.observer.OnNoDoer(ctx, s.wf, n.ID, src)
		return []string{s.wf.Starter}, nil
	}
	return doers, nil
}

// activateWait parks the token behind a delay timer, a callback point, or
// both. A WAIT node with neither attribute still gets a callback point so an
// external system can always release it.
func (s *step) activateWait(n *doc.Node, w *api.Work) error {
	secs := n.DelaySeconds()
	if secs > 0 {
		s.commit.NewTimers = append(s.commit.NewTimers, &api.DelayTimer{
			Tenant:   s.wf.Tenant,
			WFID:     s.wf.WFID,
			NodeID:   n.ID,
			WorkID:   w.WorkID,
			Time:     time.Now().Add(time.Duration(secs) * time.Second),
			WfStatus: s.wf.Status,
		})
	}
	if n.IsCallback() || secs <= 0 {
		s.commit.NewCbPoints = append(s.commit.NewCbPoints, &api.CbPoint{
			ID:     uuid.NewString(),
			Tenant: s.wf.Tenant,
			TplID:  s.wf.TplID,
			WFID:   s.wf.WFID,
			NodeID: n.ID,
			WorkID: w.WorkID,
		})
	}
	if key := n.BotKey(); key != "" {
		// Notification dispatch is fire-and-forget; delivery never gates
		// the state transition.
		s.e.logger.Info("wait node notification", "wfid", s.wf.WFID, "nodeid", n.ID, "botkey", key)
	}
	return nil
}

// resumeWait releases a parked WAIT node: whichever of its timer/callback
// pair fired first wins and the other is voided in the same commit.
func (s *step) resumeWait(ctx context.Context, w *api.Work, decision string) error {
	s.commit.DeleteTimers = append(s.commit.DeleteTimers, w.NodeID)
	cbps, err := s.e.store.ListCbPoints(ctx, s.wf.Tenant, s.wf.WFID)
	if err != nil {
		return err
	}
	for _, cbp := range cbps {
		if cbp.NodeID == w.NodeID {
			s.commit.DeleteCbPoints = append(s.commit.DeleteCbPoints, cbp.ID)
		}
	}
	s.markDone(w, decision)
	return s.advance(ctx, w, decision)
}

// reopenWork puts a work item back in play, clearing its decision.
func (s *step) reopenWork(w *api.Work) {
	w.Status = api.StatusRun
	w.Decision = ""
	w.DoneAt = time.Time{}
	if !s.staged[w.WorkID] {
		s.commit.UpdateWorks = append(s.commit.UpdateWorks, persistence.WorkUpdate{
			WorkID: w.WorkID,
			Status: api.StatusRun,
		})
	}
	if n := s.d.Node(w.NodeID); n != nil {
		n.SetStatus(string(api.StatusRun))
	}
}

// reissueTodos replaces a reopened work item's todos with fresh obligations
// for the same doers. Withdrawn siblings come back too, so the fan-out looks
// the way it did when the node first activated.
func (s *step) reissueTodos(ctx context.Context, w *api.Work) error {
	olds, err := s.e.store.ListTodos(ctx, api.TodoFilter{
		Tenant: s.wf.Tenant, WFID: s.wf.WFID, WorkID: w.WorkID,
	})
	if err != nil {
		return err
	}
	doers := map[string]bool{}
	for _, td := range olds {
		s.commit.DeleteTodos = append(s.commit.DeleteTodos, td.TodoID)
		if doers[td.Doer] {
			continue
		}
		doers[td.Doer] = true
		fresh := &api.Todo{
			Tenant:       s.wf.Tenant,
			TodoID:       uuid.NewString(),
			WFID:         s.wf.WFID,
			WorkID:       w.WorkID,
			NodeID:       w.NodeID,
			TplID:        s.wf.TplID,
			Doer:         td.Doer,
			Title:        td.Title,
			Status:       api.StatusRun,
			WfStatus:     s.wf.Status,
			Transferable: td.Transferable,
			Rehearsal:    td.Rehearsal,
			TeamID:       td.TeamID,
			CreatedAt:    time.Now(),
		}
		s.commit.NewTodos = append(s.commit.NewTodos, fresh)
		s.newTodos = append(s.newTodos, fresh)
	}
	return nil
}

// voidWork removes a not-yet-acted-upon work item and everything hanging
// off it, as if the node had never activated.
func (s *step) voidWork(ctx context.Context, w *api.Work) {
	s.commit.DeleteWorks = append(s.commit.DeleteWorks, w.WorkID)
	delete(s.works, w.WorkID)

	todos, err := s.e.store.ListTodos(ctx, api.TodoFilter{
		Tenant: s.wf.Tenant, WFID: s.wf.WFID, WorkID: w.WorkID,
	})
	if err == nil {
		for _, td := range todos {
			s.commit.DeleteTodos = append(s.commit.DeleteTodos, td.TodoID)
		}
	}
	s.commit.DeleteTimers = append(s.commit.DeleteTimers, w.NodeID)
	cbps, err := s.e.store.ListCbPoints(ctx, s.wf.Tenant, s.wf.WFID)
	if err == nil {
		for _, cbp := range cbps {
			if cbp.WorkID == w.WorkID {
				s.commit.DeleteCbPoints = append(s.commit.DeleteCbPoints, cbp.ID)
			}
		}
	}
	if n := s.d.Node(w.NodeID); n != nil {
		n.SetStatus("")
	}
}

// checkCompletion marks the instance ST_DONE once no work item is active.
func (s *step) checkCompletion() {
	for _, w := range s.works {
		if w.Status == api.StatusRun {
			return
		}
	}
	s.commit.SetStatus = api.StatusDone
	s.wf.Status = api.StatusDone
	s.completed = true
}

// afterCommit runs the step's deferred side effects. It must be called after
// CommitStep succeeded and outside the wfid lease, since child starts and
// parent callbacks take their own leases.
func (e *engineImpl) afterCommit(ctx context.Context, s *step) {
	e.resetInstanceETags(ctx, s.wf.Tenant)

	for _, td := range s.newTodos {
		e.observer.OnTodoCreated(ctx, td)
	}
	for _, w := range s.doneWorks {
		e.observer.OnNodeDone(ctx, s.wf, w, time.Since(w.CreatedAt))
	}
	if s.completed {
		e.observer.OnWorkflowCompleted(ctx, s.wf)
	}

	for _, req := range s.childStarts {
		if _, err := e.StartWorkflow(ctx, req); err != nil {
			e.logger.Error("sub-workflow start failed",
				"wfid", s.wf.WFID, "nodeid", req.PNodeID, "tplid", req.TplID, "err", err)
		}
	}

	if s.completed && s.wf.PWFID != "" {
		if err := e.callbackParent(ctx, s.wf, s.lastDecision); err != nil {
			e.logger.Error("parent callback failed",
				"wfid", s.wf.WFID, "pwfid", s.wf.PWFID, "err", err)
		}
	}
}

// callbackParent resumes the parent node that spawned this sub-workflow,
// carrying the child's final decision and variables.
func (e *engineImpl) callbackParent(ctx context.Context, child *api.Workflow, decision string) error {
	cbps, err := e.store.ListCbPoints(ctx, child.Tenant, child.PWFID)
	if err != nil {
		return err
	}
	for _, cbp := range cbps {
		if cbp.NodeID == child.PNodeID {
			_, err := e.DoCallback(ctx, child.Tenant, cbp.ID, decision, child.KVars)
			return err
		}
	}
	return api.NewError(api.ErrCbPointNotFound, "no callback point on parent node %s", child.PNodeID).
		WithWFID(child.PWFID)
}
