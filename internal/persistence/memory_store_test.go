package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/metatocome/hyperflow/pkg/api"
)

func TestMemStoreTemplateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tpl := &api.Template{
		Tenant:        "acme",
		TplID:         "leave-request",
		Doc:           "<div></div>",
		Author:        "alice",
		LastUpdatedAt: time.Now(),
	}
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := s.CreateTemplate(ctx, tpl); err != ErrTemplateExists {
		t.Fatalf("duplicate create: got %v, want ErrTemplateExists", err)
	}

	got, err := s.GetTemplate(ctx, "acme", "leave-request")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Author != "alice" {
		t.Fatalf("author = %q, want alice", got.Author)
	}

	// Stale optimistic token is rejected.
	upd := *got
	upd.Doc = "<div>v2</div>"
	upd.LastUpdatedAt = time.Now().Add(time.Second)
	if err := s.UpdateTemplate(ctx, &upd, got.LastUpdatedAt.Add(-time.Hour)); err != ErrStaleTemplate {
		t.Fatalf("stale update: got %v, want ErrStaleTemplate", err)
	}
	if err := s.UpdateTemplate(ctx, &upd, got.LastUpdatedAt); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}

	if _, err := s.GetTemplate(ctx, "other", "leave-request"); err != ErrTemplateNotFound {
		t.Fatalf("cross-tenant get: got %v, want ErrTemplateNotFound", err)
	}

	if err := s.DeleteTemplate(ctx, "acme", "leave-request"); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if err := s.DeleteTemplate(ctx, "acme", "leave-request"); err != ErrTemplateNotFound {
		t.Fatalf("double delete: got %v, want ErrTemplateNotFound", err)
	}
}

func seedWorkflow(t *testing.T, s *MemStore, wfid string) {
	t.Helper()
	err := s.CreateWorkflow(context.Background(), &api.Workflow{
		Tenant:  "acme",
		WFID:    wfid,
		TplID:   "tpl1",
		Doc:     "<div></div>",
		Status:  api.StatusRun,
		Starter: "alice",
	})
	if err != nil {
		t.Fatalf("CreateWorkflow(%s): %v", wfid, err)
	}
}

func TestMemStoreCommitStepAppliesEverything(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedWorkflow(t, s, "wf1")

	commit := &StepCommit{
		Tenant: "acme",
		WFID:   "wf1",
		Doc:    "<div>stepped</div>",
		KVars:  map[string]any{"days": 3},
		NewWorks: []*api.Work{
			{Tenant: "acme", WFID: "wf1", WorkID: "wk1", NodeID: "approve", NodeType: "ACTION", Status: api.StatusRun},
		},
		NewTodos: []*api.Todo{
			{Tenant: "acme", TodoID: "td1", WFID: "wf1", WorkID: "wk1", NodeID: "approve", Doer: "bob", Status: api.StatusRun},
		},
		NewRoutes: []*api.Route{
			{Tenant: "acme", WFID: "wf1", FromNodeID: "start", ToNodeID: "approve", Route: "DEFAULT"},
		},
		NewTimers: []*api.DelayTimer{
			{Tenant: "acme", WFID: "wf1", NodeID: "wait1", Time: time.Now().Add(time.Hour)},
		},
		NewCbPoints: []*api.CbPoint{
			{ID: "cbp1", Tenant: "acme", WFID: "wf1", NodeID: "wait2"},
		},
	}
	if err := s.CommitStep(ctx, commit); err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	wf, err := s.GetWorkflow(ctx, "acme", "wf1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Doc != "<div>stepped</div>" {
		t.Fatalf("doc not applied: %q", wf.Doc)
	}
	if wf.KVars["days"] != 3 {
		t.Fatalf("kvars not applied: %v", wf.KVars)
	}
	if _, err := s.GetWork(ctx, "acme", "wf1", "wk1"); err != nil {
		t.Fatalf("GetWork: %v", err)
	}
	if _, err := s.GetTodo(ctx, "acme", "td1"); err != nil {
		t.Fatalf("GetTodo: %v", err)
	}
	routes, _ := s.ListRoutes(ctx, "acme", "wf1")
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}
	if _, err := s.GetDelayTimer(ctx, "acme", "wf1", "wait1"); err != nil {
		t.Fatalf("GetDelayTimer: %v", err)
	}
	if _, err := s.GetCbPoint(ctx, "acme", "cbp1"); err != nil {
		t.Fatalf("GetCbPoint: %v", err)
	}
}

func TestMemStoreCommitStepStatusDenormalizesTodos(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedWorkflow(t, s, "wf1")

	err := s.CommitStep(ctx, &StepCommit{
		Tenant: "acme",
		WFID:   "wf1",
		NewTodos: []*api.Todo{
			{Tenant: "acme", TodoID: "td1", WFID: "wf1", Status: api.StatusRun, WfStatus: api.StatusRun},
			{Tenant: "acme", TodoID: "td2", WFID: "wf1", Status: api.StatusRun, WfStatus: api.StatusRun},
		},
	})
	if err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	err = s.CommitStep(ctx, &StepCommit{Tenant: "acme", WFID: "wf1", SetStatus: api.StatusStop})
	if err != nil {
		t.Fatalf("CommitStep stop: %v", err)
	}

	todos, err := s.ListTodos(ctx, api.TodoFilter{Tenant: "acme", WFID: "wf1"})
	if err != nil {
		t.Fatalf("ListTodos: %v", err)
	}
	if len(todos) != 2 {
		t.Fatalf("todos = %d, want 2", len(todos))
	}
	for _, td := range todos {
		if td.WfStatus != api.StatusStop {
			t.Fatalf("todo %s wfstatus = %s, want ST_STOP", td.TodoID, td.WfStatus)
		}
	}
}

func TestMemStoreDestroyCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedWorkflow(t, s, "wf1")
	seedWorkflow(t, s, "wf2")

	err := s.CommitStep(ctx, &StepCommit{
		Tenant:      "acme",
		WFID:        "wf1",
		NewWorks:    []*api.Work{{Tenant: "acme", WFID: "wf1", WorkID: "wk1"}},
		NewTodos:    []*api.Todo{{Tenant: "acme", TodoID: "td1", WFID: "wf1"}},
		NewRoutes:   []*api.Route{{Tenant: "acme", WFID: "wf1"}},
		NewTimers:   []*api.DelayTimer{{Tenant: "acme", WFID: "wf1", NodeID: "n1", Time: time.Now()}},
		NewCbPoints: []*api.CbPoint{{ID: "cbp1", Tenant: "acme", WFID: "wf1"}},
	})
	if err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	if err := s.DestroyWorkflow(ctx, "acme", "wf1"); err != nil {
		t.Fatalf("DestroyWorkflow: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, "acme", "wf1"); err != ErrWorkflowNotFound {
		t.Fatalf("workflow survived destroy: %v", err)
	}
	if _, err := s.GetTodo(ctx, "acme", "td1"); err != ErrTodoNotFound {
		t.Fatalf("todo survived destroy: %v", err)
	}
	if _, err := s.GetCbPoint(ctx, "acme", "cbp1"); err != ErrCbPointNotFound {
		t.Fatalf("cbpoint survived destroy: %v", err)
	}
	due, _ := s.ClaimDueTimers(ctx, time.Now().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("timer survived destroy: %v", due)
	}

	// Destroy is idempotent and leaves other instances alone.
	if err := s.DestroyWorkflow(ctx, "acme", "wf1"); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, "acme", "wf2"); err != nil {
		t.Fatalf("wf2 lost: %v", err)
	}
}

func TestMemStoreLeases(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ok, err := s.TryAcquireLease(ctx, "wf1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryAcquireLease(ctx, "wf1", "owner-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire: ok=%v err=%v", ok, err)
	}
	// Same owner re-acquires.
	ok, err = s.TryAcquireLease(ctx, "wf1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-entrant acquire: ok=%v err=%v", ok, err)
	}
	if err := s.RenewLease(ctx, "wf1", "owner-a", time.Minute); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := s.RenewLease(ctx, "wf1", "owner-b", time.Minute); err == nil {
		t.Fatal("renew by non-owner succeeded")
	}
	if err := s.ReleaseLease(ctx, "wf1", "owner-b"); err != nil {
		t.Fatalf("release by non-owner should be a no-op: %v", err)
	}
	ok, _ = s.TryAcquireLease(ctx, "wf1", "owner-b", time.Minute)
	if ok {
		t.Fatal("lease released by non-owner")
	}
	if err := s.ReleaseLease(ctx, "wf1", "owner-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	ok, _ = s.TryAcquireLease(ctx, "wf1", "owner-b", time.Minute)
	if !ok {
		t.Fatal("lease not acquirable after release")
	}
}

func TestMemStoreExpiredLeaseIsTakeable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if ok, _ := s.TryAcquireLease(ctx, "wf1", "owner-a", -time.Second); !ok {
		t.Fatal("acquire with negative ttl")
	}
	ok, err := s.TryAcquireLease(ctx, "wf1", "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired lease not takeable: ok=%v err=%v", ok, err)
	}
}

func TestMemStoreClaimDueTimersIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedWorkflow(t, s, "wf1")

	now := time.Now()
	err := s.CommitStep(ctx, &StepCommit{
		Tenant: "acme",
		WFID:   "wf1",
		NewTimers: []*api.DelayTimer{
			{Tenant: "acme", WFID: "wf1", NodeID: "n1", Time: now.Add(-time.Minute)},
			{Tenant: "acme", WFID: "wf1", NodeID: "n2", Time: now.Add(-time.Second)},
			{Tenant: "acme", WFID: "wf1", NodeID: "n3", Time: now.Add(time.Hour)},
		},
	})
	if err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	due, err := s.ClaimDueTimers(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueTimers: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}

	// Claimed timers are gone; only the future one remains.
	again, _ := s.ClaimDueTimers(ctx, now, 10)
	if len(again) != 0 {
		t.Fatalf("timers claimed twice: %v", again)
	}
	if _, err := s.GetDelayTimer(ctx, "acme", "wf1", "n3"); err != nil {
		t.Fatalf("future timer lost: %v", err)
	}
}

func TestMemStoreTeamRoles(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.SaveTeam(ctx, &api.Team{
		Tenant: "acme",
		TeamID: "sales",
		TMap: map[string][]api.TeamMember{
			"manager": {{EID: "bob", CN: "Bob"}},
		},
	})
	if err != nil {
		t.Fatalf("SaveTeam: %v", err)
	}

	err = s.SetTeamRole(ctx, "acme", "sales", "rep", []api.TeamMember{{EID: "carol", CN: "Carol"}})
	if err != nil {
		t.Fatalf("SetTeamRole: %v", err)
	}
	team, err := s.GetTeam(ctx, "acme", "sales")
	if err != nil {
		t.Fatalf("GetTeam: %v", err)
	}
	if len(team.TMap["rep"]) != 1 || team.TMap["rep"][0].EID != "carol" {
		t.Fatalf("rep role = %v", team.TMap["rep"])
	}

	// The returned team is a copy; mutating it must not leak into the store.
	team.TMap["manager"] = nil
	team2, _ := s.GetTeam(ctx, "acme", "sales")
	if len(team2.TMap["manager"]) != 1 {
		t.Fatalf("stored team aliased by returned copy: %v", team2.TMap)
	}

	if err := s.DeleteTeamRole(ctx, "acme", "sales", "rep"); err != nil {
		t.Fatalf("DeleteTeamRole: %v", err)
	}
	team3, _ := s.GetTeam(ctx, "acme", "sales")
	if _, ok := team3.TMap["rep"]; ok {
		t.Fatal("rep role not deleted")
	}

	if err := s.DeleteTeam(ctx, "acme", "sales"); err != nil {
		t.Fatalf("DeleteTeam: %v", err)
	}
	if _, err := s.GetTeam(ctx, "acme", "sales"); err != ErrTeamNotFound {
		t.Fatalf("team survived delete: %v", err)
	}
}

func TestMemStoreCrontabCompositeUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	a := &api.Crontab{ID: "c1", Tenant: "acme", TplID: "tpl1", Expr: "0 9 * * 1", Starters: "alice", Method: api.CrontabMethodStart}
	if err := s.CreateCrontab(ctx, a); err != nil {
		t.Fatalf("CreateCrontab: %v", err)
	}
	dup := &api.Crontab{ID: "c2", Tenant: "acme", TplID: "tpl1", Expr: "0 9 * * 1", Starters: "alice", Method: api.CrontabMethodStart}
	if err := s.CreateCrontab(ctx, dup); err != ErrCrontabExists {
		t.Fatalf("duplicate schedule: got %v, want ErrCrontabExists", err)
	}
	other := &api.Crontab{ID: "c3", Tenant: "acme", TplID: "tpl1", Expr: "0 18 * * 5", Starters: "alice", Method: api.CrontabMethodStart}
	if err := s.CreateCrontab(ctx, other); err != nil {
		t.Fatalf("distinct schedule rejected: %v", err)
	}

	n, err := s.CountCrontabs(ctx, "acme")
	if err != nil || n != 2 {
		t.Fatalf("CountCrontabs = %d, %v", n, err)
	}
	if err := s.DeleteCrontab(ctx, "acme", "c1"); err != nil {
		t.Fatalf("DeleteCrontab: %v", err)
	}
	list, _ := s.ListCrontabs(ctx, "acme")
	if len(list) != 1 || list[0].ID != "c3" {
		t.Fatalf("crontabs after delete = %v", list)
	}
}
