package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/metatocome/hyperflow/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_TemplateOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	v1 := time.Now().Truncate(time.Millisecond)
	tpl := &api.Template{
		Tenant:        "acme",
		TplID:         "expense",
		Doc:           "<div></div>",
		Author:        "alice",
		Tags:          []string{"finance"},
		LastUpdatedAt: v1,
	}
	require.NoError(t, store.CreateTemplate(ctx, tpl))
	require.ErrorIs(t, store.CreateTemplate(ctx, tpl), ErrTemplateExists)

	got, err := store.GetTemplate(ctx, "acme", "expense")
	require.NoError(t, err)
	require.Equal(t, []string{"finance"}, got.Tags)
	require.True(t, got.LastUpdatedAt.Equal(v1))

	upd := *got
	upd.Doc = "<div>v2</div>"
	upd.LastUpdatedAt = v1.Add(time.Second)
	require.ErrorIs(t, store.UpdateTemplate(ctx, &upd, v1.Add(-time.Hour)), ErrStaleTemplate)
	require.NoError(t, store.UpdateTemplate(ctx, &upd, v1))

	missing := upd
	missing.TplID = "nope"
	require.ErrorIs(t, store.UpdateTemplate(ctx, &missing, v1), ErrTemplateNotFound)
}

func seedSQLiteWorkflow(t *testing.T, store *SQLiteStore, wfid string) {
	t.Helper()
	err := store.CreateWorkflow(context.Background(), &api.Workflow{
		Tenant:    "acme",
		WFID:      wfid,
		TplID:     "tpl1",
		Doc:       "<div></div>",
		Status:    api.StatusRun,
		Starter:   "alice",
		KVars:     map[string]any{"k": "v"},
		StartedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestSQLiteStore_WorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	seedSQLiteWorkflow(t, store, "wf-1")

	wf, err := store.GetWorkflow(ctx, "acme", "wf-1")
	require.NoError(t, err)
	require.Equal(t, "v", wf.KVars["k"])

	_, err = store.GetWorkflow(ctx, "other", "wf-1")
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	list, err := store.ListWorkflows(ctx, api.WorkflowFilter{Tenant: "acme", Status: api.StatusRun})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSQLiteStore_CommitStepTransactional(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	seedSQLiteWorkflow(t, store, "wf-1")

	err := store.CommitStep(ctx, &StepCommit{
		Tenant: "acme",
		WFID:   "wf-1",
		Doc:    "<div>stepped</div>",
		NewWorks: []*api.Work{
			{Tenant: "acme", WFID: "wf-1", WorkID: "wk1", NodeID: "approve", NodeType: "ACTION", Status: api.StatusRun, CreatedAt: time.Now()},
		},
		NewTodos: []*api.Todo{
			{Tenant: "acme", TodoID: "td1", WFID: "wf-1", WorkID: "wk1", Doer: "bob", Status: api.StatusRun, CreatedAt: time.Now()},
		},
		NewRoutes: []*api.Route{
			{Tenant: "acme", WFID: "wf-1", FromNodeID: "start", ToNodeID: "approve", Route: "DEFAULT", CreatedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	// A commit against a missing wfid fails up-front and writes nothing.
	err = store.CommitStep(ctx, &StepCommit{
		Tenant:   "acme",
		WFID:     "nope",
		NewTodos: []*api.Todo{{Tenant: "acme", TodoID: "orphan", WFID: "nope"}},
	})
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = store.GetTodo(ctx, "acme", "orphan")
	require.ErrorIs(t, err, ErrTodoNotFound)

	// Status change denormalizes into todos.
	require.NoError(t, store.CommitStep(ctx, &StepCommit{Tenant: "acme", WFID: "wf-1", SetStatus: api.StatusPause}))
	td, err := store.GetTodo(ctx, "acme", "td1")
	require.NoError(t, err)
	require.Equal(t, api.StatusPause, td.WfStatus)

	// Work resolution inside a later commit.
	done := time.Now()
	err = store.CommitStep(ctx, &StepCommit{
		Tenant:      "acme",
		WFID:        "wf-1",
		UpdateWorks: []WorkUpdate{{WorkID: "wk1", Status: api.StatusDone, Decision: "approve", DoneAt: done}},
		UpdateTodos: []TodoUpdate{{TodoID: "td1", Status: api.StatusDone, Decision: "approve", DoneAt: done}},
	})
	require.NoError(t, err)
	wk, err := store.GetWork(ctx, "acme", "wf-1", "wk1")
	require.NoError(t, err)
	require.Equal(t, api.StatusDone, wk.Status)
	require.Equal(t, "approve", wk.Decision)
}

func TestSQLiteStore_DestroyCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	seedSQLiteWorkflow(t, store, "wf-1")

	err := store.CommitStep(ctx, &StepCommit{
		Tenant:      "acme",
		WFID:        "wf-1",
		NewWorks:    []*api.Work{{Tenant: "acme", WFID: "wf-1", WorkID: "wk1", Status: api.StatusRun}},
		NewTodos:    []*api.Todo{{Tenant: "acme", TodoID: "td1", WFID: "wf-1", Status: api.StatusRun}},
		NewTimers:   []*api.DelayTimer{{Tenant: "acme", WFID: "wf-1", NodeID: "n1", Time: time.Now().Add(time.Hour)}},
		NewCbPoints: []*api.CbPoint{{ID: "cbp1", Tenant: "acme", WFID: "wf-1"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.DestroyWorkflow(ctx, "acme", "wf-1"))
	_, err = store.GetWorkflow(ctx, "acme", "wf-1")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = store.GetWork(ctx, "acme", "wf-1", "wk1")
	require.ErrorIs(t, err, ErrWorkNotFound)
	_, err = store.GetTodo(ctx, "acme", "td1")
	require.ErrorIs(t, err, ErrTodoNotFound)
	_, err = store.GetCbPoint(ctx, "acme", "cbp1")
	require.ErrorIs(t, err, ErrCbPointNotFound)

	// Idempotent.
	require.NoError(t, store.DestroyWorkflow(ctx, "acme", "wf-1"))
}

func TestSQLiteStore_ClaimDueTimers(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	seedSQLiteWorkflow(t, store, "wf-1")

	now := time.Now()
	err := store.CommitStep(ctx, &StepCommit{
		Tenant: "acme",
		WFID:   "wf-1",
		NewTimers: []*api.DelayTimer{
			{Tenant: "acme", WFID: "wf-1", NodeID: "n1", Time: now.Add(-time.Minute)},
			{Tenant: "acme", WFID: "wf-1", NodeID: "n2", Time: now.Add(time.Hour)},
		},
	})
	require.NoError(t, err)

	due, err := store.ClaimDueTimers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "n1", due[0].NodeID)

	again, err := store.ClaimDueTimers(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestSQLiteStore_Leases(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	acq, err := store.TryAcquireLease(ctx, "wf-1", "owner1", time.Minute)
	require.NoError(t, err)
	require.True(t, acq)

	acq, err = store.TryAcquireLease(ctx, "wf-1", "owner2", time.Minute)
	require.NoError(t, err)
	require.False(t, acq, "owner2 acquired a held lease")

	// Re-entrant for the holder.
	acq, err = store.TryAcquireLease(ctx, "wf-1", "owner1", time.Minute)
	require.NoError(t, err)
	require.True(t, acq)

	require.NoError(t, store.RenewLease(ctx, "wf-1", "owner1", time.Minute))
	require.Error(t, store.RenewLease(ctx, "wf-1", "owner2", time.Minute))

	require.NoError(t, store.ReleaseLease(ctx, "wf-1", "owner1"))
	acq, err = store.TryAcquireLease(ctx, "wf-1", "owner2", time.Minute)
	require.NoError(t, err)
	require.True(t, acq, "lease not acquirable after release")
}

func TestSQLiteStore_ExpiredLeaseIsTakeable(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	acq, err := store.TryAcquireLease(ctx, "wf-1", "owner1", -time.Second)
	require.NoError(t, err)
	require.True(t, acq)

	acq, err = store.TryAcquireLease(ctx, "wf-1", "owner2", time.Minute)
	require.NoError(t, err)
	require.True(t, acq, "expired lease not takeable")
}

func TestSQLiteStore_TeamRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	err := store.SaveTeam(ctx, &api.Team{
		Tenant: "acme",
		TeamID: "sales",
		TMap:   map[string][]api.TeamMember{"manager": {{EID: "bob", CN: "Bob"}}},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetTeamRole(ctx, "acme", "sales", "rep", []api.TeamMember{{EID: "carol", CN: "Carol"}}))

	team, err := store.GetTeam(ctx, "acme", "sales")
	require.NoError(t, err)
	require.Len(t, team.TMap, 2)
	require.Equal(t, "carol", team.TMap["rep"][0].EID)

	require.NoError(t, store.DeleteTeamRole(ctx, "acme", "sales", "manager"))
	team, err = store.GetTeam(ctx, "acme", "sales")
	require.NoError(t, err)
	require.NotContains(t, team.TMap, "manager")
}

func TestSQLiteStore_CrontabCompositeUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	a := &api.Crontab{ID: "c1", Tenant: "acme", TplID: "tpl1", Expr: "0 9 * * 1", Starters: "alice", Method: api.CrontabMethodStart}
	require.NoError(t, store.CreateCrontab(ctx, a))
	dup := &api.Crontab{ID: "c2", Tenant: "acme", TplID: "tpl1", Expr: "0 9 * * 1", Starters: "alice", Method: api.CrontabMethodStart}
	require.ErrorIs(t, store.CreateCrontab(ctx, dup), ErrCrontabExists)

	n, err := store.CountCrontabs(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSQLiteStore_ListCrontabsAllTenants(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.CreateCrontab(ctx, &api.Crontab{ID: "c1", Tenant: "acme", TplID: "t1", Expr: "0 9 * * 1", Starters: "alice", Method: api.CrontabMethodStart}))
	require.NoError(t, store.CreateCrontab(ctx, &api.Crontab{ID: "c2", Tenant: "globex", TplID: "t2", Expr: "0 9 * * 2", Starters: "bob", Method: api.CrontabMethodStart}))

	one, err := store.ListCrontabs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, one, 1)

	all, err := store.ListCrontabs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
