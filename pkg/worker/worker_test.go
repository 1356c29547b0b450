package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/metatocome/hyperflow/internal/engine"
	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/doc"
)

const testTenant = "acme"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, engineCfg engine.Config) (api.Engine, *persistence.MemStore) {
	t.Helper()
	store := persistence.NewMemStore()
	engineCfg.Store = store
	engineCfg.Logger = quietLogger()
	return engine.NewEngineWithConfig(engineCfg), store
}

func delayDoc(seconds int) string {
	return doc.NewBuilder().
		Start("start").
		Delay("hold", seconds).
		End("done").
		Link("start", "hold").
		Link("hold", "done").
		Doc()
}

func saveTemplate(t *testing.T, eng api.Engine, tplid, src string) {
	t.Helper()
	_, err := eng.SaveTemplate(context.Background(), &api.Template{
		Tenant: testTenant, TplID: tplid, Doc: src, Author: "alice",
	})
	if err != nil {
		t.Fatalf("save template: %v", err)
	}
}

func TestScannerFiresDueTimers(t *testing.T) {
	eng, store := newTestEnv(t, engine.Config{})
	ctx := context.Background()
	saveTemplate(t, eng, "cooling", delayDoc(3600))

	wf, err := eng.StartWorkflow(ctx, api.StartRequest{Tenant: testTenant, TplID: "cooling", Starter: "alice"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sc := NewScanner(ScannerConfig{Engine: eng, Store: store, Logger: quietLogger()})

	// Not due yet.
	if fired, err := sc.ScanOnce(ctx); err != nil || fired != 0 {
		t.Fatalf("premature fire: fired=%d err=%v", fired, err)
	}

	// Shift the timer into the past and scan again.
	timer, err := store.GetDelayTimer(ctx, testTenant, wf.WFID, "hold")
	if err != nil {
		t.Fatalf("get timer: %v", err)
	}
	timer.Time = time.Now().Add(-time.Second)
	if err := store.CommitStep(ctx, &persistence.StepCommit{
		Tenant: testTenant, WFID: wf.WFID, NewTimers: []*api.DelayTimer{timer},
	}); err != nil {
		t.Fatalf("backdate timer: %v", err)
	}
	fired, err := sc.ScanOnce(ctx)
	if err != nil || fired != 1 {
		t.Fatalf("scan: fired=%d err=%v", fired, err)
	}

	got, _ := eng.GetWorkflow(ctx, testTenant, wf.WFID)
	if got.Status != api.StatusDone {
		t.Fatalf("workflow not resumed: %s", got.Status)
	}

	// Scanning again finds nothing.
	if fired, _ := sc.ScanOnce(ctx); fired != 0 {
		t.Fatalf("timer fired twice")
	}
}

func TestScannerRearmsOnBusyInstance(t *testing.T) {
	eng, store := newTestEnv(t, engine.Config{LockTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	saveTemplate(t, eng, "cooling", delayDoc(1))
	wf, err := eng.StartWorkflow(ctx, api.StartRequest{Tenant: testTenant, TplID: "cooling", Starter: "alice"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	timer, _ := store.GetDelayTimer(ctx, testTenant, wf.WFID, "hold")
	timer.Time = time.Now().Add(-time.Second)
	if err := store.CommitStep(ctx, &persistence.StepCommit{
		Tenant: testTenant, WFID: wf.WFID, NewTimers: []*api.DelayTimer{timer},
	}); err != nil {
		t.Fatalf("backdate timer: %v", err)
	}

	// Another node holds the instance's lease, so the fire must fail and
	// the timer must come back for a later scan.
	if ok, _ := store.TryAcquireLease(ctx, wf.WFID, "other-node", time.Minute); !ok {
		t.Fatalf("could not seize lease")
	}
	sc := NewScanner(ScannerConfig{Engine: eng, Store: store, Logger: quietLogger()})
	fired, err := sc.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fired != 0 {
		t.Fatalf("fired through a held lease")
	}
	rearmed, err := store.GetDelayTimer(ctx, testTenant, wf.WFID, "hold")
	if err != nil {
		t.Fatalf("timer lost after failed fire: %v", err)
	}
	if !rearmed.Time.After(time.Now()) {
		t.Fatalf("re-armed timer is still due")
	}
}

func TestSchedulerCreateValidatesAndEnforcesQuota(t *testing.T) {
	eng, store := newTestEnv(t, engine.Config{})
	ctx := context.Background()
	saveTemplate(t, eng, "daily-report", delayDoc(60))

	sched := NewScheduler(SchedulerConfig{Engine: eng, Store: store, Logger: quietLogger(), Quota: 1})

	if _, err := sched.CreateCrontab(ctx, &api.Crontab{
		Tenant: testTenant, TplID: "daily-report", Expr: "not a cron expr", Starters: "@alice",
	}); !api.IsErrType(err, api.ErrBadStatus) {
		t.Fatalf("bad expr accepted: %v", err)
	}
	if _, err := sched.CreateCrontab(ctx, &api.Crontab{
		Tenant: testTenant, TplID: "no-such-template", Expr: "0 9 * * *", Starters: "@alice",
	}); !api.IsErrType(err, api.ErrTplNotFound) {
		t.Fatalf("unknown template accepted: %v", err)
	}

	row, err := sched.CreateCrontab(ctx, &api.Crontab{
		Tenant: testTenant, TplID: "daily-report", Expr: "0 9 * * *", Starters: "@alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.ID == "" || row.Method != api.CrontabMethodStart {
		t.Fatalf("row not normalized: %+v", row)
	}

	if _, err := sched.CreateCrontab(ctx, &api.Crontab{
		Tenant: testTenant, TplID: "daily-report", Expr: "0 18 * * *", Starters: "@alice",
	}); !api.IsErrType(err, api.ErrQuotaExceeded) {
		t.Fatalf("want QUOTA_EXCEEDED, got %v", err)
	}

	if err := sched.DeleteCrontab(ctx, testTenant, row.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, _ := sched.ListCrontabs(ctx, testTenant)
	if len(rows) != 0 {
		t.Fatalf("delete left %d rows", len(rows))
	}
}

func TestSchedulerFireStartsWorkflowPerStarter(t *testing.T) {
	eng, store := newTestEnv(t, engine.Config{})
	ctx := context.Background()
	saveTemplate(t, eng, "standup", delayDoc(60))

	sched := NewScheduler(SchedulerConfig{Engine: eng, Store: store, Logger: quietLogger()})
	sched.fire(&api.Crontab{
		Tenant: testTenant, TplID: "standup", Expr: "0 9 * * *",
		Starters: "@alice; @bob", Method: api.CrontabMethodStart,
	})

	wfs, err := eng.ListWorkflows(ctx, api.WorkflowFilter{Tenant: testTenant, TplID: "standup"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wfs) != 2 {
		t.Fatalf("want one instance per starter, got %d", len(wfs))
	}
	starters := map[string]bool{}
	for _, wf := range wfs {
		starters[wf.Starter] = true
	}
	if !starters["alice"] || !starters["bob"] {
		t.Fatalf("unexpected starters %v", starters)
	}
}

func TestSchedulerRehydrateRegistersStoredRows(t *testing.T) {
	eng, store := newTestEnv(t, engine.Config{})
	ctx := context.Background()
	if err := store.CreateCrontab(ctx, &api.Crontab{
		ID: "cron-1", Tenant: testTenant, TplID: "standup",
		Expr: "0 9 * * *", Starters: "@alice", Method: api.CrontabMethodStart,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sched := NewScheduler(SchedulerConfig{Engine: eng, Store: store, Logger: quietLogger()})
	if err := sched.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	sched.mu.Lock()
	n := len(sched.entries)
	sched.mu.Unlock()
	if n != 1 {
		t.Fatalf("want 1 registered entry, got %d", n)
	}
}
