package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/metatocome/hyperflow/internal/engine"
	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/doc"
	"github.com/metatocome/hyperflow/pkg/worker"
)

var testSecret = []byte("test-secret")

type testServer struct {
	e     *echo.Echo
	token string
	store *persistence.MemStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := persistence.NewMemStore()
	eng := engine.NewEngineWithConfig(engine.Config{Store: store, Logger: logger})
	sched := worker.NewScheduler(worker.SchedulerConfig{Engine: eng, Store: store, Logger: logger})
	srv := NewServer(Config{Engine: eng, Scheduler: sched, Logger: logger, JWTSecret: testSecret})

	token, err := SignToken(testSecret, Identity{User: "Alice", EID: "alice", Tenant: "acme"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return &testServer{e: srv.NewEcho(), token: token, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+ts.token)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func approvalDoc() string {
	return doc.NewBuilder().
		Start("start").
		Action("approve", "@alice").
		End("done").
		Link("start", "approve").
		Link("approve", "done").
		Doc()
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/todo", nil)
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: want 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/todo", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: want 401, got %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/todo", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("valid token: want 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestTemplateLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "leave-request", "doc": approvalDoc(),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
	}
	var saved api.Template
	decodeInto(t, rec, &saved)
	if saved.Author != "alice" || saved.Tenant != "acme" {
		t.Fatalf("identity not applied: %+v", saved)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/template/leave-request", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/template", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("list carries no ETag")
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/template", nil, map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("conditional get: want 304, got %d", rec.Code)
	}

	// A save invalidates the list ETag.
	rec = ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "leave-request", "doc": approvalDoc(), "lastupdatedat": saved.LastUpdatedAt,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second save: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/template", nil, map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusOK {
		t.Fatalf("stale etag still honored: %d", rec.Code)
	}
}

func TestStaleTemplateSaveConflicts(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "contract", "doc": approvalDoc(),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "contract", "doc": approvalDoc(),
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d %s", rec.Code, rec.Body.String())
	}
	var body errBody
	decodeInto(t, rec, &body)
	if body.ErrType != string(api.ErrStaleTemplate) {
		t.Fatalf("want STALE_TEMPLATE, got %q", body.ErrType)
	}
}

func TestStartAndCompleteOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "leave-request", "doc": approvalDoc(),
	}, nil); rec.Code != http.StatusOK {
		t.Fatalf("save: %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/workflow/start", map[string]any{
		"tplid": "leave-request", "title": "vacation",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var wf api.Workflow
	decodeInto(t, rec, &wf)
	if wf.Starter != "alice" || wf.Status != api.StatusRun {
		t.Fatalf("unexpected instance %+v", wf)
	}

	// The todo list defaults to the caller's own worklist.
	rec = ts.do(t, http.MethodGet, "/api/v1/todo", nil, nil)
	var todos []*api.Todo
	decodeInto(t, rec, &todos)
	if len(todos) != 1 || todos[0].Doer != "alice" {
		t.Fatalf("want alice's todo, got %+v", todos)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/work/do", map[string]any{
		"todoid": todos[0].TodoID, "route": "ok",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("do work: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/workflow/"+wf.WFID, nil, nil)
	var done api.Workflow
	decodeInto(t, rec, &done)
	if done.Status != api.StatusDone {
		t.Fatalf("want ST_DONE, got %s", done.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/workflow/"+wf.WFID+"/routes", nil, nil)
	var routes []*api.Route
	decodeInto(t, rec, &routes)
	if len(routes) != 2 {
		t.Fatalf("want 2 routes, got %d", len(routes))
	}
}

func TestDoWorkByNodeOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "by-node", "doc": approvalDoc(),
	}, nil); rec.Code != http.StatusOK {
		t.Fatalf("save: %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/workflow/start", map[string]any{"tplid": "by-node"}, nil)
	var wf api.Workflow
	decodeInto(t, rec, &wf)

	// Without a todoid the request must name the node.
	rec = ts.do(t, http.MethodPost, "/api/v1/work/do", map[string]any{"route": "ok"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unaddressed do: want 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/work/do", map[string]any{
		"wfid": wf.WFID, "nodeid": "approve", "route": "ok",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("do by node: %d %s", rec.Code, rec.Body.String())
	}
	var done api.Workflow
	decodeInto(t, rec, &done)
	if done.Status != api.StatusDone {
		t.Fatalf("want ST_DONE, got %s", done.Status)
	}

	// No active todo remains at the node.
	rec = ts.do(t, http.MethodPost, "/api/v1/work/do", map[string]any{
		"wfid": wf.WFID, "nodeid": "approve", "route": "ok",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
	var body errBody
	decodeInto(t, rec, &body)
	if body.ErrType != string(api.ErrTodoNotFound) {
		t.Fatalf("want TODO_NOT_FOUND, got %q", body.ErrType)
	}
}

func TestWorkflowOps(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "ops", "doc": approvalDoc(),
	}, nil); rec.Code != http.StatusOK {
		t.Fatalf("save: %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/workflow/start", map[string]any{"tplid": "ops"}, nil)
	var wf api.Workflow
	decodeInto(t, rec, &wf)

	for _, op := range []string{"pause", "resume", "stop"} {
		rec = ts.do(t, http.MethodPost, "/api/v1/workflow/op", map[string]any{"wfid": wf.WFID, "op": op}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", op, rec.Code, rec.Body.String())
		}
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/workflow/op", map[string]any{"wfid": wf.WFID, "op": "explode"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown op: want 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/workflow/op", map[string]any{"wfid": wf.WFID, "op": "destroy"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/workflow/"+wf.WFID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 after destroy, got %d", rec.Code)
	}
	var body errBody
	decodeInto(t, rec, &body)
	if body.ErrType != string(api.ErrWorkflowNotFound) {
		t.Fatalf("want WORKFLOW_NOT_FOUND, got %q", body.ErrType)
	}
}

func TestCrontabEndpoints(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/template", map[string]any{
		"tplid": "daily", "doc": approvalDoc(),
	}, nil); rec.Code != http.StatusOK {
		t.Fatalf("save: %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/crontab", map[string]any{
		"tplid": "daily", "expr": "bogus", "starters": "@alice",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad expr: want 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/crontab", map[string]any{
		"tplid": "daily", "expr": "0 9 * * *", "starters": "@alice",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var row api.Crontab
	decodeInto(t, rec, &row)

	rec = ts.do(t, http.MethodGet, "/api/v1/crontab", nil, nil)
	var rows []*api.Crontab
	decodeInto(t, rec, &rows)
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/crontab/"+row.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
}
