package hyperflow_test

import (
	"context"
	"testing"

	"github.com/metatocome/hyperflow"
	"github.com/metatocome/hyperflow/pkg/doc"
)

func TestInMemoryEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := hyperflow.NewInMemoryEngine()

	src := doc.NewBuilder().
		Start("start").
		Action("approve", "@boss").
		End("done").
		Link("start", "approve").
		Link("approve", "done").
		Doc()

	if _, err := eng.SaveTemplate(ctx, &hyperflow.Template{
		Tenant: "acme",
		TplID:  "leave-request",
		Doc:    src,
		Author: "alice",
	}); err != nil {
		t.Fatalf("save template: %v", err)
	}

	wf, err := eng.StartWorkflow(ctx, hyperflow.StartRequest{
		Tenant:  "acme",
		TplID:   "leave-request",
		Starter: "alice",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.Status != hyperflow.StatusRun {
		t.Fatalf("want ST_RUN, got %s", wf.Status)
	}

	todos, err := eng.ListTodos(ctx, hyperflow.TodoFilter{Tenant: "acme", WFID: wf.WFID})
	if err != nil {
		t.Fatalf("list todos: %v", err)
	}
	if len(todos) != 1 || todos[0].Doer != "boss" {
		t.Fatalf("unexpected todos %+v", todos)
	}

	if _, err := eng.DoWork(ctx, hyperflow.DoWorkRequest{
		Tenant: "acme",
		Doer:   "boss",
		TodoID: todos[0].TodoID,
		Route:  "agree",
	}); err != nil {
		t.Fatalf("do work: %v", err)
	}

	got, err := eng.GetWorkflow(ctx, "acme", wf.WFID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != hyperflow.StatusDone {
		t.Fatalf("want ST_DONE, got %s", got.Status)
	}
}

func TestErrTypeMatching(t *testing.T) {
	eng := hyperflow.NewInMemoryEngine()
	_, err := eng.GetWorkflow(context.Background(), "acme", "no-such-wfid")
	if !hyperflow.IsErrType(err, "WORKFLOW_NOT_FOUND") {
		t.Fatalf("want WORKFLOW_NOT_FOUND, got %v", err)
	}
}
