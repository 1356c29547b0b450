// Package hyperflow provides an embeddable, multi-tenant business-workflow
// engine for Go.
//
// Workflows are defined as HTML-like template documents of nodes and links:
// a START node, human ACTION nodes, OR decision gateways, SCRIPT nodes,
// WAIT nodes (delay timers and external callbacks) and END nodes. Starting
// a workflow clones the template's document into an instance; the engine
// then advances tokens through the graph, spawning a Todo per resolved
// participant at each ACTION node and recording every traversed link.
//
// # Core Concepts
//
//  1. Template: a reusable process definition, versioned by an optimistic
//     save token.
//  2. Workflow: one running instance with its own live document copy and
//     variable map (kvars).
//  3. Work and Todo: one node-activation and the per-participant
//     obligations fanned out from it.
//  4. PDS: the participant definition string resolved against team role
//     mappings and the org chart.
//  5. DelayTimer and CbPoint: durable parking spots for WAIT nodes,
//     released by the scanner worker or an external callback.
//
// # Engine
//
// The Engine interprets instance documents and advances them in response to
// events: start, do-work, callback, timer fire, and the administrative
// operations (pause, resume, stop, restart, destroy, sendback, revoke,
// rerun). Every mutating operation on a wfid runs under that instance's
// lease, so at most one engine step is in flight per instance across all
// processes sharing a store. One step commits all of its mutations through
// a single store call; a failed step persists nothing.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - MongoDB (the production backend)
//
// # Workers
//
// The pkg/worker Scanner polls for due delay timers and fires them; the
// Scheduler starts workflows on cron schedules from persisted Crontab rows.
// Both can be scaled horizontally against a shared store.
//
// # HTTP service
//
// The http/api package serves the engine over REST with bearer-token auth,
// and cmd/hyperflow bundles engine, workers and HTTP service into one
// deployable process.
//
// # Quick start
//
//	eng := hyperflow.NewInMemoryEngine()
//	tpl, _ := eng.SaveTemplate(ctx, &hyperflow.Template{
//	    Tenant: "acme",
//	    TplID:  "leave-request",
//	    Doc:    docSource,
//	})
//	wf, _ := eng.StartWorkflow(ctx, hyperflow.StartRequest{
//	    Tenant:  "acme",
//	    TplID:   tpl.TplID,
//	    Starter: "alice",
//	})
package hyperflow
