package api

import "time"

// Status represents the lifecycle state of a workflow instance, a work item
// or a todo. The same vocabulary is shared across all three: a Workflow moves
// between ST_RUN, ST_PAUSE, ST_STOP and ST_DONE; Work and Todo rows only ever
// hold ST_RUN or ST_DONE.
type Status string

const (
	StatusRun   Status = "ST_RUN"
	StatusPause Status = "ST_PAUSE"
	StatusDone  Status = "ST_DONE"
	StatusStop  Status = "ST_STOP"
)

// Template is a reusable process definition. Doc holds the node/link document
// exactly as authored; it is cloned into every Workflow started from it.
//
// TplID is unique per tenant. LastUpdatedAt doubles as an optimistic
// concurrency token: a save carrying a stale LastUpdatedAt is rejected.
type Template struct {
	Tenant        string    `bson:"tenant" json:"tenant"`
	TplID         string    `bson:"tplid" json:"tplid"`
	Doc           string    `bson:"doc" json:"doc"`
	Author        string    `bson:"author" json:"author"`
	Visi          string    `bson:"visi,omitempty" json:"visi,omitempty"`
	Tags          []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	Pboat         string    `bson:"pboat,omitempty" json:"pboat,omitempty"`
	Endpoint      string    `bson:"endpoint,omitempty" json:"endpoint,omitempty"`
	EndpointMode  string    `bson:"endpointmode,omitempty" json:"endpointmode,omitempty"`
	LastUpdatedAt time.Time `bson:"lastupdatedat" json:"lastupdatedat"`
}

// Workflow is one running (or finished) instance of a Template.
//
// Doc is the instance's own live copy of the node/link document; it diverges
// from the template as tokens advance and must only be mutated inside a
// locked engine step.
type Workflow struct {
	Tenant      string         `bson:"tenant" json:"tenant"`
	WFID        string         `bson:"wfid" json:"wfid"`
	TplID       string         `bson:"tplid" json:"tplid"`
	Title       string         `bson:"wftitle" json:"wftitle"`
	Doc         string         `bson:"doc" json:"doc"`
	Status      Status         `bson:"status" json:"status"`
	Starter     string         `bson:"starter" json:"starter"`
	TeamID      string         `bson:"teamid,omitempty" json:"teamid,omitempty"`
	Rehearsal   bool           `bson:"rehearsal" json:"rehearsal"`
	RunMode     string         `bson:"runmode,omitempty" json:"runmode,omitempty"`
	Pboat       string         `bson:"pboat,omitempty" json:"pboat,omitempty"`
	PBO         string         `bson:"pbo,omitempty" json:"pbo,omitempty"`
	KVars       map[string]any `bson:"kvars,omitempty" json:"kvars,omitempty"`
	Attachments []string       `bson:"attachments,omitempty" json:"attachments,omitempty"`

	// Parent linkage for sub-workflows: the node and work of the parent
	// instance that started this one. Empty for top-level workflows.
	PNodeID string `bson:"pnodeid,omitempty" json:"pnodeid,omitempty"`
	PWorkID string `bson:"pworkid,omitempty" json:"pworkid,omitempty"`
	PWFID   string `bson:"pwfid,omitempty" json:"pwfid,omitempty"`

	StartedAt time.Time `bson:"startedat" json:"startedat"`
	UpdatedAt time.Time `bson:"updatedat" json:"updatedat"`
}

// Work is one node-activation within a workflow instance. Once it reaches
// ST_DONE it is a history record and is never mutated again, except by the
// administrative revoke/rerun paths which deliberately reopen it.
type Work struct {
	Tenant     string    `bson:"tenant" json:"tenant"`
	WFID       string    `bson:"wfid" json:"wfid"`
	WorkID     string    `bson:"workid" json:"workid"`
	NodeID     string    `bson:"nodeid" json:"nodeid"`
	NodeType   string    `bson:"nodetype" json:"nodetype"`
	FromWorkID string    `bson:"from_workid,omitempty" json:"from_workid,omitempty"`
	FromNodeID string    `bson:"from_nodeid,omitempty" json:"from_nodeid,omitempty"`
	Status     Status    `bson:"status" json:"status"`
	Decision   string    `bson:"decision,omitempty" json:"decision,omitempty"`
	ByRoute    string    `bson:"byroute,omitempty" json:"byroute,omitempty"`
	DoneAt     time.Time `bson:"doneat,omitempty" json:"doneat,omitempty"`
	CreatedAt  time.Time `bson:"createdat" json:"createdat"`
}

// Todo is one participant's obligation to act on a Work item. A Work item
// may fan out to several todos, one per resolved doer.
//
// WfStatus denormalizes the owning workflow's status so todo lists can be
// filtered without joining; the engine keeps it in sync in the same store
// commit as any workflow status change.
type Todo struct {
	Tenant       string    `bson:"tenant" json:"tenant"`
	TodoID       string    `bson:"todoid" json:"todoid"`
	WFID         string    `bson:"wfid" json:"wfid"`
	WorkID       string    `bson:"workid" json:"workid"`
	NodeID       string    `bson:"nodeid" json:"nodeid"`
	TplID        string    `bson:"tplid" json:"tplid"`
	Doer         string    `bson:"doer" json:"doer"`
	Title        string    `bson:"title" json:"title"`
	Status       Status    `bson:"status" json:"status"`
	WfStatus     Status    `bson:"wfstatus" json:"wfstatus"`
	Decision     string    `bson:"decision,omitempty" json:"decision,omitempty"`
	Comment      string    `bson:"comment,omitempty" json:"comment,omitempty"`
	Transferable bool      `bson:"transferable" json:"transferable"`
	Rehearsal    bool      `bson:"rehearsal" json:"rehearsal"`
	TeamID       string    `bson:"teamid,omitempty" json:"teamid,omitempty"`
	DoneAt       time.Time `bson:"doneat,omitempty" json:"doneat,omitempty"`
	CreatedAt    time.Time `bson:"createdat" json:"createdat"`
}

// Route is an append-only audit row recording one traversed link. Sorted by
// insertion order the routes of a wfid replay the instance's full history.
type Route struct {
	Tenant     string    `bson:"tenant" json:"tenant"`
	WFID       string    `bson:"wfid" json:"wfid"`
	FromNodeID string    `bson:"from_nodeid" json:"from_nodeid"`
	FromWorkID string    `bson:"from_workid" json:"from_workid"`
	ToNodeID   string    `bson:"to_nodeid" json:"to_nodeid"`
	ToWorkID   string    `bson:"to_workid" json:"to_workid"`
	Route      string    `bson:"route" json:"route"`
	Status     Status    `bson:"status" json:"status"`
	CreatedAt  time.Time `bson:"createdat" json:"createdat"`
}

// DelayTimer is a persisted scheduled resumption for a WAIT node.
// Unique on (wfid, nodeid).
type DelayTimer struct {
	Tenant   string    `bson:"tenant" json:"tenant"`
	WFID     string    `bson:"wfid" json:"wfid"`
	NodeID   string    `bson:"nodeid" json:"nodeid"`
	WorkID   string    `bson:"workid" json:"workid"`
	Time     time.Time `bson:"time" json:"time"`
	WfStatus Status    `bson:"wfstatus" json:"wfstatus"`
}

// CbPoint is a durable callback address: an external system (or a child
// workflow reaching its END node) resumes the waiting node by invoking
// DoCallback with the CbPoint's ID and a decision.
type CbPoint struct {
	ID     string `bson:"cbpid" json:"cbpid"`
	Tenant string `bson:"tenant" json:"tenant"`
	TplID  string `bson:"tplid" json:"tplid"`
	WFID   string `bson:"wfid" json:"wfid"`
	NodeID string `bson:"nodeid" json:"nodeid"`
	WorkID string `bson:"workid" json:"workid"`
}

// TeamMember is one entry in a team role mapping.
type TeamMember struct {
	EID string `bson:"eid" json:"eid"`
	CN  string `bson:"cn" json:"cn"`
}

// Team maps role names to members for participant resolution.
// TeamID is unique per tenant.
type Team struct {
	Tenant string                  `bson:"tenant" json:"tenant"`
	TeamID string                  `bson:"teamid" json:"teamid"`
	TMap   map[string][]TeamMember `bson:"tmap" json:"tmap"`
}

// Crontab drives scheduled workflow starts. Uniqueness is enforced on the
// composite (tplid, expr, starters, method) so the same schedule is never
// registered twice.
type Crontab struct {
	ID        string `bson:"cronid" json:"cronid"`
	Tenant    string `bson:"tenant" json:"tenant"`
	TplID     string `bson:"tplid" json:"tplid"`
	Expr      string `bson:"expr" json:"expr"`
	Starters  string `bson:"starters" json:"starters"`
	Method    string `bson:"method" json:"method"`
	Scheduled bool   `bson:"scheduled" json:"scheduled"`
}

// CrontabMethodStart is the only Crontab method currently understood by the
// scheduler.
const CrontabMethodStart = "STARTWORKFLOW"
