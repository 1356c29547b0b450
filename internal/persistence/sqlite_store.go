package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/metatocome/hyperflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// CommitStep runs inside a single transaction, so a failed step leaves no
// partial state behind.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			tenant TEXT NOT NULL,
			tplid TEXT NOT NULL,
			doc TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			visi TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			pboat TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			endpointmode TEXT NOT NULL DEFAULT '',
			lastupdatedat INTEGER NOT NULL,
			PRIMARY KEY (tenant, tplid)
		);

		CREATE TABLE IF NOT EXISTS workflows (
			wfid TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			tplid TEXT NOT NULL,
			wftitle TEXT NOT NULL DEFAULT '',
			doc TEXT NOT NULL,
			status TEXT NOT NULL,
			starter TEXT NOT NULL DEFAULT '',
			teamid TEXT NOT NULL DEFAULT '',
			rehearsal INTEGER NOT NULL DEFAULT 0,
			runmode TEXT NOT NULL DEFAULT '',
			pboat TEXT NOT NULL DEFAULT '',
			pbo TEXT NOT NULL DEFAULT '',
			kvars TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '',
			pnodeid TEXT NOT NULL DEFAULT '',
			pworkid TEXT NOT NULL DEFAULT '',
			pwfid TEXT NOT NULL DEFAULT '',
			startedat INTEGER NOT NULL DEFAULT 0,
			updatedat INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_tenant ON workflows(tenant, status);

		CREATE TABLE IF NOT EXISTS leases (
			wfid TEXT PRIMARY KEY,
			owner TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS works (
			workid TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			wfid TEXT NOT NULL,
			nodeid TEXT NOT NULL,
			nodetype TEXT NOT NULL DEFAULT '',
			from_workid TEXT NOT NULL DEFAULT '',
			from_nodeid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			byroute TEXT NOT NULL DEFAULT '',
			doneat INTEGER NOT NULL DEFAULT 0,
			createdat INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_works_wfid ON works(wfid);

		CREATE TABLE IF NOT EXISTS todos (
			todoid TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			wfid TEXT NOT NULL,
			workid TEXT NOT NULL DEFAULT '',
			nodeid TEXT NOT NULL DEFAULT '',
			tplid TEXT NOT NULL DEFAULT '',
			doer TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			wfstatus TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			transferable INTEGER NOT NULL DEFAULT 0,
			rehearsal INTEGER NOT NULL DEFAULT 0,
			teamid TEXT NOT NULL DEFAULT '',
			doneat INTEGER NOT NULL DEFAULT 0,
			createdat INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_todos_wfid ON todos(wfid);
		CREATE INDEX IF NOT EXISTS idx_todos_doer ON todos(tenant, doer, status);

		CREATE TABLE IF NOT EXISTS routes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant TEXT NOT NULL,
			wfid TEXT NOT NULL,
			from_nodeid TEXT NOT NULL DEFAULT '',
			from_workid TEXT NOT NULL DEFAULT '',
			to_nodeid TEXT NOT NULL DEFAULT '',
			to_workid TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			createdat INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_routes_wfid ON routes(wfid, id);

		CREATE TABLE IF NOT EXISTS delay_timers (
			wfid TEXT NOT NULL,
			nodeid TEXT NOT NULL,
			tenant TEXT NOT NULL,
			workid TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL,
			wfstatus TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (wfid, nodeid)
		);
		CREATE INDEX IF NOT EXISTS idx_delay_timers_fire_at ON delay_timers(fire_at);

		CREATE TABLE IF NOT EXISTS cbpoints (
			cbpid TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			tplid TEXT NOT NULL DEFAULT '',
			wfid TEXT NOT NULL,
			nodeid TEXT NOT NULL DEFAULT '',
			workid TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_cbpoints_wfid ON cbpoints(wfid);

		CREATE TABLE IF NOT EXISTS teams (
			tenant TEXT NOT NULL,
			teamid TEXT NOT NULL,
			tmap TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant, teamid)
		);

		CREATE TABLE IF NOT EXISTS crontabs (
			cronid TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			tplid TEXT NOT NULL,
			expr TEXT NOT NULL,
			starters TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			scheduled INTEGER NOT NULL DEFAULT 0,
			UNIQUE (tenant, tplid, expr, starters, method)
		);`,
	)
	return err
}

// encodeDoc marshals a map or slice column to JSON text; nil becomes ''.
func encodeDoc(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDoc[T any](s string) (T, error) {
	var v T
	if s == "" {
		return v, nil
	}
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- templates ---

func (s *SQLiteStore) CreateTemplate(ctx context.Context, tpl *api.Template) error {
	tags, err := encodeDoc(tpl.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (tenant, tplid, doc, author, visi, tags, pboat, endpoint, endpointmode, lastupdatedat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.Tenant, tpl.TplID, tpl.Doc, tpl.Author, tpl.Visi, tags,
		tpl.Pboat, tpl.Endpoint, tpl.EndpointMode, toNano(tpl.LastUpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrTemplateExists
	}
	return err
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, tpl *api.Template, ifUpdatedAt time.Time) error {
	tags, err := encodeDoc(tpl.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates
		SET doc = ?, author = ?, visi = ?, tags = ?, pboat = ?, endpoint = ?, endpointmode = ?, lastupdatedat = ?
		WHERE tenant = ? AND tplid = ? AND lastupdatedat = ?`,
		tpl.Doc, tpl.Author, tpl.Visi, tags, tpl.Pboat, tpl.Endpoint, tpl.EndpointMode,
		toNano(tpl.LastUpdatedAt),
		tpl.Tenant, tpl.TplID, toNano(ifUpdatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a concurrent edit.
		var exists int
		row := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM templates WHERE tenant = ? AND tplid = ?`, tpl.Tenant, tpl.TplID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrTemplateNotFound
		}
		return ErrStaleTemplate
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, tenant, tplid string) (*api.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, tplid, doc, author, visi, tags, pboat, endpoint, endpointmode, lastupdatedat
		FROM templates WHERE tenant = ? AND tplid = ?`, tenant, tplid)
	return scanTemplate(row)
}

func scanTemplate(row *sql.Row) (*api.Template, error) {
	var tpl api.Template
	var tags string
	var updated int64
	err := row.Scan(&tpl.Tenant, &tpl.TplID, &tpl.Doc, &tpl.Author, &tpl.Visi,
		&tags, &tpl.Pboat, &tpl.Endpoint, &tpl.EndpointMode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	tpl.Tags, err = decodeDoc[[]string](tags)
	if err != nil {
		return nil, err
	}
	tpl.LastUpdatedAt = fromNano(updated)
	return &tpl, nil
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, tenant, tplid string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM templates WHERE tenant = ? AND tplid = ?`, tenant, tplid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, tenant string) ([]*api.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant, tplid, doc, author, visi, tags, pboat, endpoint, endpointmode, lastupdatedat
		FROM templates WHERE tenant = ? ORDER BY tplid`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Template
	for rows.Next() {
		var tpl api.Template
		var tags string
		var updated int64
		if err := rows.Scan(&tpl.Tenant, &tpl.TplID, &tpl.Doc, &tpl.Author, &tpl.Visi,
			&tags, &tpl.Pboat, &tpl.Endpoint, &tpl.EndpointMode, &updated); err != nil {
			return nil, err
		}
		tpl.Tags, err = decodeDoc[[]string](tags)
		if err != nil {
			return nil, err
		}
		tpl.LastUpdatedAt = fromNano(updated)
		copied := tpl
		out = append(out, &copied)
	}
	return out, rows.Err()
}

// --- workflows ---

const workflowCols = `wfid, tenant, tplid, wftitle, doc, status, starter, teamid, rehearsal,
	runmode, pboat, pbo, kvars, attachments, pnodeid, pworkid, pwfid, startedat, updatedat`

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	kvars, err := encodeDoc(wf.KVars)
	if err != nil {
		return err
	}
	attachments, err := encodeDoc(wf.Attachments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.WFID, wf.Tenant, wf.TplID, wf.Title, wf.Doc, string(wf.Status), wf.Starter,
		wf.TeamID, boolInt(wf.Rehearsal), wf.RunMode, wf.Pboat, wf.PBO, kvars, attachments,
		wf.PNodeID, wf.PWorkID, wf.PWFID, toNano(wf.StartedAt), toNano(wf.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrWorkflowExists
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*api.Workflow, error) {
	var wf api.Workflow
	var status, kvars, attachments string
	var rehearsal int
	var startedAt, updatedAt int64
	err := row.Scan(&wf.WFID, &wf.Tenant, &wf.TplID, &wf.Title, &wf.Doc, &status,
		&wf.Starter, &wf.TeamID, &rehearsal, &wf.RunMode, &wf.Pboat, &wf.PBO,
		&kvars, &attachments, &wf.PNodeID, &wf.PWorkID, &wf.PWFID, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	wf.Status = api.Status(status)
	wf.Rehearsal = rehearsal != 0
	wf.KVars, err = decodeDoc[map[string]any](kvars)
	if err != nil {
		return nil, err
	}
	wf.Attachments, err = decodeDoc[[]string](attachments)
	if err != nil {
		return nil, err
	}
	wf.StartedAt = fromNano(startedAt)
	wf.UpdatedAt = fromNano(updatedAt)
	return &wf, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE wfid = ? AND tenant = ?`, wfid, tenant)
	return scanWorkflow(row)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowCols + ` FROM workflows WHERE tenant = ?`
	args := []any{filter.Tenant}
	if filter.TplID != "" {
		query += " AND tplid = ?"
		args = append(args, filter.TplID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Starter != "" {
		query += " AND starter = ?"
		args = append(args, filter.Starter)
	}
	query += " ORDER BY wfid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommitStep(ctx context.Context, commit *StepCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curStatus string
	row := tx.QueryRowContext(ctx,
		`SELECT status FROM workflows WHERE wfid = ? AND tenant = ?`, commit.WFID, commit.Tenant)
	if err := row.Scan(&curStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		return err
	}

	now := time.Now()
	if commit.Doc != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET doc = ?, updatedat = ? WHERE wfid = ?`,
			commit.Doc, toNano(now), commit.WFID); err != nil {
			return err
		}
	}
	if commit.KVars != nil {
		kvars, err := encodeDoc(commit.KVars)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET kvars = ?, updatedat = ? WHERE wfid = ?`,
			kvars, toNano(now), commit.WFID); err != nil {
			return err
		}
	}
	wfStatus := curStatus
	if commit.SetStatus != "" {
		wfStatus = string(commit.SetStatus)
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, updatedat = ? WHERE wfid = ?`,
			wfStatus, toNano(now), commit.WFID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE todos SET wfstatus = ? WHERE wfid = ?`, wfStatus, commit.WFID); err != nil {
			return err
		}
	}

	for _, w := range commit.NewWorks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO works (workid, tenant, wfid, nodeid, nodetype, from_workid, from_nodeid, status, decision, byroute, doneat, createdat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.WorkID, w.Tenant, w.WFID, w.NodeID, w.NodeType, w.FromWorkID, w.FromNodeID,
			string(w.Status), w.Decision, w.ByRoute, toNano(w.DoneAt), toNano(w.CreatedAt),
		); err != nil {
			return err
		}
	}
	for _, u := range commit.UpdateWorks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE works SET status = ?, decision = ?, doneat = ? WHERE workid = ? AND wfid = ?`,
			string(u.Status), u.Decision, toNano(u.DoneAt), u.WorkID, commit.WFID,
		); err != nil {
			return err
		}
	}
	for _, workid := range commit.DeleteWorks {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM works WHERE workid = ? AND wfid = ?`, workid, commit.WFID); err != nil {
			return err
		}
	}

	for _, td := range commit.NewTodos {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO todos (todoid, tenant, wfid, workid, nodeid, tplid, doer, title, status, wfstatus, decision, comment, transferable, rehearsal, teamid, doneat, createdat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			td.TodoID, td.Tenant, td.WFID, td.WorkID, td.NodeID, td.TplID, td.Doer, td.Title,
			string(td.Status), wfStatus, td.Decision, td.Comment,
			boolInt(td.Transferable), boolInt(td.Rehearsal), td.TeamID,
			toNano(td.DoneAt), toNano(td.CreatedAt),
		); err != nil {
			return err
		}
	}
	for _, u := range commit.UpdateTodos {
		query := `UPDATE todos SET status = ?, decision = ?, doneat = ?`
		args := []any{string(u.Status), u.Decision, toNano(u.DoneAt)}
		if u.Comment != "" {
			query += ", comment = ?"
			args = append(args, u.Comment)
		}
		if u.Doer != "" {
			query += ", doer = ?"
			args = append(args, u.Doer)
		}
		query += " WHERE todoid = ?"
		args = append(args, u.TodoID)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	for _, todoid := range commit.DeleteTodos {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM todos WHERE todoid = ?`, todoid); err != nil {
			return err
		}
	}

	for _, r := range commit.NewRoutes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routes (tenant, wfid, from_nodeid, from_workid, to_nodeid, to_workid, route, status, createdat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Tenant, r.WFID, r.FromNodeID, r.FromWorkID, r.ToNodeID, r.ToWorkID,
			r.Route, string(r.Status), toNano(r.CreatedAt),
		); err != nil {
			return err
		}
	}

	for _, t := range commit.NewTimers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO delay_timers (wfid, nodeid, tenant, workid, fire_at, wfstatus)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(wfid, nodeid) DO UPDATE SET workid = excluded.workid, fire_at = excluded.fire_at, wfstatus = excluded.wfstatus`,
			t.WFID, t.NodeID, t.Tenant, t.WorkID, toNano(t.Time), string(t.WfStatus),
		); err != nil {
			return err
		}
	}
	for _, nodeid := range commit.DeleteTimers {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM delay_timers WHERE wfid = ? AND nodeid = ?`, commit.WFID, nodeid); err != nil {
			return err
		}
	}

	for _, cbp := range commit.NewCbPoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cbpoints (cbpid, tenant, tplid, wfid, nodeid, workid)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cbp.ID, cbp.Tenant, cbp.TplID, cbp.WFID, cbp.NodeID, cbp.WorkID,
		); err != nil {
			return err
		}
	}
	for _, cbpid := range commit.DeleteCbPoints {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cbpoints WHERE cbpid = ?`, cbpid); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) DestroyWorkflow(ctx context.Context, tenant, wfid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM workflows WHERE wfid = ? AND tenant = ?`, wfid, tenant)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Destroy is idempotent: nothing to cascade.
		return tx.Commit()
	}
	for _, stmt := range []string{
		`DELETE FROM works WHERE wfid = ?`,
		`DELETE FROM todos WHERE wfid = ?`,
		`DELETE FROM routes WHERE wfid = ?`,
		`DELETE FROM delay_timers WHERE wfid = ?`,
		`DELETE FROM cbpoints WHERE wfid = ?`,
		`DELETE FROM leases WHERE wfid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, wfid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- leases ---

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, wfid, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (wfid, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(wfid) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.owner = '' OR leases.expires_at <= ?`,
		wfid, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, wfid, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE wfid = ? AND owner = ?`,
		time.Now().Add(ttl).UnixNano(), wfid, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, wfid, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE wfid = ? AND owner = ?`, wfid, owner)
	return err
}

// --- works / todos / routes ---

const workCols = `workid, tenant, wfid, nodeid, nodetype, from_workid, from_nodeid, status, decision, byroute, doneat, createdat`

func scanWork(row rowScanner) (*api.Work, error) {
	var w api.Work
	var status string
	var doneAt, createdAt int64
	err := row.Scan(&w.WorkID, &w.Tenant, &w.WFID, &w.NodeID, &w.NodeType,
		&w.FromWorkID, &w.FromNodeID, &status, &w.Decision, &w.ByRoute, &doneAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = api.Status(status)
	w.DoneAt = fromNano(doneAt)
	w.CreatedAt = fromNano(createdAt)
	return &w, nil
}

func (s *SQLiteStore) GetWork(ctx context.Context, tenant, wfid, workid string) (*api.Work, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workCols+` FROM works WHERE workid = ? AND wfid = ? AND tenant = ?`,
		workid, wfid, tenant)
	return scanWork(row)
}

func (s *SQLiteStore) ListWorks(ctx context.Context, tenant, wfid string) ([]*api.Work, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workCols+` FROM works WHERE wfid = ? AND tenant = ? ORDER BY createdat, workid`,
		wfid, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const todoCols = `todoid, tenant, wfid, workid, nodeid, tplid, doer, title, status, wfstatus,
	decision, comment, transferable, rehearsal, teamid, doneat, createdat`

func scanTodo(row rowScanner) (*api.Todo, error) {
	var td api.Todo
	var status, wfStatus string
	var transferable, rehearsal int
	var doneAt, createdAt int64
	err := row.Scan(&td.TodoID, &td.Tenant, &td.WFID, &td.WorkID, &td.NodeID, &td.TplID,
		&td.Doer, &td.Title, &status, &wfStatus, &td.Decision, &td.Comment,
		&transferable, &rehearsal, &td.TeamID, &doneAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTodoNotFound
	}
	if err != nil {
		return nil, err
	}
	td.Status = api.Status(status)
	td.WfStatus = api.Status(wfStatus)
	td.Transferable = transferable != 0
	td.Rehearsal = rehearsal != 0
	td.DoneAt = fromNano(doneAt)
	td.CreatedAt = fromNano(createdAt)
	return &td, nil
}

func (s *SQLiteStore) GetTodo(ctx context.Context, tenant, todoid string) (*api.Todo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+todoCols+` FROM todos WHERE todoid = ? AND tenant = ?`, todoid, tenant)
	return scanTodo(row)
}

func (s *SQLiteStore) ListTodos(ctx context.Context, filter api.TodoFilter) ([]*api.Todo, error) {
	query := `SELECT ` + todoCols + ` FROM todos WHERE tenant = ?`
	args := []any{filter.Tenant}
	if filter.WFID != "" {
		query += " AND wfid = ?"
		args = append(args, filter.WFID)
	}
	if filter.WorkID != "" {
		query += " AND workid = ?"
		args = append(args, filter.WorkID)
	}
	if filter.Doer != "" {
		query += " AND doer = ?"
		args = append(args, filter.Doer)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WfStatus != "" {
		query += " AND wfstatus = ?"
		args = append(args, string(filter.WfStatus))
	}
	query += " ORDER BY createdat, todoid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Todo
	for rows.Next() {
		td, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRoutes(ctx context.Context, tenant, wfid string) ([]*api.Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant, wfid, from_nodeid, from_workid, to_nodeid, to_workid, route, status, createdat
		FROM routes WHERE wfid = ? AND tenant = ? ORDER BY id`, wfid, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Route
	for rows.Next() {
		var r api.Route
		var status string
		var createdAt int64
		if err := rows.Scan(&r.Tenant, &r.WFID, &r.FromNodeID, &r.FromWorkID,
			&r.ToNodeID, &r.ToWorkID, &r.Route, &status, &createdAt); err != nil {
			return nil, err
		}
		r.Status = api.Status(status)
		r.CreatedAt = fromNano(createdAt)
		copied := r
		out = append(out, &copied)
	}
	return out, rows.Err()
}

// --- timers / callback points ---

func (s *SQLiteStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*api.DelayTimer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT wfid, nodeid, tenant, workid, fire_at, wfstatus
		FROM delay_timers WHERE fire_at <= ? ORDER BY fire_at LIMIT ?`,
		toNano(now), limit)
	if err != nil {
		return nil, err
	}

	var due []*api.DelayTimer
	for rows.Next() {
		var t api.DelayTimer
		var fireAt int64
		var wfStatus string
		if err := rows.Scan(&t.WFID, &t.NodeID, &t.Tenant, &t.WorkID, &fireAt, &wfStatus); err != nil {
			rows.Close()
			return nil, err
		}
		t.Time = fromNano(fireAt)
		t.WfStatus = api.Status(wfStatus)
		copied := t
		due = append(due, &copied)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range due {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM delay_timers WHERE wfid = ? AND nodeid = ?`, t.WFID, t.NodeID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *SQLiteStore) GetDelayTimer(ctx context.Context, tenant, wfid, nodeid string) (*api.DelayTimer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT wfid, nodeid, tenant, workid, fire_at, wfstatus
		FROM delay_timers WHERE wfid = ? AND nodeid = ? AND tenant = ?`, wfid, nodeid, tenant)

	var t api.DelayTimer
	var fireAt int64
	var wfStatus string
	err := row.Scan(&t.WFID, &t.NodeID, &t.Tenant, &t.WorkID, &fireAt, &wfStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Time = fromNano(fireAt)
	t.WfStatus = api.Status(wfStatus)
	return &t, nil
}

func (s *SQLiteStore) GetCbPoint(ctx context.Context, tenant, cbpid string) (*api.CbPoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cbpid, tenant, tplid, wfid, nodeid, workid
		FROM cbpoints WHERE cbpid = ? AND tenant = ?`, cbpid, tenant)

	var cbp api.CbPoint
	err := row.Scan(&cbp.ID, &cbp.Tenant, &cbp.TplID, &cbp.WFID, &cbp.NodeID, &cbp.WorkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCbPointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cbp, nil
}

func (s *SQLiteStore) ListCbPoints(ctx context.Context, tenant, wfid string) ([]*api.CbPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cbpid, tenant, tplid, wfid, nodeid, workid
		FROM cbpoints WHERE wfid = ? AND tenant = ? ORDER BY cbpid`, wfid, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.CbPoint
	for rows.Next() {
		var cbp api.CbPoint
		if err := rows.Scan(&cbp.ID, &cbp.Tenant, &cbp.TplID, &cbp.WFID, &cbp.NodeID, &cbp.WorkID); err != nil {
			return nil, err
		}
		copied := cbp
		out = append(out, &copied)
	}
	return out, rows.Err()
}

// --- teams ---

func (s *SQLiteStore) SaveTeam(ctx context.Context, team *api.Team) error {
	tmap, err := encodeDoc(team.TMap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO teams (tenant, teamid, tmap) VALUES (?, ?, ?)
		ON CONFLICT(tenant, teamid) DO UPDATE SET tmap = excluded.tmap`,
		team.Tenant, team.TeamID, tmap,
	)
	return err
}

func (s *SQLiteStore) GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant, teamid, tmap FROM teams WHERE tenant = ? AND teamid = ?`, tenant, teamid)

	var team api.Team
	var tmap string
	err := row.Scan(&team.Tenant, &team.TeamID, &tmap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	team.TMap, err = decodeDoc[map[string][]api.TeamMember](tmap)
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *SQLiteStore) DeleteTeam(ctx context.Context, tenant, teamid string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM teams WHERE tenant = ? AND teamid = ?`, tenant, teamid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTeamNotFound
	}
	return nil
}

func (s *SQLiteStore) SetTeamRole(ctx context.Context, tenant, teamid, role string, members []api.TeamMember) error {
	team, err := s.GetTeam(ctx, tenant, teamid)
	if err != nil {
		return err
	}
	if team.TMap == nil {
		team.TMap = map[string][]api.TeamMember{}
	}
	team.TMap[role] = members
	return s.SaveTeam(ctx, team)
}

func (s *SQLiteStore) DeleteTeamRole(ctx context.Context, tenant, teamid, role string) error {
	team, err := s.GetTeam(ctx, tenant, teamid)
	if err != nil {
		return err
	}
	delete(team.TMap, role)
	return s.SaveTeam(ctx, team)
}

// --- crontabs ---

func (s *SQLiteStore) CreateCrontab(ctx context.Context, entry *api.Crontab) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crontabs (cronid, tenant, tplid, expr, starters, method, scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Tenant, entry.TplID, entry.Expr, entry.Starters, entry.Method,
		boolInt(entry.Scheduled),
	)
	if isUniqueViolation(err) {
		return ErrCrontabExists
	}
	return err
}

func (s *SQLiteStore) ListCrontabs(ctx context.Context, tenant string) ([]*api.Crontab, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cronid, tenant, tplid, expr, starters, method, scheduled
		FROM crontabs WHERE tenant = ? OR ? = '' ORDER BY cronid`, tenant, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Crontab
	for rows.Next() {
		var c api.Crontab
		var scheduled int
		if err := rows.Scan(&c.ID, &c.Tenant, &c.TplID, &c.Expr, &c.Starters, &c.Method, &scheduled); err != nil {
			return nil, err
		}
		c.Scheduled = scheduled != 0
		copied := c
		out = append(out, &copied)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCrontab(ctx context.Context, tenant, cronid string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM crontabs WHERE cronid = ? AND tenant = ?`, cronid, tenant)
	return err
}

func (s *SQLiteStore) CountCrontabs(ctx context.Context, tenant string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crontabs WHERE tenant = ?`, tenant)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
