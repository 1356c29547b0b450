package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metatocome/hyperflow/pkg/api"
)

// MemStore is a goroutine-safe in-memory Store backed by maps. It is the
// reference implementation for tests and non-durable single-process runs;
// CommitStep is naturally atomic because every mutation happens under one
// lock.
type MemStore struct {
	mu sync.RWMutex

	templates map[string]*api.Template // tenant/tplid
	workflows map[string]*api.Workflow // wfid
	works     map[string][]*api.Work   // wfid, insertion order
	todos     map[string]*api.Todo     // todoid
	wfTodos   map[string][]string      // wfid → todoids, insertion order
	routes    map[string][]*api.Route  // wfid, insertion order
	timers    map[string]*api.DelayTimer // wfid/nodeid
	cbpoints  map[string]*api.CbPoint    // cbpid
	teams     map[string]*api.Team       // tenant/teamid
	crontabs  map[string]*api.Crontab    // cronid

	leases map[string]memLease // wfid
}

type memLease struct {
	owner   string
	expires time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		templates: map[string]*api.Template{},
		workflows: map[string]*api.Workflow{},
		works:     map[string][]*api.Work{},
		todos:     map[string]*api.Todo{},
		wfTodos:   map[string][]string{},
		routes:    map[string][]*api.Route{},
		timers:    map[string]*api.DelayTimer{},
		cbpoints:  map[string]*api.CbPoint{},
		teams:     map[string]*api.Team{},
		crontabs:  map[string]*api.Crontab{},
		leases:    map[string]memLease{},
	}
}

func tplKey(tenant, tplid string) string   { return tenant + "/" + tplid }
func teamKey(tenant, teamid string) string { return tenant + "/" + teamid }
func timerKey(wfid, nodeid string) string  { return wfid + "/" + nodeid }

// --- templates ---

func (s *MemStore) CreateTemplate(ctx context.Context, tpl *api.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tplKey(tpl.Tenant, tpl.TplID)
	if _, ok := s.templates[k]; ok {
		return ErrTemplateExists
	}
	copied := *tpl
	s.templates[k] = &copied
	return nil
}

func (s *MemStore) UpdateTemplate(ctx context.Context, tpl *api.Template, ifUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tplKey(tpl.Tenant, tpl.TplID)
	cur, ok := s.templates[k]
	if !ok {
		return ErrTemplateNotFound
	}
	if !cur.LastUpdatedAt.Equal(ifUpdatedAt) {
		return ErrStaleTemplate
	}
	copied := *tpl
	s.templates[k] = &copied
	return nil
}

func (s *MemStore) GetTemplate(ctx context.Context, tenant, tplid string) (*api.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[tplKey(tenant, tplid)]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	copied := *tpl
	return &copied, nil
}

func (s *MemStore) DeleteTemplate(ctx context.Context, tenant, tplid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tplKey(tenant, tplid)
	if _, ok := s.templates[k]; !ok {
		return ErrTemplateNotFound
	}
	delete(s.templates, k)
	return nil
}

func (s *MemStore) ListTemplates(ctx context.Context, tenant string) ([]*api.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Template
	for k, tpl := range s.templates {
		if strings.HasPrefix(k, tenant+"/") {
			copied := *tpl
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TplID < out[j].TplID })
	return out, nil
}

// --- workflows ---

func (s *MemStore) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.WFID]; ok {
		return ErrWorkflowExists
	}
	copied := *wf
	s.workflows[wf.WFID] = &copied
	return nil
}

func (s *MemStore) GetWorkflow(ctx context.Context, tenant, wfid string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkflowLocked(tenant, wfid)
}

func (s *MemStore) getWorkflowLocked(tenant, wfid string) (*api.Workflow, error) {
	wf, ok := s.workflows[wfid]
	if !ok || wf.Tenant != tenant {
		return nil, ErrWorkflowNotFound
	}
	copied := *wf
	return &copied, nil
}

func (s *MemStore) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Workflow
	for _, wf := range s.workflows {
		if wf.Tenant != filter.Tenant {
			continue
		}
		if filter.TplID != "" && wf.TplID != filter.TplID {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.Starter != "" && wf.Starter != filter.Starter {
			continue
		}
		copied := *wf
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WFID < out[j].WFID })
	return out, nil
}

func (s *MemStore) CommitStep(ctx context.Context, commit *StepCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[commit.WFID]
	if !ok || wf.Tenant != commit.Tenant {
		return ErrWorkflowNotFound
	}

	if commit.Doc != "" {
		wf.Doc = commit.Doc
	}
	if commit.KVars != nil {
		wf.KVars = commit.KVars
	}
	if commit.SetStatus != "" {
		wf.Status = commit.SetStatus
		for _, todoid := range s.wfTodos[commit.WFID] {
			if td, ok := s.todos[todoid]; ok {
				td.WfStatus = commit.SetStatus
			}
		}
	}
	wf.UpdatedAt = time.Now()

	for _, w := range commit.NewWorks {
		copied := *w
		s.works[commit.WFID] = append(s.works[commit.WFID], &copied)
	}
	for _, u := range commit.UpdateWorks {
		for _, w := range s.works[commit.WFID] {
			if w.WorkID == u.WorkID {
				w.Status = u.Status
				w.Decision = u.Decision
				w.DoneAt = u.DoneAt
			}
		}
	}
	if len(commit.DeleteWorks) > 0 {
		drop := map[string]bool{}
		for _, id := range commit.DeleteWorks {
			drop[id] = true
		}
		kept := s.works[commit.WFID][:0]
		for _, w := range s.works[commit.WFID] {
			if !drop[w.WorkID] {
				kept = append(kept, w)
			}
		}
		s.works[commit.WFID] = kept
	}

	for _, td := range commit.NewTodos {
		copied := *td
		// Keep the denormalized wfstatus coherent with this very commit.
		copied.WfStatus = wf.Status
		s.todos[td.TodoID] = &copied
		s.wfTodos[commit.WFID] = append(s.wfTodos[commit.WFID], td.TodoID)
	}
	for _, u := range commit.UpdateTodos {
		td, ok := s.todos[u.TodoID]
		if !ok {
			continue
		}
		td.Status = u.Status
		td.Decision = u.Decision
		if u.Comment != "" {
			td.Comment = u.Comment
		}
		if u.Doer != "" {
			td.Doer = u.Doer
		}
		td.DoneAt = u.DoneAt
	}
	for _, todoid := range commit.DeleteTodos {
		delete(s.todos, todoid)
	}

	for _, r := range commit.NewRoutes {
		copied := *r
		s.routes[commit.WFID] = append(s.routes[commit.WFID], &copied)
	}

	for _, t := range commit.NewTimers {
		copied := *t
		s.timers[timerKey(t.WFID, t.NodeID)] = &copied
	}
	for _, nodeid := range commit.DeleteTimers {
		delete(s.timers, timerKey(commit.WFID, nodeid))
	}

	for _, cbp := range commit.NewCbPoints {
		copied := *cbp
		s.cbpoints[cbp.ID] = &copied
	}
	for _, cbpid := range commit.DeleteCbPoints {
		delete(s.cbpoints, cbpid)
	}

	return nil
}

func (s *MemStore) DestroyWorkflow(ctx context.Context, tenant, wfid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[wfid]
	if !ok || wf.Tenant != tenant {
		return nil // destroy is idempotent
	}

	delete(s.workflows, wfid)
	delete(s.works, wfid)
	for _, todoid := range s.wfTodos[wfid] {
		delete(s.todos, todoid)
	}
	delete(s.wfTodos, wfid)
	delete(s.routes, wfid)
	for k, t := range s.timers {
		if t.WFID == wfid {
			delete(s.timers, k)
		}
	}
	for k, cbp := range s.cbpoints {
		if cbp.WFID == wfid {
			delete(s.cbpoints, k)
		}
	}
	delete(s.leases, wfid)
	return nil
}

// --- leases ---

func (s *MemStore) TryAcquireLease(ctx context.Context, wfid, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[wfid]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[wfid] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemStore) RenewLease(ctx context.Context, wfid, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[wfid]
	if !ok || l.owner != owner {
		return ErrWorkflowNotFound
	}
	s.leases[wfid] = memLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) ReleaseLease(ctx context.Context, wfid, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[wfid]; ok && l.owner == owner {
		delete(s.leases, wfid)
	}
	return nil
}

// --- works / todos / routes ---

func (s *MemStore) GetWork(ctx context.Context, tenant, wfid, workid string) (*api.Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.works[wfid] {
		if w.WorkID == workid && w.Tenant == tenant {
			copied := *w
			return &copied, nil
		}
	}
	return nil, ErrWorkNotFound
}

func (s *MemStore) ListWorks(ctx context.Context, tenant, wfid string) ([]*api.Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Work
	for _, w := range s.works[wfid] {
		if w.Tenant == tenant {
			copied := *w
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) GetTodo(ctx context.Context, tenant, todoid string) (*api.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.todos[todoid]
	if !ok || td.Tenant != tenant {
		return nil, ErrTodoNotFound
	}
	copied := *td
	return &copied, nil
}

func (s *MemStore) ListTodos(ctx context.Context, filter api.TodoFilter) ([]*api.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Todo
	appendMatch := func(td *api.Todo) {
		if td.Tenant != filter.Tenant {
			return
		}
		if filter.WorkID != "" && td.WorkID != filter.WorkID {
			return
		}
		if filter.Doer != "" && td.Doer != filter.Doer {
			return
		}
		if filter.Status != "" && td.Status != filter.Status {
			return
		}
		if filter.WfStatus != "" && td.WfStatus != filter.WfStatus {
			return
		}
		copied := *td
		out = append(out, &copied)
	}

	if filter.WFID != "" {
		for _, todoid := range s.wfTodos[filter.WFID] {
			if td, ok := s.todos[todoid]; ok {
				appendMatch(td)
			}
		}
		return out, nil
	}

	for _, td := range s.todos {
		appendMatch(td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TodoID < out[j].TodoID })
	return out, nil
}

func (s *MemStore) ListRoutes(ctx context.Context, tenant, wfid string) ([]*api.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Route
	for _, r := range s.routes[wfid] {
		if r.Tenant == tenant {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

// --- timers / callback points ---

func (s *MemStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*api.DelayTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*api.DelayTimer
	for k, t := range s.timers {
		if len(due) >= limit {
			break
		}
		if !t.Time.After(now) {
			copied := *t
			due = append(due, &copied)
			delete(s.timers, k)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Time.Before(due[j].Time) })
	return due, nil
}

func (s *MemStore) GetDelayTimer(ctx context.Context, tenant, wfid, nodeid string) (*api.DelayTimer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.timers[timerKey(wfid, nodeid)]
	if !ok || t.Tenant != tenant {
		return nil, ErrWorkflowNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *MemStore) GetCbPoint(ctx context.Context, tenant, cbpid string) (*api.CbPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cbp, ok := s.cbpoints[cbpid]
	if !ok || cbp.Tenant != tenant {
		return nil, ErrCbPointNotFound
	}
	copied := *cbp
	return &copied, nil
}

func (s *MemStore) ListCbPoints(ctx context.Context, tenant, wfid string) ([]*api.CbPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.CbPoint
	for _, cbp := range s.cbpoints {
		if cbp.Tenant == tenant && cbp.WFID == wfid {
			copied := *cbp
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- teams ---

func (s *MemStore) SaveTeam(ctx context.Context, team *api.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *team
	copied.TMap = copyTMap(team.TMap)
	s.teams[teamKey(team.Tenant, team.TeamID)] = &copied
	return nil
}

func (s *MemStore) GetTeam(ctx context.Context, tenant, teamid string) (*api.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, ok := s.teams[teamKey(tenant, teamid)]
	if !ok {
		return nil, ErrTeamNotFound
	}
	copied := *team
	copied.TMap = copyTMap(team.TMap)
	return &copied, nil
}

func (s *MemStore) DeleteTeam(ctx context.Context, tenant, teamid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := teamKey(tenant, teamid)
	if _, ok := s.teams[k]; !ok {
		return ErrTeamNotFound
	}
	delete(s.teams, k)
	return nil
}

func (s *MemStore) SetTeamRole(ctx context.Context, tenant, teamid, role string, members []api.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamKey(tenant, teamid)]
	if !ok {
		return ErrTeamNotFound
	}
	if team.TMap == nil {
		team.TMap = map[string][]api.TeamMember{}
	}
	team.TMap[role] = append([]api.TeamMember(nil), members...)
	return nil
}

func (s *MemStore) DeleteTeamRole(ctx context.Context, tenant, teamid, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamKey(tenant, teamid)]
	if !ok {
		return ErrTeamNotFound
	}
	delete(team.TMap, role)
	return nil
}

func copyTMap(m map[string][]api.TeamMember) map[string][]api.TeamMember {
	out := make(map[string][]api.TeamMember, len(m))
	for k, v := range m {
		out[k] = append([]api.TeamMember(nil), v...)
	}
	return out
}

// --- crontabs ---

func (s *MemStore) CreateCrontab(ctx context.Context, entry *api.Crontab) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.crontabs {
		if c.Tenant == entry.Tenant && c.TplID == entry.TplID &&
			c.Expr == entry.Expr && c.Starters == entry.Starters && c.Method == entry.Method {
			return ErrCrontabExists
		}
	}
	copied := *entry
	s.crontabs[entry.ID] = &copied
	return nil
}

func (s *MemStore) ListCrontabs(ctx context.Context, tenant string) ([]*api.Crontab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Crontab
	for _, c := range s.crontabs {
		if tenant == "" || c.Tenant == tenant {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) DeleteCrontab(ctx context.Context, tenant, cronid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.crontabs[cronid]; ok && c.Tenant == tenant {
		delete(s.crontabs, cronid)
	}
	return nil
}

func (s *MemStore) CountCrontabs(ctx context.Context, tenant string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.crontabs {
		if c.Tenant == tenant {
			n++
		}
	}
	return n, nil
}
