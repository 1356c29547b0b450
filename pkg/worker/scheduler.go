package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
)

// Scheduler turns Crontab rows into recurring workflow starts. Rows are
// registered with a cron runner; each tick starts one instance per listed
// starter. Registration is per-process; Rehydrate reloads the stored rows
// after a restart.
type Scheduler struct {
	engine api.Engine
	store  persistence.Store
	logger *slog.Logger
	quota  int

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// SchedulerConfig describes how to construct a Scheduler. Engine and Store
// are required.
type SchedulerConfig struct {
	Engine api.Engine
	Store  persistence.Store
	Logger *slog.Logger

	// Quota caps how many crontab rows one tenant may register; exceeding
	// it fails with QUOTA_EXCEEDED.
	Quota int
}

const defaultCronQuota = 100

// NewScheduler creates a Scheduler from cfg.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Quota <= 0 {
		cfg.Quota = defaultCronQuota
	}
	return &Scheduler{
		engine:  cfg.Engine,
		store:   cfg.Store,
		logger:  cfg.Logger,
		quota:   cfg.Quota,
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
	}
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner; running jobs finish.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Rehydrate loads every stored crontab row and registers it with the cron
// runner. Call once at startup, before Start.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	rows, err := s.store.ListCrontabs(ctx, "")
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := s.register(row); err != nil {
			s.logger.Error("crontab rehydration skipped a row",
				"cronid", row.ID, "tenant", row.Tenant, "expr", row.Expr, "err", err)
		}
	}
	return nil
}

// CreateCrontab validates, persists and registers a new schedule.
func (s *Scheduler) CreateCrontab(ctx context.Context, entry *api.Crontab) (*api.Crontab, error) {
	if entry.Method == "" {
		entry.Method = api.CrontabMethodStart
	}
	if entry.Method != api.CrontabMethodStart {
		return nil, api.NewError(api.ErrBadStatus, "unsupported crontab method %s", entry.Method)
	}
	if _, err := cron.ParseStandard(entry.Expr); err != nil {
		return nil, api.NewError(api.ErrBadStatus, "bad cron expression %q: %v", entry.Expr, err)
	}
	if _, err := s.engine.GetTemplate(ctx, entry.Tenant, entry.TplID); err != nil {
		return nil, err
	}

	n, err := s.store.CountCrontabs(ctx, entry.Tenant)
	if err != nil {
		return nil, err
	}
	if n >= s.quota {
		return nil, api.NewError(api.ErrQuotaExceeded,
			"tenant has %d crontab entries, quota is %d", n, s.quota)
	}

	row := *entry
	row.ID = uuid.NewString()
	row.Scheduled = true
	if err := s.store.CreateCrontab(ctx, &row); err != nil {
		if errors.Is(err, persistence.ErrCrontabExists) {
			return nil, api.NewError(api.ErrBadStatus, "identical crontab already registered")
		}
		return nil, err
	}
	if err := s.register(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteCrontab removes a schedule from the store and the cron runner.
func (s *Scheduler) DeleteCrontab(ctx context.Context, tenant, cronid string) error {
	if err := s.store.DeleteCrontab(ctx, tenant, cronid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[cronid]; ok {
		s.cron.Remove(id)
		delete(s.entries, cronid)
	}
	return nil
}

// ListCrontabs returns the tenant's registered schedules.
func (s *Scheduler) ListCrontabs(ctx context.Context, tenant string) ([]*api.Crontab, error) {
	return s.store.ListCrontabs(ctx, tenant)
}

func (s *Scheduler) register(row *api.Crontab) error {
	entry := *row
	id, err := s.cron.AddFunc(row.Expr, func() { s.fire(&entry) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[row.ID] = id
	s.mu.Unlock()
	return nil
}

// fire starts one workflow per listed starter. Failures are logged; the
// schedule stays armed for the next tick.
func (s *Scheduler) fire(row *api.Crontab) {
	ctx := context.Background()
	for _, starter := range splitStarters(row.Starters) {
		_, err := s.engine.StartWorkflow(ctx, api.StartRequest{
			Tenant:  row.Tenant,
			TplID:   row.TplID,
			Starter: starter,
		})
		if err != nil {
			s.logger.Error("scheduled start failed",
				"cronid", row.ID, "tplid", row.TplID, "starter", starter, "err", err)
		}
	}
}

func splitStarters(starters string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(starters, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "@"))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
