package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/metatocome/hyperflow/internal/persistence"
	"github.com/metatocome/hyperflow/pkg/api"
)

// Scanner polls the store for due delay timers and fires them through the
// engine. Claiming removes a timer atomically, so any number of scanners may
// run against the same store without double-firing.
type Scanner struct {
	engine   api.Engine
	store    persistence.Store
	logger   *slog.Logger
	interval time.Duration
	batch    int
	retry    time.Duration
}

// ScannerConfig describes how to construct a Scanner. Engine and Store are
// required; everything else has a sensible default.
type ScannerConfig struct {
	Engine api.Engine
	Store  persistence.Store
	Logger *slog.Logger

	// Interval is the polling period of the scan loop.
	Interval time.Duration

	// Batch caps how many due timers one scan claims.
	Batch int

	// Retry is how far a timer is pushed out when firing it failed.
	Retry time.Duration
}

// NewScanner creates a Scanner from cfg.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 30 * time.Second
	}
	return &Scanner{
		engine:   cfg.Engine,
		store:    cfg.Store,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		retry:    cfg.Retry,
	}
}

// Run polls until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.ScanOnce(ctx); err != nil {
			s.logger.Error("timer scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce claims one batch of due timers and fires each. A timer whose fire
// failed (for instance because the instance's lease was contended) is pushed
// out by the retry delay instead of being lost.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDueTimers(ctx, time.Now(), s.batch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, timer := range due {
		if err := s.engine.FireTimer(ctx, timer); err != nil {
			s.logger.Warn("timer fire failed, re-arming",
				"wfid", timer.WFID, "nodeid", timer.NodeID, "err", err)
			s.rearm(ctx, timer)
			continue
		}
		fired++
	}
	return fired, nil
}

func (s *Scanner) rearm(ctx context.Context, timer *api.DelayTimer) {
	rearmed := *timer
	rearmed.Time = time.Now().Add(s.retry)
	err := s.store.CommitStep(ctx, &persistence.StepCommit{
		Tenant:    timer.Tenant,
		WFID:      timer.WFID,
		NewTimers: []*api.DelayTimer{&rearmed},
	})
	if err != nil {
		s.logger.Error("timer re-arm failed", "wfid", timer.WFID, "nodeid", timer.NodeID, "err", err)
	}
}
