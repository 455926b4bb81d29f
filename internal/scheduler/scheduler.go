package scheduler

import (
	"context"
	"log/slog"
	"time"

	"listing_watcher/internal/domain"
)

type Targets interface {
	Active(ctx context.Context) ([]domain.Target, error)
}

type Orchestrator interface {
	ScheduleCycle(ctx context.Context, targets []domain.Target) ([]domain.JobHandle, error)
	RecoverStale(ctx context.Context) (int, error)
}

type Config struct {
	// Interval between scheduling cycles.
	Interval time.Duration
	// RecoverInterval between stale-job sweeps.
	RecoverInterval time.Duration
	RunTimeout      time.Duration
}

type Scheduler struct {
	targets      Targets
	orchestrator Orchestrator
	cfg          Config
	logger       *slog.Logger
}

func NewScheduler(targets Targets, orchestrator Orchestrator, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = cfg.Interval
	}
	return &Scheduler{
		targets:      targets,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger,
	}
}

// Start runs a cycle right away and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"recover_interval", s.cfg.RecoverInterval,
	)

	s.runCycle(ctx)

	cycles := time.NewTicker(s.cfg.Interval)
	defer cycles.Stop()
	recoveries := time.NewTicker(s.cfg.RecoverInterval)
	defer recoveries.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-cycles.C:
			s.runCycle(ctx)
		case <-recoveries.C:
			s.recover(ctx)
		}
	}
}

func (s *Scheduler) recover(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	n, err := s.orchestrator.RecoverStale(runCtx)
	if err != nil {
		s.logger.Error("stale job recovery failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("recovered stale jobs", "count", n)
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	s.recover(ctx)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	targets, err := s.targets.Active(runCtx)
	if err != nil {
		s.logger.Error("failed to load targets", "error", err)
		return
	}

	handles, err := s.orchestrator.ScheduleCycle(runCtx, targets)
	if err != nil {
		s.logger.Error("cycle scheduling failed", "error", err)
		return
	}
	s.logger.Info("cycle enqueued", "targets", len(targets), "jobs", len(handles))
}
