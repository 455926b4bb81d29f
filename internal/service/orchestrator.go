package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"listing_watcher/internal/domain"
)

type OrchestratorConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// LeaseTTL bounds how long a target stays claimed by one cycle without
	// progress.
	LeaseTTL time.Duration
}

// Orchestrator schedules scrape jobs and applies their results.
type Orchestrator struct {
	jobs      JobStore
	leases    LeaseStore
	cycles    CycleStore
	targets   TargetStore
	engine    Reconciler
	queue     JobQueue
	notifier  Notifier
	txManager TransactionManager
	cfg       OrchestratorConfig
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewOrchestrator(
	jobs JobStore,
	leases LeaseStore,
	cycles CycleStore,
	targets TargetStore,
	engine Reconciler,
	queue JobQueue,
	notifier Notifier,
	txManager TransactionManager,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Hour
	}
	return &Orchestrator{
		jobs:      jobs,
		leases:    leases,
		cycles:    cycles,
		targets:   targets,
		engine:    engine,
		queue:     queue,
		notifier:  notifier,
		txManager: txManager,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ScheduleCycle opens a cycle and enqueues one job per target whose lease
// could be taken. Targets still in flight from an earlier cycle are skipped.
//
// Every job row exists before the first job is published, so a result that
// comes back early cannot find the cycle without open jobs and close it.
func (o *Orchestrator) ScheduleCycle(ctx context.Context, targets []domain.Target) ([]domain.JobHandle, error) {
	now := o.now().UTC()
	cycle := &domain.Cycle{ID: o.newID(), StartedAt: now}
	if err := o.cycles.Start(ctx, cycle); err != nil {
		return nil, &domain.StorageError{Op: "start cycle", Err: err}
	}

	logger := o.logger.With("cycle_id", cycle.ID)
	logger.Info("cycle started", "targets", len(targets))

	var (
		handles []domain.JobHandle
		jobs    []*domain.ScrapeJob
	)
	skipped := 0
	for _, t := range targets {
		tlog := logger.With("site", t.Site, "insee_code", t.InseeCode)
		if t.FlaggedAt != nil {
			tlog.Warn("scheduling flagged target", "flag_reason", deref(t.FlagReason))
		}

		job := &domain.ScrapeJob{
			ID:          o.newID(),
			CycleID:     cycle.ID,
			Site:        t.Site,
			InseeCode:   t.InseeCode,
			Attempt:     1,
			State:       domain.JobQueued,
			ScheduledAt: now,
		}

		acquired := false
		err := o.txManager.WithTransaction(ctx, func(ctx context.Context) error {
			ok, err := o.leases.Acquire(ctx, t.Key(), cycle.ID, now, o.cfg.LeaseTTL)
			if err != nil || !ok {
				return err
			}
			acquired = true
			return o.jobs.Create(ctx, job)
		})
		if err != nil {
			tlog.Error("failed to schedule target", "error", err)
			continue
		}
		if !acquired {
			tlog.Info("target in flight, skipping")
			skipped++
			continue
		}

		jobs = append(jobs, job)
		handles = append(handles, domain.JobHandle{
			JobID:   job.ID,
			CycleID: cycle.ID,
			Target:  t,
			Attempt: job.Attempt,
		})
	}

	for i, job := range jobs {
		if err := o.queue.PublishJob(ctx, jobMessage(job, handles[i].Target), 0); err != nil {
			logger.Warn("failed to publish job", "job_id", job.ID, "site", job.Site, "insee_code", job.InseeCode, "error", err)
			if err := o.finish(ctx, job.ID, domain.JobFailedRetryable, "publish: "+err.Error(), false); err != nil {
				logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
			}
		}
	}

	logger.Info("cycle scheduled", "jobs", len(handles), "skipped", skipped)

	if len(handles) == 0 {
		// Not bound to the caller's deadline: a cycle left half closed is
		// only picked up again by RecoverStale.
		if err := o.closeCycle(context.WithoutCancel(ctx), cycle.ID); err != nil {
			return handles, err
		}
	}
	return handles, nil
}

// HandleResult applies one worker result. Duplicate deliveries of a result
// whose job is already terminal are acknowledged without effect. A non-nil
// error means the result was not applied and should be redelivered.
func (o *Orchestrator) HandleResult(ctx context.Context, msg domain.ResultMessage) error {
	logger := o.logger.With("job_id", msg.JobID)

	job, err := o.jobs.Get(ctx, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("result for unknown job dropped")
		return nil
	}
	if err != nil {
		return &domain.StorageError{Op: "load job", Err: err}
	}
	if job.State.Terminal() {
		logger.Info("duplicate result ignored", "state", job.State)
		return nil
	}

	logger = logger.With("site", job.Site, "insee_code", job.InseeCode, "attempt", job.Attempt)

	outcome, errMsg, complete := msg.Outcome, msg.Error, msg.Complete
	if !outcome.Terminal() {
		logger.Warn("result carries no terminal outcome", "outcome", outcome)
		outcome, errMsg = domain.JobFailedRetryable, fmt.Sprintf("invalid outcome %q", msg.Outcome)
	}

	if len(msg.Records) > 0 {
		report, err := o.engine.Reconcile(ctx, job.Site, msg.Records)
		o.notify(ctx, report)
		if err != nil {
			logger.Error("reconcile failed", "records", len(msg.Records), "error", err)
			outcome, errMsg, complete = domain.JobFailedRetryable, err.Error(), false
		}
	}

	return o.finish(ctx, job.ID, outcome, errMsg, complete)
}

// RecoverStale fails open jobs that made no progress within the lease TTL
// and sends them through the retry policy. It then closes cycles of the
// same age that were left open with no open jobs.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	before := o.now().UTC().Add(-o.cfg.LeaseTTL)

	stale, err := o.jobs.ListStale(ctx, before)
	if err != nil {
		return 0, &domain.StorageError{Op: "list stale jobs", Err: err}
	}

	recovered := 0
	for _, j := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		o.logger.Warn("recovering stale job",
			"job_id", j.ID,
			"site", j.Site,
			"insee_code", j.InseeCode,
			"state", j.State,
			"attempt", j.Attempt,
		)
		if err := o.finish(ctx, j.ID, domain.JobFailedRetryable, "lease expired", false); err != nil {
			o.logger.Error("failed to recover stale job", "job_id", j.ID, "error", err)
			continue
		}
		recovered++
	}

	cycles, err := o.cycles.ListUnfinished(ctx, before)
	if err != nil {
		return recovered, &domain.StorageError{Op: "list unfinished cycles", Err: err}
	}
	for _, id := range cycles {
		if err := o.closeCycle(ctx, id); err != nil {
			o.logger.Error("failed to close unfinished cycle", "cycle_id", id, "error", err)
		}
	}
	return recovered, nil
}

// Backoff is the delay before retry attempt+1.
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffCap {
			return o.cfg.BackoffCap
		}
	}
	return d
}

// finish moves an open job into its terminal state and applies the retry
// policy, all in one transaction. It is a no-op for a job that is already
// terminal.
func (o *Orchestrator) finish(ctx context.Context, jobID string, outcome domain.JobState, errMsg string, complete bool) error {
	now := o.now().UTC()

	var (
		job     *domain.ScrapeJob
		applied bool
		retry   *domain.ScrapeJob
		target  *domain.Target
		delay   time.Duration
	)

	err := o.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		job, err = o.jobs.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		var lastErr *string
		if errMsg != "" {
			lastErr = &errMsg
		}
		applied, err = o.jobs.Finish(ctx, jobID, outcome, lastErr, complete && outcome == domain.JobSucceeded, now)
		if err != nil || !applied {
			return err
		}

		key := job.TargetKey()
		logger := o.logger.With("job_id", job.ID, "site", key.Site, "insee_code", key.InseeCode, "attempt", job.Attempt)

		switch {
		case outcome == domain.JobSucceeded:
			if err := o.targets.ClearFlag(ctx, key); err != nil {
				return fmt.Errorf("clear flag: %w", err)
			}
			return o.leases.Release(ctx, key, job.CycleID)

		case outcome == domain.JobFailedRetryable && job.Attempt < o.cfg.MaxAttempts:
			t, err := o.targets.Get(ctx, key)
			if errors.Is(err, domain.ErrNotFound) {
				logger.Info("target no longer configured, not retrying")
				return o.leases.Release(ctx, key, job.CycleID)
			}
			if err != nil {
				return fmt.Errorf("load target: %w", err)
			}

			delay = o.Backoff(job.Attempt)
			owned, err := o.leases.Extend(ctx, key, job.CycleID, now.Add(delay+o.cfg.LeaseTTL))
			if err != nil {
				return fmt.Errorf("extend lease: %w", err)
			}
			if !owned {
				logger.Warn("lease taken by another cycle, not retrying")
				return nil
			}

			retry = &domain.ScrapeJob{
				ID:          o.newID(),
				CycleID:     job.CycleID,
				Site:        job.Site,
				InseeCode:   job.InseeCode,
				Attempt:     job.Attempt + 1,
				State:       domain.JobQueued,
				ScheduledAt: now.Add(delay),
			}
			target = t
			return o.jobs.Create(ctx, retry)

		default:
			reason := errMsg
			if outcome == domain.JobFailedRetryable {
				reason = fmt.Sprintf("attempts exhausted (%d): %s", job.Attempt, errMsg)
			}
			if err := o.targets.Flag(ctx, key, reason, now); err != nil {
				return fmt.Errorf("flag target: %w", err)
			}
			logger.Warn("target flagged for operator", "outcome", outcome, "reason", reason)
			return o.leases.Release(ctx, key, job.CycleID)
		}
	})
	if err != nil {
		return &domain.StorageError{Op: "finish job", Err: err}
	}
	if !applied {
		o.logger.Info("job already finished", "job_id", jobID)
		return nil
	}

	o.logger.Info("job finished",
		"job_id", job.ID,
		"site", job.Site,
		"insee_code", job.InseeCode,
		"attempt", job.Attempt,
		"outcome", outcome,
		"complete", complete,
	)

	if retry != nil {
		o.logger.Info("retry scheduled", "job_id", retry.ID, "attempt", retry.Attempt, "delay", delay)
		if err := o.queue.PublishJob(ctx, jobMessage(retry, *target), delay); err != nil {
			// The row stays queued and is picked up by RecoverStale.
			o.logger.Warn("failed to publish retry", "job_id", retry.ID, "error", err)
		}
	}

	if err := o.closeCycle(ctx, job.CycleID); err != nil {
		o.logger.Error("failed to close cycle", "cycle_id", job.CycleID, "error", err)
	}
	return nil
}

// closeCycle finishes the cycle once its last open job is terminal and runs
// the removal pass over the targets that were fully scraped.
func (o *Orchestrator) closeCycle(ctx context.Context, cycleID string) error {
	open, err := o.jobs.CountOpen(ctx, cycleID)
	if err != nil {
		return &domain.StorageError{Op: "count open jobs", Err: err}
	}
	if open > 0 {
		return nil
	}

	closed, err := o.cycles.Finish(ctx, cycleID, o.now().UTC())
	if err != nil {
		return &domain.StorageError{Op: "finish cycle", Err: err}
	}
	if !closed {
		return nil
	}

	cycle, err := o.cycles.Get(ctx, cycleID)
	if err != nil {
		return &domain.StorageError{Op: "load cycle", Err: err}
	}
	completed, err := o.jobs.CompletedTargets(ctx, cycleID)
	if err != nil {
		return &domain.StorageError{Op: "completed targets", Err: err}
	}

	bySite := make(map[string][]string)
	for _, k := range completed {
		bySite[k.Site] = append(bySite[k.Site], k.InseeCode)
	}

	logger := o.logger.With("cycle_id", cycleID)
	var errs []error
	for _, site := range slices.Sorted(maps.Keys(bySite)) {
		report, err := o.engine.SweepRemoved(ctx, site, bySite[site], cycle.StartedAt)
		if err != nil {
			logger.Error("removal sweep failed", "site", site, "error", err)
			errs = append(errs, err)
			continue
		}
		o.notify(ctx, report)
	}

	logger.Info("cycle finished", "completed_targets", len(completed), "duration", o.now().Sub(cycle.StartedAt))
	return errors.Join(errs...)
}

func (o *Orchestrator) notify(ctx context.Context, report *domain.Report) {
	if o.notifier == nil || report == nil || !report.HasEvents() {
		return
	}
	if err := o.notifier.Notify(ctx, report); err != nil {
		o.logger.Warn("failed to notify report", "site", report.Site, "error", err)
	}
}

func jobMessage(job *domain.ScrapeJob, t domain.Target) domain.JobMessage {
	return domain.JobMessage{JobID: job.ID, Target: t, Attempt: job.Attempt}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
