package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"listing_watcher/internal/domain"
)

type JobClaimer interface {
	MarkRunning(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
}

type ResultPublisher interface {
	PublishResult(ctx context.Context, msg domain.ResultMessage) error
}

// Processor turns one delivery from the jobs queue into one result message.
type Processor struct {
	worker     *Worker
	jobs       JobClaimer
	results    ResultPublisher
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessor(w *Worker, jobs JobClaimer, results ResultPublisher, staleAfter time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		worker:     w,
		jobs:       jobs,
		results:    results,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle returns an error only when the delivery should be retried by the
// broker. Redeliveries of a job that is already running elsewhere are
// dropped.
func (p *Processor) Handle(ctx context.Context, msg domain.JobMessage) error {
	now := p.now().UTC()

	claimed, err := p.jobs.MarkRunning(ctx, msg.JobID, now, now.Add(-p.staleAfter))
	if err != nil {
		return fmt.Errorf("claim job %s: %w", msg.JobID, err)
	}
	if !claimed {
		p.logger.Info("skipping job not claimable", "job_id", msg.JobID, "site", msg.Target.Site)
		return nil
	}

	started := time.Now()
	records, res := Collect(p.worker.Run(ctx, msg))

	out := domain.ResultMessage{
		JobID:       msg.JobID,
		Outcome:     res.Outcome,
		Records:     records,
		Complete:    res.Complete,
		Pages:       res.Pages,
		FailedPages: res.FailedPages,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	p.logger.Info("job finished",
		"job_id", msg.JobID,
		"site", msg.Target.Site,
		"insee_code", msg.Target.InseeCode,
		"outcome", res.Outcome,
		"records", len(records),
		"pages", res.Pages,
		"failed_pages", res.FailedPages,
		"complete", res.Complete,
		"duration", time.Since(started),
	)

	if err := p.results.PublishResult(ctx, out); err != nil {
		return fmt.Errorf("publish result %s: %w", msg.JobID, err)
	}
	return nil
}
