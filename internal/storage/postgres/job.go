package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"listing_watcher/internal/domain"
)

type JobStore struct {
	db *sqlx.DB
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, cycle_id, site, insee_code, attempt, state, scheduled_at, started_at, finished_at, last_error, complete`

func (s *JobStore) Create(ctx context.Context, job *domain.ScrapeJob) error {
	query := `INSERT INTO scrape_job (` + jobColumns + `) VALUES (
		:id, :cycle_id, :site, :insee_code, :attempt, :state, :scheduled_at,
		:started_at, :finished_at, :last_error, :complete)`

	_, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), query, job)
	return err
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	var job domain.ScrapeJob
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &job,
		"SELECT "+jobColumns+" FROM scrape_job WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// MarkRunning claims a job for execution. A queued job is always claimed; a
// running job only when it started before staleBefore, i.e. its previous
// worker is presumed dead. Reports false when the job was not claimed.
func (s *JobStore) MarkRunning(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		UPDATE scrape_job SET state = 'running', started_at = $2
		WHERE id = $1
			AND (state = 'queued' OR (state = 'running' AND started_at < $3))`,
		id, now, staleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Finish moves an open job into a terminal state. Reports false when the job
// was already terminal, so replays are no-ops.
func (s *JobStore) Finish(ctx context.Context, id string, state domain.JobState, lastErr *string, complete bool, now time.Time) (bool, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		UPDATE scrape_job SET state = $2, last_error = $3, complete = $4, finished_at = $5
		WHERE id = $1 AND state IN ('queued', 'running')`,
		id, string(state), lastErr, complete, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListStale returns open jobs that have not progressed since before.
func (s *JobStore) ListStale(ctx context.Context, before time.Time) ([]domain.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM scrape_job
		WHERE state IN ('queued', 'running')
			AND COALESCE(started_at, scheduled_at) < $1
		ORDER BY scheduled_at`

	var jobs []domain.ScrapeJob
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &jobs, query, before)
	return jobs, err
}

func (s *JobStore) CountOpen(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &n,
		"SELECT COUNT(*) FROM scrape_job WHERE cycle_id = $1 AND state IN ('queued', 'running')",
		cycleID,
	)
	return n, err
}

// CompletedTargets lists the targets of a cycle whose job succeeded after
// walking every result page.
func (s *JobStore) CompletedTargets(ctx context.Context, cycleID string) ([]domain.TargetKey, error) {
	query := `
		SELECT DISTINCT site, insee_code
		FROM scrape_job
		WHERE cycle_id = $1 AND state = 'succeeded' AND complete
		ORDER BY site, insee_code`

	var keys []domain.TargetKey
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &keys, query, cycleID)
	return keys, err
}
