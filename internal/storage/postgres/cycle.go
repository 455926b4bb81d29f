package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"listing_watcher/internal/domain"
)

type CycleStore struct {
	db *sqlx.DB
}

func NewCycleStore(db *sqlx.DB) *CycleStore {
	return &CycleStore{db: db}
}

func (s *CycleStore) Start(ctx context.Context, cycle *domain.Cycle) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"INSERT INTO scrape_cycle (id, started_at) VALUES ($1, $2)",
		cycle.ID, cycle.StartedAt,
	)
	return err
}

// Finish closes the cycle once. Reports false if it was already closed.
func (s *CycleStore) Finish(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"UPDATE scrape_cycle SET finished_at = $2 WHERE id = $1 AND finished_at IS NULL",
		id, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *CycleStore) Get(ctx context.Context, id string) (*domain.Cycle, error) {
	var c domain.Cycle
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &c,
		"SELECT id, started_at, finished_at FROM scrape_cycle WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListUnfinished returns the open cycles started before the given time.
func (s *CycleStore) ListUnfinished(ctx context.Context, startedBefore time.Time) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &ids,
		"SELECT id FROM scrape_cycle WHERE finished_at IS NULL AND started_at < $1 ORDER BY started_at",
		startedBefore,
	)
	return ids, err
}
