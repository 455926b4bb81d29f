package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"listing_watcher/internal/domain"
)

type ListingStore interface {
	LockByKeys(ctx context.Context, site string, externalIDs []string) (map[string]*domain.PersistedListing, error)
	Insert(ctx context.Context, listing *domain.PersistedListing) error
	Update(ctx context.Context, listing *domain.PersistedListing) error
	Touch(ctx context.Context, id int64, seenAt time.Time) error
	MarkRemoved(ctx context.Context, site string, inseeCodes []string, cutoff time.Time) ([]domain.RemovedListing, error)
}

type ImageStore interface {
	Replace(ctx context.Context, listingID int64, urls []string) error
}

type HistoryStore interface {
	Append(ctx context.Context, entries []domain.HistoryEntry) error
}

type JobStore interface {
	Create(ctx context.Context, job *domain.ScrapeJob) error
	Get(ctx context.Context, id string) (*domain.ScrapeJob, error)
	Finish(ctx context.Context, id string, state domain.JobState, lastErr *string, complete bool, now time.Time) (bool, error)
	ListStale(ctx context.Context, before time.Time) ([]domain.ScrapeJob, error)
	CountOpen(ctx context.Context, cycleID string) (int, error)
	CompletedTargets(ctx context.Context, cycleID string) ([]domain.TargetKey, error)
}

type LeaseStore interface {
	Acquire(ctx context.Context, key domain.TargetKey, holder string, now time.Time, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key domain.TargetKey, holder string, expiresAt time.Time) (bool, error)
	Release(ctx context.Context, key domain.TargetKey, holder string) error
}

type CycleStore interface {
	Start(ctx context.Context, cycle *domain.Cycle) error
	Finish(ctx context.Context, id string, now time.Time) (bool, error)
	Get(ctx context.Context, id string) (*domain.Cycle, error)
	ListUnfinished(ctx context.Context, startedBefore time.Time) ([]string, error)
}

type TargetStore interface {
	Get(ctx context.Context, key domain.TargetKey) (*domain.Target, error)
	Flag(ctx context.Context, key domain.TargetKey, reason string, now time.Time) error
	ClearFlag(ctx context.Context, key domain.TargetKey) error
}

// JobQueue delivers job messages to workers. A positive delay holds the
// message back before it becomes visible.
type JobQueue interface {
	PublishJob(ctx context.Context, msg domain.JobMessage, delay time.Duration) error
}

type Notifier interface {
	Notify(ctx context.Context, report *domain.Report) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, site string, batch []domain.Listing) (*domain.Report, error)
	SweepRemoved(ctx context.Context, site string, inseeCodes []string, cutoff time.Time) (*domain.Report, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
