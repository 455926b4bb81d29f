//go:build integration

package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/storage/postgres"
)

type recordingQueue struct {
	mu     sync.Mutex
	jobs   []domain.JobMessage
	delays []time.Duration
}

func (q *recordingQueue) PublishJob(_ context.Context, msg domain.JobMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, msg)
	q.delays = append(q.delays, delay)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []*domain.Report
}

func (n *recordingNotifier) Notify(_ context.Context, r *domain.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return nil
}

type PipelineIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	db        *sqlx.DB

	listings *postgres.ListingStore
	history  *postgres.HistoryStore
	jobs     *postgres.JobStore
	leases   *postgres.LeaseStore
	cycles   *postgres.CycleStore
	targets  *postgres.TargetStore
	queue    *recordingQueue
	notifier *recordingNotifier
	orch     *Orchestrator
	target   domain.Target
}

func (s *PipelineIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../migrations")
	s.Require().NoError(err)

	container, err := tcpostgres.Run(s.ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_db"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithInitScripts(filepath.Join(migrationsPath, "001_init.up.sql")),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PipelineIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PipelineIntegrationSuite) SetupTest() {
	for _, table := range []string{
		"price_history", "images", "listing", "scrape_job", "scrape_cycle",
		"target_lease", "target", "cities",
	} {
		_, err := s.db.ExecContext(s.ctx, "DELETE FROM "+table)
		s.Require().NoError(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	txManager := postgres.NewTransactionManager(s.db)

	s.listings = postgres.NewListingStore(s.db)
	s.history = postgres.NewHistoryStore(s.db)
	s.jobs = postgres.NewJobStore(s.db)
	s.leases = postgres.NewLeaseStore(s.db)
	s.cycles = postgres.NewCycleStore(s.db)
	s.targets = postgres.NewTargetStore(s.db)
	s.queue = &recordingQueue{}
	s.notifier = &recordingNotifier{}

	engine := NewEngine(s.listings, postgres.NewImageStore(s.db), s.history, txManager, EngineConfig{ChunkSize: 2}, logger)
	s.orch = NewOrchestrator(s.jobs, s.leases, s.cycles, s.targets, engine, s.queue, s.notifier, txManager,
		OrchestratorConfig{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: time.Minute, LeaseTTL: time.Hour},
		logger,
	)

	s.Require().NoError(s.targets.UpsertCity(s.ctx, domain.City{InseeCode: "91434", Zipcode: "91390", Name: "Morsang-sur-Orge"}))
	s.target = domain.Target{
		Site:      "leboncoin",
		InseeCode: "91434",
		Zipcode:   "91390",
		CityName:  "Morsang-sur-Orge",
		URL:       "https://www.leboncoin.fr/cl/ventes_immobilieres/cp_Morsang-sur-Orge_91390",
	}
	s.Require().NoError(s.targets.Upsert(s.ctx, s.target))
}

func TestPipelineIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PipelineIntegrationSuite))
}

func (s *PipelineIntegrationSuite) scraped(extID string, price float64, seen time.Time) domain.Listing {
	return domain.Listing{
		Site:            "leboncoin",
		ExternalID:      extID,
		InseeCode:       "91434",
		Title:           "Appartement 3 pièces",
		URL:             "https://www.leboncoin.fr/ad/ventes_immobilieres/" + extID,
		PublicationDate: seen.Add(-48 * time.Hour),
		Price:           price,
		Status:          domain.StatusActive,
		OwnerType:       domain.OwnerProfessional,
		PropertyType:    domain.PropertyApartment,
		Images:          []string{"https://img.leboncoin.fr/" + extID + "/1.jpg"},
		SeenAt:          seen,
	}
}

func (s *PipelineIntegrationSuite) schedule() domain.JobHandle {
	handles, err := s.orch.ScheduleCycle(s.ctx, []domain.Target{s.target})
	s.Require().NoError(err)
	s.Require().Len(handles, 1)
	return handles[0]
}

func (s *PipelineIntegrationSuite) TestFullCycle_DetectsChangesAndSweeps() {
	old := time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Microsecond)

	// Stored before the cycle: one listing that will move in price, one that
	// will disappear.
	moving := s.scraped("1001", 210000, old)
	vanishing := s.scraped("1002", 150000, old)
	for _, l := range []domain.Listing{moving, vanishing} {
		p := &domain.PersistedListing{ID: l.Key().SurrogateID(), Listing: l, FirstSeenAt: old, LastSeenAt: old}
		s.Require().NoError(s.listings.Insert(s.ctx, p))
	}

	handle := s.schedule()
	s.Require().Len(s.queue.jobs, 1)
	s.Equal(handle.JobID, s.queue.jobs[0].JobID)

	seen := time.Now().UTC().Truncate(time.Microsecond)
	err := s.orch.HandleResult(s.ctx, domain.ResultMessage{
		JobID:    handle.JobID,
		Outcome:  domain.JobSucceeded,
		Complete: true,
		Pages:    2,
		Records: []domain.Listing{
			s.scraped("1001", 199000, seen),
			s.scraped("1003", 320000, seen),
		},
	})
	s.Require().NoError(err)

	got, err := s.listings.Get(s.ctx, moving.Key())
	s.Require().NoError(err)
	s.Equal(199000.0, got.Price)
	s.Require().NotNil(got.OldPrice)
	s.Equal(210000.0, *got.OldPrice)

	got, err = s.listings.Get(s.ctx, domain.ListingKey{Site: "leboncoin", ExternalID: "1003"})
	s.Require().NoError(err)
	s.Equal(domain.StatusActive, got.Status)

	got, err = s.listings.Get(s.ctx, vanishing.Key())
	s.Require().NoError(err)
	s.Equal(domain.StatusInactive, got.Status)

	entries, err := s.history.ListByListing(s.ctx, vanishing.Key().SurrogateID())
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(domain.ChangeRemoved, entries[0].ChangeKind)

	cycle, err := s.cycles.Get(s.ctx, handle.CycleID)
	s.Require().NoError(err)
	s.NotNil(cycle.FinishedAt)

	// Lease released: another holder can take the target.
	ok, err := s.leases.Acquire(s.ctx, s.target.Key(), uuid.NewString(), time.Now().UTC(), time.Hour)
	s.Require().NoError(err)
	s.True(ok)

	s.Require().Len(s.notifier.reports, 2)
	batch, sweep := s.notifier.reports[0], s.notifier.reports[1]
	s.Len(batch.New, 1)
	s.Require().Len(batch.PriceChanged, 1)
	s.Equal(210000.0, batch.PriceChanged[0].OldPrice)
	s.Equal([]domain.ListingKey{vanishing.Key()}, sweep.Removed)
}

func (s *PipelineIntegrationSuite) TestRetryableResult_KeepsLeaseAndSchedulesRetry() {
	handle := s.schedule()

	err := s.orch.HandleResult(s.ctx, domain.ResultMessage{
		JobID:   handle.JobID,
		Outcome: domain.JobFailedRetryable,
		Error:   "blocked: status 403",
	})
	s.Require().NoError(err)

	job, err := s.jobs.Get(s.ctx, handle.JobID)
	s.Require().NoError(err)
	s.Equal(domain.JobFailedRetryable, job.State)

	s.Require().Len(s.queue.jobs, 2)
	retry := s.queue.jobs[1]
	s.Equal(2, retry.Attempt)
	s.Equal(2*time.Second, s.queue.delays[1])

	ok, err := s.leases.Acquire(s.ctx, s.target.Key(), uuid.NewString(), time.Now().UTC(), time.Hour)
	s.Require().NoError(err)
	s.False(ok)

	open, err := s.jobs.CountOpen(s.ctx, handle.CycleID)
	s.Require().NoError(err)
	s.Equal(1, open)

	// A replay of the same result changes nothing.
	s.Require().NoError(s.orch.HandleResult(s.ctx, domain.ResultMessage{
		JobID:   handle.JobID,
		Outcome: domain.JobFailedRetryable,
		Error:   "blocked: status 403",
	}))
	s.Len(s.queue.jobs, 2)
}

func (s *PipelineIntegrationSuite) TestSecondCycleSkipsTargetInFlight() {
	s.schedule()

	handles, err := s.orch.ScheduleCycle(s.ctx, []domain.Target{s.target})
	s.Require().NoError(err)
	s.Empty(handles)
	s.Len(s.queue.jobs, 1)
}
