package registry

import (
	"context"
	"fmt"
	"log/slog"

	"listing_watcher/internal/config"
	"listing_watcher/internal/domain"
	"listing_watcher/internal/parser"
)

type TargetStore interface {
	UpsertCity(ctx context.Context, city domain.City) error
	Upsert(ctx context.Context, t domain.Target) error
	DeleteExcept(ctx context.Context, keep []domain.TargetKey) (int64, error)
	List(ctx context.Context) ([]domain.Target, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Registry keeps the target table in line with configuration.
type Registry struct {
	store   TargetStore
	parsers *parser.Registry
	tx      TransactionManager
	logger  *slog.Logger
}

func New(store TargetStore, parsers *parser.Registry, tx TransactionManager, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		parsers: parsers,
		tx:      tx,
		logger:  logger,
	}
}

// Load registers every configured target and drops the ones no longer
// configured. Targets without a url get one from their site parser.
func (r *Registry) Load(ctx context.Context, targets []config.TargetConfig) error {
	resolved := make([]domain.Target, 0, len(targets))
	for _, tc := range targets {
		p, err := r.parsers.Get(tc.Site)
		if err != nil {
			return err
		}

		t := domain.Target{
			Site:      tc.Site,
			InseeCode: tc.InseeCode,
			Zipcode:   tc.Zipcode,
			CityName:  tc.CityName,
			URL:       tc.URL,
		}
		if t.URL == "" {
			t.URL, err = p.TargetURL(domain.City{InseeCode: tc.InseeCode, Zipcode: tc.Zipcode, Name: tc.CityName})
			if err != nil {
				return fmt.Errorf("target %s: %w", t.Key(), err)
			}
		}
		resolved = append(resolved, t)
	}

	var removed int64
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		keep := make([]domain.TargetKey, 0, len(resolved))
		for _, t := range resolved {
			city := domain.City{InseeCode: t.InseeCode, Zipcode: t.Zipcode, Name: t.CityName}
			if err := r.store.UpsertCity(ctx, city); err != nil {
				return fmt.Errorf("upsert city %s: %w", t.InseeCode, err)
			}
			if err := r.store.Upsert(ctx, t); err != nil {
				return fmt.Errorf("upsert target %s: %w", t.Key(), err)
			}
			keep = append(keep, t.Key())
		}

		n, err := r.store.DeleteExcept(ctx, keep)
		if err != nil {
			return fmt.Errorf("delete stale targets: %w", err)
		}
		removed = n
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "load targets", Err: err}
	}

	r.logger.Info("targets loaded", "active", len(resolved), "removed", removed)
	return nil
}

// Active lists the registered targets that have a parser in this process.
func (r *Registry) Active(ctx context.Context) ([]domain.Target, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "list targets", Err: err}
	}

	active := all[:0]
	for _, t := range all {
		if _, err := r.parsers.Get(t.Site); err != nil {
			r.logger.Warn("skipping target without parser", "site", t.Site, "insee_code", t.InseeCode)
			continue
		}
		if t.FlaggedAt != nil {
			r.logger.Warn("target flagged for operator",
				"site", t.Site, "insee_code", t.InseeCode, "reason", deref(t.FlagReason))
		}
		active = append(active, t)
	}
	return active, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
