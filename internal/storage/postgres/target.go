package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"listing_watcher/internal/domain"
)

type TargetStore struct {
	db *sqlx.DB
}

func NewTargetStore(db *sqlx.DB) *TargetStore {
	return &TargetStore{db: db}
}

func (s *TargetStore) UpsertCity(ctx context.Context, city domain.City) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO cities (insee_code, zipcode, city_name) VALUES ($1, $2, $3)
		ON CONFLICT (insee_code) DO UPDATE SET
			zipcode = EXCLUDED.zipcode,
			city_name = EXCLUDED.city_name`,
		city.InseeCode, city.Zipcode, city.Name,
	)
	return err
}

// Upsert registers a target. The url of an existing target is kept.
func (s *TargetStore) Upsert(ctx context.Context, t domain.Target) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO target (site, insee_code, url) VALUES ($1, $2, $3)
		ON CONFLICT (site, insee_code) DO NOTHING`,
		t.Site, t.InseeCode, t.URL,
	)
	return err
}

// DeleteExcept removes every target not in keep.
func (s *TargetStore) DeleteExcept(ctx context.Context, keep []domain.TargetKey) (int64, error) {
	sites := make([]string, len(keep))
	codes := make([]string, len(keep))
	for i, k := range keep {
		sites[i] = k.Site
		codes[i] = k.InseeCode
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		DELETE FROM target
		WHERE (site, insee_code) NOT IN (
			SELECT * FROM unnest($1::text[], $2::text[])
		)`,
		pq.Array(sites), pq.Array(codes),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const targetSelect = `
	SELECT t.site, t.insee_code, c.zipcode, c.city_name, t.url, t.flagged_at, t.flag_reason
	FROM target t
	JOIN cities c ON c.insee_code = t.insee_code`

func (s *TargetStore) List(ctx context.Context) ([]domain.Target, error) {
	var targets []domain.Target
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &targets,
		targetSelect+" ORDER BY t.site, t.insee_code")
	return targets, err
}

func (s *TargetStore) Get(ctx context.Context, key domain.TargetKey) (*domain.Target, error) {
	var t domain.Target
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &t,
		targetSelect+" WHERE t.site = $1 AND t.insee_code = $2", key.Site, key.InseeCode)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Flag marks a target for operator attention.
func (s *TargetStore) Flag(ctx context.Context, key domain.TargetKey, reason string, now time.Time) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"UPDATE target SET flagged_at = $3, flag_reason = $4 WHERE site = $1 AND insee_code = $2",
		key.Site, key.InseeCode, now, reason,
	)
	return err
}

func (s *TargetStore) ClearFlag(ctx context.Context, key domain.TargetKey) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		UPDATE target SET flagged_at = NULL, flag_reason = NULL
		WHERE site = $1 AND insee_code = $2 AND flagged_at IS NOT NULL`,
		key.Site, key.InseeCode,
	)
	return err
}
