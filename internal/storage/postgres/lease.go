package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"listing_watcher/internal/domain"
)

// LeaseStore guards a target against being scraped by two cycles at once.
type LeaseStore struct {
	db *sqlx.DB
}

func NewLeaseStore(db *sqlx.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// Acquire takes the lease when it is free or expired.
func (s *LeaseStore) Acquire(ctx context.Context, key domain.TargetKey, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO target_lease (site, insee_code, holder, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site, insee_code) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE target_lease.expires_at < $5
		RETURNING holder`

	var got string
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &got, query,
		key.Site, key.InseeCode, holder, now.Add(ttl), now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Extend pushes the expiry of a lease still owned by holder.
func (s *LeaseStore) Extend(ctx context.Context, key domain.TargetKey, holder string, expiresAt time.Time) (bool, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, `
		UPDATE target_lease SET expires_at = $4
		WHERE site = $1 AND insee_code = $2 AND holder = $3`,
		key.Site, key.InseeCode, holder, expiresAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *LeaseStore) Release(ctx context.Context, key domain.TargetKey, holder string) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM target_lease WHERE site = $1 AND insee_code = $2 AND holder = $3",
		key.Site, key.InseeCode, holder,
	)
	return err
}
