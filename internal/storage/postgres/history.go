package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"listing_watcher/internal/domain"
)

type HistoryStore struct {
	db *sqlx.DB
}

func NewHistoryStore(db *sqlx.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Append inserts history rows. Existing rows are never touched.
func (s *HistoryStore) Append(ctx context.Context, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	args := make([]any, 0, len(entries)*5)
	for _, e := range entries {
		args = append(args, e.ListingID, string(e.ChangeKind), e.Price, e.OldPrice, e.ObservedAt)
	}

	query := "INSERT INTO price_history (listing_id, change_kind, price, old_price, observed_at) VALUES " +
		placeholders(len(entries), 5)
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, args...)
	return err
}

func (s *HistoryStore) ListByListing(ctx context.Context, listingID int64) ([]domain.HistoryEntry, error) {
	query := `
		SELECT id, listing_id, change_kind, price, old_price, observed_at
		FROM price_history
		WHERE listing_id = $1
		ORDER BY observed_at, id`

	var entries []domain.HistoryEntry
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &entries, query, listingID)
	return entries, err
}
