package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type ImageStore struct {
	db *sqlx.DB
}

func NewImageStore(db *sqlx.DB) *ImageStore {
	return &ImageStore{db: db}
}

// Replace swaps the full image set of a listing, keeping the given order.
func (s *ImageStore) Replace(ctx context.Context, listingID int64, urls []string) error {
	exec := GetExecutor(ctx, s.db)

	if _, err := exec.ExecContext(ctx, "DELETE FROM images WHERE listing_id = $1", listingID); err != nil {
		return err
	}

	if len(urls) == 0 {
		return nil
	}

	args := make([]any, 0, len(urls)*3)
	for i, u := range urls {
		args = append(args, listingID, i, u)
	}

	query := "INSERT INTO images (listing_id, position, url) VALUES " + placeholders(len(urls), 3)
	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

func (s *ImageStore) List(ctx context.Context, listingID int64) ([]string, error) {
	var urls []string
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &urls,
		"SELECT url FROM images WHERE listing_id = $1 ORDER BY position",
		listingID,
	)
	return urls, err
}
