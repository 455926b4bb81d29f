package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"listing_watcher/internal/domain"
)

const defaultChunkSize = 200

type EngineConfig struct {
	ChunkSize int
}

// Engine classifies scraped listings against the stored projection and
// writes the listing, image and history rows of each chunk in one
// transaction.
type Engine struct {
	listings  ListingStore
	images    ImageStore
	history   HistoryStore
	txManager TransactionManager
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(
	listings ListingStore,
	images ImageStore,
	history HistoryStore,
	txManager TransactionManager,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Engine{
		listings:  listings,
		images:    images,
		history:   history,
		txManager: txManager,
		chunkSize: cfg.ChunkSize,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
	}
}

// Reconcile applies one batch of records for site. On a storage failure the
// returned report covers the chunks committed before it, alongside a
// *domain.StorageError.
func (e *Engine) Reconcile(ctx context.Context, site string, batch []domain.Listing) (*domain.Report, error) {
	report := domain.NewReport(site)
	logger := e.logger.With("site", site)

	valid := make([]domain.Listing, 0, len(batch))
	for _, l := range batch {
		if l.Site != site {
			report.Rejected = append(report.Rejected, domain.Rejection{ExternalID: l.ExternalID, Reason: "site mismatch: " + l.Site})
			continue
		}
		if err := domain.Validate(&l); err != nil {
			report.Rejected = append(report.Rejected, domain.Rejection{ExternalID: l.ExternalID, Reason: rejectionReason(err)})
			logger.Warn("rejected listing", "external_id", l.ExternalID, "error", err)
			continue
		}
		valid = append(valid, l)
	}

	records, duplicates := dedupe(valid)
	report.Unchanged += duplicates

	for start := 0; start < len(records); start += e.chunkSize {
		end := min(start+e.chunkSize, len(records))

		part := domain.NewReport(site)
		err := e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
			return e.reconcileChunk(ctx, site, records[start:end], part)
		})
		if err != nil {
			logger.Error("reconcile chunk failed",
				"chunk_start", start,
				"chunk_size", end-start,
				"error", err,
			)
			return report, &domain.StorageError{Op: "reconcile", Err: err}
		}
		report.Merge(part)
	}

	counts := report.Counts()
	logger.Info("batch reconciled",
		"records", len(batch),
		"new", counts[domain.ChangeNew],
		"price_changed", counts[domain.ChangePriceChanged],
		"relisted", counts[domain.ChangeRelisted],
		"unchanged", counts[domain.ChangeUnchanged],
		"rejected", len(report.Rejected),
	)

	return report, nil
}

func rejectionReason(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return strings.Join(ve.Problems, "; ")
	}
	return err.Error()
}

// dedupe keeps one record per external id. The later occurrence wins and
// takes the position of the first one; the dropped copies are counted.
func dedupe(records []domain.Listing) ([]domain.Listing, int) {
	index := make(map[string]int, len(records))
	out := make([]domain.Listing, 0, len(records))
	dropped := 0
	for _, l := range records {
		if i, ok := index[l.ExternalID]; ok {
			out[i] = l
			dropped++
			continue
		}
		index[l.ExternalID] = len(out)
		out = append(out, l)
	}
	return out, dropped
}

func (e *Engine) reconcileChunk(ctx context.Context, site string, chunk []domain.Listing, report *domain.Report) error {
	ids := make([]string, len(chunk))
	for i := range chunk {
		ids[i] = chunk[i].ExternalID
	}

	stored, err := e.listings.LockByKeys(ctx, site, ids)
	if err != nil {
		return err
	}

	var history []domain.HistoryEntry
	for _, l := range chunk {
		l.Status = domain.StatusActive
		key := l.Key()
		current, exists := stored[l.ExternalID]

		switch {
		case !exists:
			p := &domain.PersistedListing{
				ID:          key.SurrogateID(),
				Listing:     l,
				FirstSeenAt: l.SeenAt,
				LastSeenAt:  l.SeenAt,
			}
			if err := e.write(ctx, p, true); err != nil {
				return err
			}
			history = append(history, domain.HistoryEntry{
				ListingID:  p.ID,
				ChangeKind: domain.ChangeNew,
				Price:      l.Price,
				ObservedAt: l.SeenAt,
			})
			report.New = append(report.New, key)

		case current.LastSeenAt.After(l.SeenAt):
			// Older than what is stored: a delayed redelivery.
			e.logger.Debug("stale record ignored", "key", key.String(), "seen_at", l.SeenAt, "last_seen_at", current.LastSeenAt)
			report.Unchanged++

		case current.Status == domain.StatusInactive:
			p := e.merge(current, l)
			if err := e.write(ctx, p, false); err != nil {
				return err
			}
			history = append(history, domain.HistoryEntry{
				ListingID:  p.ID,
				ChangeKind: domain.ChangeRelisted,
				Price:      l.Price,
				ObservedAt: l.SeenAt,
			})
			report.Relisted = append(report.Relisted, key)

			// A relisting at a new price is also a price change.
			if !samePrice(current.Price, l.Price) {
				history = append(history, domain.HistoryEntry{
					ListingID:  p.ID,
					ChangeKind: domain.ChangePriceChanged,
					Price:      l.Price,
					OldPrice:   &current.Price,
					ObservedAt: l.SeenAt,
				})
				report.PriceChanged = append(report.PriceChanged, domain.PriceChange{
					Key:      key,
					OldPrice: current.Price,
					NewPrice: l.Price,
				})
			}

		case !samePrice(current.Price, l.Price):
			p := e.merge(current, l)
			if err := e.write(ctx, p, false); err != nil {
				return err
			}
			history = append(history, domain.HistoryEntry{
				ListingID:  p.ID,
				ChangeKind: domain.ChangePriceChanged,
				Price:      l.Price,
				OldPrice:   &current.Price,
				ObservedAt: l.SeenAt,
			})
			report.PriceChanged = append(report.PriceChanged, domain.PriceChange{
				Key:      key,
				OldPrice: current.Price,
				NewPrice: l.Price,
			})

		default:
			if err := e.listings.Touch(ctx, current.ID, l.SeenAt); err != nil {
				return err
			}
			report.Unchanged++
		}
	}

	if len(history) == 0 {
		return nil
	}
	return e.history.Append(ctx, history)
}

// merge builds the row that replaces current. A price move records the
// stored price as old_price.
func (e *Engine) merge(current *domain.PersistedListing, l domain.Listing) *domain.PersistedListing {
	if !samePrice(current.Price, l.Price) {
		old := current.Price
		l.OldPrice = &old
	} else {
		l.OldPrice = current.OldPrice
	}
	return &domain.PersistedListing{
		ID:          current.ID,
		Listing:     l,
		FirstSeenAt: current.FirstSeenAt,
		LastSeenAt:  l.SeenAt,
	}
}

func (e *Engine) write(ctx context.Context, p *domain.PersistedListing, insert bool) error {
	var err error
	if insert {
		err = e.listings.Insert(ctx, p)
	} else {
		err = e.listings.Update(ctx, p)
	}
	if err != nil {
		return err
	}
	return e.images.Replace(ctx, p.ID, p.Images)
}

// Prices are kept to the cent.
func samePrice(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// SweepRemoved deactivates the active listings of the given targets that
// were not seen since cutoff. It is meant to run once per cycle and site,
// after every job of the cycle has finished.
func (e *Engine) SweepRemoved(ctx context.Context, site string, inseeCodes []string, cutoff time.Time) (*domain.Report, error) {
	report := domain.NewReport(site)
	if len(inseeCodes) == 0 {
		return report, nil
	}

	var removed []domain.RemovedListing
	err := e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		removed, err = e.listings.MarkRemoved(ctx, site, inseeCodes, cutoff)
		if err != nil || len(removed) == 0 {
			return err
		}

		now := e.now().UTC()
		entries := make([]domain.HistoryEntry, len(removed))
		for i, r := range removed {
			entries[i] = domain.HistoryEntry{
				ListingID:  r.ID,
				ChangeKind: domain.ChangeRemoved,
				Price:      r.Price,
				ObservedAt: now,
			}
		}
		return e.history.Append(ctx, entries)
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "sweep removed", Err: err}
	}

	for _, r := range removed {
		report.Removed = append(report.Removed, domain.ListingKey{Site: site, ExternalID: r.ExternalID})
	}

	e.logger.Info("removal sweep done",
		"site", site,
		"targets", len(inseeCodes),
		"removed", len(removed),
		"cutoff", cutoff,
	)
	return report, nil
}
