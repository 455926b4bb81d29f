package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"time"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/parser"
	"listing_watcher/internal/proxy"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, id proxy.Identity) ([]byte, error)
}

// Proxies hands out a leased identity per request.
type Proxies interface {
	Do(ctx context.Context, host string, fn func(ctx context.Context, id proxy.Identity) error) error
}

type Parsers interface {
	Get(site string) (parser.Parser, error)
}

type Config struct {
	PageCap         int
	MaxPageFailures int
	PageTimeout     time.Duration
	JobTimeout      time.Duration
}

var (
	ErrPageTimeout = errors.New("page fetch timed out")
	ErrJobTimeout  = errors.New("job timed out")
	ErrStopped     = errors.New("consumer stopped reading")
)

type Worker struct {
	parsers Parsers
	fetcher Fetcher
	proxies Proxies
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(parsers Parsers, fetcher Fetcher, proxies Proxies, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PageCap <= 0 {
		cfg.PageCap = 20
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	return &Worker{
		parsers: parsers,
		fetcher: fetcher,
		proxies: proxies,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Result is the job-level outcome, known once the listings are drained.
type Result struct {
	Outcome     domain.JobState
	Err         error
	Pages       int
	FailedPages int
	// Complete is set when pagination ran to its natural end without a
	// skipped page.
	Complete bool
}

// Run is one execution of a job. Its listing sequence can be ranged over
// once; Result is valid after that.
type Run struct {
	w      *Worker
	ctx    context.Context
	job    domain.JobMessage
	logger *slog.Logger

	consumed bool
	result   Result
}

func (w *Worker) Run(ctx context.Context, job domain.JobMessage) *Run {
	return &Run{
		w:   w,
		ctx: ctx,
		job: job,
		logger: w.logger.With(
			"job_id", job.JobID,
			"site", job.Target.Site,
			"insee_code", job.Target.InseeCode,
			"attempt", job.Attempt,
		),
		result: Result{Outcome: domain.JobFailedRetryable, Err: errors.New("run not started")},
	}
}

func (r *Run) Result() Result {
	return r.result
}

func (r *Run) finish(err error, complete bool) {
	r.result.Err = err
	r.result.Outcome = domain.OutcomeFor(err)
	r.result.Complete = err == nil && complete
}

// Listings fetches pages lazily as the sequence is consumed.
func (r *Run) Listings() iter.Seq[domain.Listing] {
	return func(yield func(domain.Listing) bool) {
		if r.consumed {
			return
		}
		r.consumed = true
		r.scrape(yield)
	}
}

func (r *Run) scrape(yield func(domain.Listing) bool) {
	cfg := r.w.cfg
	target := r.job.Target

	p, err := r.w.parsers.Get(target.Site)
	if err != nil {
		r.finish(err, false)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, cfg.JobTimeout)
	defer cancel()

	skipped := false
	for page := 1; ; page++ {
		if page > cfg.PageCap {
			r.logger.Info("page cap reached", "page_cap", cfg.PageCap)
			r.finish(nil, false)
			return
		}

		if err := ctx.Err(); err != nil {
			r.finish(r.ctxError(err), false)
			return
		}

		pageURL, err := p.PageURL(target.URL, page)
		if err != nil {
			r.finish(err, false)
			return
		}

		body, err := r.fetch(ctx, pageURL)
		if err != nil {
			var (
				fe *domain.FetchError
				ce *domain.ConfigError
			)
			switch {
			case ctx.Err() != nil:
				r.finish(r.ctxError(ctx.Err()), false)
				return
			case errors.As(err, &ce), errors.Is(err, ErrPageTimeout):
				r.finish(err, false)
				return
			case domain.IsBlocked(err):
				r.logger.Warn("blocked, aborting job", "page", page, "error", err)
				r.finish(err, false)
				return
			case errors.As(err, &fe) && fe.Gone:
				if page == 1 {
					r.finish(err, false)
					return
				}
				// Asking past the last page.
				r.finish(nil, !skipped)
				return
			}

			if r.pageFailed(page, err) {
				return
			}
			skipped = true
			continue
		}

		pg, err := p.ExtractPage(body)
		if err != nil {
			if r.pageFailed(page, &domain.ParseError{Page: page, Err: err}) {
				return
			}
			skipped = true
			continue
		}
		r.result.Pages++

		if pg.NoResult || len(pg.Ads) == 0 {
			r.logger.Debug("end of results", "page", page, "no_result", pg.NoResult)
			r.finish(nil, !skipped)
			return
		}

		seenAt := r.w.now().UTC()
		for _, raw := range pg.Ads {
			l, err := p.ToCanonical(raw, target)
			if err != nil {
				r.logger.Warn("dropping unreadable ad", "page", page, "error", err)
				continue
			}
			l.SeenAt = seenAt
			if !yield(l) {
				r.finish(ErrStopped, false)
				return
			}
		}
	}
}

// pageFailed counts a page failure and reports whether the job is over.
func (r *Run) pageFailed(page int, err error) bool {
	r.result.FailedPages++
	r.logger.Warn("page failed", "page", page, "failed_pages", r.result.FailedPages, "error", err)
	if r.result.FailedPages > r.w.cfg.MaxPageFailures {
		r.finish(fmt.Errorf("%d page failures: %w", r.result.FailedPages, err), false)
		return true
	}
	return false
}

func (r *Run) ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrJobTimeout
	}
	return err
}

func (r *Run) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, &domain.ConfigError{Msg: "bad page url", Err: err}
	}

	var body []byte
	err = r.w.proxies.Do(ctx, u.Host, func(ctx context.Context, id proxy.Identity) error {
		pctx, cancel := context.WithTimeout(ctx, r.w.cfg.PageTimeout)
		defer cancel()

		b, err := r.w.fetcher.Fetch(pctx, pageURL, id)
		if err != nil && ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrPageTimeout, pageURL)
		}
		body = b
		return err
	})
	return body, err
}

// Collect drains a run.
func Collect(r *Run) ([]domain.Listing, Result) {
	var out []domain.Listing
	for l := range r.Listings() {
		out = append(out, l)
	}
	return out, r.Result()
}
