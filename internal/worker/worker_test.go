package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/fetch"
	"listing_watcher/internal/parser"
	"listing_watcher/internal/proxy"
)

// jsonParser reads pages of the form {"no_result":bool,"ads":[{"id","price"}]}.
type jsonParser struct{}

func (jsonParser) Site() string { return "testsite" }

func (jsonParser) TargetURL(c domain.City) (string, error) { return "", nil }

func (jsonParser) PageURL(base string, page int) (string, error) {
	return base + "?page=" + strconv.Itoa(page), nil
}

func (jsonParser) ExtractPage(body []byte) (*parser.Page, error) {
	var p struct {
		NoResult bool              `json:"no_result"`
		Ads      []json.RawMessage `json:"ads"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &parser.Page{Ads: p.Ads, NoResult: p.NoResult}, nil
}

func (jsonParser) ToCanonical(raw json.RawMessage, t domain.Target) (domain.Listing, error) {
	var a struct {
		ID    string   `json:"id"`
		Price *float64 `json:"price"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Listing{}, err
	}
	if a.Price == nil {
		return domain.Listing{}, errors.New("no price")
	}
	return domain.Listing{Site: "testsite", ExternalID: a.ID, InseeCode: t.InseeCode, Price: *a.Price}, nil
}

// site serves scripted responses keyed by page number.
type site struct {
	mu       sync.Mutex
	pages    map[int]func(w http.ResponseWriter)
	requests []int
}

func adsPage(ids ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		ads := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			ads = append(ads, map[string]any{"id": id, "price": 1000})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ads": ads})
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

func raw(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { _, _ = w.Write([]byte(body)) }
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	s.mu.Lock()
	s.requests = append(s.requests, page)
	h, ok := s.pages[page]
	s.mu.Unlock()
	if !ok {
		adsPage()(w)
		return
	}
	h(w)
}

func (s *site) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.requests...)
}

type WorkerSuite struct {
	suite.Suite
	site   *site
	srv    *httptest.Server
	cfg    Config
	logger *slog.Logger
}

func (s *WorkerSuite) SetupTest() {
	s.site = &site{pages: map[int]func(http.ResponseWriter){}}
	s.srv = httptest.NewServer(s.site)
	s.cfg = Config{PageCap: 10, MaxPageFailures: 1, PageTimeout: time.Second, JobTimeout: 5 * time.Second}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *WorkerSuite) TearDownTest() {
	s.srv.Close()
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) worker() *Worker {
	proxies := proxy.NewManager(proxy.Config{DefaultRate: 1000, DefaultBurst: 100}, s.logger)
	return New(parser.NewRegistry(jsonParser{}), fetch.NewHTTPFetcher(fetch.Options{}), proxies, s.cfg, s.logger)
}

func (s *WorkerSuite) job() domain.JobMessage {
	return domain.JobMessage{
		JobID:   "job-1",
		Attempt: 1,
		Target:  domain.Target{Site: "testsite", InseeCode: "91434", URL: s.srv.URL + "/search"},
	}
}

func ids(ls []domain.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ExternalID
	}
	return out
}

func (s *WorkerSuite) TestPaginatesUntilEmptyPage() {
	s.site.pages[1] = adsPage("a", "b")
	s.site.pages[2] = adsPage("c")
	s.site.pages[3] = raw(`{"no_result":true}`)

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))

	s.Equal([]string{"a", "b", "c"}, ids(listings))
	s.Equal(domain.JobSucceeded, res.Outcome)
	s.NoError(res.Err)
	s.True(res.Complete)
	s.Equal(3, res.Pages)
	s.Equal([]int{1, 2, 3}, s.site.requested())
	for _, l := range listings {
		s.False(l.SeenAt.IsZero())
		s.Equal("91434", l.InseeCode)
	}
}

func (s *WorkerSuite) TestBlockedMidJobKeepsPartialResults() {
	s.site.pages[1] = adsPage("a", "b")
	s.site.pages[2] = status(http.StatusTooManyRequests)
	s.site.pages[3] = adsPage("c")

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))

	s.Equal([]string{"a", "b"}, ids(listings))
	s.Equal(domain.JobFailedRetryable, res.Outcome)
	s.True(domain.IsBlocked(res.Err))
	s.False(res.Complete)
	s.Equal([]int{1, 2}, s.site.requested(), "page 3 is never fetched")
}

func (s *WorkerSuite) TestCaptchaPageAbortsJob() {
	s.site.pages[1] = raw(`<html><body><div id="px-captcha"></div></body></html>`)

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))

	s.Empty(listings)
	s.Equal(domain.JobFailedRetryable, res.Outcome)
	s.True(domain.IsBlocked(res.Err))
}

func (s *WorkerSuite) TestSingleBadPageIsAbsorbed() {
	s.site.pages[1] = adsPage("a")
	s.site.pages[2] = status(http.StatusBadGateway)
	s.site.pages[3] = adsPage("c")
	s.site.pages[4] = adsPage()

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))

	s.Equal([]string{"a", "c"}, ids(listings))
	s.Equal(domain.JobSucceeded, res.Outcome)
	s.Equal(1, res.FailedPages)
	s.False(res.Complete, "a skipped page leaves pagination incomplete")
}

func (s *WorkerSuite) TestTooManyPageFailures() {
	s.site.pages[1] = adsPage("a")
	s.site.pages[2] = raw(`not json`)
	s.site.pages[3] = status(http.StatusInternalServerError)

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))

	s.Equal([]string{"a"}, ids(listings))
	s.Equal(domain.JobFailedRetryable, res.Outcome)
	s.Equal(2, res.FailedPages)

	var fe *domain.FetchError
	s.ErrorAs(res.Err, &fe)
}

func (s *WorkerSuite) TestParseErrorIsCounted() {
	s.cfg.MaxPageFailures = 0
	s.site.pages[1] = raw(`not json`)

	_, res := Collect(s.worker().Run(context.Background(), s.job()))

	var pe *domain.ParseError
	s.ErrorAs(res.Err, &pe)
	s.Equal(1, pe.Page)
	s.Equal(domain.JobFailedRetryable, res.Outcome)
}

func (s *WorkerSuite) TestGoneOnFirstPageIsPermanent() {
	s.site.pages[1] = status(http.StatusNotFound)

	_, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.Equal(domain.JobFailedPermanent, res.Outcome)
}

func (s *WorkerSuite) TestGoneAfterFirstPageEndsPagination() {
	s.site.pages[1] = adsPage("a")
	s.site.pages[2] = status(http.StatusNotFound)

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.Len(listings, 1)
	s.Equal(domain.JobSucceeded, res.Outcome)
	s.True(res.Complete)
}

func (s *WorkerSuite) TestUnknownSiteIsPermanent() {
	job := s.job()
	job.Target.Site = "nowhere"

	listings, res := Collect(s.worker().Run(context.Background(), job))
	s.Empty(listings)
	s.Equal(domain.JobFailedPermanent, res.Outcome)
	s.Empty(s.site.requested())
}

func (s *WorkerSuite) TestPageCap() {
	s.cfg.PageCap = 2
	for p := 1; p <= 5; p++ {
		s.site.pages[p] = adsPage(fmt.Sprintf("ad-%d", p))
	}

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.Equal([]string{"ad-1", "ad-2"}, ids(listings))
	s.Equal(domain.JobSucceeded, res.Outcome)
	s.False(res.Complete)
}

func (s *WorkerSuite) TestUnreadableAdIsDropped() {
	s.site.pages[1] = raw(`{"ads":[{"id":"a","price":5},{"id":"b"}]}`)

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.Equal([]string{"a"}, ids(listings))
	s.Equal(domain.JobSucceeded, res.Outcome)
}

func (s *WorkerSuite) TestLazyAndSingleUse() {
	s.site.pages[1] = adsPage("a", "b")
	s.site.pages[2] = adsPage("c")

	run := s.worker().Run(context.Background(), s.job())
	s.Empty(s.site.requested(), "nothing is fetched before iteration")

	var got []string
	for l := range run.Listings() {
		got = append(got, l.ExternalID)
		break
	}
	s.Equal([]string{"a"}, got)
	s.Equal([]int{1}, s.site.requested())
	s.ErrorIs(run.Result().Err, ErrStopped)
	s.Equal(domain.JobFailedRetryable, run.Result().Outcome)

	for range run.Listings() {
		s.Fail("a run yields only once")
	}
}

func (s *WorkerSuite) TestCancelledBeforeStart() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, res := Collect(s.worker().Run(ctx, s.job()))
	s.ErrorIs(res.Err, context.Canceled)
	s.Equal(domain.JobFailedRetryable, res.Outcome)
	s.Empty(s.site.requested())
}

func (s *WorkerSuite) TestPageTimeout() {
	s.cfg.PageTimeout = 50 * time.Millisecond
	s.site.pages[1] = func(w http.ResponseWriter) {
		time.Sleep(300 * time.Millisecond)
		adsPage("late")(w)
	}

	_, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.ErrorIs(res.Err, ErrPageTimeout)
	s.Equal(domain.JobFailedRetryable, res.Outcome)
}

func (s *WorkerSuite) TestJobTimeout() {
	s.cfg.JobTimeout = 80 * time.Millisecond
	s.cfg.PageTimeout = time.Second
	slow := func(w http.ResponseWriter) {
		time.Sleep(50 * time.Millisecond)
		adsPage("x")(w)
	}
	for p := 1; p <= 10; p++ {
		s.site.pages[p] = slow
	}

	listings, res := Collect(s.worker().Run(context.Background(), s.job()))
	s.ErrorIs(res.Err, ErrJobTimeout)
	s.Equal(domain.JobFailedRetryable, res.Outcome)
	s.NotEmpty(listings)
}

type fakeClaimer struct {
	claim bool
	calls int
}

func (f *fakeClaimer) MarkRunning(context.Context, string, time.Time, time.Time) (bool, error) {
	f.calls++
	return f.claim, nil
}

type fakeResults struct {
	published atomic.Int32
	last      domain.ResultMessage
}

func (f *fakeResults) PublishResult(_ context.Context, msg domain.ResultMessage) error {
	f.published.Add(1)
	f.last = msg
	return nil
}

func (s *WorkerSuite) TestProcessor_PublishesResult() {
	s.site.pages[1] = adsPage("a")
	s.site.pages[2] = status(http.StatusForbidden)

	claimer := &fakeClaimer{claim: true}
	results := &fakeResults{}
	p := NewProcessor(s.worker(), claimer, results, time.Hour, s.logger)

	s.Require().NoError(p.Handle(context.Background(), s.job()))
	s.Equal(int32(1), results.published.Load())
	s.Equal("job-1", results.last.JobID)
	s.Equal(domain.JobFailedRetryable, results.last.Outcome)
	s.Len(results.last.Records, 1)
	s.NotEmpty(results.last.Error)
	s.False(results.last.Complete)
}

func (s *WorkerSuite) TestProcessor_SkipsUnclaimedJob() {
	claimer := &fakeClaimer{claim: false}
	results := &fakeResults{}
	p := NewProcessor(s.worker(), claimer, results, time.Hour, s.logger)

	s.Require().NoError(p.Handle(context.Background(), s.job()))
	s.Equal(1, claimer.calls)
	s.Zero(results.published.Load())
	s.Empty(s.site.requested())
}

func TestCollect_EmptyRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"no_result":true}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(parser.NewRegistry(jsonParser{}), fetch.NewHTTPFetcher(fetch.Options{}),
		proxy.NewManager(proxy.Config{DefaultRate: 1000}, logger), Config{}, logger)

	listings, res := Collect(w.Run(context.Background(), domain.JobMessage{
		JobID:  "j",
		Target: domain.Target{Site: "testsite", InseeCode: "91434", URL: srv.URL},
	}))
	require.Empty(t, listings)
	assert.Equal(t, domain.JobSucceeded, res.Outcome)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.Pages)
}
