package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/proxy"
)

const maxBodySize = 16 << 20

// DefaultCaptchaSelectors match the interstitials served instead of results.
var DefaultCaptchaSelectors = []string{
	`iframe[src*="captcha-delivery.com"]`,
	`script[src*="captcha-delivery.com"]`,
	`#px-captcha`,
	`div.g-recaptcha`,
}

type Options struct {
	Timeout          time.Duration
	CaptchaSelectors []string
}

// HTTPFetcher downloads one page through the identity handed out by the
// proxy manager and classifies the response.
type HTTPFetcher struct {
	direct    *http.Client
	timeout   time.Duration
	selectors []string
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CaptchaSelectors == nil {
		opts.CaptchaSelectors = DefaultCaptchaSelectors
	}
	return &HTTPFetcher{
		direct: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:   opts.Timeout,
		selectors: opts.CaptchaSelectors,
	}
}

func (f *HTTPFetcher) client(id proxy.Identity) (*http.Client, func()) {
	if id.ProxyURL == nil {
		return f.direct, func() {}
	}
	// Every session is a different exit node, so connections are not reused.
	tr := &http.Transport{
		Proxy:             http.ProxyURL(id.ProxyURL),
		DisableKeepAlives: true,
	}
	return &http.Client{Timeout: f.timeout, Transport: tr}, tr.CloseIdleConnections
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, id proxy.Identity) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.FetchError{URL: url, Err: err}
	}
	if id.UserAgent != "" {
		req.Header.Set("User-Agent", id.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9")

	client, done := f.client(id)
	defer done()

	resp, err := client.Do(req)
	if err != nil {
		return nil, &domain.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &domain.FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := Classify(url, resp.StatusCode); err != nil {
		return nil, err
	}

	if f.isCaptcha(body) {
		return nil, &domain.FetchError{URL: url, StatusCode: resp.StatusCode, Blocked: true}
	}

	return body, nil
}

// Classify maps a status code to the error the worker acts on.
func Classify(url string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return &domain.FetchError{URL: url, StatusCode: status, Blocked: true}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &domain.FetchError{URL: url, StatusCode: status, Gone: true}
	default:
		return &domain.FetchError{URL: url, StatusCode: status}
	}
}

func (f *HTTPFetcher) isCaptcha(body []byte) bool {
	if len(f.selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range f.selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
