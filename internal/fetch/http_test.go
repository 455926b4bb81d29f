package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/proxy"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`<html><body><div class="ad">ok</div></body></html>`))
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/slow-down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><iframe src="https://geo.captcha-delivery.com/captcha/?x=1"></iframe></body></html>`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: 5 * time.Second})
	id := proxy.Identity{Host: "test", UserAgent: "test-agent"}

	body, err := f.Fetch(context.Background(), srv.URL+"/ok", id)
	require.NoError(t, err)
	assert.Contains(t, string(body), `class="ad"`)

	tests := []struct {
		path    string
		status  int
		blocked bool
		gone    bool
	}{
		{"/forbidden", 403, true, false},
		{"/slow-down", 429, true, false},
		{"/gone", 410, false, true},
		{"/missing", 404, false, true},
		{"/broken", 502, false, false},
		{"/captcha", 200, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), srv.URL+tt.path, id)
			var fe *domain.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, tt.blocked, fe.Blocked)
			assert.Equal(t, tt.gone, fe.Gone)
		})
	}
}

func TestHTTPFetcher_GoesThroughProxy(t *testing.T) {
	var proxied bool
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = true
		assert.Equal(t, "http://www.leboncoin.fr/search", r.URL.String())
		assert.NotEmpty(t, r.Header.Get("Proxy-Authorization"))
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer proxySrv.Close()

	proxyURL, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)
	proxyURL.User = url.UserPassword("user-country-fr-session-1", "pw")

	f := NewHTTPFetcher(Options{})
	_, err = f.Fetch(context.Background(), "http://www.leboncoin.fr/search", proxy.Identity{ProxyURL: proxyURL})
	require.NoError(t, err)
	assert.True(t, proxied)
}

func TestHTTPFetcher_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPFetcher(Options{}).Fetch(ctx, srv.URL, proxy.Identity{})
	var fe *domain.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, fe.Blocked)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("u", 200))
	assert.True(t, domain.IsBlocked(Classify("u", 429)))
	assert.Equal(t, domain.JobFailedPermanent, domain.OutcomeFor(Classify("u", 404)))
	assert.Equal(t, domain.JobFailedRetryable, domain.OutcomeFor(Classify("u", 500)))
}
