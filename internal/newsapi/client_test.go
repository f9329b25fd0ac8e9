package newsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sjq0098/news-mosaic/internal/errkind"
)

const stubPayload = `{
	"news_results": [
		{"title": "Fusion milestone reached", "snippet": "A lab reports net gain.", "link": "https://example.com/fusion", "source": {"name": "Reuters"}, "date": "2026-08-01"},
		{"title": "Fusion milestone reached", "snippet": "dup", "link": "https://example.com/fusion?utm_source=x", "source": {"name": "Reuters"}},
		{"title": "", "snippet": "no title", "link": "https://example.com/untitled"},
		{"title": "Chip exports shift", "snippet": "New rules.", "link": "https://example.com/chips", "source": {"name": "BBC"}, "date": "3 hours ago"}
	]
}`

func newTestClient(url string) *Client {
	c := New("test-key", url, 6000, 2)
	return c
}

func TestSearch_NormalizesAndDedups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google_news" {
			t.Errorf("engine = %q, want google_news", q.Get("engine"))
		}
		if q.Get("api_key") != "test-key" {
			t.Errorf("api_key missing")
		}
		if q.Get("tbs") != "qdr:w" {
			t.Errorf("tbs = %q, want qdr:w", q.Get("tbs"))
		}
		w.Write([]byte(stubPayload))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{Num: 10, Window: "1w"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(res.Articles) != 2 {
		t.Fatalf("got %d articles, want 2 (URL dedup + title drop)", len(res.Articles))
	}
	if res.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", res.Dropped)
	}

	first := res.Articles[0]
	if first.Title != "Fusion milestone reached" || first.Source != "Reuters" {
		t.Errorf("unexpected first article: %+v", first)
	}
	if first.Query != "fusion" {
		t.Errorf("Query = %q, want fusion", first.Query)
	}
	if first.Fingerprint != "" {
		t.Errorf("adapter must not assign fingerprints, got %q", first.Fingerprint)
	}
	if first.DiscoveredAt.IsZero() {
		t.Errorf("DiscoveredAt not set")
	}

	// Relative date parsed to within the lookback.
	second := res.Articles[1]
	if time.Since(second.PublishedAt) > 4*time.Hour {
		t.Errorf("relative date not parsed: %v", second.PublishedAt)
	}
}

func TestSearch_NumLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stubPayload))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{Num: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Articles) != 1 {
		t.Errorf("got %d articles, want 1", len(res.Articles))
	}
}

func TestSearch_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(stubPayload))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{Num: 5})
	if err != nil {
		t.Fatalf("Search after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if len(res.Articles) == 0 {
		t.Error("no articles after retry")
	}
}

func TestSearch_RateLimitedKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errkind.Is(err, errkind.ProviderRateLimited) {
		t.Errorf("kind = %v, want ProviderRateLimited", errkind.KindOf(err))
	}
}

func TestSearch_UnavailableAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errkind.Is(err, errkind.ProviderUnavailable) {
		t.Errorf("kind = %v, want ProviderUnavailable", errkind.KindOf(err))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (retry budget)", calls.Load())
	}
}

func TestSearch_InvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), "fusion", SearchOptions{})
	if !errkind.Is(err, errkind.InvalidResponse) {
		t.Errorf("kind = %v, want InvalidResponse", errkind.KindOf(err))
	}
}

func TestWindowToTBS(t *testing.T) {
	cases := map[string]string{"1d": "qdr:d", "1w": "qdr:w", "1m": "qdr:m", "1y": "qdr:y", "": "", "bogus": ""}
	for in, want := range cases {
		if got := windowToTBS(in); got != want {
			t.Errorf("windowToTBS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearch_Cancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Search(ctx, "fusion", SearchOptions{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
