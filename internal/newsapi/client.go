// Package newsapi queries the external news search provider (a
// SerpAPI-compatible Google News endpoint) and normalizes its payload
// into articles.
package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sjq0098/news-mosaic/internal/article"
	"github.com/sjq0098/news-mosaic/internal/errkind"
)

const (
	defaultTimeout = 20 * time.Second
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// SearchOptions control a single provider call.
type SearchOptions struct {
	Num      int
	Language string
	Country  string
	// Window is a relative lookback: "1d", "1w", "1m" or "1y".
	Window string
}

// Result is the outcome of one search call.
type Result struct {
	Articles []article.Article
	// Dropped counts provider items rejected during normalization
	// (currently: missing titles).
	Dropped int
}

// Client talks to the search provider. Outbound calls are paced by a
// token bucket sized to the provider's stated ceiling and bounded by a
// process-global in-flight cap.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        chan struct{}
}

// New creates a Client. ratePerMinute sizes the token bucket;
// concurrency caps in-flight requests.
func New(apiKey, baseURL string, ratePerMinute, concurrency int) *Client {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMinute)), 1),
		sem:        make(chan struct{}, concurrency),
	}
}

// serpResponse mirrors the subset of the provider payload we consume.
type serpResponse struct {
	NewsResults []serpNewsItem `json:"news_results"`
	Error       string         `json:"error"`
}

type serpNewsItem struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
	Source  struct {
		Name string `json:"name"`
	} `json:"source"`
	Author struct {
		Name string `json:"name"`
	} `json:"author"`
	Date string `json:"date"`
}

// Search issues one provider call and returns up to opts.Num normalized
// articles, deduplicated by URL within the response. Fingerprints are
// not assigned here; the article store owns identity.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	reqURL := c.buildURL(query, opts)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Result{}, err
			}
		}

		body, retryable, err := c.fetch(ctx, reqURL)
		if err != nil {
			lastErr = err
			if retryable {
				continue
			}
			return Result{}, err
		}

		return c.parse(body, query, opts.Num)
	}

	if errkind.Is(lastErr, errkind.ProviderRateLimited) {
		return Result{}, lastErr
	}
	return Result{}, errkind.Wrap(errkind.ProviderUnavailable, lastErr, "search provider exhausted %d attempts", maxAttempts)
}

func (c *Client) buildURL(query string, opts SearchOptions) string {
	q := url.Values{}
	q.Set("engine", "google_news")
	q.Set("q", query)
	q.Set("api_key", c.apiKey)
	if opts.Language != "" {
		q.Set("hl", opts.Language)
	}
	if opts.Country != "" {
		q.Set("gl", opts.Country)
	}
	// The caller decides the result count; zero is not re-defaulted
	// here (the orchestrator never issues a zero-count search).
	if opts.Num > 0 {
		q.Set("num", strconv.Itoa(opts.Num))
	}
	if tbs := windowToTBS(opts.Window); tbs != "" {
		q.Set("tbs", tbs)
	}
	return c.baseURL + "?" + q.Encode()
}

// windowToTBS translates the relative lookback vocabulary to the
// provider's tbs parameter.
func windowToTBS(window string) string {
	switch window {
	case "1d":
		return "qdr:d"
	case "1w":
		return "qdr:w"
	case "1m":
		return "qdr:m"
	case "1y":
		return "qdr:y"
	default:
		return ""
	}
}

// fetch performs one HTTP round trip. The second return value reports
// whether the failure is worth retrying.
func (c *Client) fetch(ctx context.Context, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, errkind.Wrap(errkind.ProviderUnavailable, err, "search request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, errkind.New(errkind.ProviderRateLimited, "search provider rate limited (HTTP 429)")
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, true, errkind.New(errkind.ProviderUnavailable, "search provider unavailable (HTTP 503)")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, errkind.New(errkind.ProviderUnavailable, "search provider returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errkind.Wrap(errkind.ProviderUnavailable, err, "reading search response")
	}
	return body, false, nil
}

func (c *Client) parse(body []byte, query string, limit int) (Result, error) {
	var sr serpResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Result{}, errkind.Wrap(errkind.InvalidResponse, err, "unparseable search response")
	}
	if sr.Error != "" {
		return Result{}, errkind.New(errkind.InvalidResponse, "search provider error: %s", sr.Error)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(sr.NewsResults))
	var out Result
	for _, item := range sr.NewsResults {
		if limit > 0 && len(out.Articles) >= limit {
			break
		}
		if strings.TrimSpace(item.Title) == "" {
			out.Dropped++
			continue
		}
		if key := article.CanonicalURL(item.Link); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out.Articles = append(out.Articles, article.Article{
			Title:        strings.TrimSpace(item.Title),
			Summary:      strings.TrimSpace(item.Snippet),
			URL:          item.Link,
			Source:       item.Source.Name,
			Author:       item.Author.Name,
			Query:        query,
			PublishedAt:  parseDate(item.Date, now),
			DiscoveredAt: now,
		})
	}
	return out, nil
}

// parseDate handles the provider's date formats; on failure the
// discovery time stands in (day granularity is acceptable).
func parseDate(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range []string{
		"01/02/2006, 03:04 PM, -0700 MST",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if d, ok := parseRelativeDate(s, fallback); ok {
		return d
	}
	return fallback
}

// parseRelativeDate understands "N hours ago" / "N days ago" phrasing.
func parseRelativeDate(s string, now time.Time) (time.Time, bool) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 3 || fields[2] != "ago" {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}, false
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "minute":
		return now.Add(-time.Duration(n) * time.Minute), true
	case "hour":
		return now.Add(-time.Duration(n) * time.Hour), true
	case "day":
		return now.AddDate(0, 0, -n), true
	case "week":
		return now.AddDate(0, 0, -7*n), true
	case "month":
		return now.AddDate(0, -n, 0), true
	}
	return time.Time{}, false
}

// sleepBackoff waits 500ms * 2^(attempt-1) with ±25% jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	jitter := 1 + (rand.Float64()-0.5)/2
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(base * jitter)):
		return nil
	}
}
