// Package metadata looks up book details from the Open Library API.
// All outbound calls pass through a token-bucket rate limiter and a
// circuit breaker, and transient failures are retried with backoff, so
// a struggling upstream never stalls or floods the indexing pipeline.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/go-querystring/query"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shelfmark/internal/breaker"
	"shelfmark/internal/metrics"
	"shelfmark/internal/ratelimit"
	"shelfmark/internal/tracing"
)

const (
	// DefaultBaseURL is the Open Library search API.
	DefaultBaseURL = "https://openlibrary.org"

	// DefaultCoversURL is the Open Library cover image host.
	DefaultCoversURL = "https://covers.openlibrary.org"

	// maxResponseBytes caps how much of any response body we read.
	maxResponseBytes = 8 << 20
)

// ErrNotFound is returned when the upstream has no data for a lookup.
var ErrNotFound = errors.New("metadata not found")

// BookInfo is a normalized book metadata result.
type BookInfo struct {
	Title     string
	Authors   []string
	ISBN      string
	CoverID   int64
	CoverURL  string
	FirstYear int
}

// Config holds the metadata client settings.
type Config struct {
	BaseURL   string
	CoversURL string
	Timeout   time.Duration

	// TokensPerSecond and BurstCapacity configure the rate limiter.
	TokensPerSecond float64
	BurstCapacity   int

	// FailureThreshold and RecoveryTimeout configure the circuit breaker.
	FailureThreshold int
	RecoveryTimeout  time.Duration

	Backoff ratelimit.BackoffConfig
}

// DefaultConfig returns settings that stay well inside Open Library's
// published limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		CoversURL:        DefaultCoversURL,
		Timeout:          30 * time.Second,
		TokensPerSecond:  10,
		BurstCapacity:    10,
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		Backoff:          ratelimit.DefaultBackoffConfig(),
	}
}

// Client is a rate-limited, breaker-guarded Open Library client.
type Client struct {
	baseURL    string
	coversURL  string
	httpClient *http.Client
	limiter    *ratelimit.TokenBucket
	breaker    *breaker.Breaker
	backoff    ratelimit.BackoffConfig
}

// NewClient creates a metadata client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CoversURL == "" {
		cfg.CoversURL = DefaultCoversURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	backoff := cfg.Backoff
	backoff.RetryIf = retryableError

	return &Client{
		baseURL:   cfg.BaseURL,
		coversURL: cfg.CoversURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: ratelimit.NewTokenBucket(cfg.TokensPerSecond, cfg.BurstCapacity),
		breaker: breaker.New(cfg.FailureThreshold, cfg.RecoveryTimeout),
		backoff: backoff,
	}
}

// BreakerState exposes the circuit state for the stats collector.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// searchParams is encoded into the search query string.
type searchParams struct {
	Query  string `url:"q,omitempty"`
	Title  string `url:"title,omitempty"`
	Author string `url:"author,omitempty"`
	Limit  int    `url:"limit,omitempty"`
	Fields string `url:"fields,omitempty"`
}

const searchFields = "title,author_name,isbn,cover_i,first_publish_year"

type searchResponse struct {
	NumFound int         `json:"numFound"`
	Docs     []searchDoc `json:"docs"`
}

type searchDoc struct {
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	ISBN             []string `json:"isbn"`
	CoverID          int64    `json:"cover_i"`
	FirstPublishYear int      `json:"first_publish_year"`
}

// Search looks up books by title and optional author.
func (c *Client) Search(ctx context.Context, title, author string, limit int) ([]BookInfo, error) {
	if limit <= 0 {
		limit = 5
	}
	qs, err := query.Values(searchParams{
		Title:  title,
		Author: author,
		Limit:  limit,
		Fields: searchFields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search params: %w", err)
	}

	var resp searchResponse
	if err := c.getJSON(ctx, "search", "/search.json?"+qs.Encode(), &resp); err != nil {
		return nil, err
	}

	results := make([]BookInfo, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		results = append(results, c.docToInfo(doc, ""))
	}
	return results, nil
}

// GetByISBN looks up a single book by ISBN. Returns ErrNotFound when
// the upstream has no record for it.
func (c *Client) GetByISBN(ctx context.Context, isbn string) (*BookInfo, error) {
	if isbn == "" {
		return nil, fmt.Errorf("isbn is required")
	}
	qs, err := query.Values(searchParams{
		Query:  "isbn:" + isbn,
		Limit:  1,
		Fields: searchFields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search params: %w", err)
	}

	var resp searchResponse
	if err := c.getJSON(ctx, "isbn", "/search.json?"+qs.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Docs) == 0 {
		return nil, ErrNotFound
	}

	info := c.docToInfo(resp.Docs[0], isbn)
	return &info, nil
}

// CoverURL returns the large cover image URL for a cover ID.
func (c *Client) CoverURL(coverID int64) string {
	if coverID <= 0 {
		return ""
	}
	return fmt.Sprintf("%s/b/id/%d-L.jpg", c.coversURL, coverID)
}

// FetchCover downloads the large cover image for a cover ID.
func (c *Client) FetchCover(ctx context.Context, coverID int64) ([]byte, error) {
	if coverID <= 0 {
		return nil, fmt.Errorf("cover id is required")
	}
	return c.fetch(ctx, "cover", c.CoverURL(coverID))
}

func (c *Client) docToInfo(doc searchDoc, preferISBN string) BookInfo {
	info := BookInfo{
		Title:     doc.Title,
		Authors:   doc.AuthorName,
		ISBN:      preferISBN,
		CoverID:   doc.CoverID,
		CoverURL:  c.CoverURL(doc.CoverID),
		FirstYear: doc.FirstPublishYear,
	}
	if info.ISBN == "" && len(doc.ISBN) > 0 {
		info.ISBN = doc.ISBN[0]
	}
	return info
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	body, err := c.fetch(ctx, op, c.baseURL+path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode metadata response: %w", err)
	}
	return nil
}

// fetch performs one guarded GET: token, breaker, retry. Responses that
// say nothing about upstream health (404, other 4xx) do not count
// against the breaker and are not retried.
func (c *Client) fetch(ctx context.Context, op, rawURL string) ([]byte, error) {
	ctx, span := tracing.MetadataSpan(ctx, op)
	defer span.End()

	var body []byte

	err := ratelimit.Retry(ctx, c.backoff, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return err
		}

		var permanent error
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				permanent = fmt.Errorf("build metadata request: %w", err)
				return nil
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				metrics.MetadataRequestsTotal.WithLabelValues(op, "error").Inc()
				return fmt.Errorf("metadata %s: %w", op, err)
			}
			defer resp.Body.Close()

			metrics.MetadataRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

			switch {
			case resp.StatusCode == http.StatusOK:
				data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
				if err != nil {
					return fmt.Errorf("read metadata response: %w", err)
				}
				body = data
				return nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return &httpError{status: resp.StatusCode}
			case resp.StatusCode == http.StatusNotFound:
				permanent = ErrNotFound
				return nil
			default:
				permanent = &httpError{status: resp.StatusCode}
				return nil
			}
		})
		if err != nil {
			return err
		}
		return permanent
	})
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}
	return body, nil
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("metadata request failed: status %d", e.status)
}

func (e *httpError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// retryableError reports whether a failed attempt is worth repeating:
// rate limits, server errors, and transport problems are; breaker
// rejections, cancelled contexts, and 4xx responses are not.
func retryableError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
