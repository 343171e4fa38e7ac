// Package feed provides a client for the feed API: the ordered stream of
// game events that drives ingestion.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/blarser/internal/resilience"
)

// Event is one feed event as delivered by the API.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Created     time.Time       `json:"created"`
	Description string          `json:"description"`
	PlayerTags  []uuid.UUID     `json:"playerTags"`
	TeamTags    []uuid.UUID     `json:"teamTags"`
	GameTags    []uuid.UUID     `json:"gameTags"`
	Metadata    json.RawMessage `json:"metadata"`
}

// Client defines the feed operations.
type Client interface {
	// Events returns up to limit events strictly after the given instant,
	// in created order.
	Events(ctx context.Context, after time.Time, limit int) ([]Event, error)
}

// Option configures the feed client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithRetry sets the retry policy, usually from config.UpstreamConfig.Retry.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreaker replaces the circuit breaker, e.g. with one whose state
// changes feed the ingest metrics.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// New creates a feed client.
func New(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.ForUpstream("feed", 0, 0, 0),
		breaker: resilience.NewCircuitBreaker(breakerDefaults()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func breakerDefaults() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Service = "feed"
	return cfg
}

func (c *httpClient) Events(ctx context.Context, after time.Time, limit int) ([]Event, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "feed: rate limit wait")
		}
	}

	q := url.Values{}
	q.Set("after", after.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sortby", "created")
	q.Set("sortorder", "asc")
	reqURL := fmt.Sprintf("%s/events?%s", c.baseURL, q.Encode())

	var events []Event
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return eris.Wrap(err, "feed: build request")
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			if resilience.RetryableStatus(resp.StatusCode) {
				return resilience.NewTransientError(
					eris.Errorf("feed: status %d: %s", resp.StatusCode, body), resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return eris.Errorf("feed: status %d: %s", resp.StatusCode, body)
			}
			events = events[:0]
			if err := json.Unmarshal(body, &events); err != nil {
				return eris.Wrap(err, "feed: decode events")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
