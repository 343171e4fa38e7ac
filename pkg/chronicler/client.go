// Package chronicler provides a client for the Chronicler API: periodic
// full-entity snapshots used to reconcile the event-derived state.
package chronicler

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

// Item is one observed entity snapshot.
type Item struct {
	EntityID  uuid.UUID       `json:"entityId"`
	ValidFrom time.Time       `json:"validFrom"`
	Data      json.RawMessage `json:"data"`
}

// Page is one page of versioned snapshots.
type Page struct {
	NextPage string `json:"nextPage"`
	Items    []Item `json:"items"`
}

// Client defines the Chronicler operations.
type Client interface {
	// Entities returns the snapshot of every entity of the type at an instant.
	Entities(ctx context.Context, entityType string, at time.Time) ([]Item, error)
	// Versions returns one page of snapshots of the type taken after the
	// given instant, ordered by validFrom. page continues from a previous
	// call's NextPage; pass "" for the first page.
	Versions(ctx context.Context, entityType string, after time.Time, page string, count int) (*Page, error)
}

// Option configures the Chronicler client.
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

// New creates a Chronicler client.
func New(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.ForUpstream("chronicler", 0, 0, 0),
		breaker: resilience.NewCircuitBreaker(breakerDefaults()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func breakerDefaults() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Service = "chronicler"
	return cfg
}

func (c *httpClient) get(ctx context.Context, reqURL string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "chronicler: rate limit wait")
		}
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return eris.Wrap(err, "chronicler: build request")
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
					eris.Errorf("chronicler: status %d: %s", resp.StatusCode, body), resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return eris.Errorf("chronicler: status %d: %s", resp.StatusCode, body)
			}
			if err := json.Unmarshal(body, out); err != nil {
				return eris.Wrap(err, "chronicler: decode response")
			}
			return nil
		})
	})
}

func (c *httpClient) Entities(ctx context.Context, entityType string, at time.Time) ([]Item, error) {
	q := url.Values{}
	q.Set("type", entityType)
	q.Set("at", at.UTC().Format(time.RFC3339Nano))

	var page Page
	if err := c.get(ctx, fmt.Sprintf("%s/entities?%s", c.baseURL, q.Encode()), &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *httpClient) Versions(ctx context.Context, entityType string, after time.Time, pageToken string, count int) (*Page, error) {
	q := url.Values{}
	q.Set("type", entityType)
	q.Set("after", after.UTC().Format(time.RFC3339Nano))
	q.Set("order", "asc")
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	if pageToken != "" {
		q.Set("page", pageToken)
	}

	var page Page
	if err := c.get(ctx, fmt.Sprintf("%s/versions?%s", c.baseURL, q.Encode()), &page); err != nil {
		return nil, err
	}
	return &page, nil
}
