// Package fetch is the rate-limited HTTP request executor used for every
// upstream call. It classifies failures into retriable and terminal outcomes
// and retries the former with capped, fully-jittered exponential backoff.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
)

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	RequestsPerMinute int
	Burst             int
	MaxConcurrent     int64
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	UserAgent         string
}

func (o *Options) withDefaults() {
	if o.RequestsPerMinute == 0 {
		o.RequestsPerMinute = 1000
	}
	if o.Burst == 0 {
		o.Burst = 100
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = int64(config.GetIntEnv("MAX_CONCURRENT_FETCHES", 10))
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = config.GetEnv("ESI_USER_AGENT", "wandererkills/1.0")
	}
}

// Metrics tracks request outcomes.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Terminal  atomic.Int64
	RateWaits atomic.Int64
	Exhausted atomic.Int64
}

// Client executes JSON requests against upstreams under a shared token bucket
// and a global concurrency cap, both independent of each other.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	opts       Options

	metrics Metrics
}

// NewClient creates a fetcher.
func NewClient(opts Options) *Client {
	opts.withDefaults()

	var transport http.RoundTripper = http.DefaultTransport
	if config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		transport = otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Host)
			}),
		)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.Burst),
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		opts:    opts,
	}
}

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers http.Header, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, headers, nil, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
// out may be nil when the response body is irrelevant.
func (c *Client) PostJSON(ctx context.Context, url string, headers http.Header, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to encode request body", err)
	}
	return c.doJSON(ctx, http.MethodPost, url, headers, payload, out)
}

// Metrics returns the outcome counters.
func (c *Client) Metrics() *Metrics {
	return &c.metrics
}

// RetryBudget returns an upper bound on one full call: every attempt's
// per-request timeout plus the worst-case backoff between attempts. Callers
// wrapping a fetch in their own deadline should allow at least this much, or
// later attempts are lost to the outer context.
func (c *Client) RetryBudget() time.Duration {
	budget := time.Duration(c.opts.MaxAttempts) * c.opts.Timeout
	for attempt := 1; attempt < c.opts.MaxAttempts; attempt++ {
		ceiling := c.opts.BackoffBase << uint(attempt-1)
		if ceiling > c.opts.BackoffCap {
			ceiling = c.opts.BackoffCap
		}
		budget += ceiling
	}
	return budget
}

func (c *Client) doJSON(ctx context.Context, method, url string, headers http.Header, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.RateWaits.Add(1)
		return errs.Wrap(errs.RateLimited, "rate limiter saturated", err).
			WithContext("url", url)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.Timeout, "fetch cancelled waiting for slot", err)
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.Retries.Add(1)
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return errs.Wrap(errs.Timeout, "fetch cancelled during backoff", err)
			}
		}

		data, err := c.once(ctx, method, url, headers, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if decErr := json.Unmarshal(data, out); decErr != nil {
				c.metrics.Terminal.Add(1)
				return errs.Wrap(errs.Upstream, "invalid response body", decErr).
					WithContext("reason", "invalid_body").
					WithContext("url", url)
			}
			return nil
		}

		if !errs.IsRetriable(err) {
			c.metrics.Terminal.Add(1)
			return err
		}
		lastErr = err
		slog.Debug("Retriable upstream failure", "url", url, "attempt", attempt+1, "error", err)
	}

	c.metrics.Exhausted.Add(1)
	return errs.Wrap(errs.Upstream, fmt.Sprintf("request failed after %d attempts", c.opts.MaxAttempts), lastErr).
		WithRetriable().
		WithContext("url", url)
}

func (c *Client) once(ctx context.Context, method, url string, headers http.Header, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "failed to create request", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	c.metrics.Requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus(url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "failed to read response body", err).
			WithRetriable().
			WithContext("url", url)
	}
	return data, nil
}

// classifyStatus maps an HTTP status into a retriable or terminal error.
func classifyStatus(url string, status int) error {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return errs.Newf(errs.Upstream, "upstream returned status %d", status).
			WithRetriable().
			WithContext("status", status).
			WithContext("url", url)
	case http.StatusNotFound:
		return errs.Newf(errs.NotFound, "upstream returned status %d", status).
			WithContext("status", status).
			WithContext("url", url)
	default:
		return errs.Newf(errs.Upstream, "upstream returned status %d", status).
			WithContext("status", status).
			WithContext("url", url)
	}
}

// classifyTransport maps network-level failures: timeouts and connection
// resets are retriable, everything else terminal.
func classifyTransport(url string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.Timeout, "upstream request timed out", err).
			WithRetriable().
			WithContext("url", url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Timeout, "upstream request timed out", err).
			WithRetriable().
			WithContext("url", url)
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.Timeout, "request cancelled", err).
			WithContext("url", url)
	}
	// Connection refused/reset and friends.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errs.Wrap(errs.Upstream, "connection failure", err).
			WithRetriable().
			WithContext("url", url)
	}
	return errs.Wrap(errs.Upstream, "request failed", err).
		WithRetriable().
		WithContext("url", url)
}

// sleepBackoff waits base*2^(attempt-1) capped, with full jitter.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	ceiling := c.opts.BackoffBase << uint(attempt-1)
	if ceiling > c.opts.BackoffCap {
		ceiling = c.opts.BackoffCap
	}
	delay := time.Duration(rand.Float64() * float64(ceiling))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
