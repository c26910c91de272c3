// Package rest is the JSON-over-HTTP client shared by the hosted backends.
// It maps HTTP outcomes onto the backend error taxonomy, retries transient
// failures, and guards each backend with a circuit breaker.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/njoerd114/journalrelay/internal/backend"
)

// maxBody caps how much of a response body is read.
const maxBody = 32 << 20

// Config configures a [Client].
type Config struct {
	// Name labels the breaker and log lines, e.g. "nocodb".
	Name string

	// BaseURL is prefixed to every request path.
	BaseURL string

	// Header is sent with every request (authentication, content type).
	Header http.Header

	// HTTPClient defaults to a client without its own timeout; deadlines
	// come from the request context.
	HTTPClient *http.Client

	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerOpenFor. Zero values use 5 and 30s.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration

	// Retry bounds the attempts of every request. The zero value makes a
	// single attempt without a per-attempt deadline.
	Retry backend.RetryPolicy

	Logger *slog.Logger
}

// Client performs JSON requests against one backend.
type Client struct {
	name   string
	base   *url.URL
	header http.Header
	hc     *http.Client
	cb     *gobreaker.CircuitBreaker
	retry  backend.RetryPolicy
	logger *slog.Logger
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", cfg.Name)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: parsing base url: %w", cfg.Name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s: base url %q must be http or https", cfg.Name, cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := cfg.BreakerOpenFor
	if openFor == 0 {
		openFor = 30 * time.Second
	}

	c := &Client{
		name:   cfg.Name,
		base:   base,
		header: cfg.Header.Clone(),
		hc:     hc,
		retry:  cfg.Retry,
		logger: logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Rejections by the backend say nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || !backend.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// Get issues a GET request and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, path, nil, body, out)
}

// Do performs a request under the client's retry policy. out may be nil.
// Errors are classified as follows: network failures, timeouts, 408, 429,
// 5xx and an open breaker become [backend.TransportError]; 404 becomes
// [backend.NotFoundError]; other 4xx become [backend.ValidationError]
// carrying the raw body.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
	}

	var raw []byte
	err := backend.Retry(ctx, c.retry, func(ctx context.Context) error {
		res, err := c.cb.Execute(func() (any, error) {
			return c.roundTrip(ctx, op, method, path, query, payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &backend.TransportError{Op: op, Err: fmt.Errorf("%s unavailable: %w", c.name, err)}
			}
			return err
		}
		raw, _ = res.([]byte)
		return nil
	})
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	target := c.base.String() + path
	if q := query.Encode(); q != "" {
		target += "?" + q
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &backend.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &backend.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	c.logger.Debug("request done", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	return raw, classify(op, resp.StatusCode, raw)
}

func classify(op string, status int, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return &backend.NotFoundError{What: "resource", Name: op, Status: status, Payload: string(raw)}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &backend.TransportError{Op: op, Status: status, Payload: string(raw)}
	default:
		return &backend.ValidationError{Op: op, Status: status, Payload: string(raw)}
	}
}

// PathEscape escapes one path segment.
func PathEscape(s string) string { return url.PathEscape(s) }
