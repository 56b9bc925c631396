package moex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradeforge/core/internal/errs"
)

// Config holds upstream client settings. The token bucket defaults to the
// documented 5 requests per second.
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RateLimitRequests int
	RateLimitSeconds  int
	UserAgent         string
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://iss.moex.com/iss"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = 5
	}
	if c.RateLimitSeconds <= 0 {
		c.RateLimitSeconds = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "tradeforge/1.0"
	}
	return c
}

// Client talks to the exchange ISS API with a token bucket in front and a
// circuit breaker around every request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger

	// onRequest reports (endpoint, outcome) pairs to the metrics registry.
	onRequest func(endpoint, outcome string)
}

// NewClient builds the upstream client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()

	rps := float64(cfg.RateLimitRequests) / float64(cfg.RateLimitSeconds)
	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Limit(rps), cfg.RateLimitRequests),
		log:       logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "moex",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream circuit state change")
		},
	})
	return c
}

// SetRequestCallback wires the metrics hook.
func (c *Client) SetRequestCallback(fn func(endpoint, outcome string)) {
	c.onRequest = fn
}

// get performs one rate-limited, breaker-guarded GET and decodes the JSON
// body into out.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.Retryable(fmt.Errorf("rate limit wait: %w", err))
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doGet(ctx, endpoint, path, query, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.report(endpoint, "breaker_open")
		return errs.Retryable(fmt.Errorf("upstream circuit open: %w", err))
	}
	return err
}

func (c *Client) doGet(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.FatalWrap(err, "build upstream request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.report(endpoint, "transport_error")
		return errs.Retryable(fmt.Errorf("upstream %s: %w", path, err))
	}
	defer resp.Body.Close()

	c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("upstream request")

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.report(endpoint, fmt.Sprintf("http_%d", resp.StatusCode))
		return errs.Retryable(fmt.Errorf("upstream %s: status %d", path, resp.StatusCode))
	default:
		c.report(endpoint, fmt.Sprintf("http_%d", resp.StatusCode))
		return errs.Fatalf("upstream %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		c.report(endpoint, "read_error")
		return errs.Retryable(fmt.Errorf("read upstream body: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.report(endpoint, "decode_error")
		return errs.FatalWrap(err, fmt.Sprintf("decode upstream %s response", path))
	}
	c.report(endpoint, "ok")
	return nil
}

func (c *Client) report(endpoint, outcome string) {
	if c.onRequest != nil {
		c.onRequest(endpoint, outcome)
	}
}
