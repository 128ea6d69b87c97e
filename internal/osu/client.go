// Package osu is a small osu! API v2 client covering country rankings, user
// lookups and best scores.
package osu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
)

const (
	DefaultBaseURL  = "https://osu.ppy.sh/api/v2"
	DefaultTokenURL = "https://osu.ppy.sh/oauth/token"

	// tokenMargin is how long before expiry a token is considered stale.
	tokenMargin = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	Mode            string
	ReferenceUserID int64

	// RequestsPerSecond caps outgoing requests. Zero means 10.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is an osu! API v2 client with rate limiting, a circuit breaker and
// transparent token refresh. It is safe for concurrent use.
type Client struct {
	baseURL    string
	mode       string
	reference  int64
	httpClient *http.Client
	tokens     *tokenSource
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a new osu! API client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Mode == "" {
		cfg.Mode = "osu"
	}
	if cfg.ReferenceUserID == 0 {
		cfg.ReferenceUserID = 2
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		mode:       cfg.Mode,
		reference:  cfg.ReferenceUserID,
		httpClient: httpClient,
		tokens:     newTokenSource(clientCredentials(httpClient, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret), tokenMargin),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cb:         newBreaker("osu-api"),
	}
}

// Mode returns the default game mode.
func (c *Client) Mode() string {
	return c.mode
}

// get performs an authenticated GET and decodes the JSON response.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, result interface{}) error {
	start := time.Now()
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.fetch(ctx, path, query)
	})
	metrics.OsuAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OsuAPIRequests.WithLabelValues(endpoint, outcomeOf(err)).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("osu API unavailable: %w", err)
		}
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		metrics.OsuAPIRequests.WithLabelValues(endpoint, "decode_error").Inc()
		return fmt.Errorf("failed to decode response: %w", err)
	}

	metrics.OsuAPIRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// fetch returns the raw body of a successful response. Not-found payloads
// come back as ErrNotFound so the breaker does not count them as failures.
func (c *Client) fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if isNotFoundPayload(body) {
		return nil, ErrNotFound
	}
	return body, nil
}

// doRequest performs a GET with rate limiting and bearer auth. A 401 drops
// the token and retries once; a 429 waits and retries once.
func (c *Client) doRequest(ctx context.Context, endpoint string) (*http.Response, error) {
	resp, err := c.send(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		resp.Body.Close()
		slog.Warn("osu! API rejected token, refreshing")
		c.tokens.Invalidate()
		return c.send(ctx, endpoint)
	case http.StatusTooManyRequests:
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter(resp)):
		}
		return c.send(ctx, endpoint)
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, endpoint string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// isNotFoundPayload recognises the {"error": null} body the API answers
// with for missing users.
func isNotFoundPayload(body []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	_, hasErr := fields["error"]
	_, hasID := fields["id"]
	return hasErr && !hasID && len(fields) == 1
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 && d <= time.Minute {
			return d
		}
	}
	return time.Second
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCredential):
		return "credential_error"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}
