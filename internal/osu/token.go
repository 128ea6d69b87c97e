package osu

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
)

// refreshTimeout bounds one token request. It applies independently of the
// caller that triggered the refresh, since other callers share the result.
const refreshTimeout = 30 * time.Second

type tokenState int

const (
	tokenAbsent tokenState = iota
	tokenValid
	tokenExpiringSoon
	tokenExpired
)

func (s tokenState) String() string {
	switch s {
	case tokenAbsent:
		return "absent"
	case tokenValid:
		return "valid"
	case tokenExpiringSoon:
		return "expiring-soon"
	case tokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// fetchTokenFunc obtains a fresh bearer token and its lifetime.
type fetchTokenFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenSource hands out a bearer token, refreshing it when it is absent or
// within margin of expiry. Concurrent refreshes collapse into one.
type tokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	// effective margin of the current token, at most half its lifetime
	tokenMargin time.Duration

	margin time.Duration
	now    func() time.Time
	fetch  fetchTokenFunc
	group  singleflight.Group
}

func newTokenSource(fetch fetchTokenFunc, margin time.Duration) *tokenSource {
	return &tokenSource{
		margin: margin,
		now:    time.Now,
		fetch:  fetch,
	}
}

func (s *tokenSource) state() tokenState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *tokenSource) stateLocked() tokenState {
	if s.token == "" {
		return tokenAbsent
	}
	now := s.now()
	switch {
	case !now.Before(s.expiresAt):
		return tokenExpired
	case !now.Add(s.tokenMargin).Before(s.expiresAt):
		return tokenExpiringSoon
	default:
		return tokenValid
	}
}

// Token returns a valid bearer token.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok, st := s.token, s.stateLocked()
	s.mu.RUnlock()
	if st == tokenValid {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the group.
		s.mu.RLock()
		tok, st := s.token, s.stateLocked()
		s.mu.RUnlock()
		if st == tokenValid {
			return tok, nil
		}

		slog.Debug("Refreshing osu! API token", "state", st)
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		fresh, ttl, err := s.fetch(fetchCtx)
		if err != nil {
			metrics.OsuTokenRefreshes.WithLabelValues("failure").Inc()
			return nil, fmt.Errorf("%w: %w", ErrCredential, err)
		}
		if fresh == "" {
			metrics.OsuTokenRefreshes.WithLabelValues("failure").Inc()
			return nil, fmt.Errorf("%w: empty access token", ErrCredential)
		}

		s.mu.Lock()
		s.token = fresh
		s.expiresAt = s.now().Add(ttl)
		s.tokenMargin = min(s.margin, ttl/2)
		s.mu.Unlock()

		metrics.OsuTokenRefreshes.WithLabelValues("success").Inc()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the current token so the next call refreshes it.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// clientCredentials performs the OAuth client-credentials grant.
func clientCredentials(httpClient *http.Client, tokenURL, clientID, clientSecret string) fetchTokenFunc {
	return func(ctx context.Context) (string, time.Duration, error) {
		form := url.Values{
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"grant_type":    {"client_credentials"},
			"scope":         {"public"},
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return "", 0, fmt.Errorf("failed to create token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", 0, fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", 0, &APIError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", 0, fmt.Errorf("failed to decode token response: %w", err)
		}

		return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
	}
}
