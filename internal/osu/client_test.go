package osu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// fakeAPI is an httptest-backed osu! API.
type fakeAPI struct {
	t *testing.T

	tokenCalls   atomic.Int32
	rankingCalls atomic.Int32
	tokenStatus  int

	// rankingPage returns the entries for a page; nil means an empty page.
	// A negative status makes the page fail with that status.
	rankingPage func(page int) (ids []int64, last bool, status int)
	users       map[string]string
	usersStatus map[string]int
	unauthOnce  atomic.Bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":86400,"token_type":"Bearer"}`, f.tokenCalls.Load())
	})

	mux.HandleFunc("/api/v2/rankings/osu/performance", func(w http.ResponseWriter, r *http.Request) {
		f.rankingCalls.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("country") != "LV" {
			f.t.Errorf("unexpected country %q", r.URL.Query().Get("country"))
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		ids, last, status := f.rankingPage(page)
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		writeRankingPage(w, page, ids, last)
	})

	mux.HandleFunc("/api/v2/users/", func(w http.ResponseWriter, r *http.Request) {
		if f.unauthOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v2/users/"), "/")
		key := parts[0]
		if status, ok := f.usersStatus[key]; ok {
			w.WriteHeader(status)
			return
		}
		body, ok := f.users[key]
		if !ok {
			_, _ = w.Write([]byte(`{"error": null}`))
			return
		}
		_, _ = w.Write([]byte(body))
	})

	return mux
}

func writeRankingPage(w http.ResponseWriter, page int, ids []int64, last bool) {
	type user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	type row struct {
		PP   float64 `json:"pp"`
		User user    `json:"user"`
	}
	out := struct {
		Cursor  interface{} `json:"cursor"`
		Ranking []row       `json:"ranking"`
	}{Ranking: []row{}}
	if !last {
		out.Cursor = map[string]int{"page": page + 1}
	}
	for _, id := range ids {
		out.Ranking = append(out.Ranking, row{PP: 1000, User: user{ID: id, Username: fmt.Sprintf("u%d", id)}})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func fullPage(page int) []int64 {
	ids := make([]int64, PageSize)
	for i := range ids {
		ids[i] = int64((page-1)*PageSize + i + 1)
	}
	return ids
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:           srv.URL + "/api/v2",
		TokenURL:          srv.URL + "/oauth/token",
		ClientID:          "id",
		ClientSecret:      "secret",
		Mode:              "osu",
		RequestsPerSecond: 1000,
	})
}

func TestFetchRanking_Paginates(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			if page == 3 {
				return []int64{101, 102, 103}, true, 0
			}
			return fullPage(page), false, 0
		},
	}
	c := newTestClient(t, api)

	r, err := c.FetchRanking(context.Background(), "osu", "LV")
	if err != nil {
		t.Fatalf("FetchRanking returned error: %v", err)
	}

	if len(r.Entries) != 103 {
		t.Fatalf("expected 103 entries, got %d", len(r.Entries))
	}
	for i, e := range r.Entries {
		if e.Position != i+1 {
			t.Fatalf("entry %d has position %d", i, e.Position)
		}
	}
	if pos := r.Positions()[102]; pos != 102 {
		t.Errorf("expected user 102 at position 102, got %d", pos)
	}
	if r.Partial {
		t.Error("expected complete snapshot")
	}
	if got := api.tokenCalls.Load(); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
}

func TestFetchRanking_StopsOnEmptyPage(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			if page == 2 {
				return nil, false, 0
			}
			return fullPage(page), false, 0
		},
	}
	c := newTestClient(t, api)

	r, err := c.FetchRanking(context.Background(), "osu", "LV")
	if err != nil {
		t.Fatalf("FetchRanking returned error: %v", err)
	}
	if len(r.Entries) != PageSize {
		t.Errorf("expected %d entries, got %d", PageSize, len(r.Entries))
	}
	if got := api.rankingCalls.Load(); got != 2 {
		t.Errorf("expected 2 ranking requests, got %d", got)
	}
}

func TestFetchRanking_StopsAtMaxPages(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			return fullPage(page), false, 0
		},
	}
	c := newTestClient(t, api)

	r, err := c.FetchRanking(context.Background(), "osu", "LV")
	if err != nil {
		t.Fatalf("FetchRanking returned error: %v", err)
	}
	if len(r.Entries) != MaxPages*PageSize {
		t.Errorf("expected %d entries, got %d", MaxPages*PageSize, len(r.Entries))
	}
	if got := api.rankingCalls.Load(); got != MaxPages {
		t.Errorf("expected %d ranking requests, got %d", MaxPages, got)
	}
}

func TestFetchRanking_PartialOnLaterFailure(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			if page == 2 {
				return nil, false, http.StatusBadGateway
			}
			return fullPage(page), false, 0
		},
	}
	c := newTestClient(t, api)

	r, err := c.FetchRanking(context.Background(), "osu", "LV")
	if err != nil {
		t.Fatalf("FetchRanking returned error: %v", err)
	}
	if !r.Partial {
		t.Error("expected partial snapshot")
	}
	if len(r.Entries) != PageSize {
		t.Errorf("expected %d entries, got %d", PageSize, len(r.Entries))
	}
}

func TestFetchRanking_MalformedPageStops(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			if page == 2 {
				return []int64{7, 0, 9}, false, 0
			}
			return fullPage(page), false, 0
		},
	}
	c := newTestClient(t, api)

	r, err := c.FetchRanking(context.Background(), "osu", "LV")
	if err != nil {
		t.Fatalf("FetchRanking returned error: %v", err)
	}
	if len(r.Entries) != PageSize || !r.Partial {
		t.Errorf("expected %d entries and partial, got %d partial=%v", PageSize, len(r.Entries), r.Partial)
	}
}

func TestFetchRanking_FirstPageFails(t *testing.T) {
	api := &fakeAPI{
		rankingPage: func(page int) ([]int64, bool, int) {
			return nil, false, http.StatusInternalServerError
		},
	}
	c := newTestClient(t, api)

	if _, err := c.FetchRanking(context.Background(), "osu", "LV"); err == nil {
		t.Fatal("expected error when the first page fails")
	}
}

func TestFetchUser(t *testing.T) {
	api := &fakeAPI{
		users: map[string]string{
			"123":     `{"id":123,"username":"peppy","country_code":"LV","statistics":{"pp":4000.5,"is_ranked":true,"country_rank":12}}`,
			"someone": `{"id":456,"username":"someone","country_code":"EE","statistics":{"is_ranked":false}}`,
		},
		usersStatus: map[string]int{"404": http.StatusNotFound},
	}
	c := newTestClient(t, api)
	ctx := context.Background()

	u, err := c.FetchUserByID(ctx, 123)
	if err != nil {
		t.Fatalf("FetchUserByID returned error: %v", err)
	}
	if u.Username != "peppy" || u.CountryOf() != "LV" || !u.Statistics.IsRanked {
		t.Errorf("unexpected user: %+v", u)
	}
	if u.Statistics.CountryRank == nil || *u.Statistics.CountryRank != 12 {
		t.Errorf("unexpected country rank: %v", u.Statistics.CountryRank)
	}

	u, err = c.FetchUser(ctx, "someone", LookupUsername)
	if err != nil {
		t.Fatalf("FetchUser returned error: %v", err)
	}
	if u.ID != 456 || u.Statistics.IsRanked {
		t.Errorf("unexpected user: %+v", u)
	}

	if _, err := c.FetchUserByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for not-found payload, got %v", err)
	}
	if _, err := c.FetchUserByID(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for HTTP 404, got %v", err)
	}
}

func TestFetchUser_ServerErrorIsNotNotFound(t *testing.T) {
	api := &fakeAPI{usersStatus: map[string]int{"5": http.StatusServiceUnavailable}}
	c := newTestClient(t, api)

	_, err := c.FetchUserByID(context.Background(), 5)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a non-not-found error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected APIError 503, got %v", err)
	}
}

func TestReferenceAlive(t *testing.T) {
	api := &fakeAPI{users: map[string]string{"2": `{"id":2,"username":"peppy"}`}}
	c := newTestClient(t, api)

	alive, err := c.ReferenceAlive(context.Background())
	if err != nil || !alive {
		t.Fatalf("ReferenceAlive = %v, %v; want true, nil", alive, err)
	}

	api.users = map[string]string{}
	alive, err = c.ReferenceAlive(context.Background())
	if err != nil || alive {
		t.Fatalf("ReferenceAlive = %v, %v; want false, nil", alive, err)
	}
}

func TestClient_CredentialFailure(t *testing.T) {
	api := &fakeAPI{tokenStatus: http.StatusUnauthorized}
	c := newTestClient(t, api)

	_, err := c.FetchUserByID(context.Background(), 1)
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("credential failure must not look like not found")
	}
}

func TestClient_RefreshesTokenOn401(t *testing.T) {
	api := &fakeAPI{users: map[string]string{"1": `{"id":1,"username":"a"}`}}
	api.unauthOnce.Store(true)
	c := newTestClient(t, api)

	if _, err := c.FetchUserByID(context.Background(), 1); err != nil {
		t.Fatalf("FetchUserByID returned error: %v", err)
	}
	if got := api.tokenCalls.Load(); got != 2 {
		t.Errorf("expected 2 token requests, got %d", got)
	}
}

func TestIsNotFoundPayload(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"error": null}`, true},
		{`{"error": "nope"}`, true},
		{`{"id": 1, "error": null}`, false},
		{`{"id": 1}`, false},
		{`[]`, false},
		{`garbage`, false},
	}
	for _, tt := range tests {
		if got := isNotFoundPayload([]byte(tt.body)); got != tt.want {
			t.Errorf("isNotFoundPayload(%s) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestTokenSource_SingleRefreshForConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	src := newTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "fresh", time.Hour, nil
	}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := src.Token(context.Background())
			if err != nil || tok != "fresh" {
				t.Errorf("Token = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 refresh, got %d", got)
	}
}

func TestTokenSource_States(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int
	src := newTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return fmt.Sprintf("tok-%d", calls), 10 * time.Minute, nil
	}, time.Minute)
	src.now = func() time.Time { return now }

	if st := src.state(); st != tokenAbsent {
		t.Fatalf("initial state = %s, want absent", st)
	}

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := src.state(); st != tokenValid {
		t.Fatalf("state after refresh = %s, want valid", st)
	}

	now = now.Add(9*time.Minute + 30*time.Second)
	if st := src.state(); st != tokenExpiringSoon {
		t.Fatalf("state near expiry = %s, want expiring-soon", st)
	}
	tok, err := src.Token(context.Background())
	if err != nil || tok != "tok-2" {
		t.Fatalf("Token near expiry = %q, %v; want tok-2", tok, err)
	}

	now = now.Add(time.Hour)
	if st := src.state(); st != tokenExpired {
		t.Fatalf("state after expiry = %s, want expired", st)
	}

	src.Invalidate()
	if st := src.state(); st != tokenAbsent {
		t.Fatalf("state after invalidate = %s, want absent", st)
	}
}

func TestTokenSource_FailureIsCredentialError(t *testing.T) {
	src := newTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("boom")
	}, time.Minute)

	if _, err := src.Token(context.Background()); !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestTokenSource_ShortLivedTokenIsReused(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int
	src := newTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return fmt.Sprintf("tok-%d", calls), 30 * time.Second, nil
	}, time.Minute)
	src.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("fetches = %d, want 1 for a token shorter than the margin", calls)
	}

	// The margin is clamped to half the lifetime.
	now = now.Add(16 * time.Second)
	if st := src.state(); st != tokenExpiringSoon {
		t.Errorf("state after 16s of 30s = %s, want expiring-soon", st)
	}
}

func TestTokenSource_RefreshSurvivesCancelledCaller(t *testing.T) {
	src := newTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("refresh context has no deadline")
		}
		return "fresh", time.Hour, nil
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := src.Token(ctx)
	if err != nil || tok != "fresh" {
		t.Fatalf("Token = %q, %v; want fresh token despite cancelled caller", tok, err)
	}
}
