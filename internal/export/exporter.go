// Package export publishes the link table to an external endpoint.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/flor3z/osu-rank-bot/internal/storage"
)

// LinkStore lists linked players.
type LinkStore interface {
	ListLinked(ctx context.Context) ([]*storage.Player, error)
}

type userLink struct {
	DiscordID string `json:"discord_id"`
	OsuID     string `json:"osu_id"`
}

type payload struct {
	Users []userLink `json:"users"`
}

// Exporter POSTs every link to a configured URL.
type Exporter struct {
	url        string
	token      string
	store      LinkStore
	httpClient *http.Client
}

// New creates an Exporter. It returns nil when url or token is empty, which
// disables exporting.
func New(url, token string, store LinkStore) *Exporter {
	if url == "" || token == "" {
		return nil
	}
	return &Exporter{
		url:   url,
		token: token,
		store: store,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Run posts the current link table and returns the number of links sent.
// A nil Exporter does nothing.
func (e *Exporter) Run(ctx context.Context) (int, error) {
	if e == nil {
		return 0, nil
	}

	players, err := e.store.ListLinked(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list links: %w", err)
	}

	body := payload{Users: make([]userLink, 0, len(players))}
	for _, p := range players {
		body.Users = append(body.Users, userLink{
			DiscordID: p.DiscordID,
			OsuID:     strconv.FormatInt(*p.OsuID, 10),
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode links: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", e.token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("export rejected: status %d: %s", resp.StatusCode, snippet)
	}

	slog.Info("Exported links", "count", len(players), "status", resp.StatusCode)
	return len(players), nil
}
