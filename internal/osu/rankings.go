package osu

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
)

const (
	// MaxPages bounds ranking pagination; the API serves 50 entries a page.
	MaxPages = 20
	PageSize = 50
)

// RankEntry is one row of a country leaderboard.
type RankEntry struct {
	UserID   int64
	Username string
	PP       float64
	Position int // 1-based
}

// Ranking is an ordered country leaderboard snapshot.
type Ranking struct {
	Mode    string
	Country string
	Entries []RankEntry
	// Partial is set when pagination stopped on a failed or malformed page.
	Partial bool
}

// Positions indexes the snapshot by user id.
func (r *Ranking) Positions() map[int64]int {
	positions := make(map[int64]int, len(r.Entries))
	for _, e := range r.Entries {
		positions[e.UserID] = e.Position
	}
	return positions
}

type rankingPage struct {
	Cursor *struct {
		Page int `json:"page"`
	} `json:"cursor"`
	Ranking []struct {
		PP   float64 `json:"pp"`
		User struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	} `json:"ranking"`
}

// FetchRanking pages through a country's performance ranking. Pagination
// stops at MaxPages, on an empty page, on the last page, or on a page that
// fails or looks malformed; in the last case the snapshot is marked partial.
// Only a failure on the first page is returned as an error.
func (c *Client) FetchRanking(ctx context.Context, mode, country string) (*Ranking, error) {
	if mode == "" {
		mode = c.mode
	}

	ranking := &Ranking{Mode: mode, Country: country}
	path := fmt.Sprintf("/rankings/%s/performance", url.PathEscape(mode))

	for page := 1; page <= MaxPages; page++ {
		query := url.Values{
			"country": {country},
			"page":    {strconv.Itoa(page)},
		}

		var resp rankingPage
		if err := c.get(ctx, "rankings", path, query, &resp); err != nil {
			if page == 1 || ctx.Err() != nil {
				return nil, fmt.Errorf("failed to fetch ranking page %d: %w", page, err)
			}
			slog.Warn("Stopping ranking pagination early", "page", page, "error", err)
			ranking.Partial = true
			break
		}

		if len(resp.Ranking) == 0 {
			break
		}

		if !validPage(&resp) {
			slog.Warn("Malformed ranking page, stopping pagination", "page", page)
			ranking.Partial = true
			break
		}

		for _, row := range resp.Ranking {
			ranking.Entries = append(ranking.Entries, RankEntry{
				UserID:   row.User.ID,
				Username: row.User.Username,
				PP:       row.PP,
				Position: len(ranking.Entries) + 1,
			})
		}

		if resp.Cursor == nil {
			break
		}
	}

	slog.Debug("Fetched ranking", "mode", mode, "country", country,
		"entries", len(ranking.Entries), "partial", ranking.Partial)
	return ranking, nil
}

func validPage(p *rankingPage) bool {
	if len(p.Ranking) > PageSize {
		return false
	}
	for _, row := range p.Ranking {
		if row.User.ID <= 0 {
			return false
		}
	}
	return true
}
