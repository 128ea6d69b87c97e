package osu

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Score is a submitted play.
type Score struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	PP         float64   `json:"pp"`
	Accuracy   float64   `json:"accuracy"`
	Rank       string    `json:"rank"`
	Mods       []string  `json:"mods"`
	MaxCombo   int       `json:"max_combo"`
	Score      int64     `json:"score"`
	Statistics struct {
		Count300  int `json:"count_300"`
		Count100  int `json:"count_100"`
		Count50   int `json:"count_50"`
		CountMiss int `json:"count_miss"`
	} `json:"statistics"`
	Beatmap struct {
		ID               int64   `json:"id"`
		Version          string  `json:"version"`
		DifficultyRating float64 `json:"difficulty_rating"`
		TotalLength      int     `json:"total_length"`
		BPM              float64 `json:"bpm"`
		URL              string  `json:"url"`
	} `json:"beatmap"`
	Beatmapset struct {
		Artist string `json:"artist"`
		Title  string `json:"title"`
		Covers struct {
			List string `json:"list"`
		} `json:"covers"`
	} `json:"beatmapset"`
	User struct {
		ID          int64  `json:"id"`
		Username    string `json:"username"`
		CountryCode string `json:"country_code"`
		AvatarURL   string `json:"avatar_url"`
	} `json:"user"`
}

// BestScores returns a user's top plays, best first.
func (c *Client) BestScores(ctx context.Context, userID int64, limit int) ([]Score, error) {
	if limit <= 0 {
		limit = 5
	}
	if limit > 100 {
		limit = 100
	}

	path := fmt.Sprintf("/users/%d/scores/best", userID)
	query := url.Values{
		"mode":  {c.mode},
		"limit": {strconv.Itoa(limit)},
	}

	var scores []Score
	if err := c.get(ctx, "scores", path, query, &scores); err != nil {
		return nil, fmt.Errorf("failed to get best scores for %d: %w", userID, err)
	}

	return scores, nil
}

// RecentScores returns a user's passed plays from the last day, newest first.
func (c *Client) RecentScores(ctx context.Context, userID int64, limit int) ([]Score, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	path := fmt.Sprintf("/users/%d/scores/recent", userID)
	query := url.Values{
		"mode":          {c.mode},
		"limit":         {strconv.Itoa(limit)},
		"include_fails": {"0"},
	}

	var scores []Score
	if err := c.get(ctx, "scores", path, query, &scores); err != nil {
		return nil, fmt.Errorf("failed to get recent scores for %d: %w", userID, err)
	}

	return scores, nil
}

type beatmapScores struct {
	Scores []Score `json:"scores"`
}

// BeatmapScores returns a beatmap's global leaderboard, best first.
func (c *Client) BeatmapScores(ctx context.Context, beatmapID int64, limit int) ([]Score, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	path := fmt.Sprintf("/beatmaps/%d/scores", beatmapID)
	query := url.Values{
		"mode":  {c.mode},
		"limit": {strconv.Itoa(limit)},
	}

	var resp beatmapScores
	if err := c.get(ctx, "beatmap_scores", path, query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get leaderboard for beatmap %d: %w", beatmapID, err)
	}

	return resp.Scores, nil
}
