// Package newbest announces new personal best scores of linked members.
package newbest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/storage"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// DefaultLookback is used for members that were never checked.
const DefaultLookback = time.Hour

// ScoreSource fetches scores and profiles.
type ScoreSource interface {
	BestScores(ctx context.Context, userID int64, limit int) ([]osu.Score, error)
	FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error)
}

// LinkStore reads links and records scan times.
type LinkStore interface {
	ListLinked(ctx context.Context) ([]*storage.Player, error)
	UpdateLastChecked(ctx context.Context, discordID string, t time.Time) error
}

// Guild lists members and their roles.
type Guild interface {
	PresentMembers(ctx context.Context) ([]string, error)
	MemberRoles(ctx context.Context, memberID string) ([]string, error)
}

// Notifier posts scores.
type Notifier interface {
	NotifyBestScore(ctx context.Context, score osu.Score, position, limit int, user *osu.User) error
}

// Summary describes one pass.
type Summary struct {
	Members int
	Posted  int
	Errors  int
}

// Poster scans linked members' top plays.
type Poster struct {
	source   ScoreSource
	store    LinkStore
	guild    Guild
	notifier Notifier
	roles    *tier.RoleMap
	now      func() time.Time
}

// New creates a Poster.
func New(source ScoreSource, store LinkStore, guild Guild, notifier Notifier, roles *tier.RoleMap) *Poster {
	return &Poster{
		source:   source,
		store:    store,
		guild:    guild,
		notifier: notifier,
		roles:    roles,
		now:      time.Now,
	}
}

// Run checks every linked member holding a ranked tier role.
func (p *Poster) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	players, err := p.store.ListLinked(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list linked players: %w", err)
	}
	members, err := p.guild.PresentMembers(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list guild members: %w", err)
	}
	present := make(map[string]struct{}, len(members))
	for _, id := range members {
		present[id] = struct{}{}
	}

	for _, player := range players {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, ok := present[player.DiscordID]; !ok {
			continue
		}

		posted, err := p.checkMember(ctx, player)
		if err != nil {
			summary.Errors++
			slog.Error("Failed to check best scores", "member", player.DiscordID, "osu_id", *player.OsuID, "error", err)
			continue
		}
		summary.Members++
		summary.Posted += posted
	}

	slog.Info("Best score pass complete", "members", summary.Members, "posted", summary.Posted, "errors", summary.Errors)
	return summary, nil
}

func (p *Poster) checkMember(ctx context.Context, player *storage.Player) (int, error) {
	roles, err := p.guild.MemberRoles(ctx, player.DiscordID)
	if err != nil {
		return 0, fmt.Errorf("failed to read member roles: %w", err)
	}
	current, _ := p.roles.CurrentTier(roles)
	limit := tier.NewBestLimit(current)
	if limit == 0 {
		return 0, nil
	}

	now := p.now()
	since := now.Add(-DefaultLookback)
	if player.LastChecked != nil {
		since = *player.LastChecked
	}

	osuID := *player.OsuID
	scores, err := p.source.BestScores(ctx, osuID, limit)
	if err != nil {
		return 0, err
	}

	var (
		user    *osu.User
		fetched bool
		posted  int
	)
	for i, score := range scores {
		if !score.CreatedAt.After(since) {
			continue
		}
		if !fetched {
			fetched = true
			user, err = p.source.FetchUser(ctx, strconv.FormatInt(osuID, 10), osu.LookupID)
			if err != nil && !errors.Is(err, osu.ErrNotFound) {
				slog.Warn("Failed to fetch profile for best score", "osu_id", osuID, "error", err)
			}
		}
		if err := p.notifier.NotifyBestScore(ctx, score, i+1, limit, user); err != nil {
			slog.Error("Failed to post best score", "member", player.DiscordID, "score", score.ID, "error", err)
			continue
		}
		posted++
		metrics.NewBestPosted.Inc()
	}

	if posted > 0 {
		slog.Info("Posted new best scores", "member", player.DiscordID, "osu_id", osuID, "count", posted)
	}

	if err := p.store.UpdateLastChecked(ctx, player.DiscordID, now); err != nil {
		slog.Error("Failed to update last checked", "member", player.DiscordID, "error", err)
	}
	return posted, nil
}
