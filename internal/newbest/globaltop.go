package newbest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/storage"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

const (
	// GlobalTopFeed names the scan cursor of the global leaderboard feed.
	GlobalTopFeed = "globaltop"
	// GlobalTopDepth is how deep a beatmap leaderboard is searched.
	GlobalTopDepth = 50

	recentLimit = 20
)

// RecentSource fetches recent plays, beatmap leaderboards and profiles.
type RecentSource interface {
	RecentScores(ctx context.Context, userID int64, limit int) ([]osu.Score, error)
	BeatmapScores(ctx context.Context, beatmapID int64, limit int) ([]osu.Score, error)
	FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error)
}

// CursorStore reads links and per-feed scan times.
type CursorStore interface {
	ListLinked(ctx context.Context) ([]*storage.Player, error)
	ScanCursor(ctx context.Context, discordID, feed string) (*time.Time, error)
	SetScanCursor(ctx context.Context, discordID, feed string, t time.Time) error
}

// GlobalTopNotifier posts global leaderboard placements.
type GlobalTopNotifier interface {
	NotifyGlobalTop(ctx context.Context, score osu.Score, position, limit int, user *osu.User) error
}

// GlobalTopPoster announces recent plays that reached a beatmap's global
// top 50.
type GlobalTopPoster struct {
	source   RecentSource
	store    CursorStore
	guild    Guild
	notifier GlobalTopNotifier
	roles    *tier.RoleMap
	now      func() time.Time
}

// NewGlobalTop creates a GlobalTopPoster.
func NewGlobalTop(source RecentSource, store CursorStore, guild Guild, notifier GlobalTopNotifier, roles *tier.RoleMap) *GlobalTopPoster {
	return &GlobalTopPoster{
		source:   source,
		store:    store,
		guild:    guild,
		notifier: notifier,
		roles:    roles,
		now:      time.Now,
	}
}

// Run checks the recent plays of every present member in tiers LV1..LV1000.
func (p *GlobalTopPoster) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	players, err := p.store.ListLinked(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list linked players: %w", err)
	}
	members, err := p.guild.PresentMembers(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list guild members: %w", err)
	}

	// Leaderboards are shared between members within one pass.
	boards := make(map[int64][]int64)

	for _, player := range players {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !slices.Contains(members, player.DiscordID) {
			continue
		}

		posted, checked, err := p.checkMember(ctx, player, boards)
		if err != nil {
			summary.Errors++
			slog.Error("Failed to check global leaderboards", "member", player.DiscordID, "osu_id", *player.OsuID, "error", err)
			continue
		}
		if checked {
			summary.Members++
		}
		summary.Posted += posted
	}

	slog.Info("Global top pass complete", "members", summary.Members, "posted", summary.Posted, "errors", summary.Errors)
	return summary, nil
}

func (p *GlobalTopPoster) checkMember(ctx context.Context, player *storage.Player, boards map[int64][]int64) (int, bool, error) {
	roles, err := p.guild.MemberRoles(ctx, player.DiscordID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read member roles: %w", err)
	}
	current, _ := p.roles.CurrentTier(roles)
	if !tier.GlobalTopEligible(current) {
		return 0, false, nil
	}

	now := p.now()
	since := now.Add(-DefaultLookback)
	cursor, err := p.store.ScanCursor(ctx, player.DiscordID, GlobalTopFeed)
	if err != nil {
		return 0, false, err
	}
	if cursor != nil {
		since = *cursor
	}

	osuID := *player.OsuID
	scores, err := p.source.RecentScores(ctx, osuID, recentLimit)
	if err != nil {
		return 0, false, err
	}

	var (
		user    *osu.User
		fetched bool
		posted  int
	)
	for _, score := range scores {
		if !score.CreatedAt.After(since) {
			continue
		}

		ids, ok := boards[score.Beatmap.ID]
		if !ok {
			top, err := p.source.BeatmapScores(ctx, score.Beatmap.ID, GlobalTopDepth)
			if err != nil {
				slog.Warn("Failed to fetch beatmap leaderboard", "beatmap", score.Beatmap.ID, "error", err)
				continue
			}
			ids = make([]int64, len(top))
			for i, s := range top {
				ids[i] = s.ID
			}
			boards[score.Beatmap.ID] = ids
		}

		position := slices.Index(ids, score.ID) + 1
		if position == 0 {
			continue
		}

		if !fetched {
			fetched = true
			user, err = p.source.FetchUser(ctx, strconv.FormatInt(osuID, 10), osu.LookupID)
			if err != nil && !errors.Is(err, osu.ErrNotFound) {
				slog.Warn("Failed to fetch profile for global top score", "osu_id", osuID, "error", err)
			}
		}
		if err := p.notifier.NotifyGlobalTop(ctx, score, position, tier.NewBestLimit(current), user); err != nil {
			slog.Error("Failed to post global top score", "member", player.DiscordID, "score", score.ID, "error", err)
			continue
		}
		posted++
		metrics.GlobalTopPosted.Inc()
	}

	if posted > 0 {
		slog.Info("Posted global top scores", "member", player.DiscordID, "osu_id", osuID, "count", posted)
	}

	if err := p.store.SetScanCursor(ctx, player.DiscordID, GlobalTopFeed, now); err != nil {
		slog.Error("Failed to update scan cursor", "member", player.DiscordID, "feed", GlobalTopFeed, "error", err)
	}
	return posted, true, nil
}
