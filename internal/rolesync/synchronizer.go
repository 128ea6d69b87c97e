// Package rolesync keeps each linked member's tier role in line with the
// country leaderboard.
//
// A member's current tier is always re-derived from the roles they hold, so
// a pass can be repeated or overlap with another pass without extra state.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/storage"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// DefaultMemberDelay paces member processing.
const DefaultMemberDelay = 100 * time.Millisecond

// snapshotTTL is how long SyncMember reuses the last ranking snapshot.
const snapshotTTL = 2 * time.Minute

// errReferenceDown marks a member skipped because the API reports even the
// reference account as missing.
var errReferenceDown = errors.New("reference account not found, not-found results untrusted")

// RankSource is the subset of the osu! client used by the synchronizer.
type RankSource interface {
	FetchRanking(ctx context.Context, mode, country string) (*osu.Ranking, error)
	FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error)
	ReferenceAlive(ctx context.Context) (bool, error)
}

// LinkStore reads player links.
type LinkStore interface {
	ListLinked(ctx context.Context) ([]*storage.Player, error)
	GetPlayer(ctx context.Context, discordID string) (*storage.Player, error)
}

// Guild is the platform role API.
type Guild interface {
	PresentMembers(ctx context.Context) ([]string, error)
	MemberRoles(ctx context.Context, memberID string) ([]string, error)
	AddRole(ctx context.Context, memberID, roleID string) error
	RemoveRole(ctx context.Context, memberID, roleID string) error
}

// Notifier announces applied transitions.
type Notifier interface {
	NotifyTransition(ctx context.Context, ev Event) error
}

// Config holds synchronizer settings.
type Config struct {
	Mode        string
	Country     string
	Roles       *tier.RoleMap
	MemberDelay time.Duration
}

// Summary describes one full pass.
type Summary struct {
	Members       int // linked members present in the guild
	Events        int
	Skipped       int // linked but not in the guild
	SkippedOutage int
	Errors        int
	Partial       bool
	Duration      time.Duration
}

// Synchronizer applies tier roles.
type Synchronizer struct {
	source   RankSource
	store    LinkStore
	guild    Guild
	notifier Notifier

	mode    string
	country string
	roles   *tier.RoleMap
	delay   time.Duration

	mu         sync.Mutex
	snapshot   *osu.Ranking
	snapshotAt time.Time
	fetches    singleflight.Group
	now        func() time.Time
}

// New creates a Synchronizer.
func New(cfg Config, source RankSource, store LinkStore, guild Guild, notifier Notifier) *Synchronizer {
	delay := cfg.MemberDelay
	if delay < 0 {
		delay = 0
	}
	return &Synchronizer{
		source:   source,
		store:    store,
		guild:    guild,
		notifier: notifier,
		mode:     cfg.Mode,
		country:  cfg.Country,
		roles:    cfg.Roles,
		delay:    delay,
		now:      time.Now,
	}
}

// pass is the state shared by every member of one run.
type pass struct {
	log       *slog.Logger
	entries   map[int64]osu.RankEntry
	reference bool // true once the reference account was seen healthy
}

// newPass builds the pass state. Full runs always fetch a fresh snapshot;
// single-member syncs reuse one younger than snapshotTTL.
func (s *Synchronizer) newPass(ctx context.Context, log *slog.Logger, reuse bool) (*pass, bool, error) {
	ranking, err := s.ranking(ctx, reuse)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch ranking: %w", err)
	}
	if ranking.Partial {
		log.Warn("Ranking snapshot is partial", "entries", len(ranking.Entries))
	}

	p := &pass{log: log, entries: make(map[int64]osu.RankEntry, len(ranking.Entries))}
	for _, e := range ranking.Entries {
		p.entries[e.UserID] = e
	}
	return p, ranking.Partial, nil
}

func (s *Synchronizer) ranking(ctx context.Context, reuse bool) (*osu.Ranking, error) {
	if reuse {
		s.mu.Lock()
		cached, at := s.snapshot, s.snapshotAt
		s.mu.Unlock()
		if cached != nil && s.now().Sub(at) < snapshotTTL {
			return cached, nil
		}
	}

	v, err, _ := s.fetches.Do("ranking", func() (interface{}, error) {
		ranking, err := s.source.FetchRanking(ctx, s.mode, s.country)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.snapshot, s.snapshotAt = ranking, s.now()
		s.mu.Unlock()
		return ranking, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*osu.Ranking), nil
}

// Run performs a full pass over every linked member present in the guild.
func (s *Synchronizer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	log := slog.With("run", uuid.NewString())
	var summary Summary

	finish := func(result string) {
		summary.Duration = time.Since(start)
		metrics.RoleSyncRuns.WithLabelValues(result).Inc()
		metrics.RoleSyncDuration.Observe(summary.Duration.Seconds())
	}

	p, partial, err := s.newPass(ctx, log, false)
	if err != nil {
		finish("error")
		return summary, err
	}
	summary.Partial = partial

	players, err := s.store.ListLinked(ctx)
	if err != nil {
		finish("error")
		return summary, fmt.Errorf("failed to list linked players: %w", err)
	}

	members, err := s.guild.PresentMembers(ctx)
	if err != nil {
		finish("error")
		return summary, fmt.Errorf("failed to list guild members: %w", err)
	}
	present := make(map[string]struct{}, len(members))
	for _, id := range members {
		present[id] = struct{}{}
	}

	log.Info("Starting role sync", "linked", len(players), "present", len(members), "ranked", len(p.entries))

	limit := rate.Inf
	if s.delay > 0 {
		limit = rate.Every(s.delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, player := range players {
		if _, ok := present[player.DiscordID]; !ok {
			summary.Skipped++
			metrics.RoleSyncSkipped.WithLabelValues("absent").Inc()
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			finish("cancelled")
			return summary, err
		}
		summary.Members++

		ev, err := s.processMember(ctx, p, player)
		switch {
		case errors.Is(err, errReferenceDown):
			summary.SkippedOutage++
			metrics.RoleSyncSkipped.WithLabelValues("outage").Inc()
			log.Warn("Skipping member, osu! API not trustworthy",
				"member", player.DiscordID, "osu_id", *player.OsuID)
		case err != nil:
			if ctx.Err() != nil {
				finish("cancelled")
				return summary, ctx.Err()
			}
			summary.Errors++
			metrics.RoleSyncSkipped.WithLabelValues("error").Inc()
			log.Error("Failed to sync member",
				"member", player.DiscordID, "osu_id", *player.OsuID, "error", err)
		case ev != nil:
			summary.Events++
		}
	}

	finish("success")
	log.Info("Role sync complete",
		"members", summary.Members,
		"events", summary.Events,
		"skipped", summary.Skipped,
		"skipped_outage", summary.SkippedOutage,
		"errors", summary.Errors,
		"duration", summary.Duration)

	return summary, nil
}

// SyncMember runs the per-member path for one member. Members that are not
// linked or not in the guild are a no-op.
func (s *Synchronizer) SyncMember(ctx context.Context, memberID string) (*Event, error) {
	player, err := s.store.GetPlayer(ctx, memberID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player: %w", err)
	}
	if !player.Linked() {
		return nil, nil
	}

	members, err := s.guild.PresentMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list guild members: %w", err)
	}
	if !slices.Contains(members, memberID) {
		return nil, nil
	}

	log := slog.With("member", memberID)
	p, _, err := s.newPass(ctx, log, true)
	if err != nil {
		return nil, err
	}

	ev, err := s.processMember(ctx, p, player)
	if errors.Is(err, errReferenceDown) {
		metrics.RoleSyncSkipped.WithLabelValues("outage").Inc()
		return nil, nil
	}
	return ev, err
}

// processMember computes the member's tier and applies the transition, if
// any.
func (s *Synchronizer) processMember(ctx context.Context, p *pass, player *storage.Player) (*Event, error) {
	osuID := *player.OsuID

	next, profile, err := s.resolveTier(ctx, p, osuID)
	if err != nil {
		return nil, err
	}

	roles, err := s.guild.MemberRoles(ctx, player.DiscordID)
	if err != nil {
		return nil, fmt.Errorf("failed to read member roles: %w", err)
	}

	current, found := s.roles.CurrentTier(roles)
	if len(found) > 1 {
		p.log.Warn("Member holds more than one tier role",
			"member", player.DiscordID, "osu_id", osuID, "tiers", found, "using", current)
	}

	kind, ok := Classify(current, next)
	if !ok {
		// Already in the right tier. Extra tier roles are dropped silently.
		if len(found) > 1 {
			if err := s.stripTierRoles(ctx, player.DiscordID, found, next); err != nil {
				return nil, err
			}
			p.log.Info("Removed duplicate tier roles", "member", player.DiscordID, "osu_id", osuID, "kept", next)
		}
		return nil, nil
	}

	if err := s.stripTierRoles(ctx, player.DiscordID, found, next); err != nil {
		return nil, err
	}
	if !slices.Contains(found, next) {
		roleID, ok := s.roles.RoleID(next)
		if !ok {
			return nil, fmt.Errorf("no role configured for %s", next)
		}
		if err := s.guild.AddRole(ctx, player.DiscordID, roleID); err != nil {
			return nil, fmt.Errorf("failed to add %s role: %w", next, err)
		}
	}

	ev := &Event{
		Kind:     kind,
		MemberID: player.DiscordID,
		OsuID:    osuID,
		From:     current,
		To:       next,
		Profile:  profile,
	}
	metrics.RoleTransitions.WithLabelValues(string(kind)).Inc()
	p.log.Info("Tier role updated",
		"member", player.DiscordID, "osu_id", osuID, "kind", kind, "from", current, "to", next)

	if err := s.notifier.NotifyTransition(ctx, *ev); err != nil {
		p.log.Error("Failed to send transition notification",
			"member", player.DiscordID, "osu_id", osuID, "error", err)
	}

	return ev, nil
}

// stripTierRoles removes every tier role in found except keep.
func (s *Synchronizer) stripTierRoles(ctx context.Context, memberID string, found []tier.Tier, keep tier.Tier) error {
	for _, t := range found {
		if t == keep {
			continue
		}
		roleID, _ := s.roles.RoleID(t)
		if err := s.guild.RemoveRole(ctx, memberID, roleID); err != nil {
			return fmt.Errorf("failed to remove %s role: %w", t, err)
		}
	}
	return nil
}

// resolveTier maps the account to its new tier. Accounts missing from the
// snapshot are looked up directly to tell restricted, inactive and merely
// low-ranked accounts apart.
func (s *Synchronizer) resolveTier(ctx context.Context, p *pass, osuID int64) (tier.Tier, *osu.User, error) {
	if e, ok := p.entries[osuID]; ok {
		profile := &osu.User{ID: e.UserID, Username: e.Username, CountryCode: s.country}
		profile.Statistics.PP = e.PP
		profile.Statistics.IsRanked = true
		rank := e.Position
		profile.Statistics.CountryRank = &rank
		return tier.ForRank(e.Position), profile, nil
	}

	user, err := s.source.FetchUser(ctx, strconv.FormatInt(osuID, 10), osu.LookupID)
	switch {
	case errors.Is(err, osu.ErrNotFound):
		if !s.referenceHealthy(ctx, p) {
			return tier.None, nil, errReferenceDown
		}
		return tier.Restricted, nil, nil
	case err != nil:
		return tier.None, nil, fmt.Errorf("failed to look up osu! account: %w", err)
	case !user.Statistics.IsRanked:
		return tier.Inactive, user, nil
	default:
		return tier.ForRank(tier.NotFoundRank), user, nil
	}
}

// referenceHealthy asks the API for the reference account. A healthy verdict
// is kept for the rest of the pass; an unhealthy one is re-checked next time.
func (s *Synchronizer) referenceHealthy(ctx context.Context, p *pass) bool {
	if p.reference {
		return true
	}
	alive, err := s.source.ReferenceAlive(ctx)
	if err != nil {
		p.log.Warn("Reference account check failed", "error", err)
		return false
	}
	p.reference = alive
	return alive
}
