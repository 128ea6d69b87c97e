// Package linker discovers members' osu! accounts from their Discord
// presence and links them.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flor3z/osu-rank-bot/internal/metrics"
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
	"github.com/flor3z/osu-rank-bot/internal/storage"
)

// DefaultApplicationID is the Discord application id of the osu! client's
// rich presence.
const DefaultApplicationID = "367827983903490050"

// Activity is the relevant part of a rich presence activity.
type Activity struct {
	ApplicationID string
	LargeText     string
}

// Presence is a member and their current activities.
type Presence struct {
	MemberID   string
	Activities []Activity
}

// Guild is the platform API used by the linker.
type Guild interface {
	Presences(ctx context.Context) ([]Presence, error)
	HasRole(ctx context.Context, memberID, roleID string) (bool, error)
	AddRole(ctx context.Context, memberID, roleID string) error
}

// LinkStore reads and writes player links.
type LinkStore interface {
	GetPlayer(ctx context.Context, discordID string) (*storage.Player, error)
	EnsurePlayer(ctx context.Context, discordID string) (bool, error)
	LinkAccount(ctx context.Context, discordID string, osuID int64) ([]string, error)
}

// UserResolver looks up osu! accounts.
type UserResolver interface {
	FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error)
}

// MemberSyncer refreshes one member's tier role.
type MemberSyncer interface {
	SyncMember(ctx context.Context, memberID string) (*rolesync.Event, error)
}

// Notifier announces linker actions.
type Notifier interface {
	NotifyLinked(ctx context.Context, memberID string, user *osu.User) error
	NotifyLinkMoved(ctx context.Context, memberID string, user *osu.User, previous []string) error
	NotifyAccountMismatch(ctx context.Context, memberID string, linkedOsuID int64, user *osu.User) error
	NotifyNonResident(ctx context.Context, memberID string, user *osu.User) error
}

// Config holds linker settings.
type Config struct {
	ApplicationID     string
	Country           string
	NonResidentRoleID string
}

// Summary describes one pass.
type Summary struct {
	Playing     int // members with an osu! presence
	Linked      int
	Moved       int
	Mismatches  int
	NonResident int
	Errors      int
	Duration    time.Duration
}

// Linker links members to the osu! account they are playing on.
type Linker struct {
	guild    Guild
	store    LinkStore
	resolver UserResolver
	syncer   MemberSyncer
	notifier Notifier
	seen     SeenSet

	appID       string
	country     string
	nonResident string
}

// New creates a Linker. A nil seen set uses a MemorySeen with defaults.
func New(cfg Config, guild Guild, store LinkStore, resolver UserResolver, syncer MemberSyncer, notifier Notifier, seen SeenSet) *Linker {
	if cfg.ApplicationID == "" {
		cfg.ApplicationID = DefaultApplicationID
	}
	if seen == nil {
		seen = NewMemorySeen(0, 0)
	}
	return &Linker{
		guild:       guild,
		store:       store,
		resolver:    resolver,
		syncer:      syncer,
		notifier:    notifier,
		seen:        seen,
		appID:       cfg.ApplicationID,
		country:     cfg.Country,
		nonResident: cfg.NonResidentRoleID,
	}
}

// UsernameFromActivity extracts the osu! username from the presence's large
// image text, "name (rank #123)".
func UsernameFromActivity(text string) (string, bool) {
	i := strings.Index(text, "(")
	if i < 0 {
		return "", false
	}
	name := strings.TrimSpace(text[:i])
	return name, name != ""
}

// username returns the osu! username a member is playing as, if any.
func (l *Linker) username(p Presence) (string, bool) {
	for _, a := range p.Activities {
		if a.ApplicationID != l.appID {
			continue
		}
		if name, ok := UsernameFromActivity(a.LargeText); ok {
			return name, true
		}
	}
	return "", false
}

// Run performs one pass over every present member.
func (l *Linker) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	log := slog.With("run", uuid.NewString())
	var summary Summary

	presences, err := l.guild.Presences(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list presences: %w", err)
	}

	for _, p := range presences {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		name, ok := l.username(p)
		if !ok {
			continue
		}
		summary.Playing++

		if err := l.processMember(ctx, log, p.MemberID, name, &summary); err != nil {
			summary.Errors++
			metrics.LinkerActions.WithLabelValues("error").Inc()
			log.Error("Failed to link member", "member", p.MemberID, "username", name, "error", err)
		}
	}

	summary.Duration = time.Since(start)
	log.Info("Link pass complete",
		"playing", summary.Playing,
		"linked", summary.Linked,
		"moved", summary.Moved,
		"mismatches", summary.Mismatches,
		"non_resident", summary.NonResident,
		"errors", summary.Errors,
		"duration", summary.Duration)

	return summary, nil
}

func (l *Linker) processMember(ctx context.Context, log *slog.Logger, memberID, name string, summary *Summary) error {
	user, err := l.resolver.FetchUser(ctx, name, osu.LookupUsername)
	if errors.Is(err, osu.ErrNotFound) {
		log.Debug("Presence username not found on osu!", "member", memberID, "username", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", name, err)
	}

	player, err := l.store.GetPlayer(ctx, memberID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if _, err := l.store.EnsurePlayer(ctx, memberID); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		log.Warn("Member was missing from the link table, added", "member", memberID)
		player = &storage.Player{DiscordID: memberID}
	case err != nil:
		return fmt.Errorf("failed to load player: %w", err)
	}

	if player.Linked() {
		if *player.OsuID == user.ID {
			return nil
		}
		return l.reportMismatch(ctx, log, memberID, *player.OsuID, user, summary)
	}

	if !strings.EqualFold(user.CountryOf(), l.country) {
		return l.markNonResident(ctx, log, memberID, user, summary)
	}

	previous, err := l.store.LinkAccount(ctx, memberID, user.ID)
	if err != nil {
		return fmt.Errorf("failed to link account %d: %w", user.ID, err)
	}

	if len(previous) > 0 {
		summary.Moved++
		metrics.LinkerActions.WithLabelValues("moved").Inc()
		log.Info("Moved osu! link", "member", memberID, "osu_id", user.ID, "previous", previous)
		if err := l.notifier.NotifyLinkMoved(ctx, memberID, user, previous); err != nil {
			log.Error("Failed to announce moved link", "member", memberID, "error", err)
		}
	} else {
		summary.Linked++
		metrics.LinkerActions.WithLabelValues("linked").Inc()
		log.Info("Linked osu! account", "member", memberID, "osu_id", user.ID, "username", user.Username)
		if err := l.notifier.NotifyLinked(ctx, memberID, user); err != nil {
			log.Error("Failed to announce link", "member", memberID, "error", err)
		}
	}

	if _, err := l.syncer.SyncMember(ctx, memberID); err != nil {
		log.Error("Failed to sync tier role after linking", "member", memberID, "osu_id", user.ID, "error", err)
	}
	return nil
}

// reportMismatch posts one notice per member and account pair.
func (l *Linker) reportMismatch(ctx context.Context, log *slog.Logger, memberID string, linked int64, user *osu.User, summary *Summary) error {
	key := fmt.Sprintf("%s:%d:%d", memberID, linked, user.ID)
	seen, err := l.seen.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	summary.Mismatches++
	metrics.LinkerActions.WithLabelValues("mismatch").Inc()
	log.Info("Member playing on a different account", "member", memberID, "osu_id", linked, "playing_osu_id", user.ID)
	if err := l.notifier.NotifyAccountMismatch(ctx, memberID, linked, user); err != nil {
		log.Error("Failed to announce account mismatch", "member", memberID, "error", err)
	}
	return nil
}

func (l *Linker) markNonResident(ctx context.Context, log *slog.Logger, memberID string, user *osu.User, summary *Summary) error {
	if l.nonResident == "" {
		return nil
	}

	has, err := l.guild.HasRole(ctx, memberID, l.nonResident)
	if err != nil {
		return fmt.Errorf("failed to read member roles: %w", err)
	}
	if has {
		return nil
	}

	if err := l.guild.AddRole(ctx, memberID, l.nonResident); err != nil {
		return fmt.Errorf("failed to add non-resident role: %w", err)
	}

	summary.NonResident++
	metrics.LinkerActions.WithLabelValues("non_resident").Inc()
	log.Info("Added non-resident role", "member", memberID, "osu_id", user.ID, "country", user.CountryOf())
	if err := l.notifier.NotifyNonResident(ctx, memberID, user); err != nil {
		log.Error("Failed to announce non-resident", "member", memberID, "error", err)
	}
	return nil
}
