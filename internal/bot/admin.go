package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/poller"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// adminStore is the store surface used by the admin commands.
type adminStore interface {
	EnsurePlayer(ctx context.Context, discordID string) (bool, error)
	LinkAccount(ctx context.Context, discordID string, osuID int64) ([]string, error)
	ClearOsuID(ctx context.Context, discordID string) error
	Purge(ctx context.Context) (int64, error)
}

type adminGuild interface {
	PresentMembers(ctx context.Context) ([]string, error)
	MemberRoles(ctx context.Context, memberID string) ([]string, error)
	RemoveRole(ctx context.Context, memberID, roleID string) error
}

type userResolver interface {
	FetchUser(ctx context.Context, idOrName string, kind osu.LookupKind) (*osu.User, error)
}

type memberSyncer interface {
	SyncMember(ctx context.Context, memberID string) (*rolesync.Event, error)
}

// admin implements the slash commands independently of the interaction
// plumbing. Every method returns the text shown to the invoking admin.
type admin struct {
	store  adminStore
	guild  adminGuild
	users  userResolver
	syncer memberSyncer
	roles  *tier.RoleMap
	jobs   *poller.Registry
}

func (a *admin) runJob(ctx context.Context, name string) string {
	p, err := a.jobs.Get(name)
	if err != nil {
		return fmt.Sprintf("Unknown job `%s`.", name)
	}

	summary, err := p.RunNow(ctx, poller.TriggerManual)
	if err != nil {
		return fmt.Sprintf("Job `%s` failed: %v", name, err)
	}
	if summary == "" {
		return fmt.Sprintf("Job `%s` finished.", name)
	}
	return fmt.Sprintf("Job `%s` finished: %s", name, summary)
}

func (a *admin) backfill(ctx context.Context) string {
	members, err := a.guild.PresentMembers(ctx)
	if err != nil {
		slog.Error("Backfill failed to list members", "error", err)
		return "Failed to list guild members."
	}

	created, failed := 0, 0
	for _, id := range members {
		ok, err := a.store.EnsurePlayer(ctx, id)
		if err != nil {
			slog.Error("Backfill failed to insert member", "member", id, "error", err)
			failed++
			continue
		}
		if ok {
			created++
		}
	}

	msg := fmt.Sprintf("Backfilled %d new members out of %d.", created, len(members))
	if failed > 0 {
		msg += fmt.Sprintf(" %d failed, see logs.", failed)
	}
	return msg
}

func (a *admin) link(ctx context.Context, memberID, osuUser string) string {
	user, err := a.users.FetchUser(ctx, osuUser, osu.LookupUsername)
	if errors.Is(err, osu.ErrNotFound) {
		return fmt.Sprintf("osu! user `%s` not found.", osuUser)
	}
	if err != nil {
		slog.Error("Failed to look up osu! user", "osu_user", osuUser, "error", err)
		return "Failed to look up the osu! user. Please try again."
	}

	if _, err := a.store.EnsurePlayer(ctx, memberID); err != nil {
		slog.Error("Failed to insert member", "member", memberID, "error", err)
		return "Failed to save the link. Please try again."
	}
	previous, err := a.store.LinkAccount(ctx, memberID, user.ID)
	if err != nil {
		slog.Error("Failed to link account", "member", memberID, "osu_id", user.ID, "error", err)
		return "Failed to save the link. Please try again."
	}

	msg := fmt.Sprintf("Linked <@%s> to **%s** (%d).", memberID, user.Username, user.ID)
	for _, prev := range previous {
		msg += fmt.Sprintf(" Unlinked from <@%s>.", prev)
	}

	if _, err := a.syncer.SyncMember(ctx, memberID); err != nil {
		slog.Warn("Failed to sync linked member", "member", memberID, "osu_id", user.ID, "error", err)
		msg += " Role sync failed, it will be retried on the next pass."
	}
	return msg
}

func (a *admin) unlink(ctx context.Context, memberID string) string {
	if err := a.store.ClearOsuID(ctx, memberID); err != nil {
		slog.Error("Failed to unlink member", "member", memberID, "error", err)
		return "Failed to remove the link. Please try again."
	}

	roles, err := a.guild.MemberRoles(ctx, memberID)
	if err != nil {
		slog.Warn("Failed to read roles of unlinked member", "member", memberID, "error", err)
		return fmt.Sprintf("Unlinked <@%s>. Could not read their roles.", memberID)
	}

	removed := 0
	for _, roleID := range roles {
		if a.roles.TierOf(roleID) == tier.None {
			continue
		}
		if err := a.guild.RemoveRole(ctx, memberID, roleID); err != nil {
			slog.Warn("Failed to remove tier role", "member", memberID, "role", roleID, "error", err)
			continue
		}
		removed++
	}
	return fmt.Sprintf("Unlinked <@%s> and removed %d tier roles.", memberID, removed)
}

func (a *admin) purge(ctx context.Context, confirm bool) string {
	if !confirm {
		return "Nothing deleted. Run `/purge confirm:true` to delete every stored player."
	}
	n, err := a.store.Purge(ctx)
	if err != nil {
		slog.Error("Failed to purge players", "error", err)
		return "Failed to purge players."
	}
	slog.Warn("Player table purged", "rows", n)
	return fmt.Sprintf("Deleted %d players.", n)
}
