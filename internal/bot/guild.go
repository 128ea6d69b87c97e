package bot

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/flor3z/osu-rank-bot/internal/linker"
)

// membersPageSize is the maximum page size of the list guild members endpoint.
const membersPageSize = 1000

// guildAPI is the subset of *discordgo.Session used for member and role
// management.
type guildAPI interface {
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// guildAdapter implements the role and presence APIs of the sync jobs for a
// single guild. Members and roles come from REST, presences from the
// gateway state cache.
type guildAdapter struct {
	api     guildAPI
	state   *discordgo.State
	guildID string
}

func newGuildAdapter(api guildAPI, state *discordgo.State, guildID string) *guildAdapter {
	return &guildAdapter{api: api, state: state, guildID: guildID}
}

// PresentMembers pages through every non-bot member of the guild.
func (g *guildAdapter) PresentMembers(ctx context.Context) ([]string, error) {
	var ids []string
	after := ""
	for {
		page, err := g.api.GuildMembers(g.guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list guild members: %w", err)
		}
		for _, m := range page {
			if m.User == nil || m.User.Bot {
				continue
			}
			ids = append(ids, m.User.ID)
		}
		if len(page) < membersPageSize {
			return ids, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return ids, nil
		}
		after = last.User.ID
	}
}

func (g *guildAdapter) MemberRoles(ctx context.Context, memberID string) ([]string, error) {
	m, err := g.api.GuildMember(g.guildID, memberID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get member %s: %w", memberID, err)
	}
	return m.Roles, nil
}

func (g *guildAdapter) HasRole(ctx context.Context, memberID, roleID string) (bool, error) {
	roles, err := g.MemberRoles(ctx, memberID)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, roleID), nil
}

func (g *guildAdapter) AddRole(ctx context.Context, memberID, roleID string) error {
	if err := g.api.GuildMemberRoleAdd(g.guildID, memberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add role %s to %s: %w", roleID, memberID, err)
	}
	return nil
}

func (g *guildAdapter) RemoveRole(ctx context.Context, memberID, roleID string) error {
	if err := g.api.GuildMemberRoleRemove(g.guildID, memberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to remove role %s from %s: %w", roleID, memberID, err)
	}
	return nil
}

// Presences snapshots the cached presences of the guild.
func (g *guildAdapter) Presences(_ context.Context) ([]linker.Presence, error) {
	guild, err := g.state.Guild(g.guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not in state cache: %w", g.guildID, err)
	}

	g.state.RLock()
	defer g.state.RUnlock()

	out := make([]linker.Presence, 0, len(guild.Presences))
	for _, p := range guild.Presences {
		if p == nil || p.User == nil {
			continue
		}
		presence := linker.Presence{MemberID: p.User.ID}
		for _, a := range p.Activities {
			if a == nil {
				continue
			}
			presence.Activities = append(presence.Activities, linker.Activity{
				ApplicationID: a.ApplicationID,
				LargeText:     a.Assets.LargeText,
			})
		}
		out = append(out, presence)
	}
	return out, nil
}
