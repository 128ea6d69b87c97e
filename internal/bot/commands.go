package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

// commandTimeout bounds a single slash command, including manual job runs.
const commandTimeout = 10 * time.Minute

// buildJobChoices creates the job selection choices for /run
func (b *Bot) buildJobChoices() []*discordgo.ApplicationCommandOptionChoice {
	jobs := b.registry.List()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, len(jobs))
	for i, j := range jobs {
		choices[i] = &discordgo.ApplicationCommandOptionChoice{
			Name:  fmt.Sprintf("%s (every %s)", j.Name, j.Interval),
			Value: j.Name,
		}
	}
	return choices
}

// Slash command definitions. All of them are restricted to members who can
// manage roles.
func (b *Bot) getCommandDefinitions() []*discordgo.ApplicationCommand {
	perms := int64(discordgo.PermissionManageRoles)

	return []*discordgo.ApplicationCommand{
		{
			Name:                     "run",
			Description:              "Run a background job now",
			DefaultMemberPermissions: &perms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "job",
					Description: "The job to run",
					Required:    true,
					Choices:     b.buildJobChoices(),
				},
			},
		},
		{
			Name:                     "backfill",
			Description:              "Store every guild member that is not stored yet",
			DefaultMemberPermissions: &perms,
		},
		{
			Name:                     "link",
			Description:              "Link a member to an osu! account",
			DefaultMemberPermissions: &perms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "member",
					Description: "The guild member",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "osu_user",
					Description: "osu! username",
					Required:    true,
				},
			},
		},
		{
			Name:                     "unlink",
			Description:              "Remove a member's osu! link and tier roles",
			DefaultMemberPermissions: &perms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "member",
					Description: "The guild member",
					Required:    true,
				},
			},
		},
		{
			Name:                     "purge",
			Description:              "Delete every stored player",
			DefaultMemberPermissions: &perms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "confirm",
					Description: "Set to true to really delete",
					Required:    true,
				},
			},
		},
	}
}

// registerCommands registers all slash commands in the configured guild
func (b *Bot) registerCommands() error {
	slog.Info("Registering slash commands")

	commandDefinitions := b.getCommandDefinitions()
	registeredCommands := make([]*discordgo.ApplicationCommand, 0, len(commandDefinitions))

	for _, cmd := range commandDefinitions {
		registered, err := b.session.ApplicationCommandCreate(
			b.session.State.User.ID,
			b.config.GuildID,
			cmd,
		)
		if err != nil {
			return fmt.Errorf("failed to register command %s: %w", cmd.Name, err)
		}
		registeredCommands = append(registeredCommands, registered)
		slog.Debug("Registered command", "name", cmd.Name)
	}

	b.commands = registeredCommands
	slog.Info("Slash commands registered", "count", len(registeredCommands))
	return nil
}

// handleInteraction processes slash command interactions
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.GuildID != b.config.GuildID {
		return
	}

	data := i.ApplicationCommandData()
	options := optionMap(data.Options)
	slog.Info("Received command", "command", data.Name, "user", interactionUser(i))

	// Respond immediately to avoid the interaction timeout
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		slog.Error("Failed to defer interaction", "command", data.Name, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.baseContext(), commandTimeout)
	defer cancel()

	var reply string
	switch data.Name {
	case "run":
		reply = b.admin.runJob(ctx, options["job"].StringValue())
	case "backfill":
		reply = b.admin.backfill(ctx)
	case "link":
		reply = b.admin.link(ctx, options["member"].UserValue(nil).ID, options["osu_user"].StringValue())
	case "unlink":
		reply = b.admin.unlink(ctx, options["member"].UserValue(nil).ID)
	case "purge":
		reply = b.admin.purge(ctx, options["confirm"].BoolValue())
	default:
		slog.Warn("Unknown command", "command", data.Name)
		reply = "Unknown command."
	}

	b.editResponse(s, i, reply)
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (b *Bot) editResponse(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content:         &content,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}); err != nil {
		slog.Error("Failed to edit interaction response", "error", err)
	}
}
