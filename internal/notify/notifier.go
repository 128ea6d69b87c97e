// Package notify turns bot events into Discord messages.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
)

// Sender is the part of *discordgo.Session used to post messages.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Channels routes each kind of message. An empty id disables that kind.
type Channels struct {
	// Announce receives tier changes.
	Announce string
	// Bot receives link notices and personal bests.
	Bot string
	// Notifications receives join and leave messages.
	Notifications string
}

// Notifier posts announcements.
type Notifier struct {
	sender       Sender
	channels     Channels
	country      string
	reviewRoleID string
}

// New creates a Notifier. reviewRoleID, if set, is pinged on account
// mismatches.
func New(sender Sender, channels Channels, country, reviewRoleID string) *Notifier {
	return &Notifier{
		sender:       sender,
		channels:     channels,
		country:      country,
		reviewRoleID: reviewRoleID,
	}
}

// noMentions keeps member mentions from pinging.
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func (n *Notifier) send(ctx context.Context, channelID string, msg *discordgo.MessageSend) error {
	if channelID == "" {
		slog.Debug("No channel configured, dropping message", "content", msg.Content)
		return nil
	}
	if _, err := n.sender.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", channelID, err)
	}
	return nil
}

func (n *Notifier) sendText(ctx context.Context, channelID, content string) error {
	return n.send(ctx, channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: noMentions(),
	})
}

// NotifyTransition announces a tier change.
func (n *Notifier) NotifyTransition(ctx context.Context, ev rolesync.Event) error {
	return n.sendText(ctx, n.channels.Announce, RenderTransition(ev))
}

// NotifyLinked announces a new link.
func (n *Notifier) NotifyLinked(ctx context.Context, memberID string, user *osu.User) error {
	return n.sendText(ctx, n.channels.Bot, RenderLinked(memberID, user))
}

// NotifyLinkMoved announces a link moved from previous owners.
func (n *Notifier) NotifyLinkMoved(ctx context.Context, memberID string, user *osu.User, previous []string) error {
	return n.sendText(ctx, n.channels.Bot, RenderLinkMoved(memberID, user, previous))
}

// NotifyAccountMismatch asks for review of a member playing on an account
// other than their linked one. The review role is the only mention allowed.
func (n *Notifier) NotifyAccountMismatch(ctx context.Context, memberID string, linkedOsuID int64, user *osu.User) error {
	mentions := noMentions()
	if n.reviewRoleID != "" {
		mentions.Roles = []string{n.reviewRoleID}
	}
	return n.send(ctx, n.channels.Bot, &discordgo.MessageSend{
		Content:         RenderAccountMismatch(memberID, linkedOsuID, user, n.reviewRoleID),
		AllowedMentions: mentions,
	})
}

// NotifyNonResident announces that the non-resident role was added.
func (n *Notifier) NotifyNonResident(ctx context.Context, memberID string, user *osu.User) error {
	return n.sendText(ctx, n.channels.Bot, RenderNonResident(memberID, user, n.country))
}

// NotifyBestScore posts a new personal best.
func (n *Notifier) NotifyBestScore(ctx context.Context, score osu.Score, position, limit int, user *osu.User) error {
	if n.channels.Bot == "" {
		return nil
	}
	if _, err := n.sender.ChannelMessageSendEmbed(n.channels.Bot, BestScoreEmbed(score, position, limit, user), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send best score: %w", err)
	}
	return nil
}

// NotifyGlobalTop posts a global leaderboard placement.
func (n *Notifier) NotifyGlobalTop(ctx context.Context, score osu.Score, position, limit int, user *osu.User) error {
	if n.channels.Bot == "" {
		return nil
	}
	if _, err := n.sender.ChannelMessageSendEmbed(n.channels.Bot, GlobalTopEmbed(score, position, limit, user), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send global top score: %w", err)
	}
	return nil
}

// NotifyMemberJoined greets a member.
func (n *Notifier) NotifyMemberJoined(ctx context.Context, memberID string, returning bool) error {
	return n.send(ctx, n.channels.Notifications, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{memberEmbed(RenderMemberJoined(memberID, returning), colorJoined)},
		AllowedMentions: noMentions(),
	})
}

// NotifyMemberLeft announces a departure.
func (n *Notifier) NotifyMemberLeft(ctx context.Context, displayName string) error {
	return n.send(ctx, n.channels.Notifications, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{memberEmbed(RenderMemberLeft(displayName), colorLeft)},
		AllowedMentions: noMentions(),
	})
}

// NotifyMemberBanned posts a ban to the notifications channel.
func (n *Notifier) NotifyMemberBanned(ctx context.Context, displayName string) error {
	return n.send(ctx, n.channels.Notifications, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{memberEmbed(RenderMemberBanned(displayName), colorLeft)},
		AllowedMentions: noMentions(),
	})
}

// NotifyMemberUnbanned posts a lifted ban to the notifications channel.
func (n *Notifier) NotifyMemberUnbanned(ctx context.Context, displayName string) error {
	return n.send(ctx, n.channels.Notifications, &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{memberEmbed(RenderMemberUnbanned(displayName), colorJoined)},
		AllowedMentions: noMentions(),
	})
}
