package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
)

const (
	colorBestScore = 0x0084FF
	colorJoined    = 0x2ECC71
	colorLeft      = 0xE74C3C
)

func mention(memberID string) string {
	return "<@" + memberID + ">"
}

// who renders a member mention, followed by the osu! name when known.
func who(memberID string, profile *osu.User) string {
	if profile == nil || profile.Username == "" {
		return mention(memberID)
	}
	return fmt.Sprintf("%s (%s)", mention(memberID), profile.Username)
}

// RenderTransition renders the announcement for a tier change.
func RenderTransition(ev rolesync.Event) string {
	player := who(ev.MemberID, ev.Profile)

	switch ev.Kind {
	case rolesync.AssignedNoPrior:
		return fmt.Sprintf("Player %s is in group %s.", player, ev.To.Label())
	case rolesync.Promoted:
		return fmt.Sprintf("Player %s climbed to group %s.", player, ev.To.Label())
	case rolesync.Demoted:
		return fmt.Sprintf("Player %s dropped to group %s.", player, ev.To.Label())
	case rolesync.Restricted:
		return fmt.Sprintf("Player %s got restricted!", player)
	case rolesync.Unrestricted:
		return fmt.Sprintf("Player %s is no longer restricted and is in group %s.", player, ev.To.Label())
	case rolesync.WentInactive:
		return fmt.Sprintf("Player %s has gone inactive!", player)
	default:
		return fmt.Sprintf("Player %s moved from %s to %s.", player, ev.From.Label(), ev.To.Label())
	}
}

// RenderLinked announces a new link.
func RenderLinked(memberID string, user *osu.User) string {
	return fmt.Sprintf("Linked %s to osu! account %s (id: %d).", mention(memberID), user.Username, user.ID)
}

// RenderLinkMoved announces a link taken over from other members.
func RenderLinkMoved(memberID string, user *osu.User, previous []string) string {
	owners := make([]string, len(previous))
	for i, id := range previous {
		owners[i] = mention(id)
	}
	return fmt.Sprintf("%s plays on osu! account %s (id: %d), which was linked to %s. The old link was removed and the account is now linked to %s.",
		mention(memberID), user.Username, user.ID, strings.Join(owners, ", "), mention(memberID))
}

// RenderAccountMismatch flags a linked member playing on another account.
func RenderAccountMismatch(memberID string, linkedOsuID int64, user *osu.User, reviewRoleID string) string {
	msg := fmt.Sprintf("%s is linked to osu! id %d but is currently playing on %s (id: %d).",
		mention(memberID), linkedOsuID, user.Username, user.ID)
	if reviewRoleID != "" {
		msg += " <@&" + reviewRoleID + ">"
	}
	return msg
}

// RenderNonResident announces a member whose account is registered elsewhere.
func RenderNonResident(memberID string, user *osu.User, country string) string {
	return fmt.Sprintf("%s is not from %s! Their osu! account %s is registered in %s (non-resident role added).",
		mention(memberID), country, user.Username, user.CountryOf())
}

// RenderMemberJoined greets a new or returning member.
func RenderMemberJoined(memberID string, returning bool) string {
	if returning {
		return mention(memberID) + " rejoined the server!"
	}
	return mention(memberID) + " joined the server!"
}

// RenderMemberLeft says goodbye.
func RenderMemberLeft(displayName string) string {
	return fmt.Sprintf("**%s** left the server!", displayName)
}

// RenderMemberBanned announces a ban.
func RenderMemberBanned(displayName string) string {
	return fmt.Sprintf("**%s** was banned from the server!", displayName)
}

// RenderMemberUnbanned announces a lifted ban.
func RenderMemberUnbanned(displayName string) string {
	return fmt.Sprintf("**%s** was unbanned.", displayName)
}

// BestScoreEmbed renders a new personal best. position is 1-based.
func BestScoreEmbed(score osu.Score, position, limit int, user *osu.User) *discordgo.MessageEmbed {
	return scoreEmbed(score, fmt.Sprintf("**__Personal Best #%d__**", position), limit, user)
}

// GlobalTopEmbed renders a play that placed on its beatmap's global
// leaderboard. position is 1-based.
func GlobalTopEmbed(score osu.Score, position, limit int, user *osu.User) *discordgo.MessageEmbed {
	return scoreEmbed(score, fmt.Sprintf("**__Global Top 50: #%d__**", position), limit, user)
}

func scoreEmbed(score osu.Score, heading string, limit int, user *osu.User) *discordgo.MessageEmbed {
	author := &discordgo.MessageEmbedAuthor{
		Name:    score.User.Username,
		URL:     fmt.Sprintf("https://osu.ppy.sh/users/%d", score.User.ID),
		IconURL: score.User.AvatarURL,
	}
	if user != nil {
		author.Name = fmt.Sprintf("%s: %spp (%s %s%s)",
			user.Username,
			formatFloat(user.Statistics.PP),
			formatRank(user.Statistics.GlobalRank),
			user.CountryOf(),
			formatRank(user.Statistics.CountryRank))
	}

	mods := ""
	if len(score.Mods) > 0 {
		mods = " +" + strings.Join(score.Mods, "")
	}

	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s - %s [%s] [%.2f★]",
			score.Beatmapset.Artist, score.Beatmapset.Title, score.Beatmap.Version, score.Beatmap.DifficultyRating),
		URL:         fmt.Sprintf("https://osu.ppy.sh/b/%d", score.Beatmap.ID),
		Description: heading,
		Color:       colorBestScore,
		Author:      author,
		Thumbnail: &discordgo.MessageEmbedThumbnail{
			URL: score.Beatmapset.Covers.List,
		},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: fmt.Sprintf("**%s%s  %s  (%.2f%%)**",
					score.Rank, mods, formatNumber(score.Score), score.Accuracy*100),
				Value: fmt.Sprintf("**%.2fpp** [ **%dx** ] {%d/%d/%d/%d}\n%s | %s BPM\n<t:%d:R> | Limit: %d",
					score.PP, score.MaxCombo,
					score.Statistics.Count300, score.Statistics.Count100,
					score.Statistics.Count50, score.Statistics.CountMiss,
					formatLength(score.Beatmap.TotalLength), formatFloat(score.Beatmap.BPM),
					score.CreatedAt.Unix(), limit),
			},
		},
		Timestamp: score.CreatedAt.Format(time.RFC3339),
	}
}

func memberEmbed(description string, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func formatRank(rank *int) string {
	if rank == nil {
		return "-"
	}
	return "#" + formatNumber(int64(*rank))
}

func formatLength(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func formatFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	return strings.TrimSuffix(strings.TrimRight(s, "0"), ".")
}

// formatNumber formats large numbers with commas
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
