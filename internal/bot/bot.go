package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/flor3z/osu-rank-bot/internal/config"
	"github.com/flor3z/osu-rank-bot/internal/export"
	"github.com/flor3z/osu-rank-bot/internal/linker"
	"github.com/flor3z/osu-rank-bot/internal/metrics"
	"github.com/flor3z/osu-rank-bot/internal/newbest"
	"github.com/flor3z/osu-rank-bot/internal/notify"
	"github.com/flor3z/osu-rank-bot/internal/osu"
	"github.com/flor3z/osu-rank-bot/internal/poller"
	"github.com/flor3z/osu-rank-bot/internal/rolesync"
	"github.com/flor3z/osu-rank-bot/internal/storage"
	"github.com/flor3z/osu-rank-bot/internal/supervisor"
)

// seenTTL is how long a mismatch or non-resident notice stays suppressed.
const seenTTL = 7 * 24 * time.Hour

// Bot represents the Discord bot instance
type Bot struct {
	config   *config.Config
	session  *discordgo.Session
	repo     *storage.Repository
	notifier *notify.Notifier
	registry *poller.Registry
	tree     *supervisor.Tree
	admin    *admin
	closers  []func() error
	commands []*discordgo.ApplicationCommand

	ctx    context.Context
	treeCh <-chan error
}

// New creates a new Bot instance
func New(cfg *config.Config) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Members and presences are privileged intents
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsGuildPresences | discordgo.IntentsGuildBans
	session.State.TrackPresences = true

	roles, err := cfg.RoleMap()
	if err != nil {
		return nil, err
	}

	// Initialize storage
	repo, err := storage.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	b := &Bot{
		config:   cfg,
		session:  session,
		repo:     repo,
		registry: poller.NewRegistry(),
		closers:  []func() error{repo.Close},
	}

	client := osu.NewClient(osu.Config{
		BaseURL:           cfg.OsuAPIURL,
		TokenURL:          cfg.OsuTokenURL,
		ClientID:          cfg.OsuClientID,
		ClientSecret:      cfg.OsuClientSecret,
		Mode:              cfg.OsuMode,
		ReferenceUserID:   cfg.OsuReferenceUserID,
		RequestsPerSecond: cfg.OsuRequestsPerSecond,
	})

	guild := newGuildAdapter(session, session.State, cfg.GuildID)

	b.notifier = notify.New(session, notify.Channels{
		Announce:      cfg.AnnounceChannelID,
		Bot:           cfg.BotChannelID,
		Notifications: cfg.NotificationsChannelID,
	}, cfg.OsuCountry, cfg.ReviewRoleID)

	syncer := rolesync.New(rolesync.Config{
		Mode:        cfg.OsuMode,
		Country:     cfg.OsuCountry,
		Roles:       roles,
		MemberDelay: cfg.MemberDelay,
	}, client, repo, guild, b.notifier)

	seen, err := b.seenSet()
	if err != nil {
		b.close()
		return nil, err
	}

	link := linker.New(linker.Config{
		ApplicationID:     cfg.OsuApplicationID,
		Country:           cfg.OsuCountry,
		NonResidentRoleID: cfg.NonResidentRoleID,
	}, guild, repo, client, syncer, b.notifier, seen)

	poster := newbest.New(client, repo, guild, b.notifier, roles)
	exporter := export.New(cfg.ExportURL, cfg.ExportToken, repo)

	globalTop := newbest.NewGlobalTop(client, repo, guild, b.notifier, roles)
	b.registerJobs(syncer, link, exporter, poster, globalTop)

	b.admin = &admin{
		store:  repo,
		guild:  guild,
		users:  client,
		syncer: syncer,
		roles:  roles,
		jobs:   b.registry,
	}

	b.tree = supervisor.NewTree(slog.Default(), supervisor.TreeConfig{})
	for _, p := range b.registry.GetAll() {
		b.tree.AddJob(p)
	}
	if cfg.MetricsAddr != "" {
		b.tree.AddServer(metrics.NewServer(cfg.MetricsAddr))
	}

	// Register event handlers
	b.registerHandlers()

	return b, nil
}

// seenSet picks the shared Redis seen-set when REDIS_URL is set.
func (b *Bot) seenSet() (linker.SeenSet, error) {
	if b.config.RedisURL == "" {
		return linker.NewMemorySeen(0, seenTTL), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := linker.NewRedisClient(ctx, b.config.RedisURL)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, client.Close)
	slog.Info("Using Redis seen-set")
	return linker.NewRedisSeen(client, "osu-rank-bot:seen:", seenTTL), nil
}

// Start opens the Discord connection and starts background jobs
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx

	// Open Discord connection
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	// Register slash commands
	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	b.treeCh = b.tree.ServeBackground(ctx)
	return nil
}

// Stop waits for background jobs to exit and releases resources. The
// context passed to Start must already be cancelled.
func (b *Bot) Stop() error {
	if b.treeCh != nil {
		select {
		case err := <-b.treeCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Supervisor exited with error", "error", err)
			}
		case <-time.After(15 * time.Second):
			slog.Warn("Timed out waiting for background jobs")
			if report, err := b.tree.UnstoppedServiceReport(); err == nil {
				for _, svc := range report {
					slog.Warn("Service did not stop", "service", svc.Name)
				}
			}
		}
	}

	b.close()

	// Close Discord session
	if b.session != nil {
		return b.session.Close()
	}

	return nil
}

func (b *Bot) close() {
	for _, c := range b.closers {
		if err := c(); err != nil {
			slog.Error("Failed to close resource", "error", err)
		}
	}
	b.closers = nil
}

// baseContext is the context handlers derive from.
func (b *Bot) baseContext() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(b.handleReady)
	b.session.AddHandler(b.handleMemberAdd)
	b.session.AddHandler(b.handleMemberRemove)
	b.session.AddHandler(b.handleBanAdd)
	b.session.AddHandler(b.handleBanRemove)
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	slog.Info("Bot is ready", "guilds", len(r.Guilds))

	// Large guilds only deliver presences of members requested explicitly
	if err := s.RequestGuildMembers(b.config.GuildID, "", 0, "", true); err != nil {
		slog.Warn("Failed to request guild members", "guild", b.config.GuildID, "error", err)
	}
}

func (b *Bot) handleMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.GuildID != b.config.GuildID || m.User == nil || m.User.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(b.baseContext(), 30*time.Second)
	defer cancel()

	returning := false
	created, err := b.repo.EnsurePlayer(ctx, m.User.ID)
	if err != nil {
		slog.Error("Failed to store joined member", "member", m.User.ID, "error", err)
	} else {
		returning = !created
	}
	slog.Info("Member joined", "member", m.User.ID, "returning", returning)

	if err := b.notifier.NotifyMemberJoined(ctx, m.User.ID, returning); err != nil {
		slog.Warn("Failed to announce member join", "member", m.User.ID, "error", err)
	}
}

func (b *Bot) handleMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.GuildID != b.config.GuildID || m.User == nil || m.User.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(b.baseContext(), 30*time.Second)
	defer cancel()

	slog.Info("Member left", "member", m.User.ID)

	if err := b.notifier.NotifyMemberLeft(ctx, displayName(m.User)); err != nil {
		slog.Warn("Failed to announce member leave", "member", m.User.ID, "error", err)
	}
}

func (b *Bot) handleBanAdd(s *discordgo.Session, m *discordgo.GuildBanAdd) {
	if m.GuildID != b.config.GuildID || m.User == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.baseContext(), 30*time.Second)
	defer cancel()

	slog.Info("Member banned", "member", m.User.ID)
	if err := b.notifier.NotifyMemberBanned(ctx, displayName(m.User)); err != nil {
		slog.Warn("Failed to announce ban", "member", m.User.ID, "error", err)
	}
}

func (b *Bot) handleBanRemove(s *discordgo.Session, m *discordgo.GuildBanRemove) {
	if m.GuildID != b.config.GuildID || m.User == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.baseContext(), 30*time.Second)
	defer cancel()

	slog.Info("Member unbanned", "member", m.User.ID)
	if err := b.notifier.NotifyMemberUnbanned(ctx, displayName(m.User)); err != nil {
		slog.Warn("Failed to announce unban", "member", m.User.ID, "error", err)
	}
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
