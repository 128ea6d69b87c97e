package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/flor3z/osu-rank-bot/internal/tier"
)

// ConfigPathEnvVar names an optional YAML file layered under the
// environment.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPath is used when CONFIG_PATH is unset and the file exists.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration values for the bot. Keys are the
// lower-cased environment variable names.
type Config struct {
	// Discord
	DiscordToken           string `koanf:"discord_bot_token" validate:"required"`
	GuildID                string `koanf:"guild_id" validate:"required,numeric"`
	BotChannelID           string `koanf:"bot_channel_id" validate:"omitempty,numeric"`
	AnnounceChannelID      string `koanf:"announce_channel_id" validate:"omitempty,numeric"`
	NotificationsChannelID string `koanf:"notifications_channel_id" validate:"omitempty,numeric"`
	NonResidentRoleID      string `koanf:"non_resident_role_id" validate:"omitempty,numeric"`
	ReviewRoleID           string `koanf:"review_role_id" validate:"omitempty,numeric"`

	// osu! API
	OsuClientID          string  `koanf:"osu_client_id" validate:"required"`
	OsuClientSecret      string  `koanf:"osu_client_secret" validate:"required"`
	OsuAPIURL            string  `koanf:"osu_api_url" validate:"required,url"`
	OsuTokenURL          string  `koanf:"osu_token_url" validate:"required,url"`
	OsuMode              string  `koanf:"osu_mode" validate:"oneof=osu taiko fruits mania"`
	OsuCountry           string  `koanf:"osu_country" validate:"len=2,alpha"`
	OsuReferenceUserID   int64   `koanf:"osu_reference_user_id" validate:"gt=0"`
	OsuApplicationID     string  `koanf:"osu_application_id" validate:"required,numeric"`
	OsuRequestsPerSecond float64 `koanf:"osu_requests_per_second" validate:"gt=0"`

	// Storage
	DatabaseURL string `koanf:"database_url" validate:"required"`
	RedisURL    string `koanf:"redis_url" validate:"omitempty,url"`

	// Outbound integrations
	MetricsAddr string `koanf:"metrics_addr"`
	ExportURL   string `koanf:"export_url" validate:"omitempty,url"`
	ExportToken string `koanf:"export_token"`

	// Scheduling
	RoleSyncInterval time.Duration `koanf:"role_sync_interval" validate:"gt=0"`
	LinkInterval     time.Duration `koanf:"link_interval" validate:"gt=0"`
	NewBestInterval   time.Duration `koanf:"newbest_interval" validate:"gt=0"`
	GlobalTopInterval time.Duration `koanf:"globaltop_interval" validate:"gt=0"`
	MemberDelay       time.Duration `koanf:"member_delay" validate:"gte=0"`

	// Tier roles
	Roles RoleIDs `koanf:",squash"`

	// Logging
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// RoleIDs binds each tier to a Discord role.
type RoleIDs struct {
	LV1        string `koanf:"roles_lv1" validate:"required,numeric"`
	LV5        string `koanf:"roles_lv5" validate:"required,numeric"`
	LV10       string `koanf:"roles_lv10" validate:"required,numeric"`
	LV25       string `koanf:"roles_lv25" validate:"required,numeric"`
	LV50       string `koanf:"roles_lv50" validate:"required,numeric"`
	LV100      string `koanf:"roles_lv100" validate:"required,numeric"`
	LV250      string `koanf:"roles_lv250" validate:"required,numeric"`
	LV500      string `koanf:"roles_lv500" validate:"required,numeric"`
	LV1000     string `koanf:"roles_lv1000" validate:"required,numeric"`
	LVInf      string `koanf:"roles_lvinf" validate:"required,numeric"`
	Restricted string `koanf:"roles_restricted" validate:"required,numeric"`
	Inactive   string `koanf:"roles_inactive" validate:"required,numeric"`
}

func defaultConfig() *Config {
	return &Config{
		OsuAPIURL:            "https://osu.ppy.sh/api/v2",
		OsuTokenURL:          "https://osu.ppy.sh/oauth/token",
		OsuMode:              "osu",
		OsuCountry:           "LV",
		OsuReferenceUserID:   2,
		OsuApplicationID:     "367827983903490050",
		OsuRequestsPerSecond: 10,
		DatabaseURL:          "./data/bot.db",
		RoleSyncInterval:     15 * time.Minute,
		LinkInterval:         5 * time.Minute,
		NewBestInterval:      60 * time.Minute,
		GlobalTopInterval:    60 * time.Minute,
		MemberDelay:          100 * time.Millisecond,
		LogLevel:             "info",
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing priority.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// Validate checks required fields and formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.ExportURL == "") != (c.ExportToken == "") {
		return fmt.Errorf("invalid configuration: EXPORT_URL and EXPORT_TOKEN must be set together")
	}
	if _, err := c.RoleMap(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TierRoles returns the configured role id of every tier.
func (c *Config) TierRoles() map[tier.Tier]string {
	r := c.Roles
	return map[tier.Tier]string{
		tier.T1:         r.LV1,
		tier.T2:         r.LV5,
		tier.T3:         r.LV10,
		tier.T4:         r.LV25,
		tier.T5:         r.LV50,
		tier.T6:         r.LV100,
		tier.T7:         r.LV250,
		tier.T8:         r.LV500,
		tier.T9:         r.LV1000,
		tier.T10:        r.LVInf,
		tier.Restricted: r.Restricted,
		tier.Inactive:   r.Inactive,
	}
}

// RoleMap builds the tier role table.
func (c *Config) RoleMap() (*tier.RoleMap, error) {
	return tier.NewRoleMap(c.TierRoles())
}
