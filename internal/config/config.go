// Package config loads parley configuration from PARLEY_HOME/config.yaml,
// with env overrides for secrets and a persona file for the system prompt.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hollowlog/parley/internal/otel"
)

// ConversationConfig bounds conversation records and the optimizer.
type ConversationConfig struct {
	// MaxLength is the per-conversation message cap, system message included.
	MaxLength int `yaml:"max_length"`
	// SkipThreshold is the record length below which the optimizer is skipped.
	SkipThreshold int `yaml:"skip_threshold"`
	// MaxAgeHours is the retention window for whole records.
	MaxAgeHours int `yaml:"max_age_hours"`
	// AggressiveSizeMB halves the retention window for a pruning pass when
	// the snapshot grows past it.
	AggressiveSizeMB int `yaml:"aggressive_size_mb"`
	// SaveIntervalSeconds is the periodic snapshot cadence.
	SaveIntervalSeconds int `yaml:"save_interval_seconds"`
	// ReferenceMaxDepth bounds reply-chain resolution.
	ReferenceMaxDepth int `yaml:"reference_max_depth"`
	// BlendPerUserCap is the per-user buffer size in shared channels.
	BlendPerUserCap int `yaml:"blend_per_user_cap"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	// Backend is "file", "redis" or "memory".
	Backend string `yaml:"backend"`
	// Path is the snapshot file path for the file backend. Relative paths
	// resolve under HomeDir.
	Path string `yaml:"path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// RedisName namespaces the snapshot keys (e.g. the bot id).
	RedisName string `yaml:"redis_name"`
}

// TelegramConfig configures the inbound channel adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	// BlendedChats lists group chat ids handled in blended mode. DMs always
	// bypass blending.
	BlendedChats []int64 `yaml:"blended_chats"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// Persona is the system message text. Overridden by PERSONA.md in
	// HomeDir when that file exists.
	Persona string `yaml:"persona"`

	// MaintenanceSchedule is a 5-field cron expression for the age-pruning
	// and cache-reset pass.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	Conversation ConversationConfig `yaml:"conversation"`
	Storage      StorageConfig      `yaml:"storage"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Otel         otel.Config        `yaml:"otel"`
}

// HomeDir resolves the parley data directory: PARLEY_HOME, else ~/.parley.
func HomeDir() string {
	if override := os.Getenv("PARLEY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".parley")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		MaintenanceSchedule: "0 * * * *",
		Conversation: ConversationConfig{
			MaxLength:           50,
			SkipThreshold:       4,
			MaxAgeHours:         7 * 24,
			AggressiveSizeMB:    10,
			SaveIntervalSeconds: 300,
			ReferenceMaxDepth:   5,
			BlendPerUserCap:     5,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "conversations.json",
		},
	}
}

// Load reads config.yaml from HomeDir (creating the directory if needed),
// applies env overrides and the persona file, and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create parley home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPersonaFile(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigPath returns the config.yaml path under home.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PersonaPath returns the persona file path under home.
func PersonaPath(homeDir string) string {
	return filepath.Join(homeDir, "PERSONA.md")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PARLEY_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func loadPersonaFile(cfg *Config) {
	data, err := os.ReadFile(PersonaPath(cfg.HomeDir))
	if err != nil {
		return
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		cfg.Persona = text
	}
}

func normalize(cfg *Config) {
	defaults := defaultConfig()
	if cfg.Conversation.MaxLength <= 0 {
		cfg.Conversation.MaxLength = defaults.Conversation.MaxLength
	}
	if cfg.Conversation.SkipThreshold <= 0 {
		cfg.Conversation.SkipThreshold = defaults.Conversation.SkipThreshold
	}
	if cfg.Conversation.MaxAgeHours <= 0 {
		cfg.Conversation.MaxAgeHours = defaults.Conversation.MaxAgeHours
	}
	if cfg.Conversation.SaveIntervalSeconds <= 0 {
		cfg.Conversation.SaveIntervalSeconds = defaults.Conversation.SaveIntervalSeconds
	}
	if cfg.Conversation.ReferenceMaxDepth <= 0 {
		cfg.Conversation.ReferenceMaxDepth = defaults.Conversation.ReferenceMaxDepth
	}
	if cfg.Conversation.BlendPerUserCap <= 0 {
		cfg.Conversation.BlendPerUserCap = defaults.Conversation.BlendPerUserCap
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(cfg.HomeDir, cfg.Storage.Path)
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = defaults.MaintenanceSchedule
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (supported: file, redis, memory)", c.Storage.Backend)
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled without a token")
	}
	return nil
}

// MaxAge returns the retention window as a duration.
func (c ConversationConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// SaveInterval returns the snapshot cadence as a duration.
func (c ConversationConfig) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalSeconds) * time.Second
}

// AggressiveSizeBytes returns the aggressive-pruning threshold in bytes.
func (c ConversationConfig) AggressiveSizeBytes() int64 {
	return int64(c.AggressiveSizeMB) << 20
}
