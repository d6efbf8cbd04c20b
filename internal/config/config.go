package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultStateSize          = 1
	DefaultMinMessages        = 20
	DefaultRebuildEvery       = 10
	DefaultValidateTries      = 50
	DefaultRebuildSchedule    = "0 0 4 * * *"
	DefaultRebuildConcurrency = 4
	DefaultReplyEvery         = 3
	DefaultReactionChance     = 0.3
	DefaultStickerChance      = 0.1
	DefaultBufSize            = 100
	DefaultHTTPTimeout        = 60

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendFile = "file"
	BackendBolt = "bolt"
	BackendS3   = "s3"
)

type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Store     StoreConfig     `json:"store"`
	Models    ModelsConfig    `json:"models"`
	Generator GeneratorConfig `json:"generator"`
	Gateway   GatewayConfig   `json:"gateway"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
	// HTTPTimeout is in seconds and must exceed the long-polling timeout.
	HTTPTimeout int `json:"httpTimeout,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"`
	// Path is the sqlite file; DSN the postgres connection string.
	Path string `json:"path,omitempty"`
	DSN  string `json:"dsn,omitempty"`
}

type ModelsConfig struct {
	Backend  string   `json:"backend"`
	Dir      string   `json:"dir,omitempty"`
	BoltPath string   `json:"boltPath,omitempty"`
	S3       S3Config `json:"s3"`
}

type S3Config struct {
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

type GeneratorConfig struct {
	StateSize          int    `json:"stateSize"`
	MinMessages        int    `json:"minMessages"`
	RebuildEvery       int    `json:"rebuildEvery"`
	KeepStaleModel     bool   `json:"keepStaleModel"`
	ValidateTries      int    `json:"validateTries"`
	AppendPunctuation  bool   `json:"appendPunctuation"`
	RebuildSchedule    string `json:"rebuildSchedule"`
	RebuildConcurrency int    `json:"rebuildConcurrency"`
}

type GatewayConfig struct {
	ReplyEvery     int      `json:"replyEvery"`
	ReactionChance float64  `json:"reactionChance"`
	StickerChance  float64  `json:"stickerChance"`
	Reactions      []string `json:"reactions,omitempty"`
	BufSize        int      `json:"bufSize,omitempty"`
}

func DefaultConfig() *Config {
	dataDir := filepath.Join(ConfigDir(), "data")
	return &Config{
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{HTTPTimeout: DefaultHTTPTimeout},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(dataDir, "messages.db"),
		},
		Models: ModelsConfig{
			Backend:  BackendFile,
			Dir:      filepath.Join(dataDir, "models"),
			BoltPath: filepath.Join(dataDir, "models.bolt"),
		},
		Generator: GeneratorConfig{
			StateSize:          DefaultStateSize,
			MinMessages:        DefaultMinMessages,
			RebuildEvery:       DefaultRebuildEvery,
			KeepStaleModel:     true,
			ValidateTries:      DefaultValidateTries,
			RebuildSchedule:    DefaultRebuildSchedule,
			RebuildConcurrency: DefaultRebuildConcurrency,
		},
		Gateway: GatewayConfig{
			ReplyEvery:     DefaultReplyEvery,
			ReactionChance: DefaultReactionChance,
			StickerChance:  DefaultStickerChance,
			BufSize:        DefaultBufSize,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mimicbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// CronStorePath is where the maintenance jobs are persisted.
func CronStorePath() string {
	return filepath.Join(ConfigDir(), "data", "cron", "jobs.json")
}

// LoadConfig reads the config file, then .env from the working directory,
// then applies environment overrides. A missing file yields the defaults.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Variables already set in the environment win over .env.
	_ = godotenv.Load()

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if token := os.Getenv("MIMICBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if token := os.Getenv("BOT_TOKEN"); token != "" && cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if proxy := os.Getenv("MIMICBOT_TELEGRAM_PROXY"); proxy != "" {
		cfg.Channels.Telegram.Proxy = proxy
	}
	if v := os.Getenv("MIMICBOT_HTTP_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Channels.Telegram.HTTPTimeout = parsed
		}
	}

	if driver := os.Getenv("MIMICBOT_DB_DRIVER"); driver != "" {
		cfg.Store.Driver = strings.ToLower(driver)
	}
	if path := os.Getenv("MIMICBOT_DB_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
		if os.Getenv("MIMICBOT_DB_DRIVER") == "" {
			cfg.Store.Driver = DriverPostgres
		}
	}

	if backend := os.Getenv("MIMICBOT_MODEL_BACKEND"); backend != "" {
		cfg.Models.Backend = strings.ToLower(backend)
	}
	if dir := os.Getenv("MIMICBOT_MODEL_DIR"); dir != "" {
		cfg.Models.Dir = dir
	}
	if bucket := os.Getenv("MIMICBOT_S3_BUCKET"); bucket != "" {
		cfg.Models.S3.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" && cfg.Models.S3.Region == "" {
		cfg.Models.S3.Region = region
	}

	if v := os.Getenv("MIMICBOT_STATE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Generator.StateSize = parsed
		}
	}
	if v := os.Getenv("MIMICBOT_MIN_MESSAGES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Generator.MinMessages = parsed
		}
	}
	if v := os.Getenv("MIMICBOT_REBUILD_EVERY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Generator.RebuildEvery = parsed
		}
	}
	if v := os.Getenv("MIMICBOT_KEEP_STALE_MODEL"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Generator.KeepStaleModel = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Models.Backend == "" {
		cfg.Models.Backend = def.Models.Backend
	}
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = def.Models.Dir
	}
	if cfg.Models.BoltPath == "" {
		cfg.Models.BoltPath = def.Models.BoltPath
	}
	if cfg.Generator.StateSize <= 0 {
		cfg.Generator.StateSize = DefaultStateSize
	}
	if cfg.Generator.MinMessages <= 0 {
		cfg.Generator.MinMessages = DefaultMinMessages
	}
	if cfg.Generator.RebuildEvery <= 0 {
		cfg.Generator.RebuildEvery = DefaultRebuildEvery
	}
	if cfg.Generator.ValidateTries <= 0 {
		cfg.Generator.ValidateTries = DefaultValidateTries
	}
	if cfg.Generator.RebuildSchedule == "" {
		cfg.Generator.RebuildSchedule = DefaultRebuildSchedule
	}
	if cfg.Generator.RebuildConcurrency <= 0 {
		cfg.Generator.RebuildConcurrency = DefaultRebuildConcurrency
	}
	if cfg.Gateway.ReplyEvery <= 0 {
		cfg.Gateway.ReplyEvery = DefaultReplyEvery
	}
	if cfg.Gateway.BufSize <= 0 {
		cfg.Gateway.BufSize = DefaultBufSize
	}
	if cfg.Channels.Telegram.HTTPTimeout <= 0 {
		cfg.Channels.Telegram.HTTPTimeout = DefaultHTTPTimeout
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is empty")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres driver needs a DSN (set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Models.Backend {
	case BackendFile, BackendBolt:
	case BackendS3:
		if c.Models.S3.Bucket == "" {
			return fmt.Errorf("s3 model backend needs a bucket (set MIMICBOT_S3_BUCKET)")
		}
	default:
		return fmt.Errorf("unknown model backend %q", c.Models.Backend)
	}

	if c.Gateway.ReactionChance < 0 || c.Gateway.ReactionChance > 1 {
		return fmt.Errorf("reactionChance must be within [0, 1]")
	}
	if c.Gateway.StickerChance < 0 || c.Gateway.StickerChance > 1 {
		return fmt.Errorf("stickerChance must be within [0, 1]")
	}
	return nil
}

// StoreDSN returns what store.Open expects for the configured driver.
func (c *Config) StoreDSN() string {
	if c.Store.Driver == DriverPostgres {
		return c.Store.DSN
	}
	return c.Store.Path
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
