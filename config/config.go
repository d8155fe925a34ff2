package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CMDESIGN8/lupiback/adapters/redis"
	"github.com/CMDESIGN8/lupiback/adapters/sqlx"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/scheduler"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" env:"LUPI_ENV"`
	Profile     string      `json:"profile" env:"LUPI_PROFILE"`

	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Logging      LoggingConfig      `json:"logging"`
	Security     SecurityConfig     `json:"security"`
	Progression  ProgressionConfig  `json:"progression"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Integrations IntegrationsConfig `json:"integrations"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"LUPI_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"LUPI_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"LUPI_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"LUPI_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"LUPI_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"LUPI_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"LUPI_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"LUPI_SERVER_SHUTDOWN_TIMEOUT"`
	MaxBodyBytes      int64         `json:"max_body_bytes" env:"LUPI_SERVER_MAX_BODY_BYTES"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"LUPI_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"LUPI_LOG_LEVEL"`
	Format     string            `json:"format" env:"LUPI_LOG_FORMAT"`
	Output     string            `json:"output" env:"LUPI_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" env:"LUPI_LOG_ATTRIBUTES" envKeyValSeparator:"="`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// APIKeys may call every endpoint. An empty list disables authentication.
	APIKeys []string `json:"api_keys,omitempty" env:"LUPI_SECURITY_API_KEYS"`
	// AdminKeys may additionally create missions and change club roles.
	AdminKeys []string `json:"admin_keys,omitempty" env:"LUPI_SECURITY_ADMIN_KEYS"`

	EnableRateLimit bool            `json:"enable_rate_limit" env:"LUPI_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" env:"LUPI_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int `json:"burst_size" env:"LUPI_SECURITY_RATE_LIMIT_BURST"`
}

// ProgressionConfig holds the level curve, reward table and settlement options.
type ProgressionConfig struct {
	CurveBase       int64   `json:"curve_base" env:"LUPI_PROGRESSION_CURVE_BASE"`
	CurveGrowth     float64 `json:"curve_growth" env:"LUPI_PROGRESSION_CURVE_GROWTH"`
	MaxLevel        int     `json:"max_level" env:"LUPI_PROGRESSION_MAX_LEVEL"`
	PointsPerLevel  int     `json:"points_per_level" env:"LUPI_PROGRESSION_POINTS_PER_LEVEL"`
	StartingBalance int64   `json:"starting_balance" env:"LUPI_PROGRESSION_STARTING_BALANCE"`

	WinExp     int64 `json:"win_exp" env:"LUPI_PROGRESSION_WIN_EXP"`
	WinCoins   int64 `json:"win_coins" env:"LUPI_PROGRESSION_WIN_COINS"`
	DrawExp    int64 `json:"draw_exp" env:"LUPI_PROGRESSION_DRAW_EXP"`
	DrawCoins  int64 `json:"draw_coins" env:"LUPI_PROGRESSION_DRAW_COINS"`
	LossExp    int64 `json:"loss_exp" env:"LUPI_PROGRESSION_LOSS_EXP"`
	LossCoins  int64 `json:"loss_coins" env:"LUPI_PROGRESSION_LOSS_COINS"`
	FloorExp   int64 `json:"floor_exp" env:"LUPI_PROGRESSION_FLOOR_EXP"`
	FloorCoins int64 `json:"floor_coins" env:"LUPI_PROGRESSION_FLOOR_COINS"`

	TrainingExp   int64 `json:"training_exp" env:"LUPI_PROGRESSION_TRAINING_EXP"`
	TrainingCoins int64 `json:"training_coins" env:"LUPI_PROGRESSION_TRAINING_COINS"`

	StrictReplay    bool   `json:"strict_replay" env:"LUPI_PROGRESSION_STRICT_REPLAY"`
	ReplayCacheSize int    `json:"replay_cache_size" env:"LUPI_PROGRESSION_REPLAY_CACHE_SIZE"`
	DispatchMode    string `json:"dispatch_mode" env:"LUPI_PROGRESSION_DISPATCH_MODE"`
	// MatchSeed fixes the bot match randomness; 0 picks a random seed.
	MatchSeed uint64 `json:"match_seed" env:"LUPI_PROGRESSION_MATCH_SEED"`
}

// Curve builds the level curve described by the config.
func (p ProgressionConfig) Curve() (*core.LevelCurve, error) {
	return core.NewLevelCurve(p.CurveBase, p.CurveGrowth, p.MaxLevel)
}

// RewardPolicy builds the reward table described by the config.
func (p ProgressionConfig) RewardPolicy() core.RewardPolicy {
	policy := core.DefaultRewardPolicy()
	policy.Base = map[core.OutcomeKind]core.Reward{
		core.OutcomeWin:  {Exp: p.WinExp, Coins: p.WinCoins},
		core.OutcomeDraw: {Exp: p.DrawExp, Coins: p.DrawCoins},
		core.OutcomeLoss: {Exp: p.LossExp, Coins: p.LossCoins},
	}
	policy.Floor = core.Reward{Exp: p.FloorExp, Coins: p.FloorCoins}
	policy.Training = core.Reward{Exp: p.TrainingExp, Coins: p.TrainingCoins}
	return policy
}

// SchedulerConfig holds background job configuration
type SchedulerConfig struct {
	Enabled         bool          `json:"enabled" env:"LUPI_SCHEDULER_ENABLED"`
	WeeklyResetCron string        `json:"weekly_reset_cron" env:"LUPI_SCHEDULER_WEEKLY_RESET_CRON"`
	Timezone        string        `json:"timezone" env:"LUPI_SCHEDULER_TIMEZONE"`
	RunTimeout      time.Duration `json:"run_timeout" env:"LUPI_SCHEDULER_RUN_TIMEOUT"`
}

// IntegrationsConfig holds outbound event delivery configuration
type IntegrationsConfig struct {
	// WebhookURLs receive a POST per domain event. Empty disables delivery.
	WebhookURLs []string `json:"webhook_urls,omitempty" env:"LUPI_WEBHOOK_URLS"`
	// WebhookTypes limits delivery to these event types; empty means all.
	WebhookTypes   []string      `json:"webhook_types,omitempty" env:"LUPI_WEBHOOK_TYPES"`
	WebhookTimeout time.Duration `json:"webhook_timeout" env:"LUPI_WEBHOOK_TIMEOUT"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("config file path cannot contain '..'")
	}

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadProfile returns the defaults for a named deployment profile.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name
	switch Environment(name) {
	case EnvDevelopment:
		cfg.Logging.Format = "text"
		cfg.Logging.Level = "debug"
	case EnvTesting:
		cfg.Environment = EnvTesting
		cfg.Scheduler.Enabled = false
		cfg.Progression.MatchSeed = 1
		cfg.Progression.DispatchMode = "sync"
	case EnvStaging:
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
	case EnvProduction:
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "sql"
		cfg.Progression.StrictReplay = true
		cfg.Server.CORSOrigin = ""
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			APIKeys:   []string{},
			AdminKeys: []string{},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				BurstSize:         20,
			},
		},
		Progression: ProgressionConfig{
			CurveBase:       100,
			CurveGrowth:     1.05,
			MaxLevel:        100,
			PointsPerLevel:  5,
			StartingBalance: 100,
			WinExp:          60,
			WinCoins:        80,
			DrawExp:         35,
			DrawCoins:       45,
			LossExp:         20,
			LossCoins:       25,
			FloorExp:        10,
			FloorCoins:      15,
			TrainingExp:     100,
			TrainingCoins:   150,
			ReplayCacheSize: 4096,
			DispatchMode:    "async",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			WeeklyResetCron: scheduler.DefaultWeeklyResetCron,
			Timezone:        "UTC",
			RunTimeout:      time.Minute,
		},
		Integrations: IntegrationsConfig{
			WebhookTimeout: 2 * time.Second,
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Progression.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("progression config: %v", err))
	}

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler config: %v", err))
	}

	if err := c.Integrations.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("integrations config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	cfg.Security.APIKeys = redactKeys(c.Security.APIKeys)
	cfg.Security.AdminKeys = redactKeys(c.Security.AdminKeys)

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}

func redactKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i := range keys {
		out[i] = "[REDACTED]"
	}
	return out
}
