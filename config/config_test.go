package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMDESIGN8/lupiback/adapters/sqlx"
	"github.com/CMDESIGN8/lupiback/core"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, int64(100), cfg.Progression.StartingBalance)
	assert.Equal(t, "0 0 * * 1", cfg.Scheduler.WeeklyResetCron)
}

func TestLoadFromFile(t *testing.T) {
	configContent := `{
		"environment": "testing",
		"server": {
			"address": ":9090"
		},
		"storage": {
			"adapter": "sql",
			"sql": {"driver": "sqlite", "dsn": "file:test.db"}
		},
		"progression": {
			"win_exp": 90
		}
	}`

	tmpFile, err := os.CreateTemp("", "config_test_*.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(configContent)
	require.NoError(t, err)
	tmpFile.Close()

	cfg, err := LoadFromFile(tmpFile.Name())
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, sqlx.DriverSQLite, cfg.Storage.SQL.Driver)
	// unspecified fields keep their defaults
	assert.Equal(t, 25, cfg.Storage.SQL.MaxOpenConns)
	assert.Equal(t, int64(90), cfg.Progression.WinExp)
	assert.Equal(t, int64(80), cfg.Progression.WinCoins)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("LUPI_SERVER_ADDR", ":7070")
	t.Setenv("LUPI_STORAGE_ADAPTER", "redis")
	t.Setenv("LUPI_REDIS_ADDR", "cache:6379")
	t.Setenv("LUPI_PROGRESSION_CURVE_GROWTH", "1.1")
	t.Setenv("LUPI_PROGRESSION_MATCH_SEED", "42")
	t.Setenv("LUPI_SCHEDULER_RUN_TIMEOUT", "90s")
	t.Setenv("LUPI_SECURITY_API_KEYS", "k1, k2")
	t.Setenv("LUPI_LOG_ATTRIBUTES", "service=lupi,region=eu")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "redis", cfg.Storage.Adapter)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.InDelta(t, 1.1, cfg.Progression.CurveGrowth, 1e-9)
	assert.Equal(t, uint64(42), cfg.Progression.MatchSeed)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.RunTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Security.APIKeys)
	assert.Equal(t, map[string]string{"service": "lupi", "region": "eu"}, cfg.Logging.Attributes)
}

func TestLoadFromMapRejectsBadValues(t *testing.T) {
	err := loadFromMap(DefaultConfig(), map[string]string{"LUPI_SERVER_READ_TIMEOUT": "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReadTimeout")
}

func TestLoadFromMapKeepsDefaultsForUnsetVars(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, loadFromMap(cfg, map[string]string{
		"LUPI_PROGRESSION_WIN_EXP": "120",
		"LUPI_WEBHOOK_TYPES":       " level_up , ,mission_completed",
		"LUPI_LOG_ATTRIBUTES":      " service = lupi , region=eu",
	}))
	assert.Equal(t, map[string]string{"service": "lupi", "region": "eu"}, cfg.Logging.Attributes)
	assert.Equal(t, int64(120), cfg.Progression.WinExp)
	assert.Equal(t, int64(80), cfg.Progression.WinCoins)
	assert.Equal(t, []string{"level_up", "mission_completed"}, cfg.Integrations.WebhookTypes)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "invalid environment", mutate: func(c *Config) { c.Environment = "" }, expectError: "environment"},
		{name: "invalid server timeout", mutate: func(c *Config) { c.Server.ReadTimeout = 0 }, expectError: "read_timeout"},
		{name: "unknown adapter", mutate: func(c *Config) { c.Storage.Adapter = "file" }, expectError: "adapter"},
		{name: "sql without dsn", mutate: func(c *Config) {
			c.Storage.Adapter = "sql"
			c.Storage.SQL.DSN = ""
		}, expectError: "sql.dsn"},
		{name: "sql unknown driver", mutate: func(c *Config) {
			c.Storage.Adapter = "sql"
			c.Storage.SQL.Driver = "oracle"
		}, expectError: "sql.driver"},
		{name: "unordered rewards", mutate: func(c *Config) { c.Progression.DrawExp = 500 }, expectError: "progression"},
		{name: "flat curve", mutate: func(c *Config) { c.Progression.CurveGrowth = 0.9 }, expectError: "growth"},
		{name: "bad dispatch mode", mutate: func(c *Config) { c.Progression.DispatchMode = "batched" }, expectError: "dispatch_mode"},
		{name: "bad cron", mutate: func(c *Config) { c.Scheduler.WeeklyResetCron = "every monday" }, expectError: "weekly_reset_cron"},
		{name: "disabled scheduler skips cron", mutate: func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.WeeklyResetCron = "every monday"
		}},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, expectError: "timezone"},
		{name: "admin keys without api keys", mutate: func(c *Config) { c.Security.AdminKeys = []string{"root"} }, expectError: "admin_keys"},
		{name: "webhook url without scheme", mutate: func(c *Config) { c.Integrations.WebhookURLs = []string{"hooks.lupi.example"} }, expectError: "webhook url"},
		{name: "webhook unknown type", mutate: func(c *Config) {
			c.Integrations.WebhookURLs = []string{"https://hooks.lupi.example/events"}
			c.Integrations.WebhookTypes = []string{"badge_awarded"}
		}, expectError: "unknown event type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProgressionBuildsDomainValues(t *testing.T) {
	p := DefaultConfig().Progression
	curve, err := p.Curve()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultLevelCurve().Thresholds(), curve.Thresholds())

	policy := p.RewardPolicy()
	require.NoError(t, policy.Validate())
	win, err := policy.RewardFor(core.OutcomeWin, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, core.Reward{Exp: 60, Coins: 80}, win)
	assert.Equal(t, core.Reward{Exp: 100, Coins: 150}, policy.Training)
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name         string
		profileName  string
		expectConfig bool
		environment  Environment
	}{
		{"development", "development", true, EnvDevelopment},
		{"testing", "testing", true, EnvTesting},
		{"staging", "staging", true, EnvStaging},
		{"production", "production", true, EnvProduction},
		{"unknown", "unknown", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadProfile(tt.profileName)
			if tt.expectConfig {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				assert.Equal(t, tt.environment, cfg.Environment)
			} else {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SQL.DSN = "postgres://lupi:hunter2@db/lupi"
	cfg.Storage.Redis.Password = "hunter3"
	cfg.Security.APIKeys = []string{"key-abc"}

	out := cfg.String()
	for _, secret := range []string{"hunter2", "hunter3", "key-abc"} {
		assert.False(t, strings.Contains(out, secret), "leaked %s", secret)
	}
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, []string{"key-abc"}, cfg.Security.APIKeys)
}

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		expectError bool
		setup       func() string // returns path to cleanup
	}{
		{
			name:        "valid json file",
			path:        "config_test.json",
			expectError: false,
			setup: func() string {
				tmpFile, _ := os.CreateTemp("", "config_test_*.json")
				tmpFile.WriteString("{}")
				tmpFile.Close()
				return tmpFile.Name()
			},
		},
		{
			name:        "empty path",
			path:        "",
			expectError: true,
			setup:       func() string { return "" },
		},
		{
			name:        "path traversal",
			path:        "../../../etc/passwd",
			expectError: true,
			setup:       func() string { return "" },
		},
		{
			name:        "non-json file",
			path:        "config.txt",
			expectError: true,
			setup: func() string {
				tmpFile, _ := os.CreateTemp("", "config_test_*.txt")
				tmpFile.WriteString("{}")
				tmpFile.Close()
				return tmpFile.Name()
			},
		},
		{
			name:        "nonexistent file",
			path:        "nonexistent.json",
			expectError: true,
			setup:       func() string { return "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanupPath := tt.setup()
			if cleanupPath != "" {
				defer os.Remove(cleanupPath)
				if tt.path == "config_test.json" || tt.path == "config.txt" {
					tt.path = cleanupPath
				}
			}

			err := validateConfigPath(tt.path)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
