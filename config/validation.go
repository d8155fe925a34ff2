package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/CMDESIGN8/lupiback/adapters/sqlx"
	"github.com/CMDESIGN8/lupiback/core"
)

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}

	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}

	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}

	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}

	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	if s.MaxBodyBytes < 0 {
		errs = append(errs, "max_body_bytes cannot be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{"memory", "redis", "sql"}
	if !slices.Contains(validAdapters, s.Adapter) {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	switch s.Adapter {
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "redis.addr cannot be empty")
		}
	case "sql":
		switch s.SQL.Driver {
		case sqlx.DriverPostgres, sqlx.DriverMySQL, sqlx.DriverSQLite:
		default:
			errs = append(errs, fmt.Sprintf("sql.driver %q is not supported", s.SQL.Driver))
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql.dsn cannot be empty")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, l.Format) {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}

	validOutputs := []string{"stdout", "stderr"}
	if !slices.Contains(validOutputs, l.Output) {
		errs = append(errs, fmt.Sprintf("output must be one of: %s", strings.Join(validOutputs, ", ")))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates security settings.
func (s SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	for i, key := range s.AdminKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("admin_keys[%d] is empty", i))
		}
	}
	if len(s.AdminKeys) > 0 && len(s.APIKeys) == 0 {
		errs = append(errs, "admin_keys require api_keys to be set")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks that the curve and reward table can be built.
func (p *ProgressionConfig) Validate() error {
	var errs []string

	if _, err := p.Curve(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := p.RewardPolicy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if p.PointsPerLevel < 0 {
		errs = append(errs, "points_per_level cannot be negative")
	}
	if p.StartingBalance < 0 {
		errs = append(errs, "starting_balance cannot be negative")
	}
	if p.TrainingExp < 0 || p.TrainingCoins < 0 {
		errs = append(errs, "training rewards cannot be negative")
	}
	if p.ReplayCacheSize < 0 {
		errs = append(errs, "replay_cache_size cannot be negative")
	}
	if p.DispatchMode != "sync" && p.DispatchMode != "async" {
		errs = append(errs, "dispatch_mode must be one of: sync, async")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", core.ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates the weekly reset job settings.
func (s *SchedulerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	var errs []string

	if s.WeeklyResetCron == "" {
		errs = append(errs, "weekly_reset_cron cannot be empty")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("timezone: %v", err))
		}
	}
	if s.RunTimeout <= 0 {
		errs = append(errs, "run_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	// parse the cron expression the same way the scheduler will
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	defer func() { _ = sched.Shutdown() }()
	if _, err := sched.NewJob(gocron.CronJob(s.WeeklyResetCron, false), gocron.NewTask(func() {})); err != nil {
		return fmt.Errorf("weekly_reset_cron: %w", err)
	}
	return nil
}

// Validate checks webhook endpoints and event type names.
func (i *IntegrationsConfig) Validate() error {
	var errs []string

	for _, raw := range i.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("invalid webhook url %q", raw))
		}
	}
	for _, t := range i.WebhookTypes {
		if !slices.Contains(core.AllEventTypes, core.EventType(t)) {
			errs = append(errs, fmt.Sprintf("unknown event type %q", t))
		}
	}
	if len(i.WebhookURLs) > 0 && i.WebhookTimeout <= 0 {
		errs = append(errs, "webhook_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
