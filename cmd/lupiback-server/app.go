package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	mem "github.com/CMDESIGN8/lupiback/adapters/memory"
	redisAdapter "github.com/CMDESIGN8/lupiback/adapters/redis"
	sqlxAdapter "github.com/CMDESIGN8/lupiback/adapters/sqlx"
	"github.com/CMDESIGN8/lupiback/api/httpapi"
	"github.com/CMDESIGN8/lupiback/config"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
	"github.com/CMDESIGN8/lupiback/integrations/webhook"
	"github.com/CMDESIGN8/lupiback/progression"
	"github.com/CMDESIGN8/lupiback/realtime"
	"github.com/CMDESIGN8/lupiback/scheduler"
)

const (
	// configFileEnv points at an optional JSON config file; env vars still override it.
	configFileEnv = "LUPI_CONFIG_FILE"
	// dotenvFileEnv names the dotenv file loaded before the environment is read.
	dotenvFileEnv = "LUPI_DOTENV"
	defaultDotenv = ".env"
)

// App aggregates the assembled server components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Hub       *realtime.Hub
	Service   *engine.Service
	Scheduler *scheduler.WeeklyReset
	Webhooks  *webhook.Sink
	Handler   http.Handler
	Server    *http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}
	if path := os.Getenv(configFileEnv); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// loadDotenv fills unset variables from the dotenv file; a missing file is fine.
func loadDotenv() error {
	path := os.Getenv(dotenvFileEnv)
	if path == "" {
		path = defaultDotenv
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub(logger *slog.Logger) *realtime.Hub {
	return realtime.NewHub().WithLogger(logger)
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideService(cfg *config.Config, logger *slog.Logger, hub *realtime.Hub, storage engine.Storage) (*engine.Service, func(), error) {
	svc, err := progression.New(
		progression.WithConfig(cfg.Progression),
		progression.WithStorage(storage),
		progression.WithRealtime(hub),
		progression.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return svc, svc.Close, nil
}

// provideScheduler returns nil when background jobs are disabled.
func provideScheduler(cfg *config.Config, svc *engine.Service, logger *slog.Logger) (*scheduler.WeeklyReset, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}
	return scheduler.NewWeeklyReset(svc.Clubs(), scheduler.Config{
		Cron:       cfg.Scheduler.WeeklyResetCron,
		Timezone:   cfg.Scheduler.Timezone,
		RunTimeout: cfg.Scheduler.RunTimeout,
	}, logger.With("component", "scheduler"))
}

// provideWebhooks attaches the outbound event sink; nil when no URLs are configured.
func provideWebhooks(cfg *config.Config, svc *engine.Service, logger *slog.Logger) (*webhook.Sink, func()) {
	ic := cfg.Integrations
	if len(ic.WebhookURLs) == 0 {
		return nil, func() {}
	}
	opts := []webhook.Option{
		webhook.WithClient(&http.Client{Timeout: ic.WebhookTimeout}),
		webhook.WithLogger(logger),
	}
	if len(ic.WebhookTypes) > 0 {
		types := make([]core.EventType, len(ic.WebhookTypes))
		for i, t := range ic.WebhookTypes {
			types[i] = core.EventType(t)
		}
		opts = append(opts, webhook.WithTypes(types...))
	}
	sink := webhook.New(ic.WebhookURLs, opts...)
	return sink, sink.Attach(svc)
}

func provideHandler(svc *engine.Service, hub *realtime.Hub, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		AdminKeys:        cfg.Security.AdminKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		Logger:           logger.With("component", "http"),
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the storage adapter named by the configuration.
func setupStorage(_ context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), func() {}, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, closer(logger, "redis", store), nil
	case "sql":
		store, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return store, closer(logger, "sql", store), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(logger *slog.Logger, name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error("closing storage", "adapter", name, "error", err)
		}
	}
}
