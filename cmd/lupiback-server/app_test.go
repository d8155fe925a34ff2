package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlxAdapter "github.com/CMDESIGN8/lupiback/adapters/sqlx"
	"github.com/CMDESIGN8/lupiback/config"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestSetupStorage(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	cfg := config.DefaultConfig()
	store, cleanup, err := setupStorage(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, store)
	cleanup()

	cfg.Storage.Adapter = "sql"
	cfg.Storage.SQL = sqlxAdapter.DefaultConfig(sqlxAdapter.DriverSQLite)
	cfg.Storage.SQL.DSN = ":memory:"
	store, cleanup, err = setupStorage(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, store)
	cleanup()

	cfg.Storage.Adapter = "file"
	_, _, err = setupStorage(ctx, cfg, logger)
	require.Error(t, err)
}

func TestProvidersAssembleServer(t *testing.T) {
	cfg, err := config.LoadProfile("testing")
	require.NoError(t, err)
	cfg.Server.PathPrefix = "/api"
	logger := slog.Default()

	hub := provideHub(logger)
	store, cleanupStore, err := provideStorage(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanupStore()
	svc, cleanupSvc, err := provideService(cfg, logger, hub, store)
	require.NoError(t, err)
	defer cleanupSvc()

	sched, err := provideScheduler(cfg, svc, logger)
	require.NoError(t, err)
	assert.Nil(t, sched, "testing profile disables the scheduler")

	cfg.Scheduler.Enabled = true
	sched, err = provideScheduler(cfg, svc, logger)
	require.NoError(t, err)
	require.NotNil(t, sched)
	require.NoError(t, sched.Shutdown())

	srv := provideServer(cfg, provideHandler(svc, hub, cfg, logger))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProvideWebhooks(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer hook.Close()

	cfg, err := config.LoadProfile("testing")
	require.NoError(t, err)
	logger := slog.Default()
	store, cleanupStore, err := provideStorage(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer cleanupStore()
	svc, cleanupSvc, err := provideService(cfg, logger, provideHub(logger), store)
	require.NoError(t, err)
	defer cleanupSvc()

	sink, stop := provideWebhooks(cfg, svc, logger)
	assert.Nil(t, sink)
	stop()

	cfg.Integrations.WebhookURLs = []string{hook.URL}
	cfg.Integrations.WebhookTypes = []string{"level_up"}
	sink, stop = provideWebhooks(cfg, svc, logger)
	require.NotNil(t, sink)
	defer stop()

	c, _, err := svc.CreateCharacter(context.Background(), "Hooked", "")
	require.NoError(t, err)
	_, err = svc.Train(context.Background(), "t-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProvideConfigReadsDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lupi.env")
	require.NoError(t, os.WriteFile(path, []byte("LUPI_PROGRESSION_WIN_EXP=333\n"), 0o600))
	t.Setenv(dotenvFileEnv, path)
	t.Setenv(configFileEnv, "")
	t.Cleanup(func() { _ = os.Unsetenv("LUPI_PROGRESSION_WIN_EXP") })

	cfg, err := provideConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(333), cfg.Progression.WinExp)
}

func TestProvideConfigWithoutDotenv(t *testing.T) {
	t.Setenv(dotenvFileEnv, filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv(configFileEnv, "")

	_, err := provideConfig(context.Background())
	require.NoError(t, err)
}
