// Package scheduler runs the periodic weekly contribution reset.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultWeeklyResetCron fires at midnight every Monday.
const DefaultWeeklyResetCron = "0 0 * * 1"

// Resetter zeroes every weekly contribution counter.
type Resetter interface {
	ResetWeeklyContributions(ctx context.Context) (int64, error)
}

// Config controls the weekly reset job.
type Config struct {
	Cron       string
	Timezone   string
	RunTimeout time.Duration
}

// WeeklyReset owns a gocron scheduler with a single reset job.
type WeeklyReset struct {
	sched   gocron.Scheduler
	job     gocron.Job
	clubs   Resetter
	timeout time.Duration
	logger  *slog.Logger
}

// NewWeeklyReset registers the reset job. Call Start to begin firing it.
func NewWeeklyReset(clubs Resetter, cfg Config, logger *slog.Logger) (*WeeklyReset, error) {
	if clubs == nil {
		return nil, errors.New("scheduler: nil resetter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cron == "" {
		cfg.Cron = DefaultWeeklyResetCron
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("scheduler: timezone %q: %w", cfg.Timezone, err)
		}
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	w := &WeeklyReset{sched: sched, clubs: clubs, timeout: cfg.RunTimeout, logger: logger}
	w.job, err = sched.NewJob(
		gocron.CronJob(cfg.Cron, false),
		gocron.NewTask(w.run),
		gocron.WithName("weekly-contribution-reset"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("scheduler: weekly reset job: %w", err)
	}
	return w, nil
}

// Start begins firing the job on its schedule.
func (w *WeeklyReset) Start() {
	w.sched.Start()
	if next, err := w.job.NextRun(); err == nil {
		w.logger.Info("weekly reset scheduled", "next_run", next)
	}
}

// RunNow triggers the job immediately, outside its schedule.
func (w *WeeklyReset) RunNow() error {
	return w.job.RunNow()
}

// NextRun reports when the job fires next.
func (w *WeeklyReset) NextRun() (time.Time, error) {
	return w.job.NextRun()
}

// Shutdown stops the scheduler and waits for a running reset to finish.
func (w *WeeklyReset) Shutdown() error {
	return w.sched.Shutdown()
}

func (w *WeeklyReset) run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	start := time.Now()
	n, err := w.clubs.ResetWeeklyContributions(ctx)
	if err != nil {
		w.logger.Error("weekly reset failed", "error", err)
		return
	}
	w.logger.Info("weekly reset complete", "members", n, "duration", time.Since(start))
}
