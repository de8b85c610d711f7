// Package cron provides a periodic scheduler that fires due cron schedules
// by enqueuing jobs.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/foreman/internal/jobstore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobCreator enqueues a job from a schedule. The engine satisfies this and
// fills budget defaults from the schedule's mode.
type JobCreator interface {
	CreateJob(ctx context.Context, in jobstore.JobInput) (*jobstore.Job, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *jobstore.Store
	Creator  JobCreator
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due cron schedules and
// enqueues a job for each one.
type Scheduler struct {
	store    *jobstore.Store
	creator  JobCreator
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		creator:  cfg.Creator,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues a job for the given schedule and updates its run timestamps.
// Timestamps advance even when enqueue fails on backpressure so a saturated
// queue does not pile up one job per missed tick.
func (s *Scheduler) fire(ctx context.Context, sched jobstore.Schedule, now time.Time) {
	job, err := s.creator.CreateJob(ctx, jobstore.JobInput{
		Mode:      sched.Mode,
		AgentType: sched.AgentType,
		Goal:      sched.Goal,
		CreatedBy: "cron:" + sched.ID,
	})
	if err != nil {
		s.logger.Error("cron: failed to create job for schedule",
			"schedule_id", sched.ID,
			"error", err,
		)
		if !errors.Is(err, jobstore.ErrQueueSaturated) {
			return
		}
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	if job != nil {
		s.logger.Info("cron: schedule fired",
			"schedule_id", sched.ID,
			"job_id", job.ID,
			"next_run_at", nextRun,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
