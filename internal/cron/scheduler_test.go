package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/foreman/internal/cron"
	"github.com/basket/foreman/internal/jobstore"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "foreman.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// storeCreator enqueues directly, without engine budget defaulting.
type storeCreator struct {
	store *jobstore.Store
}

func (c storeCreator) CreateJob(ctx context.Context, in jobstore.JobInput) (*jobstore.Job, error) {
	if in.StepCap <= 0 {
		in.StepCap = 10
	}
	if in.TokenCap <= 0 {
		in.TokenCap = 1000
	}
	return c.store.Insert(ctx, in)
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sched, err := store.CreateSchedule(ctx, "*/5 * * * *", jobstore.ModeCautious,
		"reporter", "compile the daily digest", time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Store:    store,
		Creator:  storeCreator{store},
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool {
		jobs, err := store.ListByStatus(ctx, jobstore.StatusQueued, 10)
		return err == nil && len(jobs) == 1
	})

	jobs, _ := store.ListByStatus(ctx, jobstore.StatusQueued, 10)
	job := jobs[0]
	if job.Goal != "compile the daily digest" || job.Mode != jobstore.ModeCautious {
		t.Fatalf("job = %+v", job)
	}
	if job.CreatedBy != "cron:"+sched.ID {
		t.Fatalf("created_by = %q", job.CreatedBy)
	}

	// The schedule advanced past now, so it does not fire again until due.
	list, err := store.ListSchedules(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list schedules: %v %v", list, err)
	}
	if list[0].LastRunAt == nil {
		t.Fatal("last_run_at not stamped")
	}
	if list[0].NextRunAt == nil || !list[0].NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("next_run_at = %v, want in the future", list[0].NextRunAt)
	}
}

func TestScheduler_SaturatedQueueStillAdvancesSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Fill the queue to its cap so CreateJob hits backpressure.
	store.SetMaxQueueDepth(1)
	if _, err := store.Insert(ctx, jobstore.JobInput{
		Mode: jobstore.ModeStandard, Goal: "occupies the queue", StepCap: 10, TokenCap: 1000,
	}); err != nil {
		t.Fatalf("insert filler job: %v", err)
	}

	sched, err := store.CreateSchedule(ctx, "*/5 * * * *", jobstore.ModeStandard,
		"reporter", "blocked by backpressure", time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Store:    store,
		Creator:  storeCreator{store},
		Interval: 20 * time.Millisecond,
	})
	s.Start(ctx)
	defer s.Stop()

	// Even though every enqueue is rejected, the schedule's timestamps
	// advance so a saturated queue does not re-fire every tick.
	waitFor(t, 3*time.Second, func() bool {
		list, err := store.ListSchedules(ctx)
		if err != nil || len(list) != 1 {
			return false
		}
		return list[0].NextRunAt != nil && list[0].NextRunAt.After(time.Now())
	})

	list, _ := store.ListSchedules(ctx)
	if list[0].ID != sched.ID || list[0].LastRunAt == nil {
		t.Fatalf("schedule = %+v, want last_run_at stamped", list[0])
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want the filler job only", depth)
	}
}

func TestScheduler_SkipsDisabledSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sched, err := store.CreateSchedule(ctx, "* * * * *", jobstore.ModeStandard,
		"reporter", "never runs", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if err := store.SetScheduleEnabled(ctx, sched.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Store:    store,
		Creator:  storeCreator{store},
		Interval: 20 * time.Millisecond,
	})
	s.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, disabled schedule must not fire", depth)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("expected parse error")
	}
}
