package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/foreman/internal/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertJob(t *testing.T, s *Store, mode Mode) *Job {
	t.Helper()
	job, err := s.Insert(context.Background(), JobInput{
		Mode: mode, Goal: "test goal", StepCap: 10, TokenCap: 1000, CreatedBy: "test",
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func TestInsert_QueuedWithLedgerEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := insertJob(t, s, ModeStandard)
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.ID == "" || job.TraceID == "" {
		t.Fatal("expected id and trace_id assigned")
	}

	entries, err := s.Ledger().Query(ctx, ledger.Filter{
		JobID: job.ID, Kinds: []ledger.Kind{ledger.KindJobCreated},
	})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("job_created entries = %d, want 1", len(entries))
	}
}

func TestInsert_Backpressure(t *testing.T) {
	s := openTestStore(t)
	s.SetMaxQueueDepth(2)

	insertJob(t, s, ModeStandard)
	insertJob(t, s, ModeStandard)

	_, err := s.Insert(context.Background(), JobInput{
		Mode: ModeStandard, Goal: "one too many", StepCap: 10, TokenCap: 1000,
	})
	if !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("err = %v, want ErrQueueSaturated", err)
	}
}

func TestClaimNext_ExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	job := insertJob(t, s, ModeStandard)

	const claimers = 8
	var wg sync.WaitGroup
	wg.Add(claimers)
	results := make(chan *Job, claimers)
	for i := 0; i < claimers; i++ {
		go func(n int) {
			defer wg.Done()
			claimed, err := s.ClaimNext(context.Background(), ModeStandard, "worker-"+string(rune('a'+n)))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed != nil {
				results <- claimed
			}
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for claimed := range results {
		winners++
		if claimed.ID != job.ID {
			t.Fatalf("claimed wrong job %s", claimed.ID)
		}
		if claimed.Status != StatusRunning {
			t.Fatalf("claimed status = %s, want running", claimed.Status)
		}
		if claimed.AssignedTo == "" || claimed.StartedAt == nil || claimed.LastHeartbeatAt == nil {
			t.Fatal("claim must set ownership, started_at and heartbeat")
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestClaimNext_ModeFilterAndEmptyPool(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertJob(t, s, ModeCautious)

	claimed, err := s.ClaimNext(ctx, ModeStandard, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("standard claim should not take a cautious job")
	}

	claimed, err = s.ClaimNext(ctx, ModeCautious, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("cautious claim should win the cautious job")
	}

	claimed, err = s.ClaimNext(ctx, ModeCautious, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("empty pool should return nil")
	}
}

func TestHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	ok, err := s.Heartbeat(ctx, claimed.ID, "w1")
	if err != nil || !ok {
		t.Fatalf("heartbeat by owner: ok=%v err=%v", ok, err)
	}

	ok, err = s.Heartbeat(ctx, claimed.ID, "w2")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("heartbeat by non-owner should not update")
	}
}

func TestReclaimStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// Backdate the heartbeat so the job looks abandoned.
	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat_at = ? WHERE id = ?;`, stale, claimed.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	// Concurrent reclaimers: the job comes back exactly once.
	const supervisors = 4
	var wg sync.WaitGroup
	wg.Add(supervisors)
	total := make(chan int, supervisors)
	for i := 0; i < supervisors; i++ {
		go func() {
			defer wg.Done()
			n, err := s.ReclaimStale(context.Background(), time.Minute)
			if err != nil {
				t.Errorf("reclaim: %v", err)
				return
			}
			total <- n
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	if sum != 1 {
		t.Fatalf("reclaimed total = %d, want exactly 1", sum)
	}

	job, err := s.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.AssignedTo != "" || job.StartedAt != nil || job.LastHeartbeatAt != nil {
		t.Fatal("reclaim must clear ownership, started_at and heartbeat")
	}
}

func TestReclaimStale_FreshJobUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	n, err := s.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed = %d, want 0 for fresh heartbeat", n)
	}
}

func TestMarkStatus_TerminalStampsFinishedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	if err := s.MarkStatus(ctx, claimed.ID, StatusSucceeded, "all done"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	job, err := s.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if job.FinishedAt == nil {
		t.Fatal("terminal status must stamp finished_at")
	}

	// Ledger has matching job_status entries and derives the same state.
	derived, err := s.Ledger().CurrentJobStatus(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("derive status: %v", err)
	}
	if derived != string(StatusSucceeded) {
		t.Fatalf("derived = %q, want succeeded", derived)
	}
}

func TestMarkStatus_NoExitFromTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, _ := s.ClaimNext(ctx, "", "w1")
	if err := s.MarkStatus(ctx, claimed.ID, StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	err := s.MarkStatus(ctx, claimed.ID, StatusRunning, "resurrect")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRequestCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, _ := s.ClaimNext(ctx, "", "w1")

	if err := s.RequestCancel(ctx, claimed.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	cancelling, err := s.IsCancelRequested(ctx, claimed.ID)
	if err != nil || !cancelling {
		t.Fatalf("cancelling = %v err = %v, want true", cancelling, err)
	}

	job, _ := s.Get(ctx, claimed.ID)
	if job.CancelRequestedAt == nil {
		t.Fatal("cancel_requested_at should be stamped")
	}

	// Engine later resolves the cancellation.
	if err := s.MarkStatus(ctx, claimed.ID, StatusAborted, "cancelled"); err != nil {
		t.Fatalf("mark aborted: %v", err)
	}

	// Cancel on a terminal job is rejected.
	err = s.RequestCancel(ctx, claimed.ID)
	if !errors.Is(err, ErrCancelNotPermitted) {
		t.Fatalf("err = %v, want ErrCancelNotPermitted", err)
	}
}

func TestRequestCancel_QueuedJobAbortsImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := insertJob(t, s, ModeStandard)

	// No worker holds a queued job, so nothing would ever observe a
	// cancelling flag; the cancel resolves on the spot.
	if err := s.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", got.Status)
	}
	if got.FinishedAt == nil || got.CancelRequestedAt == nil {
		t.Fatal("abort must stamp finished_at and cancel_requested_at")
	}

	// The aborted job is invisible to claimers.
	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("aborted job must not be claimable")
	}
}

func TestReclaimStale_AbandonedCancellingJobAborts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := s.RequestCancel(ctx, claimed.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	// Backdate the heartbeat: the worker died before reaching a checkpoint.
	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat_at = ? WHERE id = ?;`, stale, claimed.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	n, err := s.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	job, err := s.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", job.Status)
	}
	if job.FinishedAt == nil {
		t.Fatal("abort must stamp finished_at")
	}
}

func TestReclaimStale_LiveCancellingJobUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, err := s.ClaimNext(ctx, "", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := s.RequestCancel(ctx, claimed.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if ok, err := s.Heartbeat(ctx, claimed.ID, "w1"); err != nil || !ok {
		t.Fatalf("heartbeat: ok=%v err=%v", ok, err)
	}

	n, err := s.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept = %d, want 0: the owning worker is still heartbeating", n)
	}
	job, _ := s.Get(ctx, claimed.ID)
	if job.Status != StatusCancelling {
		t.Fatalf("status = %s, want cancelling left for the worker's checkpoint", job.Status)
	}
}

func TestWaitingHumanRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertJob(t, s, ModeStandard)

	claimed, _ := s.ClaimNext(ctx, "", "w1")

	if err := s.MarkStatus(ctx, claimed.ID, StatusWaitingHuman, "needs approval"); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := s.MarkStatus(ctx, claimed.ID, StatusRunning, "approved"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.MarkStatus(ctx, claimed.ID, StatusSucceeded, "done"); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestUpdateUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := insertJob(t, s, ModeStandard)

	if err := s.UpdateUsage(ctx, job.ID, 3, 450, 12); err != nil {
		t.Fatalf("update usage: %v", err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.StepsUsed != 3 || got.TokensUsed != 450 || got.CostUsedCents != 12 {
		t.Fatalf("usage = %d/%d/%d, want 3/450/12", got.StepsUsed, got.TokensUsed, got.CostUsedCents)
	}

	if err := s.UpdateUsage(ctx, "missing", 1, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSchedules_CRUDAndDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	sched, err := s.CreateSchedule(ctx, "0 * * * *", ModeStandard, "reviewer", "hourly review", past)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	due, err := s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != sched.ID {
		t.Fatalf("due = %+v, want the created schedule", due)
	}

	next := time.Now().UTC().Add(time.Hour)
	if err := s.MarkScheduleRun(ctx, sched.ID, time.Now(), next); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	due, _ = s.DueSchedules(ctx, time.Now())
	if len(due) != 0 {
		t.Fatalf("due after advance = %d, want 0", len(due))
	}

	if err := s.SetScheduleEnabled(ctx, sched.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := s.DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSchedule(ctx, sched.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("err = %v, want ErrScheduleNotFound", err)
	}
}
