package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/config"
	"github.com/basket/foreman/internal/jobstore"
	"github.com/basket/foreman/internal/resilience"
	"github.com/basket/foreman/internal/shared"
	"github.com/google/uuid"
)

// Engine runs the worker pool: each worker polls for queued jobs, claims
// one atomically, executes it with the Runner, and finalizes its status.
// A reclaim supervisor returns jobs from crashed workers to the queue.
type Engine struct {
	cfg    *config.Config
	store  *jobstore.Store
	runner *Runner
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]struct{} // job IDs currently executing
	draining bool

	wg sync.WaitGroup
}

func New(cfg *config.Config, store *jobstore.Store, runner *Runner, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		runner: runner,
		bus:    b,
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Start launches the worker pool and the reclaim supervisor. Workers stop
// when ctx is cancelled; Drain waits for in-flight jobs.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("starting engine",
		"workers", e.cfg.WorkerCount,
		"poll_interval", e.cfg.PollInterval(),
		"reclaim_threshold", e.cfg.ReclaimThreshold(),
	)

	for i := 0; i < e.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		e.wg.Add(1)
		go e.workerLoop(ctx, workerID)
	}

	e.wg.Add(1)
	go e.reclaimLoop(ctx)
}

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.isDraining() {
				continue
			}
			job, err := e.store.ClaimNext(ctx, "", workerID)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("claim failed", "worker_id", workerID, "error", err)
				}
				continue
			}
			if job == nil {
				continue
			}
			e.execute(ctx, workerID, job)
		}
	}
}

func (e *Engine) execute(ctx context.Context, workerID string, job *jobstore.Job) {
	e.mu.Lock()
	e.active[job.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, job.ID)
		e.mu.Unlock()
	}()

	ctx = shared.WithWorkerID(ctx, workerID)
	logger := e.logger.With("job_id", job.ID, "worker_id", workerID, "trace_id", job.TraceID)
	logger.Info("job claimed", "mode", job.Mode, "goal", job.Goal)

	// Heartbeat while the job runs. If the heartbeat loses ownership the
	// job was reclaimed out from under us; stop wasting work.
	hbCtx, hbCancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithCancel(ctx)
	defer hbCancel()
	defer runCancel()
	go e.heartbeatLoop(hbCtx, job.ID, workerID, runCancel, logger)

	result := e.runner.Run(runCtx, job)
	hbCancel()

	if runCtx.Err() != nil && ctx.Err() == nil && result.Outcome == OutcomeCancelled {
		// Ownership lost: the reclaim supervisor already requeued the job,
		// so there is no status left for us to write.
		logger.Warn("job reclaimed mid-run, dropping result")
		return
	}

	e.finalize(ctx, job, result, logger)
}

func (e *Engine) heartbeatLoop(ctx context.Context, jobID, workerID string, lostOwnership context.CancelFunc, logger *slog.Logger) {
	interval := time.Duration(e.cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.Heartbeat(ctx, jobID, workerID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("heartbeat failed", "error", err)
				}
				continue
			}
			if !ok {
				logger.Warn("heartbeat rejected, job no longer owned")
				lostOwnership()
				return
			}
		}
	}
}

func (e *Engine) finalize(ctx context.Context, job *jobstore.Job, result RunResult, logger *slog.Logger) {
	detail := string(result.Outcome)
	if result.Err != nil {
		detail = fmt.Sprintf("%s: %s", result.Outcome, result.Err)
	}

	if result.Escalated {
		if err := e.store.MarkStatus(ctx, job.ID, jobstore.StatusWaitingHuman, detail); err != nil {
			logger.Error("park waiting_human failed", "error", err)
		} else {
			logger.Info("job escalated", "outcome", result.Outcome)
		}
		return
	}

	if result.Outcome == OutcomeError && result.Err != nil {
		// Errors go through the retry/poison decision instead of straight
		// to failed: the job may get another attempt on its remaining budget.
		decision, err := e.store.HandleFailure(ctx, job.ID, result.Err.Error())
		if err != nil {
			logger.Error("failure handling failed", "error", err)
			return
		}
		logger.Warn("job attempt failed",
			"action", decision.Action,
			"attempt", decision.Attempt,
			"max_attempts", decision.MaxAttempts,
			"poison_count", decision.PoisonCount,
		)
		return
	}

	status := result.Outcome.TerminalStatus()
	if err := e.store.MarkStatus(ctx, job.ID, status, detail); err != nil {
		logger.Error("finalize status failed", "status", status, "error", err)
		return
	}
	logger.Info("job finished",
		"outcome", result.Outcome,
		"status", status,
		"steps", result.Steps,
		"tokens", result.Tokens,
	)
}

func (e *Engine) reclaimLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.ReclaimIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.ReclaimStale(ctx, e.cfg.ReclaimThreshold())
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("reclaim failed", "error", err)
				}
				continue
			}
			if n > 0 {
				e.logger.Warn("reclaimed stale jobs", "count", n)
			}
		}
	}
}

// CreateJob validates input, fills budget defaults from the mode profile,
// and enqueues the job.
func (e *Engine) CreateJob(ctx context.Context, in jobstore.JobInput) (*jobstore.Job, error) {
	if in.Mode == "" {
		in.Mode = jobstore.ModeCautious
	}
	budget := e.cfg.BudgetFor(string(in.Mode))
	if in.StepCap <= 0 {
		in.StepCap = budget.StepCap
	}
	if in.TokenCap <= 0 {
		in.TokenCap = budget.TokenCap
	}
	if in.CostCapCents <= 0 {
		in.CostCapCents = budget.CostCapCents
	}
	return e.store.Insert(ctx, in)
}

// RequestCancel records cancellation intent for the job; the loop honors
// it at its next checkpoint.
func (e *Engine) RequestCancel(ctx context.Context, jobID string) error {
	return e.store.RequestCancel(ctx, jobID)
}

// Resume moves a waiting_human job back to running. No worker owns it at
// that point, so its heartbeat is stale and the reclaim supervisor returns
// it to the queue for a fresh claim.
func (e *Engine) Resume(ctx context.Context, jobID string) error {
	return e.store.MarkStatus(ctx, jobID, jobstore.StatusRunning, "resumed by operator")
}

func (e *Engine) isDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// ActiveCount returns the number of jobs currently executing in-process.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Drain stops claiming new jobs and waits up to timeout for in-flight
// jobs to finish. Returns the number still running at the deadline.
func (e *Engine) Drain(timeout time.Duration) int {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.ActiveCount() == 0 {
			return 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	return e.ActiveCount()
}

// Wait blocks until all worker goroutines have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Status summarizes scheduler state for operators.
type Status struct {
	JobCounts  map[jobstore.Status]int            `json:"job_counts"`
	QueueDepth int                                `json:"queue_depth"`
	ActiveJobs int                                `json:"active_jobs"`
	Breakers   map[string]resilience.BreakerState `json:"breakers,omitempty"`
}

// Status reports current job counts and in-process activity.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobCounts:  counts,
		QueueDepth: depth,
		ActiveJobs: e.ActiveCount(),
	}, nil
}
