// Package jobstore maintains the mutable projection of current jobs used
// for scheduling: atomic claim, heartbeat, status transitions, and stale
// reclamation. Every mutation appends a matching ledger entry in the same
// transaction, so the ledger never disagrees with the jobs table.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/shared"
	"github.com/basket/foreman/internal/sqliteutil"
	"github.com/google/uuid"
)

// Status is a job's scheduling state.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
	StatusWaitingHuman Status = "waiting_human"
	StatusCancelling   Status = "cancelling"
)

// Mode selects a budget/risk profile for the job.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeCautious Mode = "cautious"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusRunning:    {},
		StatusCancelling: {},
		StatusAborted:    {}, // Cancelled before any worker claimed it.
	},
	StatusRunning: {
		StatusSucceeded:    {},
		StatusFailed:       {},
		StatusAborted:      {},
		StatusWaitingHuman: {},
		StatusCancelling:   {},
		StatusQueued:       {}, // Stale reclamation requeue.
	},
	StatusWaitingHuman: {
		StatusRunning:   {},
		StatusSucceeded: {},
		StatusFailed:    {},
	},
	StatusCancelling: {
		StatusAborted:   {},
		StatusSucceeded: {},
		StatusFailed:    {},
	},
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

var (
	ErrNotFound           = errors.New("job not found")
	ErrInvalidTransition  = errors.New("illegal job status transition")
	ErrQueueSaturated     = errors.New("job queue is saturated")
	ErrCancelNotPermitted = errors.New("cancel only valid for queued or running jobs")
)

// Job is one unit of work.
type Job struct {
	ID                string     `json:"id"`
	TraceID           string     `json:"trace_id"`
	Mode              Mode       `json:"mode"`
	AgentType         string     `json:"agent_type"`
	Goal              string     `json:"goal"`
	Status            Status     `json:"status"`
	StepCap           int        `json:"step_cap"`
	StepsUsed         int        `json:"steps_used"`
	TokenCap          int        `json:"token_cap"`
	TokensUsed        int        `json:"tokens_used"`
	CostCapCents      int        `json:"cost_cap_cents"`
	CostUsedCents     int        `json:"cost_used_cents"`
	ParentJobID       string     `json:"parent_job_id,omitempty"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	AssignedTo        string     `json:"assigned_to,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	Attempt           int        `json:"attempt"`
	MaxAttempts       int        `json:"max_attempts"`
	PoisonCount       int        `json:"poison_count,omitempty"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
}

// JobInput describes a job to create. ID and TraceID are assigned when
// absent; StepCap and TokenCap must be set by the caller (typically from
// the mode's configured budget).
type JobInput struct {
	ID             string
	TraceID        string
	Mode           Mode
	AgentType      string
	Goal           string
	StepCap        int
	TokenCap       int
	CostCapCents   int
	MaxAttempts    int
	ParentJobID    string
	ConversationID string
	CreatedBy      string
}

// Store is the job projection over the shared SQLite database.
type Store struct {
	db     *sql.DB
	ledger *ledger.Store
	bus    *bus.Bus

	// maxQueueDepth rejects inserts when this many jobs are queued. 0 = unlimited.
	maxQueueDepth int
}

// Open opens the database at path and wires up a ledger store over the
// same handle. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Attach(db, eventBus)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, ledger: led, bus: eventBus}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and ledger store.
func New(db *sql.DB, led *ledger.Store, eventBus *bus.Bus) (*Store, error) {
	s := &Store{db: db, ledger: led, bus: eventBus}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Ledger returns the ledger store sharing this database.
func (s *Store) Ledger() *ledger.Store {
	return s.ledger
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaxQueueDepth configures insert backpressure. 0 disables it.
func (s *Store) SetMaxQueueDepth(n int) {
	s.maxQueueDepth = n
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			step_cap INTEGER NOT NULL,
			steps_used INTEGER NOT NULL DEFAULT 0,
			token_cap INTEGER NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_cap_cents INTEGER NOT NULL DEFAULT 0,
			cost_used_cents INTEGER NOT NULL DEFAULT 0,
			parent_job_id TEXT,
			conversation_id TEXT,
			assigned_to TEXT,
			last_heartbeat_at DATETIME,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error_fingerprint TEXT,
			poison_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME,
			cancel_requested_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status_mode ON jobs(status, mode, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(status, last_heartbeat_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id);

		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			cron_expr TEXT NOT NULL,
			mode TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("init jobs schema: %w", err)
	}
	return nil
}

// Insert creates a job in status queued and appends the job_created ledger
// entry in the same transaction.
func (s *Store) Insert(ctx context.Context, in JobInput) (*Job, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.TraceID == "" {
		if tid := shared.TraceID(ctx); tid != "-" {
			in.TraceID = tid
		} else {
			in.TraceID = shared.NewTraceID()
		}
	}
	if in.Mode == "" {
		in.Mode = ModeCautious
	}
	if in.StepCap <= 0 || in.TokenCap <= 0 {
		return nil, fmt.Errorf("job requires positive step_cap and token_cap")
	}
	if in.CreatedBy == "" {
		in.CreatedBy = shared.ActorFrom(ctx).Type
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = defaultMaxAttempts
	}

	var job *Job
	var entry *ledger.Entry
	err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if s.maxQueueDepth > 0 {
			var depth int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusQueued).Scan(&depth); err != nil {
				return fmt.Errorf("check queue depth: %w", err)
			}
			if depth >= s.maxQueueDepth {
				return fmt.Errorf("%w: %d queued", ErrQueueSaturated, depth)
			}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs
				(id, trace_id, mode, agent_type, goal, status, step_cap, token_cap,
				 cost_cap_cents, max_attempts, parent_job_id, conversation_id, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, in.ID, in.TraceID, string(in.Mode), in.AgentType, in.Goal, StatusQueued,
			in.StepCap, in.TokenCap, in.CostCapCents, in.MaxAttempts, in.ParentJobID, in.ConversationID,
			in.CreatedBy, now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		actor := shared.ActorFrom(ctx)
		entry, err = s.ledger.AppendTx(ctx, tx, ledger.Entry{
			Kind:           ledger.KindJobCreated,
			JobID:          in.ID,
			TraceID:        in.TraceID,
			ConversationID: in.ConversationID,
			ActorType:      ledger.ActorType(actor.Type),
			ActorID:        actor.ID,
			Summary:        "job created: " + in.Goal,
			Data: map[string]interface{}{
				"mode":      string(in.Mode),
				"step_cap":  in.StepCap,
				"token_cap": in.TokenCap,
			},
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert tx: %w", err)
		}

		job = &Job{
			ID: in.ID, TraceID: in.TraceID, Mode: in.Mode, AgentType: in.AgentType,
			Goal: in.Goal, Status: StatusQueued, StepCap: in.StepCap, TokenCap: in.TokenCap,
			CostCapCents: in.CostCapCents, MaxAttempts: in.MaxAttempts, ParentJobID: in.ParentJobID,
			ConversationID: in.ConversationID, CreatedBy: in.CreatedBy, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Announce(ctx, entry)
	if s.bus != nil {
		s.bus.Publish(ctx, bus.TopicJobCreated, bus.JobStatusChangedEvent{
			JobID: job.ID, NewStatus: string(StatusQueued),
		})
	}
	return job, nil
}

// transitionJobTx performs a guarded status transition inside tx: the row
// update is a compare-and-swap on the current status, and a job_status
// ledger entry is appended in the same transaction. Returns false when the
// job is missing or no longer in an allowed source status.
func (s *Store) transitionJobTx(ctx context.Context, tx *sql.Tx, jobID string, allowedFrom []Status, to Status, detail string, extra map[string]interface{}) (bool, *ledger.Entry, error) {
	var current Status
	var traceID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, trace_id FROM jobs WHERE id = ?;
	`, jobID).Scan(&current, &traceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("select job for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil, nil
	}
	if !canTransition(current, to) {
		return false, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	set := "status = ?"
	args := []interface{}{string(to)}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if to.IsTerminal() {
		set += ", finished_at = ?"
		args = append(args, now)
	}
	if to == StatusQueued {
		// Reclamation: clear ownership so another worker can claim.
		set += ", assigned_to = NULL, started_at = NULL, last_heartbeat_at = NULL"
	}
	args = append(args, jobID, string(current))

	res, err := tx.ExecContext(ctx,
		"UPDATE jobs SET "+set+" WHERE id = ? AND status = ?;", args...)
	if err != nil {
		return false, nil, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil, nil
	}

	data := map[string]interface{}{
		"status":      string(to),
		"from_status": string(current),
	}
	if detail != "" {
		data["detail"] = detail
	}
	for k, v := range extra {
		data[k] = v
	}
	actor := shared.ActorFrom(ctx)
	summary := fmt.Sprintf("job %s -> %s", current, to)
	if detail != "" {
		summary += ": " + detail
	}
	entry, err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
		Kind:      ledger.KindJobStatus,
		JobID:     jobID,
		TraceID:   traceID,
		ActorType: ledger.ActorType(actor.Type),
		ActorID:   actor.ID,
		Summary:   summary,
		Data:      data,
	})
	if err != nil {
		return false, nil, err
	}
	return true, entry, nil
}

func (s *Store) publishTransition(ctx context.Context, entry *ledger.Entry, jobID string, from, to Status, workerID, detail string) {
	s.ledger.Announce(ctx, entry)
	if s.bus == nil {
		return
	}
	payload := bus.JobStatusChangedEvent{
		JobID: jobID, OldStatus: string(from), NewStatus: string(to),
		WorkerID: workerID, Detail: detail,
	}
	s.bus.Publish(ctx, bus.TopicJobStatusChanged, payload)
	switch to {
	case StatusSucceeded:
		s.bus.Publish(ctx, bus.TopicJobCompleted, payload)
	case StatusFailed:
		s.bus.Publish(ctx, bus.TopicJobFailed, payload)
	case StatusAborted:
		s.bus.Publish(ctx, bus.TopicJobCancelled, payload)
	case StatusWaitingHuman:
		s.bus.Publish(ctx, bus.TopicJobEscalated, payload)
	}
}

// ClaimNext atomically claims one queued job for the given mode: exactly
// one of N concurrent callers wins any given job. Returns (nil, nil) when
// nothing is eligible. Empty mode matches any mode.
func (s *Store) ClaimNext(ctx context.Context, mode Mode, workerID string) (*Job, error) {
	var result *Job
	err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
		args := []interface{}{string(StatusQueued)}
		if mode != "" {
			query += ` AND mode = ?`
			args = append(args, string(mode))
		}
		query += ` ORDER BY created_at ASC, id ASC LIMIT 1;`

		var job Job
		row := tx.QueryRowContext(ctx, query, args...)
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select queued job: %w", scanErr)
		}

		ok, entry, err := s.transitionJobTx(ctx, tx, job.ID,
			[]Status{StatusQueued}, StatusRunning, "claimed by "+workerID,
			map[string]interface{}{"worker_id": workerID})
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race; caller can poll again.
			result = nil
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET assigned_to = ?, started_at = ?, last_heartbeat_at = ?
			WHERE id = ? AND status = ?;
		`, workerID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			job.ID, string(StatusRunning)); err != nil {
			return fmt.Errorf("set claim ownership: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		job.Status = StatusRunning
		job.AssignedTo = workerID
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		result = &job

		s.publishTransition(ctx, entry, job.ID, StatusQueued, StatusRunning, workerID, "")
		if s.bus != nil {
			s.bus.Publish(ctx, bus.TopicJobClaimed, bus.JobClaimedEvent{
				JobID: job.ID, WorkerID: workerID, Mode: string(job.Mode),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Heartbeat refreshes the liveness timestamp for a running job still
// assigned to workerID. Returns false when the job is no longer held by
// this worker (reclaimed or finished).
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_heartbeat_at = ?
		WHERE id = ? AND assigned_to = ? AND status IN (?, ?);
	`, time.Now().UTC().Format(time.RFC3339Nano), jobID, workerID,
		string(StatusRunning), string(StatusCancelling))
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReclaimStale sweeps jobs whose worker went silent: running jobs with a
// heartbeat older than threshold are requeued, and cancelling jobs with a
// missing or stale heartbeat are aborted, because no worker remains to
// observe the cancellation checkpoint. The per-job transition is a CAS, so
// concurrent supervisors resolve each job at most once. Returns the number
// of jobs swept.
func (s *Store) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, assigned_to, last_heartbeat_at FROM jobs
		WHERE (status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?)
		   OR (status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?));
	`, string(StatusRunning), cutoff.Format(time.RFC3339Nano),
		string(StatusCancelling), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("select stale jobs: %w", err)
	}
	type stale struct {
		id, worker string
		status     Status
		beat       time.Time
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		var status string
		var worker sql.NullString
		var beat sql.NullString
		if err := rows.Scan(&c.id, &status, &worker, &beat); err != nil {
			_ = rows.Close()
			return 0, err
		}
		c.status = Status(status)
		c.worker = worker.String
		if beat.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, beat.String); perr == nil {
				c.beat = t
			}
		}
		candidates = append(candidates, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, c := range candidates {
		err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin reclaim tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			// Re-check staleness inside the tx so a fresh heartbeat or a
			// concurrent reclaimer makes this a no-op.
			var beat sql.NullString
			if err := tx.QueryRowContext(ctx, `
				SELECT last_heartbeat_at FROM jobs WHERE id = ? AND status = ?;
			`, c.id, string(c.status)).Scan(&beat); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("recheck stale job: %w", err)
			}
			if beat.Valid {
				if t, perr := time.Parse(time.RFC3339Nano, beat.String); perr == nil && !t.Before(cutoff) {
					return nil
				}
			}

			to := StatusQueued
			detail := "stale heartbeat, reclaimed"
			if c.status == StatusCancelling {
				to = StatusAborted
				detail = "worker lost during cancellation"
			}
			ok, entry, err := s.transitionJobTx(ctx, tx, c.id,
				[]Status{c.status}, to, detail,
				map[string]interface{}{"worker_id": c.worker})
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit reclaim tx: %w", err)
			}
			reclaimed++
			s.publishTransition(ctx, entry, c.id, c.status, to, c.worker, detail)
			if to == StatusQueued && s.bus != nil {
				s.bus.Publish(ctx, bus.TopicJobReclaimed, bus.JobReclaimedEvent{
					JobID: c.id, WorkerID: c.worker, LastHeartbeat: c.beat,
				})
			}
			return nil
		})
		if err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// MarkStatus transitions a job to the given status, stamping finished_at
// for terminal statuses and appending the job_status ledger entry in the
// same transaction. detail lands in the ledger entry.
func (s *Store) MarkStatus(ctx context.Context, jobID string, to Status, detail string) error {
	from, err := s.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var entry *ledger.Entry
	err = sqliteutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, e, err := s.transitionJobTx(ctx, tx, jobID, []Status{from}, to, detail, nil)
		if err != nil {
			return err
		}
		if !ok {
			// Status moved underneath us; surface it as a conflict.
			return fmt.Errorf("%w: job %s no longer %s", ErrInvalidTransition, jobID, from)
		}
		entry = e
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, entry, jobID, from, to, "", detail)
	return nil
}

// RequestCancel records cancellation intent: only valid from queued or
// running. A queued job has no worker to observe the flag, so it aborts
// immediately; a running job moves to cancelling and the execution engine
// resolves it at its next checkpoint. Nothing in flight is interrupted.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	var entry *ledger.Entry
	var from, to Status
	var detail string
	err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Read the status inside the tx: the target depends on whether a
		// worker holds the job, and that can change under a concurrent claim.
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select job status: %w", err)
		}
		switch from {
		case StatusQueued:
			to, detail = StatusAborted, "cancelled before start"
		case StatusRunning:
			to, detail = StatusCancelling, "cancel requested"
		default:
			return fmt.Errorf("%w: job is %s", ErrCancelNotPermitted, from)
		}

		ok, e, err := s.transitionJobTx(ctx, tx, jobID, []Status{from}, to, detail, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: job %s no longer cancellable", ErrCancelNotPermitted, jobID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested_at = ? WHERE id = ?;
		`, time.Now().UTC().Format(time.RFC3339Nano), jobID); err != nil {
			return fmt.Errorf("stamp cancel_requested_at: %w", err)
		}
		entry = e
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, entry, jobID, from, to, "", detail)
	return nil
}

// IsCancelRequested reports whether a job is in cancelling status. This is
// the flag the execution engine polls at loop checkpoints.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	status, err := s.currentStatus(ctx, jobID)
	if err != nil {
		return false, err
	}
	return status == StatusCancelling, nil
}

// UpdateUsage persists the engine's running step/token/cost totals.
func (s *Store) UpdateUsage(ctx context.Context, jobID string, stepsUsed, tokensUsed, costUsedCents int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET steps_used = ?, tokens_used = ?, cost_used_cents = ?
		WHERE id = ?;
	`, stepsUsed, tokensUsed, costUsedCents, jobID)
	if err != nil {
		return fmt.Errorf("update usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) currentStatus(ctx context.Context, jobID string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select job status: %w", err)
	}
	return status, nil
}

const jobColumns = `id, trace_id, mode, agent_type, goal, status, step_cap, steps_used,
	token_cap, tokens_used, cost_cap_cents, cost_used_cents,
	COALESCE(parent_job_id, ''), COALESCE(conversation_id, ''), COALESCE(assigned_to, ''),
	last_heartbeat_at, attempt, max_attempts, poison_count,
	created_by, created_at, started_at, finished_at, cancel_requested_at`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var mode, status string
	var lastHeartbeat, createdAt, startedAt, finishedAt, cancelRequestedAt sql.NullString
	if err := scanFn(
		&job.ID, &job.TraceID, &mode, &job.AgentType, &job.Goal, &status,
		&job.StepCap, &job.StepsUsed, &job.TokenCap, &job.TokensUsed,
		&job.CostCapCents, &job.CostUsedCents,
		&job.ParentJobID, &job.ConversationID, &job.AssignedTo,
		&lastHeartbeat, &job.Attempt, &job.MaxAttempts, &job.PoisonCount,
		&job.CreatedBy, &createdAt, &startedAt, &finishedAt, &cancelRequestedAt,
	); err != nil {
		return err
	}
	job.Mode = Mode(mode)
	job.Status = Status(status)
	job.LastHeartbeatAt = parseTimePtr(lastHeartbeat)
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	job.CancelRequestedAt = parseTimePtr(cancelRequestedAt)
	if createdAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, createdAt.String); err == nil {
			job.CreatedAt = t
		}
	}
	return nil
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return &job, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// QueueDepth returns the number of queued jobs.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?;`, string(StatusQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ListByStatus returns jobs in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?;`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
