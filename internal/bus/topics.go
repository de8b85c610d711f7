package bus

import "time"

// Job lifecycle topics.
const (
	TopicJobCreated       = "job.created"
	TopicJobClaimed       = "job.claimed"
	TopicJobStatusChanged = "job.status_changed"
	TopicJobCompleted     = "job.completed"
	TopicJobFailed        = "job.failed"
	TopicJobCancelled     = "job.cancelled"
	TopicJobReclaimed     = "job.reclaimed"
	TopicJobEscalated     = "job.escalated"
)

// Ledger, loop and tool topics.
const (
	TopicLedgerAppended = "ledger.appended"
	TopicLoopStep       = "loop.step"
	TopicLoopFinished   = "loop.finished"
	TopicToolCalled     = "tool.called"
	TopicToolFailed     = "tool.failed"
)

// Resilience topics.
const (
	TopicBreakerOpened   = "breaker.opened"
	TopicBreakerClosed   = "breaker.closed"
	TopicBreakerHalfOpen = "breaker.half_open"
	TopicRetryScheduled  = "retry.scheduled"
)

// JobStatusChangedEvent is published when a job's status changes.
type JobStatusChangedEvent struct {
	JobID     string
	OldStatus string
	NewStatus string
	WorkerID  string
	Detail    string
}

// JobClaimedEvent is published when a worker claims a queued job.
type JobClaimedEvent struct {
	JobID    string
	WorkerID string
	Mode     string
}

// JobReclaimedEvent is published when a stale running job is requeued.
type JobReclaimedEvent struct {
	JobID         string
	WorkerID      string
	LastHeartbeat time.Time
}

// LedgerAppendedEvent is published after a ledger entry commits.
type LedgerAppendedEvent struct {
	EntryID int64
	Kind    string
	JobID   string
}

// LoopStepEvent is published once per execution loop iteration.
type LoopStepEvent struct {
	JobID          string
	Step           int
	StepsRemaining int
	TokensUsed     int
}

// LoopFinishedEvent is published when a job's execution loop ends.
type LoopFinishedEvent struct {
	JobID    string
	Outcome  string
	Steps    int
	Tokens   int
	Duration time.Duration
}

// ToolCalledEvent is published for each tool dispatch.
type ToolCalledEvent struct {
	JobID    string
	ToolName string
	OK       bool
	Duration time.Duration
}

// BreakerEvent is published on circuit breaker state transitions.
type BreakerEvent struct {
	Name     string
	State    string
	Failures int
}

// RetryScheduledEvent is published when the resilience wrapper schedules a retry.
type RetryScheduledEvent struct {
	Operation string
	Attempt   int
	Delay     time.Duration
	Reason    string
}
