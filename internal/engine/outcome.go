package engine

import "github.com/basket/foreman/internal/jobstore"

// Outcome is the single typed result of one job execution. Outcomes are
// mutually exclusive: exactly one is produced per run.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeTimeLimit  Outcome = "time_limit_exceeded"
	OutcomeTokenLimit Outcome = "token_limit_exceeded"
	OutcomeStepLimit  Outcome = "step_limit_exceeded"
	OutcomeError      Outcome = "error"
)

// RunResult is everything the worker loop needs to finalize a job.
type RunResult struct {
	Outcome       Outcome
	Steps         int
	Tokens        int
	FinalResponse string
	// Escalated parks the job in waiting_human instead of a terminal
	// status; the outcome still records why the loop stopped.
	Escalated bool
	Err       error
}

// TerminalStatus maps an outcome to the job status it terminates with.
// Budget exhaustion and errors are failures; cancellation aborts.
func (o Outcome) TerminalStatus() jobstore.Status {
	switch o {
	case OutcomeCompleted:
		return jobstore.StatusSucceeded
	case OutcomeCancelled:
		return jobstore.StatusAborted
	default:
		return jobstore.StatusFailed
	}
}
