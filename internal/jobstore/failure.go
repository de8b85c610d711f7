package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/sqliteutil"
)

const (
	defaultMaxAttempts = 3

	// poisonThreshold parks a job after this many consecutive runs failing
	// with the same error fingerprint: repeating the attempt will not help.
	poisonThreshold = 3
)

// FailureAction says what HandleFailure did with the job.
type FailureAction string

const (
	ActionRetry    FailureAction = "retry"    // requeued for another attempt
	ActionFail     FailureAction = "fail"     // terminal failed, attempts exhausted
	ActionEscalate FailureAction = "escalate" // parked waiting_human, poison pill
)

// FailureDecision records the outcome of one failure-handling pass.
type FailureDecision struct {
	Action      FailureAction
	Attempt     int
	MaxAttempts int
	Fingerprint string
	PoisonCount int
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// errorFingerprint normalizes an error message into a stable identity so
// consecutive identical failures can be detected across attempts.
func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// HandleFailure applies the retry/poison decision for a running job whose
// execution ended in error. It requeues the job while attempts remain,
// fails it terminally once they are exhausted, and parks it waiting_human
// when the same fingerprint keeps recurring. Budget usage carries over to
// the next attempt; retrying never refreshes caps.
func (s *Store) HandleFailure(ctx context.Context, jobID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	var entries []*ledger.Entry
	var from, to Status

	err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
		entries = entries[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status          Status
			traceID         string
			attempt         int
			maxAttempts     int
			lastFingerprint string
			poisonCount     int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, trace_id, attempt, max_attempts,
			       COALESCE(last_error_fingerprint, ''), poison_count
			FROM jobs WHERE id = ?;
		`, jobID).Scan(&status, &traceID, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select job for failure handling: %w", err)
		}
		if status != StatusRunning && status != StatusCancelling {
			return fmt.Errorf("%w: job is %s, failure handling needs running", ErrInvalidTransition, status)
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		fingerprint := errorFingerprint(errMsg)
		nextAttempt := attempt + 1
		nextPoison := 1
		if lastFingerprint != "" && lastFingerprint == fingerprint {
			nextPoison = poisonCount + 1
		}
		decision = FailureDecision{
			Attempt:     nextAttempt,
			MaxAttempts: maxAttempts,
			Fingerprint: fingerprint,
			PoisonCount: nextPoison,
		}

		from = status
		detail := fmt.Sprintf("attempt %d/%d failed: %s", nextAttempt, maxAttempts, errMsg)
		extra := map[string]interface{}{
			"attempt":      nextAttempt,
			"max_attempts": maxAttempts,
		}

		switch {
		case status == StatusCancelling:
			// A cancelling job never retries; the error still terminates it.
			decision.Action = ActionFail
			to = StatusFailed
		case nextPoison >= poisonThreshold:
			decision.Action = ActionEscalate
			to = StatusWaitingHuman
			extra["poison_count"] = nextPoison
		case nextAttempt >= maxAttempts:
			decision.Action = ActionFail
			to = StatusFailed
		default:
			decision.Action = ActionRetry
			to = StatusQueued
		}

		ok, entry, err := s.transitionJobTx(ctx, tx, jobID, []Status{status}, to, detail, extra)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: job %s moved during failure handling", ErrInvalidTransition, jobID)
		}
		entries = append(entries, entry)

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET attempt = ?, last_error_fingerprint = ?, poison_count = ?
			WHERE id = ?;
		`, nextAttempt, fingerprint, nextPoison, jobID); err != nil {
			return fmt.Errorf("update failure metadata: %w", err)
		}

		if decision.Action == ActionEscalate {
			esc, err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
				Kind:      ledger.KindEscalation,
				JobID:     jobID,
				TraceID:   traceID,
				ActorType: ledger.ActorSystem,
				Summary:   fmt.Sprintf("poison job parked: %d identical failures", nextPoison),
				Data: map[string]interface{}{
					"fingerprint":  fingerprint,
					"poison_count": nextPoison,
					"error":        errMsg,
				},
			})
			if err != nil {
				return err
			}
			entries = append(entries, esc)
		}

		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}

	s.publishTransition(ctx, entries[0], jobID, from, to, "", string(decision.Action))
	for _, e := range entries[1:] {
		s.ledger.Announce(ctx, e)
	}
	return decision, nil
}
