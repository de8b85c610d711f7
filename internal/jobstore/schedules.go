package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule creates jobs on a cron cadence.
type Schedule struct {
	ID        string     `json:"id"`
	CronExpr  string     `json:"cron_expr"`
	Mode      Mode       `json:"mode"`
	AgentType string     `json:"agent_type"`
	Goal      string     `json:"goal"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

var ErrScheduleNotFound = errors.New("schedule not found")

// CreateSchedule registers a recurring job. nextRun is computed by the
// scheduler from the cron expression.
func (s *Store) CreateSchedule(ctx context.Context, cronExpr string, mode Mode, agentType, goal string, nextRun time.Time) (*Schedule, error) {
	sched := &Schedule{
		ID:        uuid.NewString(),
		CronExpr:  cronExpr,
		Mode:      mode,
		AgentType: agentType,
		Goal:      goal,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if !nextRun.IsZero() {
		n := nextRun.UTC()
		sched.NextRunAt = &n
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, cron_expr, mode, agent_type, goal, enabled, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?);
	`, sched.ID, cronExpr, string(mode), agentType, goal,
		timeOrNil(sched.NextRunAt), sched.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, mode, agent_type, goal, enabled, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// ListSchedules returns all schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, mode, agent_type, goal, enabled, last_run_at, next_run_at, created_at
		FROM schedules ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("select schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// MarkScheduleRun records a fire and the next computed run time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
	`, ranAt.UTC().Format(time.RFC3339Nano), nextRun.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?;`, enabled, id)
	if err != nil {
		return fmt.Errorf("toggle schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule. Jobs it already created are untouched.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(rows *sql.Rows) (*Schedule, error) {
	var sched Schedule
	var mode string
	var lastRun, nextRun, createdAt sql.NullString
	if err := rows.Scan(&sched.ID, &sched.CronExpr, &mode, &sched.AgentType,
		&sched.Goal, &sched.Enabled, &lastRun, &nextRun, &createdAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Mode = Mode(mode)
	sched.LastRunAt = parseTimePtr(lastRun)
	sched.NextRunAt = parseTimePtr(nextRun)
	if createdAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, createdAt.String); err == nil {
			sched.CreatedAt = t
		}
	}
	return &sched, nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
