// Package ledger implements the append-only event ledger: the single source
// of truth for everything that happened. Rows are immutable once written;
// the schema enforces this with triggers that abort any UPDATE or DELETE.
// Current state of any entity is derived by reading the newest matching
// entry, never by mutating an old one.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/shared"
	"github.com/basket/foreman/internal/sqliteutil"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindJobCreated Kind = "job_created"
	KindJobStatus  Kind = "job_status"
	KindEvent      Kind = "event"
	KindAnalysis   Kind = "analysis"
	KindPlan       Kind = "plan"
	KindDecision   Kind = "decision"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindError      Kind = "error"
	KindEscalation Kind = "escalation"
	KindEvaluation Kind = "evaluation"
	KindKnowledge  Kind = "knowledge"
	KindAudit      Kind = "audit"
)

var validKinds = map[Kind]bool{
	KindJobCreated: true, KindJobStatus: true, KindEvent: true,
	KindAnalysis: true, KindPlan: true, KindDecision: true,
	KindToolCall: true, KindToolResult: true, KindError: true,
	KindEscalation: true, KindEvaluation: true, KindKnowledge: true,
	KindAudit: true,
}

// ActorType identifies who caused an entry.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
)

var validActorTypes = map[ActorType]bool{
	ActorUser: true, ActorAgent: true, ActorSystem: true, ActorAdmin: true,
}

// Entry is one immutable ledger fact. ID and CreatedAt are assigned on
// append; everything else comes from the caller.
type Entry struct {
	ID             int64                  `json:"id"`
	CreatedAt      time.Time              `json:"created_at"`
	Kind           Kind                   `json:"kind"`
	ProjectID      string                 `json:"project_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	JobID          string                 `json:"job_id,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
	ActorType      ActorType              `json:"actor_type"`
	ActorID        string                 `json:"actor_id,omitempty"`
	Summary        string                 `json:"summary"`
	Data           map[string]interface{} `json:"data,omitempty"`
	ParentID       int64                  `json:"parent_id,omitempty"`
	Refs           []int64                `json:"refs,omitempty"`
}

// Filter narrows a ledger query. Zero values mean "no constraint".
type Filter struct {
	ProjectID      string
	ConversationID string
	JobID          string
	TraceID        string
	Kinds          []Kind
	ActorType      ActorType
	ActorID        string
	Since          time.Time
	Until          time.Time
	// Search matches summary text (substring, case-insensitive).
	Search string
	// Limit caps the number of rows returned. 0 or negative means the
	// default limit; values above maxQueryLimit are clamped.
	Limit int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Store persists ledger entries in SQLite and announces each committed
// append on the event bus.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open opens the ledger store at path, creating the schema if needed.
// eventBus may be nil (appends are then silent).
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, bus: eventBus}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Attach wraps an already-open database handle (shared with the job store)
// and ensures the ledger schema exists.
func Attach(db *sql.DB, eventBus *bus.Bus) (*Store, error) {
	s := &Store{db: db, bus: eventBus}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the job store can share one
// connection and commit job-row updates and ledger appends in one tx.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind TEXT NOT NULL,
			project_id TEXT,
			conversation_id TEXT,
			job_id TEXT,
			trace_id TEXT,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			summary TEXT NOT NULL,
			data TEXT,
			parent_id INTEGER,
			refs TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_job ON ledger_entries(job_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_project ON ledger_entries(project_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger_entries(kind, created_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_actor ON ledger_entries(actor_type, actor_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_summary ON ledger_entries(summary);

		CREATE TRIGGER IF NOT EXISTS ledger_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN
			SELECT RAISE(ABORT, 'ledger entries are immutable');
		END;

		CREATE TRIGGER IF NOT EXISTS ledger_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN
			SELECT RAISE(ABORT, 'ledger entries are immutable');
		END;
	`)
	if err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func validate(e *Entry) error {
	if !validKinds[e.Kind] {
		return fmt.Errorf("invalid ledger kind %q", e.Kind)
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if !validActorTypes[e.ActorType] {
		return fmt.Errorf("invalid actor type %q", e.ActorType)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("ledger entry requires a summary")
	}
	return nil
}

// Append inserts one entry in its own transaction and returns the stored
// copy with ID and CreatedAt populated. It fails only on storage errors;
// a well-formed entry is never rejected.
func (s *Store) Append(ctx context.Context, e Entry) (*Entry, error) {
	var stored *Entry
	err := sqliteutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stored, err = s.AppendTx(ctx, tx, e)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, stored)
	return stored, nil
}

// AppendTx inserts one entry inside a caller-owned transaction. The caller
// commits; bus announcement is the caller's job via Announce (the job store
// does this after its commit succeeds).
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e Entry) (*Entry, error) {
	if err := validate(&e); err != nil {
		return nil, err
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Summary = shared.Redact(e.Summary)

	var dataJSON, refsJSON sql.NullString
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal entry data: %w", err)
		}
		dataJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(e.Refs) > 0 {
		b, err := json.Marshal(e.Refs)
		if err != nil {
			return nil, fmt.Errorf("marshal entry refs: %w", err)
		}
		refsJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(created_at, kind, project_id, conversation_id, job_id, trace_id,
			 actor_type, actor_id, summary, data, parent_id, refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		now.Format(time.RFC3339Nano), string(e.Kind),
		nullable(e.ProjectID), nullable(e.ConversationID), nullable(e.JobID), nullable(e.TraceID),
		string(e.ActorType), nullable(e.ActorID), e.Summary,
		dataJSON, nullableInt(e.ParentID), refsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ledger entry id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	return &e, nil
}

// Announce publishes a committed entry on the bus. Safe to call with nil
// bus or entry.
func (s *Store) Announce(ctx context.Context, e *Entry) {
	s.announce(ctx, e)
}

func (s *Store) announce(ctx context.Context, e *Entry) {
	if s.bus == nil || e == nil {
		return
	}
	s.bus.Publish(ctx, bus.TopicLedgerAppended, bus.LedgerAppendedEvent{
		EntryID: e.ID,
		Kind:    string(e.Kind),
		JobID:   e.JobID,
	})
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// likeEscaper quotes LIKE wildcards so Filter.Search matches literal
// substrings.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (f Filter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.TraceID != "" {
		conds = append(conds, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.ActorType != "" {
		conds = append(conds, "actor_type = ?")
		args = append(args, string(f.ActorType))
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Search != "" {
		conds = append(conds, `summary LIKE ? ESCAPE '\' COLLATE NOCASE`)
		args = append(args, "%"+likeEscaper.Replace(f.Search)+"%")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := f.where()

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := "SELECT id, created_at, kind, project_id, conversation_id, job_id, trace_id, actor_type, actor_id, summary, data, parent_id, refs FROM ledger_entries" + where
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var createdAt string
	var projectID, conversationID, jobID, traceID, actorID, data, refs sql.NullString
	var parentID sql.NullInt64
	var kind, actorType string

	if err := rows.Scan(&e.ID, &createdAt, &kind, &projectID, &conversationID,
		&jobID, &traceID, &actorType, &actorID, &e.Summary, &data, &parentID, &refs); err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}

	e.Kind = Kind(kind)
	e.ActorType = ActorType(actorType)
	e.ProjectID = projectID.String
	e.ConversationID = conversationID.String
	e.JobID = jobID.String
	e.TraceID = traceID.String
	e.ActorID = actorID.String
	if parentID.Valid {
		e.ParentID = parentID.Int64
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), &e.Data)
	}
	if refs.Valid && refs.String != "" {
		_ = json.Unmarshal([]byte(refs.String), &e.Refs)
	}
	return &e, nil
}

// CurrentJobStatus derives a job's status from the ledger: the newest
// job_status entry wins. Returns "" when the job has no status entry.
func (s *Store) CurrentJobStatus(ctx context.Context, jobID string) (string, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM ledger_entries
		WHERE job_id = ? AND kind = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, jobID, string(KindJobStatus)).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("derive job status: %w", err)
	}
	if !data.Valid {
		return "", nil
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(data.String), &payload); err != nil {
		return "", fmt.Errorf("parse job_status data: %w", err)
	}
	return payload.Status, nil
}

// UsageTotals folds token and step usage across all of a job's entries.
type UsageTotals struct {
	Steps  int
	Tokens int
}

// JobUsage sums numeric usage fields recorded in the job's ledger entries.
func (s *Store) JobUsage(ctx context.Context, jobID string) (UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM ledger_entries
		WHERE job_id = ? AND data IS NOT NULL
		ORDER BY id ASC;
	`, jobID)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("query job usage: %w", err)
	}
	defer rows.Close()

	var totals UsageTotals
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return UsageTotals{}, err
		}
		var payload struct {
			Steps  int `json:"steps"`
			Tokens int `json:"tokens"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		totals.Steps += payload.Steps
		totals.Tokens += payload.Tokens
	}
	return totals, rows.Err()
}

// Count returns the number of entries matching the filter, ignoring Limit.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_entries"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}
