package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/foreman/internal/chat"
	"github.com/basket/foreman/internal/jobstore"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/resilience"
	"github.com/basket/foreman/internal/tool"
)

// scriptedChat replays canned responses in order; the last one repeats.
type scriptedChat struct {
	responses []chat.Response
	calls     int
	err       error
}

func (s *scriptedChat) Chat(_ context.Context, _ []chat.Message, _ chat.Options) (*chat.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	resp := s.responses[i]
	return &resp, nil
}

// toolCallResponse asks for one invocation of the named tool.
func toolCallResponse(name string, tokens int) chat.Response {
	return chat.Response{
		ToolCalls:    []chat.ToolCall{{ID: "c1", Name: name, Params: json.RawMessage(`{}`)}},
		FinishReason: chat.FinishToolCalls,
		Usage:        chat.Usage{TotalTokens: tokens},
	}
}

func doneResponse(content string, tokens int) chat.Response {
	return chat.Response{
		Content:      content,
		FinishReason: chat.FinishStop,
		Usage:        chat.Usage{TotalTokens: tokens},
	}
}

type stubTool struct {
	name    string
	result  tool.Result
	calls   int
	payload string
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub" }
func (s *stubTool) Schema() json.RawMessage { return nil }

func (s *stubTool) Execute(context.Context, json.RawMessage, tool.Context) tool.Result {
	s.calls++
	if s.payload != "" {
		return tool.Result{Success: true, Data: json.RawMessage(`"` + s.payload + `"`)}
	}
	return s.result
}

type runnerFixture struct {
	store  *jobstore.Store
	runner *Runner
	tool   *stubTool
}

func newRunnerFixture(t *testing.T, client chat.Client, resultLimit int) *runnerFixture {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	st := &stubTool{name: "probe", result: tool.Result{Success: true, Data: json.RawMessage(`"ok"`)}}
	registry := tool.NewRegistry()
	if err := registry.Register(st); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	wrapper := resilience.NewWrapper(
		resilience.NewBreakerSet(100, time.Minute),
		resilience.NoRetry(),
		nil,
	)

	runner := NewRunner(RunnerConfig{
		Chat:        client,
		Registry:    registry,
		Wrapper:     wrapper,
		Store:       store,
		ResultLimit: resultLimit,
	})
	return &runnerFixture{store: store, runner: runner, tool: st}
}

func claimJob(t *testing.T, store *jobstore.Store, stepCap, tokenCap int) *jobstore.Job {
	t.Helper()
	_, err := store.Insert(context.Background(), jobstore.JobInput{
		Mode: jobstore.ModeStandard, Goal: "do the thing",
		StepCap: stepCap, TokenCap: tokenCap, CreatedBy: "test",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	job, err := store.ClaimNext(context.Background(), "", "w1")
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	return job
}

func TestRun_StepLimitWithExactlyThreeToolCalls(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{toolCallResponse("probe", 10)}}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 3, 100000)

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeStepLimit {
		t.Fatalf("outcome = %s, want step_limit_exceeded", result.Outcome)
	}
	if result.Steps != 3 {
		t.Fatalf("steps = %d, want 3", result.Steps)
	}
	if f.tool.calls != 3 {
		t.Fatalf("tool invocations = %d, want exactly 3", f.tool.calls)
	}

	entries, err := f.store.Ledger().Query(context.Background(), ledger.Filter{
		JobID: job.ID, Kinds: []ledger.Kind{ledger.KindToolCall},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("tool_call entries = %d, want 3", len(entries))
	}

	// Finalizing per the worker loop yields a terminal failed status.
	if err := f.store.MarkStatus(context.Background(), job.ID, result.Outcome.TerminalStatus(), string(result.Outcome)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	status, _ := f.store.Ledger().CurrentJobStatus(context.Background(), job.ID)
	if status != string(jobstore.StatusFailed) {
		t.Fatalf("derived status = %q, want failed", status)
	}
}

func TestRun_Completed(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{
		toolCallResponse("probe", 50),
		doneResponse("the answer is 42", 30),
	}}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 10, 100000)

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s (err=%v), want completed", result.Outcome, result.Err)
	}
	if result.FinalResponse != "the answer is 42" {
		t.Fatalf("final = %q", result.FinalResponse)
	}
	if result.Tokens != 80 {
		t.Fatalf("tokens = %d, want 80", result.Tokens)
	}

	// Usage was persisted along the way.
	got, _ := f.store.Get(context.Background(), job.ID)
	if got.TokensUsed != 80 || got.StepsUsed != 1 {
		t.Fatalf("persisted usage = %d steps / %d tokens, want 1/80", got.StepsUsed, got.TokensUsed)
	}
}

func TestRun_TokenLimit(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{toolCallResponse("probe", 600)}}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 100, 1000)

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeTokenLimit {
		t.Fatalf("outcome = %s, want token_limit_exceeded", result.Outcome)
	}
	// Budget never goes negative even when a response overshoots.
	if result.Tokens != 1200 {
		t.Fatalf("reported tokens = %d, want 1200 (actual usage)", result.Tokens)
	}
}

func TestRun_Cancelled(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{toolCallResponse("probe", 10)}}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 100, 100000)

	// Flip the cancel flag before the loop's first checkpoint.
	if err := f.store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", result.Outcome)
	}
	if client.calls != 0 {
		t.Fatalf("chat calls = %d, want 0 (cancelled before first call)", client.calls)
	}

	if err := f.store.MarkStatus(context.Background(), job.ID, result.Outcome.TerminalStatus(), "cancelled"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, _ := f.store.Get(context.Background(), job.ID)
	if got.Status != jobstore.StatusAborted {
		t.Fatalf("status = %s, want aborted", got.Status)
	}
}

func TestRun_ChatErrorIsErrorOutcome(t *testing.T) {
	client := &scriptedChat{err: errors.New("401 unauthorized")}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 10, 1000)

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", result.Outcome)
	}
	if result.Err == nil {
		t.Fatal("error outcome must carry the cause")
	}

	// The failure is recorded, never silently swallowed.
	entries, _ := f.store.Ledger().Query(context.Background(), ledger.Filter{
		JobID: job.ID, Kinds: []ledger.Kind{ledger.KindError},
	})
	if len(entries) != 1 {
		t.Fatalf("error entries = %d, want 1", len(entries))
	}
}

func TestRun_ToolResultTruncated(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{
		toolCallResponse("probe", 10),
		doneResponse("done", 10),
	}}
	f := newRunnerFixture(t, client, 64)
	f.tool.payload = strings.Repeat("x", 500)
	job := claimJob(t, f.store, 10, 100000)

	result := f.runner.Run(context.Background(), job)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", result.Outcome)
	}

	entries, _ := f.store.Ledger().Query(context.Background(), ledger.Filter{
		JobID: job.ID, Kinds: []ledger.Kind{ledger.KindToolResult},
	})
	if len(entries) != 1 {
		t.Fatalf("tool_result entries = %d, want 1", len(entries))
	}
	if truncated, _ := entries[0].Data["truncated"].(bool); !truncated {
		t.Fatalf("entry should record truncation, data = %v", entries[0].Data)
	}
}

func TestRun_ToolEscalationParksJob(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{toolCallResponse("probe", 10)}}
	f := newRunnerFixture(t, client, 0)
	f.tool.result = tool.Result{Success: false, Error: &tool.ErrorInfo{
		Code: "needs_human", Message: "risky operation requires approval", Recoverable: false,
	}}
	job := claimJob(t, f.store, 10, 100000)

	result := f.runner.Run(context.Background(), job)
	if !result.Escalated {
		t.Fatalf("result = %+v, want Escalated", result)
	}

	entries, _ := f.store.Ledger().Query(context.Background(), ledger.Filter{
		JobID: job.ID, Kinds: []ledger.Kind{ledger.KindEscalation},
	})
	if len(entries) != 1 {
		t.Fatalf("escalation entries = %d, want 1", len(entries))
	}

	// Worker parks the job rather than failing it.
	if err := f.store.MarkStatus(context.Background(), job.ID, jobstore.StatusWaitingHuman, "needs approval"); err != nil {
		t.Fatalf("park: %v", err)
	}
}

func TestRun_BudgetMonotonicity(t *testing.T) {
	client := &scriptedChat{responses: []chat.Response{toolCallResponse("probe", 100)}}
	f := newRunnerFixture(t, client, 0)
	job := claimJob(t, f.store, 5, 450)

	result := f.runner.Run(context.Background(), job)
	// 450 tokens / 100 per call: the loop stops once the budget is spent.
	if result.Outcome != OutcomeTokenLimit && result.Outcome != OutcomeStepLimit {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	got, _ := f.store.Get(context.Background(), job.ID)
	if got.StepsUsed > job.StepCap {
		t.Fatalf("steps_used %d exceeds cap %d", got.StepsUsed, job.StepCap)
	}
	if got.StepsUsed < 0 || got.TokensUsed < 0 {
		t.Fatal("usage must never be negative")
	}
}
