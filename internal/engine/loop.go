package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/chat"
	"github.com/basket/foreman/internal/jobstore"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/resilience"
	"github.com/basket/foreman/internal/shared"
	"github.com/basket/foreman/internal/tool"
)

const (
	// opChat is the resilience wrapper's circuit name for the chat collaborator.
	opChat = "chat"

	// escalationCode is the tool error code that parks a job for a human.
	escalationCode = "needs_human"

	defaultResultLimit = 16 * 1024
	truncationMarker   = "\n...[truncated]"
)

// Strategy injects the agent-specific customization points into the loop:
// how to build the instruction context and how to post-process the final
// response. The loop itself stays identical across agent personalities.
type Strategy struct {
	BuildMessages func(ctx context.Context, job *jobstore.Job) ([]chat.Message, error)
	Finalize      func(ctx context.Context, job *jobstore.Job, content string) (string, error)
}

// DefaultStrategy builds a minimal context from the job goal and returns
// the model's final content unchanged.
func DefaultStrategy() Strategy {
	return Strategy{
		BuildMessages: func(_ context.Context, job *jobstore.Job) ([]chat.Message, error) {
			return []chat.Message{
				{Role: chat.RoleSystem, Content: "You are a worker agent. Complete the goal using the available tools, then answer with the result."},
				{Role: chat.RoleUser, Content: job.Goal},
			}, nil
		},
		Finalize: func(_ context.Context, _ *jobstore.Job, content string) (string, error) {
			return content, nil
		},
	}
}

// Runner executes one claimed job: a single-threaded cooperative loop that
// enforces the budget, observes cancellation at checkpoints, and dispatches
// tool calls through the resilience wrapper.
type Runner struct {
	chat     chat.Client
	registry *tool.Registry
	wrapper  *resilience.Wrapper
	store    *jobstore.Store
	bus      *bus.Bus
	logger   *slog.Logger
	strategy Strategy

	// durations maps mode to the wall-clock allowance. Zero = no deadline.
	durations map[jobstore.Mode]time.Duration

	// resultLimit caps tool output fed back into context.
	resultLimit int
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Chat        chat.Client
	Registry    *tool.Registry
	Wrapper     *resilience.Wrapper
	Store       *jobstore.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Strategy    *Strategy
	Durations   map[jobstore.Mode]time.Duration
	ResultLimit int
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategy := DefaultStrategy()
	if cfg.Strategy != nil {
		strategy = *cfg.Strategy
	}
	limit := cfg.ResultLimit
	if limit <= 0 {
		limit = defaultResultLimit
	}
	return &Runner{
		chat:        cfg.Chat,
		registry:    cfg.Registry,
		wrapper:     cfg.Wrapper,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger,
		strategy:    strategy,
		durations:   cfg.Durations,
		resultLimit: limit,
	}
}

// Run executes the job to a single typed outcome. It never panics the
// worker: failures come back as OutcomeError with the cause recorded.
func (r *Runner) Run(ctx context.Context, job *jobstore.Job) RunResult {
	ctx = shared.WithTraceID(ctx, job.TraceID)
	ctx = shared.WithJobID(ctx, job.ID)
	started := time.Now()

	budget := tool.NewBudget(
		job.StepCap-job.StepsUsed,
		job.TokenCap-job.TokensUsed,
		r.durations[job.Mode],
	)
	stepsUsed := job.StepsUsed
	tokensUsed := job.TokensUsed

	result := r.loop(ctx, job, budget, &stepsUsed, &tokensUsed)
	result.Steps = stepsUsed
	result.Tokens = tokensUsed

	r.appendOutcomeEntry(ctx, job, result)
	if r.bus != nil {
		r.bus.Publish(ctx, bus.TopicLoopFinished, bus.LoopFinishedEvent{
			JobID:    job.ID,
			Outcome:  string(result.Outcome),
			Steps:    stepsUsed,
			Tokens:   tokensUsed,
			Duration: time.Since(started),
		})
	}
	return result
}

func (r *Runner) loop(ctx context.Context, job *jobstore.Job, budget *tool.Budget, stepsUsed, tokensUsed *int) RunResult {
	messages, err := r.strategy.BuildMessages(ctx, job)
	if err != nil {
		return RunResult{Outcome: OutcomeError, Err: fmt.Errorf("build messages: %w", err)}
	}

	tc := r.toolContext(job, budget)
	specs := r.toolSpecs()

	for budget.StepsRemaining() > 0 {
		// Checkpoint: cancellation.
		if cancelled, err := r.shouldCancel(ctx, job.ID); err != nil {
			return RunResult{Outcome: OutcomeError, Err: err}
		} else if cancelled {
			return RunResult{Outcome: OutcomeCancelled}
		}

		// Checkpoint: wall-clock deadline.
		if budget.DeadlineExceeded() {
			return RunResult{Outcome: OutcomeTimeLimit}
		}

		// Checkpoint: token budget.
		if budget.TokensRemaining() <= 0 {
			return RunResult{Outcome: OutcomeTokenLimit}
		}

		resp, err := r.callChat(ctx, messages, specs, budget.TokensRemaining())
		if err != nil {
			return RunResult{Outcome: OutcomeError, Err: err}
		}

		budget.ConsumeTokens(resp.Usage.TotalTokens)
		*tokensUsed += resp.Usage.TotalTokens
		if err := r.store.UpdateUsage(ctx, job.ID, *stepsUsed, *tokensUsed, job.CostUsedCents); err != nil {
			r.logger.Warn("persist usage failed", "job_id", job.ID, "error", err)
		}
		if r.bus != nil {
			r.bus.Publish(ctx, bus.TopicLoopStep, bus.LoopStepEvent{
				JobID:          job.ID,
				Step:           *stepsUsed,
				StepsRemaining: budget.StepsRemaining(),
				TokensUsed:     resp.Usage.TotalTokens,
			})
		}

		switch {
		case len(resp.ToolCalls) > 0:
			escalated := false
			for _, call := range resp.ToolCalls {
				if budget.StepsRemaining() <= 0 {
					break
				}
				budget.ConsumeStep()
				*stepsUsed++

				msg, stop := r.dispatchToolCall(ctx, job, call, tc)
				messages = append(messages, msg)
				if stop {
					escalated = true
					break
				}
			}
			if err := r.store.UpdateUsage(ctx, job.ID, *stepsUsed, *tokensUsed, job.CostUsedCents); err != nil {
				r.logger.Warn("persist usage failed", "job_id", job.ID, "error", err)
			}
			if escalated {
				return RunResult{Outcome: OutcomeError, Escalated: true,
					Err: fmt.Errorf("tool requested human intervention")}
			}

		case resp.FinishReason == chat.FinishStop:
			final, err := r.strategy.Finalize(ctx, job, resp.Content)
			if err != nil {
				return RunResult{Outcome: OutcomeError, Err: fmt.Errorf("finalize: %w", err)}
			}
			return RunResult{Outcome: OutcomeCompleted, FinalResponse: final}

		default:
			// No tool calls, not done: keep the content and continue.
			messages = append(messages, chat.Message{Role: chat.RoleAssistant, Content: resp.Content})
		}
	}

	return RunResult{Outcome: OutcomeStepLimit}
}

// callChat invokes the chat collaborator through the resilience wrapper so
// transient provider failures retry and repeated ones trip the breaker.
func (r *Runner) callChat(ctx context.Context, messages []chat.Message, specs []chat.ToolSpec, maxTokens int) (*chat.Response, error) {
	var resp *chat.Response
	_, err := r.wrapper.Do(ctx, opChat, nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		var callErr error
		resp, callErr = r.chat.Chat(ctx, messages, chat.Options{
			Tools:     specs,
			MaxTokens: maxTokens,
		})
		return nil, callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatchToolCall runs one requested call: tool_call entry, execution via
// the resilience wrapper, tool_result entry, and the (possibly truncated)
// message fed back to the model. stop=true means the tool escalated.
func (r *Runner) dispatchToolCall(ctx context.Context, job *jobstore.Job, call chat.ToolCall, tc tool.Context) (chat.Message, bool) {
	started := time.Now()

	_, err := r.store.Ledger().Append(ctx, ledger.Entry{
		Kind:           ledger.KindToolCall,
		JobID:          job.ID,
		TraceID:        job.TraceID,
		ConversationID: job.ConversationID,
		ActorType:      ledger.ActorAgent,
		ActorID:        job.AgentType,
		Summary:        "tool call: " + call.Name,
		Data:           map[string]interface{}{"tool": call.Name, "call_id": call.ID},
	})
	if err != nil {
		r.logger.Error("append tool_call entry failed", "job_id", job.ID, "error", err)
	}

	var result tool.Result
	raw, err := r.wrapper.Do(ctx, call.Name, call.Params, func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		res := r.registry.Execute(ctx, call.Name, params, tc)
		out, merr := json.Marshal(res)
		if merr != nil {
			return nil, fmt.Errorf("marshal tool result: %w", merr)
		}
		if !res.Success && res.Error != nil && res.Error.Recoverable {
			// Surface recoverable failures as errors so the wrapper's
			// strategy can retry them.
			return out, fmt.Errorf("tool %s failed: %s: %s", call.Name, res.Error.Code, res.Error.Message)
		}
		return out, nil
	})
	switch {
	case err != nil:
		result = tool.Result{Success: false, Error: &tool.ErrorInfo{
			Code:        string(resilience.Classify(err)),
			Message:     err.Error(),
			Recoverable: false,
		}}
	default:
		if uerr := json.Unmarshal(raw, &result); uerr != nil {
			result = tool.Result{Success: false, Error: &tool.ErrorInfo{
				Code: "bad_result", Message: uerr.Error(), Recoverable: false,
			}}
		}
	}

	resultText := renderResult(result)
	truncated := r.truncateResult(resultText)

	data := map[string]interface{}{
		"tool":    call.Name,
		"call_id": call.ID,
		"success": result.Success,
	}
	if result.Error != nil {
		data["error_code"] = result.Error.Code
	}
	if len(truncated) != len(resultText) {
		data["truncated"] = true
	}
	_, lerr := r.store.Ledger().Append(ctx, ledger.Entry{
		Kind:           ledger.KindToolResult,
		JobID:          job.ID,
		TraceID:        job.TraceID,
		ConversationID: job.ConversationID,
		ActorType:      ledger.ActorAgent,
		ActorID:        job.AgentType,
		Summary:        fmt.Sprintf("tool result: %s success=%v", call.Name, result.Success),
		Data:           data,
	})
	if lerr != nil {
		r.logger.Error("append tool_result entry failed", "job_id", job.ID, "error", lerr)
	}

	if r.bus != nil {
		r.bus.Publish(ctx, bus.TopicToolCalled, bus.ToolCalledEvent{
			JobID:    job.ID,
			ToolName: call.Name,
			OK:       result.Success,
			Duration: time.Since(started),
		})
		if !result.Success {
			r.bus.Publish(ctx, bus.TopicToolFailed, bus.ToolCalledEvent{
				JobID: job.ID, ToolName: call.Name, Duration: time.Since(started),
			})
		}
	}

	escalate := result.Error != nil && result.Error.Code == escalationCode
	return chat.Message{
		Role:       chat.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    truncated,
	}, escalate
}

// truncateResult bounds tool output fed back into context: first N bytes
// plus a marker. Deliberate lossy compression, not an error.
func (r *Runner) truncateResult(s string) string {
	if len(s) <= r.resultLimit {
		return s
	}
	return s[:r.resultLimit] + truncationMarker
}

func renderResult(res tool.Result) string {
	if res.Success {
		if len(res.Data) > 0 {
			return string(res.Data)
		}
		return `{"success":true}`
	}
	if res.Error != nil {
		b, err := json.Marshal(res.Error)
		if err == nil {
			return string(b)
		}
	}
	return `{"success":false}`
}

// shouldCancel observes both the process context and the job's cancelling
// status. This is the only place cancellation is honored: nothing in
// flight is interrupted.
func (r *Runner) shouldCancel(ctx context.Context, jobID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	cancelling, err := r.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check cancellation: %w", err)
	}
	return cancelling, nil
}

func (r *Runner) toolContext(job *jobstore.Job, budget *tool.Budget) tool.Context {
	return tool.Context{
		JobID:   job.ID,
		TraceID: job.TraceID,
		Mode:    string(job.Mode),
		Budget:  budget,
		LogEvent: func(ctx context.Context, summary string, data map[string]interface{}) (int64, error) {
			entry, err := r.store.Ledger().Append(ctx, ledger.Entry{
				Kind:           ledger.KindEvent,
				JobID:          job.ID,
				TraceID:        job.TraceID,
				ConversationID: job.ConversationID,
				ActorType:      ledger.ActorAgent,
				ActorID:        job.AgentType,
				Summary:        summary,
				Data:           data,
			})
			if err != nil {
				return 0, err
			}
			return entry.ID, nil
		},
	}
}

func (r *Runner) toolSpecs() []chat.ToolSpec {
	if r.registry == nil {
		return nil
	}
	names := r.registry.Names()
	specs := make([]chat.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, chat.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// appendOutcomeEntry records why the loop stopped. Every run leaves a
// terminal explanation in the ledger, never a silent exit.
func (r *Runner) appendOutcomeEntry(ctx context.Context, job *jobstore.Job, result RunResult) {
	kind := ledger.KindEvent
	summary := "run finished: " + string(result.Outcome)
	data := map[string]interface{}{
		"outcome": string(result.Outcome),
		"steps":   result.Steps,
		"tokens":  result.Tokens,
	}
	switch {
	case result.Escalated:
		kind = ledger.KindEscalation
		summary = "run escalated to human"
	case result.Outcome == OutcomeError:
		kind = ledger.KindError
	}
	if result.Err != nil {
		data["error"] = result.Err.Error()
	}
	if _, err := r.store.Ledger().Append(ctx, ledger.Entry{
		Kind:           kind,
		JobID:          job.ID,
		TraceID:        job.TraceID,
		ConversationID: job.ConversationID,
		ActorType:      ledger.ActorSystem,
		Summary:        summary,
		Data:           data,
	}); err != nil {
		r.logger.Error("append outcome entry failed", "job_id", job.ID, "error", err)
	}
}
