// Package tool defines the contract between the execution engine and tool
// implementations, plus the registry that dispatches calls with input
// validation.
package tool

import (
	"context"
	"encoding/json"
)

// ErrorInfo describes a tool failure. Recoverable errors are eligible for
// the resilience wrapper's retry policy; unrecoverable ones propagate
// immediately.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Context carries per-job execution state into a tool. LogEvent appends a
// ledger entry and returns its id, so tools can record facts without a
// direct store dependency.
type Context struct {
	JobID    string
	TraceID  string
	Mode     string
	Budget   *Budget
	LogEvent func(ctx context.Context, summary string, data map[string]interface{}) (int64, error)
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for params, or nil to skip validation.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage, tc Context) Result
}
