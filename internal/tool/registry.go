package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the available tools and dispatches calls after validating
// params against each tool's JSON Schema.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema once up front. Registering a
// duplicate name or a broken schema is a programming error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if raw := t.Schema(); len(raw) > 0 {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return fmt.Errorf("tool %q: unmarshal schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %q: add schema resource: %w", name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %q: compile schema: %w", name, err)
		}
		r.schemas[name] = schema
	}

	r.tools[name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute validates params and runs the named tool. Unknown tools and
// schema violations come back as unrecoverable Results, not Go errors:
// the model gets to see what it did wrong, and the wrapper won't retry.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage, tc Context) Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: &ErrorInfo{
			Code:        "unknown_tool",
			Message:     fmt.Sprintf("no tool named %q", name),
			Recoverable: false,
		}}
	}

	if schema != nil {
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
		if err != nil {
			return Result{Success: false, Error: &ErrorInfo{
				Code:        "invalid_params",
				Message:     fmt.Sprintf("params are not valid JSON: %s", err),
				Recoverable: false,
			}}
		}
		if err := schema.Validate(parsed); err != nil {
			return Result{Success: false, Error: &ErrorInfo{
				Code:        "invalid_params",
				Message:     fmt.Sprintf("params failed schema validation: %s", err),
				Recoverable: false,
			}}
		}
	}

	return t.Execute(ctx, params, tc)
}
