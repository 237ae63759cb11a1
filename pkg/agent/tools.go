package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
)

// Tool is an executable capability exposed to the model. InputSchema is a
// JSON Schema document; arguments are validated against it before Execute
// runs.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Execute     func(ctx context.Context, args map[string]any) (any, error)
}

// ToolResult is the outcome of one tool invocation. A validation or
// execution failure is carried in Err and reported back to the model; it
// does not abort the run.
type ToolResult struct {
	Call     ToolCall
	Output   any
	Duration time.Duration
	Err      error
}

// Registry holds the tools available to an agent run and their compiled
// schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tool_registry"),
	}
}

// Register adds a tool, compiling its input schema. Registering the same
// name twice is an error.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s: execute function is required", tool.Name)
	}

	var schema *jsonschema.Schema
	if tool.InputSchema != nil {
		compiled, err := compileSchema(tool.Name, tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s: already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	if schema != nil {
		r.schemas[tool.Name] = schema
	}
	return nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/input.json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return compiled, nil
}

// Definitions returns the provider-facing descriptions of all registered
// tools.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute runs a tool call end to end: parse the model's argument JSON,
// validate against the schema, run the tool, and time it. Failures land in
// the result's Err, never as a returned error, so the loop can report them
// to the model and continue.
func (r *Registry) Execute(ctx context.Context, call ToolCall) ToolResult {
	result := ToolResult{Call: call}

	r.mu.RLock()
	tool, exists := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if !exists {
		result.Err = fmt.Errorf("unknown tool %q", call.Name)
		return result
	}

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		result.Err = fmt.Errorf("invalid tool arguments: %w", err)
		return result
	}

	if schema != nil {
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			result.Err = fmt.Errorf("invalid tool arguments: %w", err)
			return result
		}
		if err := schema.Validate(parsed); err != nil {
			result.Err = fmt.Errorf("tool arguments failed validation: %w", err)
			return result
		}
	}

	start := time.Now()
	output, err := tool.Execute(ctx, args)
	result.Duration = time.Since(start)
	metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(float64(result.Duration.Milliseconds()))
	if err != nil {
		metrics.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		result.Err = err
		return result
	}
	metrics.ToolExecutions.WithLabelValues(call.Name, "ok").Inc()
	result.Output = output
	return result
}
