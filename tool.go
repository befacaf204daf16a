package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolDefinition describes one callable function exposed to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	// Timeout overrides the loop's per-call default when nonzero.
	Timeout time.Duration `json:"-"`
}

// ToolResult is the outcome of a tool execution. Error is surfaced to the
// LLM as result content so it can self-correct; ResourceID links a stored
// artifact when the tool produced one.
type ToolResult struct {
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
// Registration happens at wiring time; lookups are read-only afterwards.
type ToolRegistry struct {
	tools  []Tool
	byName map[string]toolEntry
}

type toolEntry struct {
	tool Tool
	def  ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: map[string]toolEntry{}}
}

// Add registers a tool. Two definitions with the same name is a wiring bug,
// so Add panics rather than shadowing one of them.
func (r *ToolRegistry) Add(t Tool) {
	for _, d := range t.Definitions() {
		if _, exists := r.byName[d.Name]; exists {
			panic(fmt.Sprintf("tool registry: duplicate tool %q", d.Name))
		}
		r.byName[d.Name] = toolEntry{tool: t, def: d}
	}
	r.tools = append(r.tools, t)
}

// Definitions returns all definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// FlatDefinitions returns all definitions with their parameter schemas
// flattened for strict consumers. A schema that cannot flatten (cyclic or
// non-local refs) fails the whole call; that is a registration bug, not a
// runtime condition.
func (r *ToolRegistry) FlatDefinitions() ([]ToolDefinition, error) {
	defs := r.Definitions()
	out := make([]ToolDefinition, len(defs))
	for i, d := range defs {
		flat, err := FlattenSchema(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		d.Parameters = flat
		out[i] = d
	}
	return out, nil
}

// Lookup returns the definition registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolDefinition, bool) {
	e, ok := r.byName[name]
	return e.def, ok
}

// Execute dispatches a tool call by name. An unknown name is reported in
// the result, not as an error, so the LLM sees it and can correct itself.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	e, ok := r.byName[name]
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return e.tool.Execute(ctx, name, args)
}
