package tape

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxSubAgentDepth bounds delegation chains. Lineage already prevents
// cycles; the depth cap catches long non-cyclic chains of distinct agents.
const maxSubAgentDepth = 4

// SubAgent exposes an Agent as a Tool on another agent's registry. The tool
// arguments' "task" field becomes the inner agent's user message; the inner
// agent's terminal text becomes the tool result. While the inner turn runs,
// its events are forwarded verbatim onto the parent's stream, except the
// inner terminals (assistant_message, done, error), which belong to the
// parent turn.
type SubAgent struct {
	def   ToolDefinition
	agent *Agent
}

// subAgentArgs is the argument shape every sub-agent tool accepts.
type subAgentArgs struct {
	Task string `json:"task"`
}

// NewSubAgent wraps agent as a tool. The definition's schema should declare
// a single required string property "task"; SubAgentSchema builds one.
func NewSubAgent(def ToolDefinition, agent *Agent) *SubAgent {
	return &SubAgent{def: def, agent: agent}
}

// SubAgentSchema is the parameter schema for a sub-agent tool: one required
// "task" string the parent model fills with the delegated instruction.
func SubAgentSchema(taskDescription string) json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{"type": "string", "description": taskDescription},
		},
		"required": []string{"task"},
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// Definitions implements Tool.
func (sa *SubAgent) Definitions() []ToolDefinition {
	return []ToolDefinition{sa.def}
}

// Execute implements Tool: it runs the inner agent to completion on the
// delegated task. The inner turn shares the parent's user identity but runs
// without a chat id, so delegation never writes to the user's transcript;
// only the parent's tool message records the outcome.
func (sa *SubAgent) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	inv := InvocationFrom(ctx)
	lineage := inv.Lineage()
	for _, ancestor := range lineage {
		if ancestor == sa.agent.Name() {
			return ToolResult{Error: fmt.Sprintf("sub-agent %q cannot invoke itself", sa.agent.Name())}, nil
		}
	}
	if len(lineage) >= maxSubAgentDepth {
		return ToolResult{Error: fmt.Sprintf("sub-agent depth limit (%d) reached", maxSubAgentDepth)}, nil
	}

	var parsed subAgentArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	if parsed.Task == "" {
		return ToolResult{Error: "missing required argument: task"}, nil
	}

	ch := make(chan Event)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range ch {
			switch ev.Type {
			case EventAssistantMessage, EventDone, EventError:
				// Terminal events are the parent turn's to emit.
			default:
				inv.Emit(ctx, ev)
			}
		}
	}()

	res, err := sa.agent.run(ctx, Turn{UserID: inv.UserID, Text: parsed.Task}, ch, lineage)
	<-forwarded
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("sub-agent %s: %v", sa.agent.Name(), err)}, nil
	}
	return ToolResult{Content: res.Output}, nil
}
