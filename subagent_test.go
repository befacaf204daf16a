package tape

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newResearchSubAgent(provider Provider) *SubAgent {
	inner := NewAgent("researcher", provider)
	return NewSubAgent(ToolDefinition{
		Name:        "research",
		Description: "Delegate deep research to a focused agent",
		Parameters:  SubAgentSchema("the research task"),
	}, inner)
}

func TestSubAgentDelegation(t *testing.T) {
	outerProvider := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("research"),
		textResponse("summary: rates are rising"),
	}}
	innerProvider := &scriptedProvider{responses: []ChatResponse{textResponse("rates are rising")}}

	agent := NewAgent("analyst", outerProvider, WithTools(newResearchSubAgent(innerProvider)))
	// The scripted tool call has empty args; patch a task in.
	outerProvider.responses[0].ToolCalls[0].Args = json.RawMessage(`{"task":"check rates"}`)

	res, err := agent.Run(context.Background(), Turn{UserID: "u1", Text: "what about rates?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "summary: rates are rising" {
		t.Errorf("Output = %q", res.Output)
	}
	// The inner agent saw the delegated task as its user message.
	if len(innerProvider.requests) != 1 {
		t.Fatalf("inner calls = %d, want 1", len(innerProvider.requests))
	}
	innerMsgs := innerProvider.requests[0].Messages
	if innerMsgs[len(innerMsgs)-1].Content != "check rates" {
		t.Errorf("inner user message = %q", innerMsgs[len(innerMsgs)-1].Content)
	}
}

func TestSubAgentForwardsInnerEvents(t *testing.T) {
	outerProvider := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("research"),
		textResponse("done"),
	}}
	outerProvider.responses[0].ToolCalls[0].Args = json.RawMessage(`{"task":"dig"}`)
	innerProvider := &scriptedProvider{responses: []ChatResponse{
		toolCallResponse("emitter"),
		textResponse("found it"),
	}}
	inner := NewAgent("researcher", innerProvider, WithTools(emitTool{}))
	sub := NewSubAgent(ToolDefinition{Name: "research", Parameters: SubAgentSchema("task")}, inner)
	agent := NewAgent("analyst", outerProvider, WithTools(sub))

	ch := make(chan Event)
	go agent.RunStream(context.Background(), Turn{UserID: "u1", Text: "go"}, ch)
	events := collectEvents(ch)

	// The inner tool's progress surfaced on the outer stream, but the inner
	// terminals did not: exactly one done, one assistant_message.
	var progress, done, assistant int
	for _, ev := range events {
		switch ev.Type {
		case EventToolProgress:
			progress++
		case EventDone:
			done++
		case EventAssistantMessage:
			assistant++
		}
	}
	if progress == 0 {
		t.Error("inner tool progress not forwarded")
	}
	if done != 1 || assistant != 1 {
		t.Errorf("done/assistant = %d/%d, want 1/1", done, assistant)
	}
}

func TestSubAgentRefusesSelfInvocation(t *testing.T) {
	innerProvider := &scriptedProvider{}
	inner := NewAgent("researcher", innerProvider)
	sub := NewSubAgent(ToolDefinition{Name: "research", Parameters: SubAgentSchema("task")}, inner)

	// Simulate a call arriving from a turn already inside "researcher".
	inv := newInvocation("u1", "", nil, nil, []string{"analyst", "researcher"})
	defer inv.Release()
	ctx := WithInvocation(context.Background(), inv)

	res, err := sub.Execute(ctx, "research", json.RawMessage(`{"task":"loop"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "cannot invoke itself") {
		t.Errorf("Error = %q, want self-invocation refusal", res.Error)
	}
	if innerProvider.calls() != 0 {
		t.Error("inner agent ran despite the refusal")
	}
}

func TestSubAgentDepthLimit(t *testing.T) {
	inner := NewAgent("level5", &scriptedProvider{})
	sub := NewSubAgent(ToolDefinition{Name: "deeper", Parameters: SubAgentSchema("task")}, inner)

	inv := newInvocation("u1", "", nil, nil, []string{"a", "b", "c", "d"})
	defer inv.Release()
	ctx := WithInvocation(context.Background(), inv)

	res, err := sub.Execute(ctx, "deeper", json.RawMessage(`{"task":"go"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "depth limit") {
		t.Errorf("Error = %q, want depth limit refusal", res.Error)
	}
}

func TestSubAgentBadArgs(t *testing.T) {
	inner := NewAgent("researcher", &scriptedProvider{})
	sub := NewSubAgent(ToolDefinition{Name: "research", Parameters: SubAgentSchema("task")}, inner)

	tests := []struct {
		name string
		args string
		want string
	}{
		{"not json", `{`, "invalid arguments"},
		{"missing task", `{}`, "missing required argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sub.Execute(context.Background(), "research", json.RawMessage(tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("Error = %q, want %q", res.Error, tt.want)
			}
		})
	}
}

func TestSubAgentSchema(t *testing.T) {
	raw := SubAgentSchema("what to research")
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	props := m["properties"].(map[string]any)
	task := props["task"].(map[string]any)
	if task["type"] != "string" || task["description"] != "what to research" {
		t.Errorf("schema = %v", m)
	}
	req := m["required"].([]any)
	if len(req) != 1 || req[0] != "task" {
		t.Errorf("required = %v", req)
	}
}
