package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oddlot/tape"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp tape.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ tape.ChatRequest) (tape.ChatResponse, error) {
	return m.chatResp, m.chatErr
}
func (m *mockProvider) ChatStream(_ context.Context, _ tape.ChatRequest, ch chan<- string) (tape.ChatResponse, error) {
	ch <- "hello"
	ch <- " world"
	close(ch)
	return m.chatResp, m.chatErr
}

// mockTool for observer tests.
type mockTool struct {
	defs   []tape.ToolDefinition
	result tape.ToolResult
	err    error
}

func (m *mockTool) Definitions() []tape.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (tape.ToolResult, error) {
	return m.result, m.err
}

// mockAgent for observer tests.
type mockAgent struct {
	name   string
	result tape.Result
	err    error
}

func (m *mockAgent) Name() string { return m.name }
func (m *mockAgent) Run(_ context.Context, _ tape.Turn) (tape.Result, error) {
	return m.result, m.err
}
func (m *mockAgent) RunStream(_ context.Context, _ tape.Turn, ch chan<- tape.Event) (tape.Result, error) {
	close(ch)
	return m.result, m.err
}

// mockExecutionStore for observer tests.
type mockExecutionStore struct {
	recorded []tape.ExecutionRecord
	err      error
}

func (m *mockExecutionStore) RecordExecution(_ context.Context, rec tape.ExecutionRecord) error {
	m.recorded = append(m.recorded, rec)
	return m.err
}
func (m *mockExecutionStore) Executions(_ context.Context, _ string, _ int) ([]tape.ExecutionRecord, error) {
	return m.recorded, nil
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := tape.ChatResponse{
		Content: "hello from LLM",
		Usage:   tape.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), tape.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), tape.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderChatWithTools(t *testing.T) {
	want := tape.ChatResponse{
		Content: "tool response",
		ToolCalls: []tape.ToolCall{
			{ID: "call-1", Name: "get_quote", Args: json.RawMessage(`{"symbol":"AAPL"}`)},
		},
		Usage: tape.Usage{InputTokens: 20, OutputTokens: 15},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	req := tape.ChatRequest{
		Tools: []tape.ToolDefinition{{Name: "get_quote", Description: "latest quote"}},
	}
	got, err := op.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Name != "get_quote" {
		t.Errorf("ToolCalls[0].Name = %q, want %q", got.ToolCalls[0].Name, "get_quote")
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatStream(t *testing.T) {
	want := tape.ChatResponse{
		Content: "hello world",
		Usage:   tape.Usage{InputTokens: 8, OutputTokens: 2},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	ch := make(chan string, 10)
	got, err := op.ChatStream(context.Background(), tape.ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned unexpected error: %v", err)
	}

	// The wrapper's goroutine forwards tokens from the inner channel to ours
	// and closes ours when done. Collect all tokens.
	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}

	if len(tokens) != 2 {
		t.Fatalf("received %d tokens, want 2", len(tokens))
	}
	if tokens[0] != "hello" || tokens[1] != " world" {
		t.Errorf("tokens = %v, want [hello, ' world']", tokens)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDefinitions(t *testing.T) {
	defs := []tape.ToolDefinition{
		{Name: "get_quote", Description: "latest quote"},
		{Name: "get_price_history", Description: "daily candles"},
	}
	inner := &mockTool{defs: defs}
	ot := WrapTool(inner, testInstruments(t))

	got := ot.Definitions()
	if len(got) != len(defs) {
		t.Fatalf("Definitions length = %d, want %d", len(got), len(defs))
	}
	for i, d := range got {
		if d.Name != defs[i].Name {
			t.Errorf("Definitions[%d].Name = %q, want %q", i, d.Name, defs[i].Name)
		}
	}
}

func TestObservedToolExecute(t *testing.T) {
	want := tape.ToolResult{Content: "result data"}
	inner := &mockTool{result: want}
	ot := WrapTool(inner, testInstruments(t))

	got, err := ot.Execute(context.Background(), "get_quote", json.RawMessage(`{"symbol":"AAPL"}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestObservedToolExecuteError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := &mockTool{err: wantErr}
	ot := WrapTool(inner, testInstruments(t))

	_, err := ot.Execute(context.Background(), "get_quote", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedAgent tests
// ---------------------------------------------------------------------------

func TestObservedAgentRun(t *testing.T) {
	want := tape.Result{
		Output: "done",
		Turns:  3,
		Usage:  tape.Usage{InputTokens: 100, OutputTokens: 40},
	}
	inner := &mockAgent{name: "main", result: want}
	oa := WrapAgent(inner, testInstruments(t))

	if oa.Name() != "main" {
		t.Errorf("Name() = %q, want %q", oa.Name(), "main")
	}
	got, err := oa.Run(context.Background(), tape.Turn{UserID: "u1", ChatID: "c1", Text: "hi"})
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if got.Output != want.Output || got.Turns != want.Turns {
		t.Errorf("Result = %+v, want %+v", got, want)
	}
}

func TestObservedAgentRunError(t *testing.T) {
	wantErr := errors.New("loop exploded")
	inner := &mockAgent{name: "main", err: wantErr}
	oa := WrapAgent(inner, testInstruments(t))

	_, err := oa.Run(context.Background(), tape.Turn{UserID: "u1", ChatID: "c1", Text: "hi"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Run error = %v, want %v", err, wantErr)
	}
}

func TestObservedAgentRunStream(t *testing.T) {
	inner := &mockAgent{name: "main", result: tape.Result{Output: "streamed"}}
	oa := WrapAgent(inner, testInstruments(t))

	ch := make(chan tape.Event, 4)
	got, err := oa.RunStream(context.Background(), tape.Turn{UserID: "u1", ChatID: "c1", Text: "hi"}, ch)
	if err != nil {
		t.Fatalf("RunStream returned unexpected error: %v", err)
	}
	if got.Output != "streamed" {
		t.Errorf("Output = %q, want %q", got.Output, "streamed")
	}
	if _, open := <-ch; open {
		t.Error("event channel left open")
	}
}

// ---------------------------------------------------------------------------
// ObservedExecutionStore tests
// ---------------------------------------------------------------------------

func TestObservedExecutionStoreRecord(t *testing.T) {
	inner := &mockExecutionStore{}
	store := WrapExecutionStore(inner, testInstruments(t))

	rec := tape.ExecutionRecord{
		ID:         "ex_1",
		StrategyID: "s1",
		Status:     "success",
		Mode:       tape.ModeLive,
		Actions: []tape.ExecutionAction{
			{Status: tape.ActionSubmitted},
			{Status: tape.ActionSkipped, Reason: tape.RejectNotApproved},
		},
		DurationMS: 120,
	}
	if err := store.RecordExecution(context.Background(), rec); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if len(inner.recorded) != 1 || inner.recorded[0].ID != "ex_1" {
		t.Fatalf("inner store did not receive the record: %+v", inner.recorded)
	}
}

func TestObservedExecutionStoreRecordError(t *testing.T) {
	wantErr := errors.New("disk full")
	inner := &mockExecutionStore{err: wantErr}
	store := WrapExecutionStore(inner, testInstruments(t))

	err := store.RecordExecution(context.Background(), tape.ExecutionRecord{StrategyID: "s1", Status: "failed"})
	if !errors.Is(err, wantErr) {
		t.Errorf("RecordExecution error = %v, want %v", err, wantErr)
	}
}

func TestObservedExecutionStoreList(t *testing.T) {
	inner := &mockExecutionStore{recorded: []tape.ExecutionRecord{{ID: "ex_1"}}}
	store := WrapExecutionStore(inner, testInstruments(t))

	got, err := store.Executions(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ex_1" {
		t.Errorf("Executions = %+v, want the inner record", got)
	}
}
