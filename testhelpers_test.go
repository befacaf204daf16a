package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// --- Clock ---

// fakeClock is a manual time source. Now returns the current reading;
// Advance moves it forward. Safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- Provider ---

// scriptedProvider replays a fixed sequence of responses, one per LLM call.
// ChatStream splits the response content into rune-sized deltas so streaming
// paths see more than one chunk. Calls past the script return an error.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error // parallel to responses; nil entries succeed
	requests  []ChatRequest
	idx       int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) next(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.idx >= len(p.responses) {
		return ChatResponse{}, fmt.Errorf("scripted provider: call %d past end of script", p.idx+1)
	}
	resp := p.responses[p.idx]
	var err error
	if p.idx < len(p.errs) {
		err = p.errs[p.idx]
	}
	p.idx++
	return resp, err
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idx
}

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(req)
}

func (p *scriptedProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	for _, r := range resp.Content {
		ch <- string(r)
	}
	return resp, nil
}

// textResponse is a final answer with no tool calls.
func textResponse(text string) ChatResponse {
	return ChatResponse{Content: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

// toolCallResponse requests the named tools in order, with empty-object args.
func toolCallResponse(names ...string) ChatResponse {
	resp := ChatResponse{Usage: Usage{InputTokens: 10, OutputTokens: 5}}
	for i, name := range names {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   fmt.Sprintf("call_%d", i+1),
			Name: name,
			Args: json.RawMessage(`{}`),
		})
	}
	return resp
}

// --- Tools ---

// echoTool answers every call with a fixed string.
type echoTool struct {
	name    string
	content string
}

func (t echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: t.name, Description: "echo", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)}}
}

func (t echoTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: t.content}, nil
}

// failTool always returns an error.
type failTool struct{ err error }

func (t failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "always fails"}}
}

func (t failTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, t.err
}

// panicTool panics mid-execution.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "explode", Description: "panics"}}
}

func (panicTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	panic("kaboom")
}

// emitTool streams progress events through its invocation before returning.
type emitTool struct{}

func (emitTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "emitter", Description: "streams progress"}}
}

func (emitTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	inv := InvocationFrom(ctx)
	inv.Status(ctx, "running", "warming up")
	inv.Progress(ctx, 50, "halfway")
	inv.Log(ctx, "info", "almost there")
	return ToolResult{Content: "emitted"}, nil
}

// slowTool blocks until its context ends.
type slowTool struct{}

func (slowTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "slow", Description: "never finishes", Timeout: 20 * time.Millisecond}}
}

func (slowTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	<-ctx.Done()
	return ToolResult{}, ctx.Err()
}

// --- Stores (in-memory) ---

// memChatStore keeps transcripts in a map, ordered by append.
type memChatStore struct {
	mu    sync.Mutex
	chats map[string][]Message
}

func newMemChatStore() *memChatStore {
	return &memChatStore{chats: map[string][]Message{}}
}

func (s *memChatStore) AppendMessage(_ context.Context, chatID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ChatID = chatID
	msg.Seq = int64(len(s.chats[chatID]) + 1)
	s.chats[chatID] = append(s.chats[chatID], msg)
	return nil
}

func (s *memChatStore) AppendAssistantTurn(ctx context.Context, chatID string, assistant Message, tools []Message) error {
	if err := s.AppendMessage(ctx, chatID, assistant); err != nil {
		return err
	}
	for _, tm := range tools {
		if err := s.AppendMessage(ctx, chatID, tm); err != nil {
			return err
		}
	}
	return nil
}

func (s *memChatStore) Messages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.chats[chatID]...), nil
}

func (s *memChatStore) Latest(_ context.Context, chatID string, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.chats[chatID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...), nil
}

// memFileStore keys files by id and by (chat_id, name).
type memFileStore struct {
	mu    sync.Mutex
	files map[string]ChatFile
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: map[string]ChatFile{}}
}

func (s *memFileStore) PutFile(_ context.Context, f ChatFile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.files {
		if existing.ChatID == f.ChatID && existing.Name == f.Name {
			f.ID = id
			s.files[id] = f
			return id, nil
		}
	}
	if f.ID == "" {
		f.ID = NewID()
	}
	s.files[f.ID] = f
	return f.ID, nil
}

func (s *memFileStore) FileByID(_ context.Context, id string) (ChatFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return ChatFile{}, fmt.Errorf("file %s not found", id)
	}
	return f, nil
}

func (s *memFileStore) File(_ context.Context, chatID, name string) (ChatFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ChatID == chatID && f.Name == name {
			return f, nil
		}
	}
	return ChatFile{}, fmt.Errorf("file %s/%s not found", chatID, name)
}

func (s *memFileStore) Files(_ context.Context, chatID string) ([]ChatFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChatFile
	for _, f := range s.files {
		if f.ChatID == chatID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memResourceStore struct {
	mu        sync.Mutex
	resources map[string]Resource
}

func newMemResourceStore() *memResourceStore {
	return &memResourceStore{resources: map[string]Resource{}}
}

func (s *memResourceStore) PutResource(_ context.Context, r Resource) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = NewID()
	}
	s.resources[r.ID] = r
	return r.ID, nil
}

func (s *memResourceStore) ResourceByID(_ context.Context, id string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, fmt.Errorf("resource %s not found", id)
	}
	return r, nil
}

type memStrategyStore struct {
	mu         sync.Mutex
	strategies map[string]Strategy
}

func newMemStrategyStore() *memStrategyStore {
	return &memStrategyStore{strategies: map[string]Strategy{}}
}

func (s *memStrategyStore) PutStrategy(_ context.Context, st Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[st.ID] = st
	return nil
}

func (s *memStrategyStore) StrategyByID(_ context.Context, id string) (Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return Strategy{}, fmt.Errorf("strategy %s not found", id)
	}
	return st, nil
}

func (s *memStrategyStore) StrategiesByUser(_ context.Context, userID string) ([]Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Strategy
	for _, st := range s.strategies {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStrategyStore) DueStrategies(_ context.Context, now time.Time) ([]Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Strategy
	for _, st := range s.strategies {
		if !st.Enabled || !st.Approved {
			continue
		}
		if st.Stats.LastRunAt.IsZero() || now.Sub(st.Stats.LastRunAt) >= st.ExecFrequency {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStrategyStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	st.Enabled = enabled
	s.strategies[id] = st
	return nil
}

func (s *memStrategyStore) SetApproved(_ context.Context, id string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	st.Approved = approved
	s.strategies[id] = st
	return nil
}

func (s *memStrategyStore) SetMode(_ context.Context, id string, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	st.Mode = mode
	s.strategies[id] = st
	return nil
}

func (s *memStrategyStore) UpdateStats(_ context.Context, id string, fn func(*StrategyStats) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	if err := fn(&st.Stats); err != nil {
		return err
	}
	s.strategies[id] = st
	return nil
}

type memExecutionStore struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{}
}

func (s *memExecutionStore) RecordExecution(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memExecutionStore) Executions(_ context.Context, strategyID string, limit int) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExecutionRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].StrategyID == strategyID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memExecutionStore) all() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionRecord(nil), s.records...)
}

type memSyncStore struct {
	mu         sync.Mutex
	states     map[string]SyncState
	activities map[string][]Activity
	saveErr    error
	stateErr   error
}

func newMemSyncStore() *memSyncStore {
	return &memSyncStore{states: map[string]SyncState{}, activities: map[string][]Activity{}}
}

func (s *memSyncStore) SyncState(_ context.Context, userID string) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return SyncState{}, s.stateErr
	}
	return s.states[userID], nil
}

func (s *memSyncStore) SetSyncState(_ context.Context, st SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.UserID] = st
	return nil
}

func (s *memSyncStore) SaveActivities(_ context.Context, userID string, acts []Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.activities[userID] = append([]Activity(nil), acts...)
	return nil
}

func (s *memSyncStore) Activities(_ context.Context, userID string) ([]Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Activity(nil), s.activities[userID]...), nil
}

// --- Broker ---

// fakeBroker serves canned positions and records submitted orders.
type fakeBroker struct {
	mu         sync.Mutex
	positions  map[string][]Position // by strategy id
	activities []Activity
	orders     []OrderParams
	fillPrice  float64
	submitErr  error
	actsErr    error
	actsCalls  int
	actsGate   chan struct{} // when set, Activities blocks until it closes
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{positions: map[string][]Position{}}
}

func (b *fakeBroker) Positions(_ context.Context, strategyID string) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Position(nil), b.positions[strategyID]...), nil
}

func (b *fakeBroker) SubmitOrder(_ context.Context, p OrderParams) (OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return OrderAck{}, b.submitErr
	}
	b.orders = append(b.orders, p)
	return OrderAck{
		OrderID:    fmt.Sprintf("ord_%d", len(b.orders)),
		PositionID: fmt.Sprintf("pos_%d", len(b.orders)),
		FillPrice:  b.fillPrice,
	}, nil
}

func (b *fakeBroker) Activities(_ context.Context, _, _ string, _, _ time.Time) ([]Activity, error) {
	if b.actsGate != nil {
		<-b.actsGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actsCalls = b.actsCalls + 1
	if b.actsErr != nil {
		return nil, b.actsErr
	}
	return append([]Activity(nil), b.activities...), nil
}

func (b *fakeBroker) submitted() []OrderParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]OrderParams(nil), b.orders...)
}

func (b *fakeBroker) activityCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actsCalls
}

// --- Strategy programs ---

// scriptedProgram returns fixed signals without running any sandbox code.
type scriptedProgram struct {
	entries []EntrySignal
	exits   map[string]ExitSignal // by position id; absent means hold
	err     error
}

func (p scriptedProgram) Entry(_ context.Context, _ EntryData) ([]EntrySignal, error) {
	if p.err != nil {
		return nil, p.err
	}
	return append([]EntrySignal(nil), p.entries...), nil
}

func (p scriptedProgram) Exit(_ context.Context, _ EntryData, pos Position) (*ExitSignal, error) {
	if p.err != nil {
		return nil, p.err
	}
	sig, ok := p.exits[pos.PositionID]
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

// scriptedCompiler hands every Compile the same program and counts calls.
type scriptedCompiler struct {
	mu       sync.Mutex
	program  StrategyProgram
	err      error
	compiles int
}

func (c *scriptedCompiler) Compile(_, _ string) (StrategyProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiles++
	if c.err != nil {
		return nil, c.err
	}
	return c.program, nil
}

func (c *scriptedCompiler) compileCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}

// --- Fixtures ---

// testStrategy is a valid paper strategy with fixed sizing.
func testStrategy(id string) Strategy {
	return Strategy{
		ID:            id,
		UserID:        "user_1",
		ChatID:        "chat_1",
		Name:          "mean reversion",
		Thesis:        "prices revert",
		Platform:      "polymarket",
		ExecFrequency: time.Minute,
		Capital: Capital{
			Total:        1000,
			PerTrade:     100,
			MaxPositions: 3,
			MaxDailyLoss: 50,
			SizingMethod: SizingFixed,
		},
		FileIDs:  FileIDs{Entry: "f_entry", Exit: "f_exit", Config: "f_config"},
		Mode:     ModePaper,
		Enabled:  true,
		Approved: true,
	}
}

// seedStrategyFiles writes the strategy's three chat files into fs.
func seedStrategyFiles(fs *memFileStore) {
	config := `{
		"name": "mean reversion",
		"thesis": "prices revert",
		"platform": "polymarket",
		"execution_frequency_seconds": 60,
		"capital": {"total": 1000, "per_trade": 100, "max_positions": 3, "max_daily_loss": 50, "sizing_method": "fixed"}
	}`
	files := []ChatFile{
		{ID: "f_entry", ChatID: "chat_1", Name: "entry.js", FileType: "text/javascript", Data: []byte("function entry(data) { return []; }")},
		{ID: "f_exit", ChatID: "chat_1", Name: "exit.js", FileType: "text/javascript", Data: []byte("function exit(data, position) { return null; }")},
		{ID: "f_config", ChatID: "chat_1", Name: "config.json", FileType: "application/json", Data: []byte(config)},
	}
	for _, f := range files {
		fs.files[f.ID] = f
	}
}

// collectEvents drains ch into a slice until it closes.
func collectEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// eventTypes projects the type sequence of a stream.
func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

var errBoom = errors.New("boom")
