package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tape "github.com/oddlot/tape"
	"github.com/oddlot/tape/sandbox"
)

const (
	entrySrc = `function entry(data) {
	if (data.quote.price > 0) {
		return [{market_id: "AAPL", side: "buy", reason: "up", confidence: 0.8}];
	}
	return [];
}`
	exitSrc = `function exit(data, position) {
	if (position.mark_price < position.entry_price * 0.95) {
		return {reason: "stop"};
	}
	return null;
}`
	configSrc = `{
	"name": "momentum",
	"thesis": "ride the trend",
	"platform": "alpaca",
	"execution_frequency_seconds": 300,
	"capital": {"total": 1000, "per_trade": 100, "max_positions": 3, "sizing_method": "fixed"}
}`
)

// fakeStore implements the handler-facing slice of Store; unimplemented
// methods panic through the embedded nil interface.
type fakeStore struct {
	Store
	files      map[string]tape.ChatFile // keyed chatID + "/" + name
	strategies map[string]tape.Strategy
	messages   []tape.Message
	executions []tape.ExecutionRecord
	syncState  tape.SyncState
	activities []tape.Activity
	afterRead  func() // runs after StrategyByID, before the handler writes
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:      make(map[string]tape.ChatFile),
		strategies: make(map[string]tape.Strategy),
	}
}

func (f *fakeStore) Messages(_ context.Context, _ string) ([]tape.Message, error) {
	return f.messages, nil
}

func (f *fakeStore) File(_ context.Context, chatID, name string) (tape.ChatFile, error) {
	cf, ok := f.files[chatID+"/"+name]
	if !ok {
		return tape.ChatFile{}, fmt.Errorf("file %q not found", name)
	}
	return cf, nil
}

func (f *fakeStore) PutStrategy(_ context.Context, st tape.Strategy) error {
	f.strategies[st.ID] = st
	return nil
}

func (f *fakeStore) StrategyByID(_ context.Context, id string) (tape.Strategy, error) {
	st, ok := f.strategies[id]
	if !ok {
		return tape.Strategy{}, fmt.Errorf("strategy %q not found", id)
	}
	if f.afterRead != nil {
		f.afterRead()
	}
	return st, nil
}

func (f *fakeStore) SetMode(_ context.Context, id string, mode tape.Mode) error {
	st := f.strategies[id]
	st.Mode = mode
	f.strategies[id] = st
	return nil
}

func (f *fakeStore) SetApproved(_ context.Context, id string, approved bool) error {
	st := f.strategies[id]
	st.Approved = approved
	f.strategies[id] = st
	return nil
}

func (f *fakeStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	st := f.strategies[id]
	st.Enabled = enabled
	f.strategies[id] = st
	return nil
}

func (f *fakeStore) Executions(_ context.Context, _ string, _ int) ([]tape.ExecutionRecord, error) {
	return f.executions, nil
}

func (f *fakeStore) SyncState(_ context.Context, userID string) (tape.SyncState, error) {
	return f.syncState, nil
}

func (f *fakeStore) SetSyncState(_ context.Context, st tape.SyncState) error {
	f.syncState = st
	return nil
}

func (f *fakeStore) SaveActivities(_ context.Context, _ string, acts []tape.Activity) error {
	f.activities = acts
	return nil
}

func (f *fakeStore) Activities(_ context.Context, _ string) ([]tape.Activity, error) {
	return f.activities, nil
}

type fakeBroker struct {
	acts []tape.Activity
	err  error
}

func (b *fakeBroker) Positions(_ context.Context, _ string) ([]tape.Position, error) {
	return nil, nil
}

func (b *fakeBroker) SubmitOrder(_ context.Context, _ tape.OrderParams) (tape.OrderAck, error) {
	return tape.OrderAck{}, nil
}

func (b *fakeBroker) Activities(_ context.Context, _, _ string, _, _ time.Time) ([]tape.Activity, error) {
	return b.acts, b.err
}

// fakeRunner streams two deltas and a done event.
type fakeRunner struct {
	gotTurn tape.Turn
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, t tape.Turn) (tape.Result, error) {
	f.gotTurn = t
	return tape.Result{Output: "ok"}, nil
}

func (f *fakeRunner) RunStream(_ context.Context, t tape.Turn, ch chan<- tape.Event) (tape.Result, error) {
	f.gotTurn = t
	ch <- tape.Event{Type: tape.EventAssistantDelta, Delta: "hel"}
	ch <- tape.Event{Type: tape.EventAssistantDelta, Delta: "lo"}
	ch <- tape.Event{Type: tape.EventDone}
	close(ch)
	return tape.Result{Output: "hello"}, nil
}

func testApp(t *testing.T, fs *fakeStore) (*App, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	a := &App{
		log:    slog.New(slog.DiscardHandler),
		store:  fs,
		chat:   runner,
		engine: sandbox.New(),
		sync:   tape.NewSyncService(fs, &fakeBroker{acts: []tape.Activity{{ID: "a1", Kind: "trade"}}}),
	}
	return a, runner
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendMessageStreamsSSE(t *testing.T) {
	a, runner := testApp(t, newFakeStore())
	h := a.routes()

	rec := do(t, h, "POST", "/v1/chats/c1/messages", "u1", map[string]string{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: assistant_message_delta", `"delta":"hel"`, "event: done"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if runner.gotTurn.UserID != "u1" || runner.gotTurn.ChatID != "c1" {
		t.Errorf("turn identity = %+v", runner.gotTurn)
	}
}

func TestSendMessageRequiresUser(t *testing.T) {
	a, _ := testApp(t, newFakeStore())
	rec := do(t, a.routes(), "POST", "/v1/chats/c1/messages", "", map[string]string{"text": "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendMessageRequiresText(t *testing.T) {
	a, _ := testApp(t, newFakeStore())
	rec := do(t, a.routes(), "POST", "/v1/chats/c1/messages", "u1", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	fs := newFakeStore()
	fs.messages = []tape.Message{tape.UserMessage("hi"), tape.AssistantMessage("hello")}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "GET", "/v1/chats/c1/messages", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Messages []tape.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", resp.Messages)
	}
}

func seedFiles(fs *fakeStore, chatID string) {
	fs.files[chatID+"/entry.js"] = tape.ChatFile{ID: "f1", ChatID: chatID, Name: "entry.js", Data: []byte(entrySrc)}
	fs.files[chatID+"/exit.js"] = tape.ChatFile{ID: "f2", ChatID: chatID, Name: "exit.js", Data: []byte(exitSrc)}
	fs.files[chatID+"/config.json"] = tape.ChatFile{ID: "f3", ChatID: chatID, Name: "config.json", Data: []byte(configSrc)}
}

func TestCreateStrategy(t *testing.T) {
	fs := newFakeStore()
	seedFiles(fs, "c1")
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies", "u1", map[string]string{"chat_id": "c1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var st tape.Strategy
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Name != "momentum" || st.UserID != "u1" || st.Mode != tape.ModeBacktest {
		t.Errorf("strategy = %+v", st)
	}
	if st.FileIDs != (tape.FileIDs{Entry: "f1", Exit: "f2", Config: "f3"}) {
		t.Errorf("file ids = %+v", st.FileIDs)
	}
	if st.Enabled || st.Approved {
		t.Error("new strategy must start disabled and unapproved")
	}
	if _, ok := fs.strategies[st.ID]; !ok {
		t.Error("strategy not persisted")
	}
}

func TestCreateStrategyMissingFile(t *testing.T) {
	fs := newFakeStore()
	fs.files["c1/entry.js"] = tape.ChatFile{ID: "f1", Name: "entry.js", Data: []byte(entrySrc)}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies", "u1", map[string]string{"chat_id": "c1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "exit.js") {
		t.Errorf("error should name the missing file: %s", rec.Body.String())
	}
}

func TestCreateStrategyBadCode(t *testing.T) {
	fs := newFakeStore()
	seedFiles(fs, "c1")
	fs.files["c1/entry.js"] = tape.ChatFile{ID: "f1", Name: "entry.js", Data: []byte(`function wrong() { return []; }`)}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies", "u1", map[string]string{"chat_id": "c1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	if len(fs.strategies) != 0 {
		t.Error("invalid strategy must not persist")
	}
}

func TestPromote(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1", Mode: tape.ModeBacktest}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies/s1/promote", "u1", map[string]string{"mode": "paper"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if fs.strategies["s1"].Mode != tape.ModePaper {
		t.Errorf("mode = %s, want paper", fs.strategies["s1"].Mode)
	}
}

func TestPromoteUngraduated(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1", Mode: tape.ModePaper}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies/s1/promote", "u1", map[string]string{"mode": "live"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "paper trades") {
		t.Errorf("error should name the failed criterion: %s", rec.Body.String())
	}
	if fs.strategies["s1"].Mode != tape.ModePaper {
		t.Error("mode must not change on refusal")
	}
}

func TestPromoteCrossUser(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "other", Mode: tape.ModeBacktest}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies/s1/promote", "u1", map[string]string{"mode": "paper"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestApproveAndEnable(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1", Mode: tape.ModePaper}
	a, _ := testApp(t, fs)
	h := a.routes()

	rec := do(t, h, "POST", "/v1/strategies/s1/approve", "u1", map[string]bool{"approved": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}
	if !fs.strategies["s1"].Approved {
		t.Error("strategy not approved")
	}

	rec = do(t, h, "POST", "/v1/strategies/s1/enable", "u1", map[string]bool{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if !fs.strategies["s1"].Enabled {
		t.Error("strategy not enabled")
	}
}

func TestApproveKeepsCycleStats(t *testing.T) {
	// A cycle commits stats between the handler's read and its write. The
	// approve flag is a column update, so those stats must survive.
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1", Mode: tape.ModePaper}
	fs.afterRead = func() {
		st := fs.strategies["s1"]
		st.Stats = tape.StrategyStats{Trades: 7, PnL: 42}
		fs.strategies["s1"] = st
	}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies/s1/approve", "u1", map[string]bool{"approved": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}
	got := fs.strategies["s1"]
	if !got.Approved {
		t.Error("strategy not approved")
	}
	if got.Stats.Trades != 7 || got.Stats.PnL != 42 {
		t.Errorf("cycle stats lost: trades=%d pnl=%v", got.Stats.Trades, got.Stats.PnL)
	}
}

func TestEnableRequiresFlag(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1"}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "POST", "/v1/strategies/s1/enable", "u1", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExecutions(t *testing.T) {
	fs := newFakeStore()
	fs.strategies["s1"] = tape.Strategy{ID: "s1", UserID: "u1"}
	fs.executions = []tape.ExecutionRecord{{ID: "ex1", StrategyID: "s1", Status: "success"}}
	a, _ := testApp(t, fs)

	rec := do(t, a.routes(), "GET", "/v1/strategies/s1/executions", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Executions []tape.ExecutionRecord `json:"executions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Executions) != 1 || resp.Executions[0].ID != "ex1" {
		t.Errorf("executions = %+v", resp.Executions)
	}
}

func TestForceSync(t *testing.T) {
	a, _ := testApp(t, newFakeStore())

	rec := do(t, a.routes(), "POST", "/v1/sync", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res tape.SyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Cached {
		t.Error("forced sync must not report cached")
	}
}

func TestSyncAuthRequired(t *testing.T) {
	fs := newFakeStore()
	a, _ := testApp(t, fs)
	a.sync = tape.NewSyncService(fs, &fakeBroker{err: tape.ErrAuthRequired})

	rec := do(t, a.routes(), "POST", "/v1/sync", "u1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", rec.Code, rec.Body.String())
	}
}
