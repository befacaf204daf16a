package tape

import (
	"context"
	"testing"
	"time"
)

// newTestExecutor wires an executor over in-memory collaborators with the
// given scripted program behind the loader.
func newTestExecutor(t *testing.T, program StrategyProgram, broker *fakeBroker, opts ...ExecutorOption) (*Executor, *memStrategyStore, *memExecutionStore) {
	t.Helper()
	files := newMemFileStore()
	seedStrategyFiles(files)
	loader := NewLoader(files, &scriptedCompiler{program: program})
	strategies := newMemStrategyStore()
	executions := newMemExecutionStore()
	exec := NewExecutor(loader, broker, strategies, executions, opts...)
	return exec, strategies, executions
}

func TestExecuteCyclePaperEntry(t *testing.T) {
	program := scriptedProgram{entries: []EntrySignal{
		{MarketID: "mkt_a", Side: "yes", Reason: "undervalued", Confidence: 0.8},
	}}
	broker := newFakeBroker()
	clock := newFakeClock(testEpoch)
	exec, strategies, executions := newTestExecutor(t, program, broker, ExecutorClock(clock.Now))

	st := testStrategy("s1")
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q (%s)", rec.Status, rec.Error)
	}
	if len(rec.Actions) != 1 {
		t.Fatalf("Actions = %d, want 1", len(rec.Actions))
	}
	action := rec.Actions[0]
	if action.Status != ActionSimulated || action.Size != 100 {
		t.Errorf("action = %+v, want simulated size 100", action)
	}
	// Paper mode never touches the order API.
	if len(broker.submitted()) != 0 {
		t.Errorf("paper cycle submitted %d orders", len(broker.submitted()))
	}

	got, _ := strategies.StrategyByID(context.Background(), "s1")
	if got.Stats.Trades != 1 || got.Stats.DeployedCapital != 100 || got.Stats.CurrentPositions != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}
	if !got.Stats.LastRunAt.Equal(testEpoch) {
		t.Errorf("LastRunAt = %v", got.Stats.LastRunAt)
	}

	records, _ := executions.Executions(context.Background(), "s1", 10)
	if len(records) != 1 {
		t.Errorf("stored records = %d, want 1", len(records))
	}
}

func TestExecuteCycleConfidenceOrderUnderCap(t *testing.T) {
	// Three signals, room for exactly one more position. Only the highest
	// conviction signal is placed; the rest are skipped on max_positions.
	program := scriptedProgram{entries: []EntrySignal{
		{MarketID: "mkt_low", Side: "yes", Confidence: 0.7},
		{MarketID: "mkt_high", Side: "yes", Confidence: 0.9},
		{MarketID: "mkt_mid", Side: "yes", Confidence: 0.8},
	}}
	broker := newFakeBroker()
	broker.positions["s1"] = []Position{
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 100, EntryPrice: 1, MarkPrice: 1},
		{PositionID: "p2", StrategyID: "s1", MarketID: "m2", Side: "yes", Size: 100, EntryPrice: 1, MarkPrice: 1},
	}
	exec, strategies, _ := newTestExecutor(t, program, broker)

	st := testStrategy("s1")
	st.Stats.CurrentPositions = 2
	st.Stats.DeployedCapital = 200
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q (%s)", rec.Status, rec.Error)
	}

	var placed, skipped []string
	for _, a := range rec.Actions {
		if a.Kind != "entry" {
			continue
		}
		if a.Status == ActionSkipped {
			skipped = append(skipped, a.MarketID)
			if a.Reason != RejectMaxPositions {
				t.Errorf("skip reason = %q, want max_positions", a.Reason)
			}
		} else {
			placed = append(placed, a.MarketID)
		}
	}
	if len(placed) != 1 || placed[0] != "mkt_high" {
		t.Errorf("placed = %v, want only mkt_high", placed)
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want the two lower-confidence signals", skipped)
	}
}

func TestExecuteCycleExitsBeforeEntries(t *testing.T) {
	// Capital is fully deployed, but the exit frees enough for the entry to
	// go through in the same cycle.
	program := scriptedProgram{
		entries: []EntrySignal{{MarketID: "mkt_new", Side: "yes", Confidence: 0.9}},
		exits:   map[string]ExitSignal{"p1": {PositionID: "p1", Reason: "target hit"}},
	}
	broker := newFakeBroker()
	broker.positions["s1"] = []Position{
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 100, EntryPrice: 10, MarkPrice: 11},
	}
	exec, strategies, _ := newTestExecutor(t, program, broker)

	st := testStrategy("s1")
	st.Capital.Total = 1000
	st.Capital.PerTrade = 100
	st.Stats.CurrentPositions = 1
	st.Stats.DeployedCapital = 1000
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q (%s)", rec.Status, rec.Error)
	}

	var exitIdx, entryIdx = -1, -1
	for i, a := range rec.Actions {
		switch a.Kind {
		case "exit":
			exitIdx = i
		case "entry":
			entryIdx = i
			if a.Status != ActionSimulated {
				t.Errorf("entry after exit = %+v, want simulated", a)
			}
		}
	}
	if exitIdx == -1 || entryIdx == -1 || exitIdx > entryIdx {
		t.Errorf("actions = %v, want exit before entry", rec.Actions)
	}
}

func TestExecuteCycleLiveSubmitsOrders(t *testing.T) {
	program := scriptedProgram{
		entries: []EntrySignal{{MarketID: "mkt_a", Side: "yes", Confidence: 0.9}},
		exits:   map[string]ExitSignal{"p1": {PositionID: "p1", Reason: "stop"}},
	}
	broker := newFakeBroker()
	broker.fillPrice = 9
	broker.positions["s1"] = []Position{
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 10, EntryPrice: 10, MarkPrice: 9.5},
	}
	exec, strategies, _ := newTestExecutor(t, program, broker)

	st := testStrategy("s1")
	st.Mode = ModeLive
	st.Stats.CurrentPositions = 1
	st.Stats.DeployedCapital = 100
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q (%s)", rec.Status, rec.Error)
	}

	orders := broker.submitted()
	if len(orders) != 2 {
		t.Fatalf("submitted %d orders, want exit + entry", len(orders))
	}
	if orders[0].Action != "exit" || orders[0].PositionID != "p1" {
		t.Errorf("first order = %+v, want the exit", orders[0])
	}
	if orders[1].Action != "entry" || orders[1].MarketID != "mkt_a" {
		t.Errorf("second order = %+v, want the entry", orders[1])
	}

	// Live pnl uses the fill price: (9 - 10) * 10 = -10.
	got, _ := strategies.StrategyByID(context.Background(), "s1")
	if got.Stats.PnL != -10 || got.Stats.DailyLoss != 10 || got.Stats.Losses != 1 {
		t.Errorf("stats = %+v, want pnl -10 daily loss 10", got.Stats)
	}
}

func TestExecuteCycleLiveUnapprovedSkips(t *testing.T) {
	program := scriptedProgram{entries: []EntrySignal{{MarketID: "mkt_a", Side: "yes", Confidence: 0.9}}}
	broker := newFakeBroker()
	exec, strategies, _ := newTestExecutor(t, program, broker)

	st := testStrategy("s1")
	st.Mode = ModeLive
	st.Approved = false
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q", rec.Status)
	}
	if len(rec.Actions) != 1 || rec.Actions[0].Status != ActionSkipped || rec.Actions[0].Reason != RejectNotApproved {
		t.Errorf("actions = %v, want one not_approved skip", rec.Actions)
	}
	if len(broker.submitted()) != 0 {
		t.Error("unapproved live strategy submitted an order")
	}
}

func TestExecuteCycleDryRun(t *testing.T) {
	program := scriptedProgram{
		entries: []EntrySignal{{MarketID: "mkt_a", Side: "yes", Confidence: 0.9}},
		exits:   map[string]ExitSignal{"p1": {PositionID: "p1", Reason: "stop"}},
	}
	broker := newFakeBroker()
	broker.positions["s1"] = []Position{
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 10, EntryPrice: 10, MarkPrice: 9},
	}
	exec, strategies, _ := newTestExecutor(t, program, broker, DryRun())

	st := testStrategy("s1")
	st.Mode = ModeLive
	st.Stats.CurrentPositions = 1
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	for _, a := range rec.Actions {
		if a.Status != ActionIntended {
			t.Errorf("dry run action = %+v, want intended", a)
		}
	}
	if len(broker.submitted()) != 0 {
		t.Error("dry run submitted an order")
	}
	// Dry runs record intent but never move the counters.
	got, _ := strategies.StrategyByID(context.Background(), "s1")
	if got.Stats.Trades != 0 || got.Stats.PnL != 0 {
		t.Errorf("dry run mutated stats: %+v", got.Stats)
	}
}

func TestExecuteCycleEntryErrorFailsRecord(t *testing.T) {
	program := scriptedProgram{err: errBoom}
	broker := newFakeBroker()
	exec, strategies, executions := newTestExecutor(t, program, broker)

	st := testStrategy("s1")
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "failed" {
		t.Fatalf("Status = %q, want failed", rec.Status)
	}
	if rec.Error == "" {
		t.Error("failed record has no error text")
	}
	// Failures do not disable the strategy; the next tick retries.
	got, _ := strategies.StrategyByID(context.Background(), "s1")
	if !got.Enabled {
		t.Error("failure disabled the strategy")
	}
	records := executions.all()
	if len(records) != 1 || records[0].Status != "failed" {
		t.Errorf("records = %v, want one failed record", records)
	}
}

func TestExecuteCycleDailyLossResetAcrossDays(t *testing.T) {
	program := scriptedProgram{
		exits: map[string]ExitSignal{"p1": {PositionID: "p1", Reason: "stop"}},
	}
	broker := newFakeBroker()
	broker.positions["s1"] = []Position{
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 10, EntryPrice: 10, MarkPrice: 9},
	}
	clock := newFakeClock(testEpoch)
	exec, strategies, _ := newTestExecutor(t, program, broker, ExecutorClock(clock.Now))

	st := testStrategy("s1")
	st.Stats.CurrentPositions = 1
	st.Stats.DeployedCapital = 100
	st.Stats.DailyLoss = 40
	st.Stats.LastRunAt = testEpoch.Add(-26 * time.Hour) // yesterday
	strategies.PutStrategy(context.Background(), st)

	rec := exec.ExecuteCycle(context.Background(), st)
	if rec.Status != "success" {
		t.Fatalf("Status = %q (%s)", rec.Status, rec.Error)
	}
	got, _ := strategies.StrategyByID(context.Background(), "s1")
	// Yesterday's 40 is gone; today's realized loss of 10 remains.
	if got.Stats.DailyLoss != 10 {
		t.Errorf("DailyLoss = %v, want 10 after the UTC day reset", got.Stats.DailyLoss)
	}
}

func TestExecuteCycleDrawdownTracking(t *testing.T) {
	program := scriptedProgram{
		exits: map[string]ExitSignal{"p1": {PositionID: "p1", Reason: "stop"}},
	}
	broker := newFakeBroker()
	broker.positions["s1"] = []Position{
		// Simulated fill at mark: (8 - 10) * 50 = -100 realized.
		{PositionID: "p1", StrategyID: "s1", MarketID: "m1", Side: "yes", Size: 50, EntryPrice: 10, MarkPrice: 8},
	}
	clock := newFakeClock(testEpoch)
	exec, strategies, _ := newTestExecutor(t, program, broker, ExecutorClock(clock.Now))

	st := testStrategy("s1")
	st.Stats.CurrentPositions = 1
	st.Stats.DeployedCapital = 500
	st.Stats.PnL = 50
	st.Stats.PeakPnL = 50
	st.Stats.LastRunAt = testEpoch.Add(-time.Minute)
	strategies.PutStrategy(context.Background(), st)

	exec.ExecuteCycle(context.Background(), st)
	got, _ := strategies.StrategyByID(context.Background(), "s1")
	if got.Stats.PnL != -50 {
		t.Errorf("PnL = %v, want -50", got.Stats.PnL)
	}
	// Peak 50, trough -50, capital 1000: drawdown 10%.
	if got.Stats.MaxDrawdown != 0.1 {
		t.Errorf("MaxDrawdown = %v, want 0.1", got.Stats.MaxDrawdown)
	}
	if got.Stats.PeakPnL != 50 {
		t.Errorf("PeakPnL = %v, want unchanged high-water mark", got.Stats.PeakPnL)
	}
}

func TestExecuteCycleEmitMirrorsProgress(t *testing.T) {
	program := scriptedProgram{}
	broker := newFakeBroker()
	var events []Event
	exec, strategies, _ := newTestExecutor(t, program, broker, ExecutorEmit(func(ev Event) {
		events = append(events, ev)
	}))

	st := testStrategy("s1")
	strategies.PutStrategy(context.Background(), st)
	exec.ExecuteCycle(context.Background(), st)

	if len(events) == 0 {
		t.Fatal("no progress events mirrored")
	}
	for _, ev := range events {
		if ev.Type != EventToolStatus {
			t.Errorf("event type = %s, want tool_status", ev.Type)
		}
	}
}
