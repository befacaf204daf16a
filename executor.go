package tape

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// CycleTimeout sets the wall clock for one strategy cycle (default: 30s).
func CycleTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.cycleTO = d }
}

// DryRun makes the executor record intended actions without submitting or
// simulating any order.
func DryRun() ExecutorOption {
	return func(e *Executor) { e.dryRun = true }
}

// ExecutorClock injects the time source (default: time.Now).
func ExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = now }
}

// ExecutorLogger sets the structured logger (default: no output).
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// ExecutorEmit registers an optional event fan-out: cycle progress is
// mirrored as tool_status events for any live watcher.
func ExecutorEmit(emit func(Event)) ExecutorOption {
	return func(e *Executor) { e.emit = emit }
}

// Executor runs one cycle for one strategy: evaluate exits on open
// positions, then entries under the capital guard, then record the outcome.
// It never returns an error; failures become failed execution records and
// the next scheduler tick re-attempts.
type Executor struct {
	loader     *Loader
	broker     BrokerClient
	strategies StrategyStore
	executions ExecutionStore
	cycleTO    time.Duration
	dryRun     bool
	clock      func() time.Time
	logger     *slog.Logger
	emit       func(Event)
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(loader *Loader, broker BrokerClient, strategies StrategyStore, executions ExecutionStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		loader:     loader,
		broker:     broker,
		strategies: strategies,
		executions: executions,
		cycleTO:    30 * time.Second,
		clock:      time.Now,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// cycleState accumulates realized outcomes while a cycle runs, applied to
// the strategy's stats in one UpdateStats call at the end.
type cycleState struct {
	rec       ExecutionRecord
	entries   int     // accepted entries
	exits     int     // realized exits
	wins      int
	losses    int
	realized  float64 // realized pnl this cycle
	deployed  float64 // capital deployed by accepted entries
	released  float64 // capital released by realized exits
	positions int     // open positions after broker read
}

// ExecuteCycle runs one full cycle for st and returns the recorded outcome.
func (e *Executor) ExecuteCycle(ctx context.Context, st Strategy) ExecutionRecord {
	if e.cycleTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cycleTO)
		defer cancel()
	}

	started := e.clock()
	cs := &cycleState{rec: ExecutionRecord{
		ID:         NewID(),
		StrategyID: st.ID,
		Status:     "success",
		Mode:       st.Mode,
		StartedAt:  started,
	}}

	err := e.runCycle(ctx, st, cs)
	if err != nil {
		cs.rec.Status = "failed"
		cs.rec.Error = err.Error()
		e.logger.Warn("strategy cycle failed", "strategy_id", st.ID, "error", err)
	}
	cs.rec.DurationMS = e.clock().Sub(started).Milliseconds()

	if err == nil {
		if serr := e.applyStats(ctx, st, cs); serr != nil {
			e.logger.Warn("stats update failed", "strategy_id", st.ID, "error", serr)
			cs.log(e, "stats update failed: "+serr.Error())
		}
	}

	// The record is written on success and failure alike; it is the only
	// place a cycle failure ever surfaces.
	if rerr := e.executions.RecordExecution(context.WithoutCancel(ctx), cs.rec); rerr != nil {
		e.logger.Error("record execution failed", "strategy_id", st.ID, "error", rerr)
	}
	return cs.rec
}

// runCycle is the fallible body of a cycle: load, snapshot, exits,
// entries, persist.
func (e *Executor) runCycle(ctx context.Context, st Strategy, cs *cycleState) error {
	cs.log(e, "cycle started, mode="+string(st.Mode))

	bundle, err := e.loader.Load(ctx, st)
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}

	positions, err := e.broker.Positions(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("read positions: %w", err)
	}
	cs.positions = len(positions)
	cs.log(e, fmt.Sprintf("%d open positions", len(positions)))

	data := EntryData{
		Now:        e.clock(),
		Parameters: st.Parameters,
		Capital:    st.Capital,
		Stats:      st.Stats,
		Positions:  positions,
	}

	// Exits run before entries so freed capital is available this cycle.
	for _, pos := range positions {
		sig, err := bundle.Exit.Exit(ctx, data, pos)
		if err != nil {
			return fmt.Errorf("exit %s: %w", pos.PositionID, err)
		}
		if sig == nil {
			continue
		}
		cs.rec.ExitSignals = append(cs.rec.ExitSignals, *sig)
		if err := e.placeExit(ctx, st, cs, pos, *sig); err != nil {
			return err
		}
	}

	signals, err := bundle.Entry.Entry(ctx, data)
	if err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	cs.rec.EntrySignals = signals
	cs.log(e, fmt.Sprintf("%d entry signals", len(signals)))

	// Highest conviction first; stable so ties keep code order.
	ordered := make([]EntrySignal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})

	// Guard state advances as entries are accepted within the cycle.
	stats := st.Stats
	stats.CurrentPositions = cs.positions - cs.exits
	stats.DeployedCapital += cs.deployed - cs.released
	for _, sig := range ordered {
		dec := EvaluateEntry(st.Capital, stats, st.Mode, st.Approved, sig)
		if !dec.Accept {
			cs.rec.Actions = append(cs.rec.Actions, ExecutionAction{
				Kind:     "entry",
				Status:   ActionSkipped,
				MarketID: sig.MarketID,
				Side:     sig.Side,
				Reason:   dec.Reason,
			})
			cs.log(e, fmt.Sprintf("entry %s skipped: %s", sig.MarketID, dec.Reason))
			continue
		}
		if err := e.placeEntry(ctx, st, cs, sig, dec.Size); err != nil {
			return err
		}
		stats.CurrentPositions++
		stats.DeployedCapital += dec.Size
	}
	return nil
}

// placeExit closes one position: a live order, a simulated fill, or a dry
// run note, by mode.
func (e *Executor) placeExit(ctx context.Context, st Strategy, cs *cycleState, pos Position, sig ExitSignal) error {
	action := ExecutionAction{
		Kind:       "exit",
		PositionID: pos.PositionID,
		MarketID:   pos.MarketID,
		Side:       pos.Side,
		Size:       pos.Size,
		Reason:     sig.Reason,
	}
	pnl := pos.UnrealizedPnL()

	switch {
	case e.dryRun:
		action.Status = ActionIntended
	case st.Mode == ModeLive:
		ack, err := e.broker.SubmitOrder(ctx, OrderParams{
			StrategyID: st.ID,
			MarketID:   pos.MarketID,
			PositionID: pos.PositionID,
			Side:       pos.Side,
			Size:       pos.Size,
			Action:     "exit",
		})
		if err != nil {
			return fmt.Errorf("submit exit %s: %w", pos.PositionID, err)
		}
		action.Status = ActionSubmitted
		pnl = (ack.FillPrice - pos.EntryPrice) * pos.Size
	default: // paper, backtest: fill at mark
		action.Status = ActionSimulated
	}
	cs.rec.Actions = append(cs.rec.Actions, action)
	cs.log(e, fmt.Sprintf("exit %s %s: pnl %.2f (%s)", pos.PositionID, action.Status, pnl, sig.Reason))

	if e.dryRun {
		return nil
	}
	cs.exits++
	cs.realized += pnl
	cs.released += pos.EntryPrice * pos.Size
	if pnl >= 0 {
		cs.wins++
	} else {
		cs.losses++
	}
	return nil
}

// placeEntry opens one position worth size.
func (e *Executor) placeEntry(ctx context.Context, st Strategy, cs *cycleState, sig EntrySignal, size float64) error {
	action := ExecutionAction{
		Kind:     "entry",
		MarketID: sig.MarketID,
		Side:     sig.Side,
		Size:     size,
		Reason:   sig.Reason,
	}
	switch {
	case e.dryRun:
		action.Status = ActionIntended
	case st.Mode == ModeLive:
		ack, err := e.broker.SubmitOrder(ctx, OrderParams{
			StrategyID: st.ID,
			MarketID:   sig.MarketID,
			Side:       sig.Side,
			Size:       size,
			Action:     "entry",
		})
		if err != nil {
			return fmt.Errorf("submit entry %s: %w", sig.MarketID, err)
		}
		action.PositionID = ack.PositionID
		action.Status = ActionSubmitted
	default:
		action.Status = ActionSimulated
	}
	cs.rec.Actions = append(cs.rec.Actions, action)
	cs.log(e, fmt.Sprintf("entry %s %s: size %.2f conf %.2f", sig.MarketID, action.Status, size, sig.Confidence))

	if !e.dryRun {
		cs.entries++
		cs.deployed += size
	}
	return nil
}

// applyStats folds the cycle's realized outcomes into the strategy's
// rolling counters under the store's row lock.
func (e *Executor) applyStats(ctx context.Context, st Strategy, cs *cycleState) error {
	now := e.clock()
	return e.strategies.UpdateStats(ctx, st.ID, func(s *StrategyStats) error {
		// The kill-switch window is the UTC trading day.
		if !sameDay(s.LastRunAt, now) {
			s.DailyLoss = 0
		}
		s.Trades += cs.entries
		s.Wins += cs.wins
		s.Losses += cs.losses
		s.PnL += cs.realized
		if cs.realized < 0 {
			s.DailyLoss += -cs.realized
		}
		if s.PnL > s.PeakPnL {
			s.PeakPnL = s.PnL
		}
		if st.Capital.Total > 0 {
			if dd := (s.PeakPnL - s.PnL) / st.Capital.Total; dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
		s.CurrentPositions = cs.positions - cs.exits + cs.entries
		s.DeployedCapital += cs.deployed - cs.released
		if s.DeployedCapital < 0 {
			s.DeployedCapital = 0
		}
		s.LastRunAt = now
		return nil
	})
}

// log appends a line to the execution record and mirrors it to any live
// watcher via the optional emit hook.
func (cs *cycleState) log(e *Executor, msg string) {
	cs.rec.Logs = append(cs.rec.Logs, msg)
	if e.emit != nil {
		e.emit(toolStatusEvent(e.clock(), "running", msg))
	}
}

// sameDay reports whether a and b fall on the same UTC calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
