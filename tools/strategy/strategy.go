// Package strategy lets the chat agent inspect and pause the user's
// trading strategies. Creation and promotion stay on the API surface;
// the tool only exposes what a conversation legitimately needs.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oddlot/tape"
)

const statusExecutions = 5

// Tool provides list_strategies, strategy_status, and set_strategy_enabled.
type Tool struct {
	strategies tape.StrategyStore
	executions tape.ExecutionStore
}

// New creates a strategy tool over the stores.
func New(strategies tape.StrategyStore, executions tape.ExecutionStore) *Tool {
	return &Tool{strategies: strategies, executions: executions}
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{
		{
			Name:        "list_strategies",
			Description: "List the user's trading strategies with mode, enabled state, and headline stats.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "strategy_status",
			Description: "Get one strategy's full status: configuration, stats, and its most recent execution cycles.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"strategy_id":{"type":"string","description":"Strategy id from list_strategies"}},"required":["strategy_id"]}`),
		},
		{
			Name:        "set_strategy_enabled",
			Description: "Pause or resume a strategy. A paused strategy is skipped by the scheduler until resumed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"strategy_id":{"type":"string"},"enabled":{"type":"boolean"}},"required":["strategy_id","enabled"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		StrategyID string `json:"strategy_id"`
		Enabled    *bool  `json:"enabled"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	switch name {
	case "list_strategies":
		return t.list(ctx)
	case "strategy_status":
		return t.status(ctx, params.StrategyID)
	case "set_strategy_enabled":
		if params.Enabled == nil {
			return tape.ToolResult{Error: "enabled is required"}, nil
		}
		return t.setEnabled(ctx, params.StrategyID, *params.Enabled)
	default:
		return tape.ToolResult{Error: "unknown strategy tool: " + name}, nil
	}
}

func (t *Tool) list(ctx context.Context) (tape.ToolResult, error) {
	inv := tape.InvocationFrom(ctx)
	sts, err := t.strategies.StrategiesByUser(ctx, inv.UserID)
	if err != nil {
		return tape.ToolResult{Error: "list strategies: " + err.Error()}, err
	}
	if len(sts) == 0 {
		return tape.ToolResult{Content: "No strategies yet. Strategies are created from chat files via the API."}, nil
	}

	var b strings.Builder
	for _, st := range sts {
		state := "paused"
		if st.Enabled {
			state = "enabled"
		}
		if !st.Approved {
			state += ", awaiting approval"
		}
		fmt.Fprintf(&b, "%s  %q on %s [%s, %s]  trades=%d win_rate=%.0f%% pnl=%.2f\n",
			st.ID, st.Name, st.Platform, st.Mode, state,
			st.Stats.Trades, st.Stats.WinRate()*100, st.Stats.PnL)
	}
	return tape.ToolResult{Content: b.String()}, nil
}

func (t *Tool) status(ctx context.Context, id string) (tape.ToolResult, error) {
	if id == "" {
		return tape.ToolResult{Error: "strategy_id is required"}, nil
	}
	st, err := t.strategies.StrategyByID(ctx, id)
	if err != nil {
		return tape.ToolResult{Error: "strategy " + id + ": " + err.Error()}, nil
	}
	// Strategies are user-scoped; a chat must not read another user's.
	inv := tape.InvocationFrom(ctx)
	if inv.UserID != "" && st.UserID != inv.UserID {
		return tape.ToolResult{Error: "strategy " + id + ": not found"}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%q (%s) on %s\n", st.Name, st.ID, st.Platform)
	fmt.Fprintf(&b, "Thesis: %s\n", st.Thesis)
	fmt.Fprintf(&b, "Mode: %s  Enabled: %t  Approved: %t  Frequency: %s\n",
		st.Mode, st.Enabled, st.Approved, st.ExecFrequency)
	fmt.Fprintf(&b, "Capital: total=%.2f per_trade=%.2f max_positions=%d max_daily_loss=%.2f sizing=%s\n",
		st.Capital.Total, st.Capital.PerTrade, st.Capital.MaxPositions, st.Capital.MaxDailyLoss, st.Capital.SizingMethod)
	fmt.Fprintf(&b, "Stats: trades=%d wins=%d losses=%d win_rate=%.0f%% pnl=%.2f daily_loss=%.2f max_drawdown=%.2f positions=%d deployed=%.2f\n",
		st.Stats.Trades, st.Stats.Wins, st.Stats.Losses, st.Stats.WinRate()*100,
		st.Stats.PnL, st.Stats.DailyLoss, st.Stats.MaxDrawdown, st.Stats.CurrentPositions, st.Stats.DeployedCapital)
	if !st.Stats.LastRunAt.IsZero() {
		fmt.Fprintf(&b, "Last run: %s\n", st.Stats.LastRunAt.Format(time.RFC3339))
	}

	recs, err := t.executions.Executions(ctx, id, statusExecutions)
	if err != nil {
		return tape.ToolResult{Error: "executions for " + id + ": " + err.Error()}, err
	}
	if len(recs) > 0 {
		b.WriteString("\nRecent cycles:\n")
		for _, rec := range recs {
			fmt.Fprintf(&b, "  %s  %-9s %s  entries=%d exits=%d actions=%d in %dms",
				rec.StartedAt.Format(time.RFC3339), rec.Status, rec.Mode,
				len(rec.EntrySignals), len(rec.ExitSignals), len(rec.Actions), rec.DurationMS)
			if rec.Error != "" {
				fmt.Fprintf(&b, "  error: %s", rec.Error)
			}
			b.WriteString("\n")
		}
	}
	return tape.ToolResult{Content: b.String()}, nil
}

func (t *Tool) setEnabled(ctx context.Context, id string, enabled bool) (tape.ToolResult, error) {
	if id == "" {
		return tape.ToolResult{Error: "strategy_id is required"}, nil
	}
	st, err := t.strategies.StrategyByID(ctx, id)
	if err != nil {
		return tape.ToolResult{Error: "strategy " + id + ": " + err.Error()}, nil
	}
	inv := tape.InvocationFrom(ctx)
	if inv.UserID != "" && st.UserID != inv.UserID {
		return tape.ToolResult{Error: "strategy " + id + ": not found"}, nil
	}

	if err := t.strategies.SetEnabled(ctx, id, enabled); err != nil {
		return tape.ToolResult{Error: "set enabled: " + err.Error()}, err
	}
	verb := "paused"
	if enabled {
		verb = "resumed"
	}
	return tape.ToolResult{Content: fmt.Sprintf("Strategy %q %s.", st.Name, verb)}, nil
}
