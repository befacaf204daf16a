// Package market exposes quotes and price history from the market-data
// collaborator to the chat and plotting agents.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oddlot/tape"
)

const maxHistoryDays = 365 * 2

// Tool provides get_quote and get_price_history.
type Tool struct {
	data tape.MarketData
}

// New creates a market data tool.
func New(data tape.MarketData) *Tool {
	return &Tool{data: data}
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{
		{
			Name:        "get_quote",
			Description: "Get the current quote for a symbol: price, change, percent change, volume.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string","description":"Ticker or market symbol, e.g. AAPL"}},"required":["symbol"]}`),
		},
		{
			Name:        "get_price_history",
			Description: "Get daily OHLCV price history for a symbol over the last N days (default 30, max 730). Returns JSON candles suitable for charting.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string","description":"Ticker or market symbol"},"days":{"type":"integer","description":"Lookback window in days"}},"required":["symbol"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		Symbol string `json:"symbol"`
		Days   int    `json:"days"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Symbol) == "" {
		return tape.ToolResult{Error: "symbol is required"}, nil
	}

	switch name {
	case "get_quote":
		return t.quote(ctx, params.Symbol)
	case "get_price_history":
		return t.history(ctx, params.Symbol, params.Days)
	default:
		return tape.ToolResult{Error: "unknown market tool: " + name}, nil
	}
}

func (t *Tool) quote(ctx context.Context, symbol string) (tape.ToolResult, error) {
	q, err := t.data.Quote(ctx, symbol)
	if err != nil {
		return tape.ToolResult{Error: "quote " + symbol + ": " + err.Error()}, err
	}
	content := fmt.Sprintf("%s: %.2f (%+.2f, %+.2f%%) volume %d as of %s",
		q.Symbol, q.Price, q.Change, q.ChangePct, q.Volume, q.AsOf.Format(time.RFC3339))
	return tape.ToolResult{Content: content}, nil
}

func (t *Tool) history(ctx context.Context, symbol string, days int) (tape.ToolResult, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}

	inv := tape.InvocationFrom(ctx)
	to := inv.Now()
	from := to.AddDate(0, 0, -days)

	candles, err := t.data.PriceHistory(ctx, symbol, from, to)
	if err != nil {
		return tape.ToolResult{Error: "price history " + symbol + ": " + err.Error()}, err
	}
	if len(candles) == 0 {
		return tape.ToolResult{Content: fmt.Sprintf("No price history for %s in the last %d days.", symbol, days)}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"symbol":  symbol,
		"from":    from.Format("2006-01-02"),
		"to":      to.Format("2006-01-02"),
		"candles": candles,
	})
	if err != nil {
		return tape.ToolResult{Error: "encode history: " + err.Error()}, nil
	}
	return tape.ToolResult{Content: string(payload)}, nil
}
