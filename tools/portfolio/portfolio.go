// Package portfolio exposes the user's brokerage holdings and account
// activity to the chat agent. Data comes from the sync service's activity
// cache, so calls are answered without blocking on the platform unless the
// cache has gone very stale.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/oddlot/tape"
)

const maxActivities = 50

// Tool provides get_portfolio and get_activities.
type Tool struct {
	sync    *tape.SyncService
	printer *message.Printer
}

// New creates a portfolio tool over the sync service.
func New(sync *tape.SyncService) *Tool {
	return &Tool{
		sync:    sync,
		printer: message.NewPrinter(language.English),
	}
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{
		{
			Name:        "get_portfolio",
			Description: "Get the user's portfolio summary: holdings aggregated from account activity, net deposits, and realized trade flow. Data is served from a cache; the response notes how stale it is.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"force_refresh":{"type":"boolean","description":"Block on a full broker refresh instead of serving the cache"}}}`),
		},
		{
			Name:        "get_activities",
			Description: "List recent account activity (trades, dividends, transfers), newest first. Optionally filter by kind.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"kind":{"type":"string","description":"Filter: trade, dividend, transfer"},"limit":{"type":"integer","description":"Max entries to return (default 20, max 50)"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		ForceRefresh bool   `json:"force_refresh"`
		Kind         string `json:"kind"`
		Limit        int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	inv := tape.InvocationFrom(ctx)
	res, err := t.sync.Sync(ctx, inv.UserID, params.ForceRefresh)
	if err != nil {
		return tape.ToolResult{Error: err.Error()}, err
	}

	switch name {
	case "get_portfolio":
		return t.portfolio(res), nil
	case "get_activities":
		return t.activities(res, params.Kind, params.Limit), nil
	default:
		return tape.ToolResult{Error: "unknown portfolio tool: " + name}, nil
	}
}

// holding is the per-symbol aggregate view derived from trade activity.
type holding struct {
	Symbol string
	Units  float64
	Cost   float64 // net cash spent acquiring the current units
}

func (t *Tool) portfolio(res tape.SyncResult) tape.ToolResult {
	bycur := map[string]float64{} // net deposits per currency
	holdings := map[string]*holding{}
	var dividends float64

	for _, a := range res.Activities {
		switch a.Kind {
		case "trade":
			h := holdings[a.Symbol]
			if h == nil {
				h = &holding{Symbol: a.Symbol}
				holdings[a.Symbol] = h
			}
			h.Units += a.Units
			// Buys carry negative amounts (cash out), sells positive.
			h.Cost -= a.Amount
		case "dividend":
			dividends += a.Amount
		case "transfer":
			bycur[a.Currency] += a.Amount
		}
	}

	var b strings.Builder
	b.WriteString("Portfolio summary")
	if res.Cached {
		fmt.Fprintf(&b, " (cached, %s old", (time.Duration(res.StalenessSeconds) * time.Second).Round(time.Second))
		if res.BackgroundTriggered {
			b.WriteString(", refresh running")
		}
		b.WriteString(")")
	}
	b.WriteString("\n\n")

	if len(holdings) == 0 {
		b.WriteString("No holdings derived from activity. The user may not have traded yet.\n")
	} else {
		b.WriteString("Holdings:\n")
		names := make([]string, 0, len(holdings))
		for s := range holdings {
			names = append(names, s)
		}
		sort.Strings(names)
		for _, s := range names {
			h := holdings[s]
			if h.Units == 0 {
				// Closed out; realized flow only.
				fmt.Fprintf(&b, "  %-8s closed, realized %s\n", h.Symbol, t.printer.Sprintf("%.2f", -h.Cost))
				continue
			}
			fmt.Fprintf(&b, "  %-8s %s units, cost basis %s\n",
				h.Symbol, t.printer.Sprintf("%.4f", h.Units), t.printer.Sprintf("%.2f", h.Cost))
		}
	}

	if dividends != 0 {
		fmt.Fprintf(&b, "\nDividends received: %s\n", t.printer.Sprintf("%.2f", dividends))
	}
	if len(bycur) > 0 {
		b.WriteString("\nNet deposits:\n")
		curs := make([]string, 0, len(bycur))
		for c := range bycur {
			curs = append(curs, c)
		}
		sort.Strings(curs)
		for _, c := range curs {
			fmt.Fprintf(&b, "  %s %s\n", c, t.printer.Sprintf("%.2f", bycur[c]))
		}
	}

	return tape.ToolResult{Content: b.String()}
}

func (t *Tool) activities(res tape.SyncResult, kind string, limit int) tape.ToolResult {
	if limit <= 0 {
		limit = 20
	}
	if limit > maxActivities {
		limit = maxActivities
	}

	var b strings.Builder
	n := 0
	for _, a := range res.Activities {
		if kind != "" && a.Kind != kind {
			continue
		}
		if n >= limit {
			break
		}
		n++
		fmt.Fprintf(&b, "%s  %-9s", a.OccurredAt.Format("2006-01-02"), a.Kind)
		if a.Symbol != "" {
			fmt.Fprintf(&b, " %-8s %s @ %s", a.Symbol, t.printer.Sprintf("%.4f", a.Units), t.printer.Sprintf("%.2f", a.Price))
		}
		fmt.Fprintf(&b, "  %s %s\n", t.printer.Sprintf("%.2f", a.Amount), a.Currency)
	}
	if n == 0 {
		if kind != "" {
			return tape.ToolResult{Content: "No " + kind + " activity on record."}
		}
		return tape.ToolResult{Content: "No account activity on record."}
	}
	return tape.ToolResult{Content: b.String()}
}
