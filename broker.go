package tape

import (
	"context"
	"time"
)

// Position is open exposure reported by a platform. The engine treats it as
// a read-through view keyed by PositionID within one strategy: it appears
// on entry fill and disappears on exit fill.
type Position struct {
	PositionID string    `json:"position_id"`
	StrategyID string    `json:"strategy_id"`
	MarketID   string    `json:"market_id"`
	Side       string    `json:"side"` // "yes"/"no" on prediction markets, "long"/"short" on equities
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// UnrealizedPnL is the position's mark-to-market profit.
func (p Position) UnrealizedPnL() float64 {
	return (p.MarkPrice - p.EntryPrice) * p.Size
}

// OrderParams describes one order submission.
type OrderParams struct {
	StrategyID string  `json:"strategy_id"`
	MarketID   string  `json:"market_id"`
	PositionID string  `json:"position_id,omitempty"` // set on exits
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Action     string  `json:"action"` // "entry" or "exit"
}

// OrderAck is the platform's acceptance of an order.
type OrderAck struct {
	OrderID    string    `json:"order_id"`
	PositionID string    `json:"position_id,omitempty"`
	FillPrice  float64   `json:"fill_price"`
	FilledAt   time.Time `json:"filled_at"`
}

// BrokerClient is the platform collaborator (Polymarket, Kalshi, Alpaca,
// SnapTrade). Implementations live outside the engine; everything here
// treats them as opaque and cancellable. A client whose credentials have
// lapsed returns ErrAuthRequired.
type BrokerClient interface {
	// Positions returns the strategy's open positions.
	Positions(ctx context.Context, strategyID string) ([]Position, error)
	// SubmitOrder places an order. Called only in live mode; paper and
	// backtest fills are simulated inside the executor.
	SubmitOrder(ctx context.Context, p OrderParams) (OrderAck, error)
	// Activities returns account events in [start, end] for the sync cache.
	Activities(ctx context.Context, userID, account string, start, end time.Time) ([]Activity, error)
}

// Quote is one market snapshot from the market-data collaborator.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	AsOf      time.Time `json:"as_of"`
}

// Candle is one bar of price history.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// MarketData is the market-data collaborator (FMP and friends). Tools
// consume its data; the engine never interprets it.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	PriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error)
}
