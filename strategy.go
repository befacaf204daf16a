package tape

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is a strategy's execution posture. Progression is monotone:
// backtest → paper → live, gated by Promote.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// rank orders modes for the monotone-progression check. Unknown modes
// rank below backtest so they never pass validation.
func (m Mode) rank() int {
	switch m {
	case ModeBacktest:
		return 1
	case ModePaper:
		return 2
	case ModeLive:
		return 3
	}
	return 0
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m.rank() > 0 }

// Sizing methods for Capital.SizingMethod.
const (
	SizingFixed   = "fixed"   // per_trade as an absolute amount
	SizingPercent = "percent" // per_trade as a percentage of total
	SizingKelly   = "kelly"   // per_trade scaled by signal confidence
)

// Capital is a strategy's risk budget.
type Capital struct {
	Total        float64 `json:"total"`
	PerTrade     float64 `json:"per_trade"`
	MaxPositions int     `json:"max_positions"`
	MaxDailyLoss float64 `json:"max_daily_loss"`
	SizingMethod string  `json:"sizing_method"`
}

// Validate checks the capital block of a strategy config.
func (c Capital) Validate() error {
	if c.Total <= 0 {
		return fmt.Errorf("capital: total must be positive, got %v", c.Total)
	}
	if c.PerTrade <= 0 {
		return fmt.Errorf("capital: per_trade must be positive, got %v", c.PerTrade)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("capital: max_positions must be at least 1, got %d", c.MaxPositions)
	}
	if c.MaxDailyLoss < 0 {
		return fmt.Errorf("capital: max_daily_loss must not be negative, got %v", c.MaxDailyLoss)
	}
	switch c.SizingMethod {
	case SizingFixed, SizingPercent, SizingKelly:
	default:
		return fmt.Errorf("capital: unknown sizing_method %q", c.SizingMethod)
	}
	return nil
}

// StrategyStats are the rolling counters a strategy accumulates across
// cycles. Mutated only inside the strategy's own (serialized) cycle.
type StrategyStats struct {
	Trades           int       `json:"trades"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	PnL              float64   `json:"pnl"`
	DailyLoss        float64   `json:"daily_loss"`
	MaxDrawdown      float64   `json:"max_drawdown"` // fraction of capital.total, in [0,1]
	PeakPnL          float64   `json:"peak_pnl"`     // high-water mark, for drawdown computation
	CurrentPositions int       `json:"current_positions"`
	DeployedCapital  float64   `json:"deployed_capital"`
	LastRunAt        time.Time `json:"last_run_at"`
}

// WinRate returns wins over resolved trades, 0 when none resolved.
func (s StrategyStats) WinRate() float64 {
	resolved := s.Wins + s.Losses
	if resolved == 0 {
		return 0
	}
	return float64(s.Wins) / float64(resolved)
}

// FileIDs is the chat-file triplet backing a strategy.
type FileIDs struct {
	Entry  string `json:"entry"`
	Exit   string `json:"exit"`
	Config string `json:"config"`
}

// Strategy is one user-authored trading bot: entry/exit code plus capital
// limits plus a cadence. The scheduler runs it iff Enabled and Approved.
type Strategy struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	ChatID        string          `json:"chat_id"`
	Name          string          `json:"name"`
	Thesis        string          `json:"thesis"`
	Platform      string          `json:"platform"` // "polymarket", "kalshi", "alpaca", ...
	ExecFrequency time.Duration   `json:"-"`        // persisted as execution_frequency_seconds
	Capital       Capital         `json:"capital"`
	Parameters    map[string]any  `json:"parameters,omitempty"`
	FileIDs       FileIDs         `json:"file_ids"`
	Mode          Mode            `json:"mode"`
	Enabled       bool            `json:"enabled"`
	Approved      bool            `json:"approved"`
	Stats         StrategyStats   `json:"stats"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Graduation thresholds for promoting a paper strategy to live.
const (
	graduateMinTrades   = 20
	graduateMinWinRate  = 0.55
	graduateMaxDrawdown = 0.20
)

// ErrNotGraduated reports which graduation criterion a live promotion
// failed. The API layer surfaces Reason to the user.
type ErrNotGraduated struct {
	Reason string
}

func (e *ErrNotGraduated) Error() string {
	return "strategy not eligible for live mode: " + e.Reason
}

// Promote validates a mode change. Progression is monotone (never
// backwards, never skipping paper), and paper → live additionally requires
// the graduation record: at least 20 paper trades, win rate above 55%,
// positive cumulative pnl, and max drawdown under 20%. The scheduler never
// writes mode; this is the only path.
func (st Strategy) Promote(to Mode) error {
	if !to.Valid() {
		return fmt.Errorf("strategy: unknown mode %q", to)
	}
	if to.rank() <= st.Mode.rank() {
		return fmt.Errorf("strategy: mode can only advance, %s → %s is not a promotion", st.Mode, to)
	}
	if to.rank()-st.Mode.rank() > 1 {
		return fmt.Errorf("strategy: cannot skip from %s to %s", st.Mode, to)
	}
	if to != ModeLive {
		return nil
	}
	s := st.Stats
	switch {
	case s.Trades < graduateMinTrades:
		return &ErrNotGraduated{Reason: fmt.Sprintf("%d paper trades recorded, %d required", s.Trades, graduateMinTrades)}
	case s.WinRate() <= graduateMinWinRate:
		return &ErrNotGraduated{Reason: fmt.Sprintf("win rate %.1f%% is not above %.0f%%", s.WinRate()*100, graduateMinWinRate*100)}
	case s.PnL <= 0:
		return &ErrNotGraduated{Reason: fmt.Sprintf("cumulative pnl %.2f is not positive", s.PnL)}
	case s.MaxDrawdown >= graduateMaxDrawdown:
		return &ErrNotGraduated{Reason: fmt.Sprintf("max drawdown %.1f%% exceeds %.0f%%", s.MaxDrawdown*100, graduateMaxDrawdown*100)}
	}
	return nil
}

// EntrySignal is produced by a strategy's entry function.
type EntrySignal struct {
	MarketID   string  `json:"market_id"`
	Side       string  `json:"side"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// ExitSignal is produced by a strategy's exit function for one position.
type ExitSignal struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

// StrategyConfig is the parsed shape of a strategy's config.json (the
// third file of the triplet).
type StrategyConfig struct {
	Name             string         `json:"name"`
	Thesis           string         `json:"thesis"`
	Platform         string         `json:"platform"`
	ExecFrequencySec int            `json:"execution_frequency_seconds"`
	EntryDescription string         `json:"entry_description"`
	ExitDescription  string         `json:"exit_description"`
	Capital          Capital        `json:"capital"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Mode             Mode           `json:"mode"`
}

// ParseStrategyConfig decodes and validates a config.json document.
func ParseStrategyConfig(data []byte) (StrategyConfig, error) {
	var c StrategyConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return StrategyConfig{}, fmt.Errorf("strategy config: parse: %w", err)
	}
	if c.Name == "" {
		return StrategyConfig{}, fmt.Errorf("strategy config: name is required")
	}
	if c.Thesis == "" {
		return StrategyConfig{}, fmt.Errorf("strategy config: thesis is required")
	}
	if c.Platform == "" {
		return StrategyConfig{}, fmt.Errorf("strategy config: platform is required")
	}
	if c.ExecFrequencySec < 1 {
		return StrategyConfig{}, fmt.Errorf("strategy config: execution_frequency_seconds must be at least 1, got %d", c.ExecFrequencySec)
	}
	if err := c.Capital.Validate(); err != nil {
		return StrategyConfig{}, fmt.Errorf("strategy config: %w", err)
	}
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if !c.Mode.Valid() {
		return StrategyConfig{}, fmt.Errorf("strategy config: unknown mode %q", c.Mode)
	}
	return c, nil
}

// --- Execution records ---

// Action statuses on an ExecutionRecord.
const (
	ActionSubmitted = "submitted" // live order accepted by the platform
	ActionSimulated = "simulated" // paper/backtest fill
	ActionIntended  = "intended"  // dry run: recorded, not placed
	ActionSkipped   = "skipped"   // rejected by the capital guard
)

// ExecutionAction is one order-level outcome inside a cycle.
type ExecutionAction struct {
	Kind       string  `json:"kind"`   // "entry" or "exit"
	Status     string  `json:"status"` // one of the Action* constants
	MarketID   string  `json:"market_id,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	Side       string  `json:"side,omitempty"`
	Size       float64 `json:"size,omitempty"`
	Reason     string  `json:"reason,omitempty"` // signal reason, or skip reason for rejects
}

// ExecutionRecord is the durable outcome of one strategy cycle.
type ExecutionRecord struct {
	ID           string            `json:"id"`
	StrategyID   string            `json:"strategy_id"`
	Status       string            `json:"status"` // "success" or "failed"
	Error        string            `json:"error,omitempty"`
	Mode         Mode              `json:"mode"`
	EntrySignals []EntrySignal     `json:"entry_signals,omitempty"`
	ExitSignals  []ExitSignal      `json:"exit_signals,omitempty"`
	Actions      []ExecutionAction `json:"actions,omitempty"`
	Logs         []string          `json:"logs,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	StartedAt    time.Time         `json:"started_at"`
}
