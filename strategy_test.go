package tape

import (
	"errors"
	"strings"
	"testing"
)

func TestPromote(t *testing.T) {
	graduated := StrategyStats{Trades: 25, Wins: 15, Losses: 10, PnL: 120, MaxDrawdown: 0.10}

	tests := []struct {
		name    string
		from    Mode
		to      Mode
		stats   StrategyStats
		wantErr string // substring; "" means success
		wantGrad bool  // expect ErrNotGraduated
	}{
		{name: "backtest to paper", from: ModeBacktest, to: ModePaper},
		{name: "paper to live graduated", from: ModePaper, to: ModeLive, stats: graduated},
		{name: "no demotion", from: ModePaper, to: ModeBacktest, wantErr: "only advance"},
		{name: "no self promotion", from: ModePaper, to: ModePaper, wantErr: "only advance"},
		{name: "no skipping paper", from: ModeBacktest, to: ModeLive, wantErr: "skip"},
		{name: "unknown mode", from: ModePaper, to: Mode("yolo"), wantErr: "unknown mode"},
		{
			name: "too few trades",
			from: ModePaper, to: ModeLive,
			stats:    StrategyStats{Trades: 19, Wins: 15, Losses: 4, PnL: 100},
			wantGrad: true, wantErr: "19 paper trades",
		},
		{
			name: "win rate at threshold fails",
			from: ModePaper, to: ModeLive,
			stats:    StrategyStats{Trades: 40, Wins: 22, Losses: 18, PnL: 100}, // exactly 55%
			wantGrad: true, wantErr: "win rate",
		},
		{
			name: "zero pnl fails",
			from: ModePaper, to: ModeLive,
			stats:    StrategyStats{Trades: 25, Wins: 15, Losses: 10, PnL: 0},
			wantGrad: true, wantErr: "pnl",
		},
		{
			name: "drawdown at threshold fails",
			from: ModePaper, to: ModeLive,
			stats:    StrategyStats{Trades: 25, Wins: 15, Losses: 10, PnL: 100, MaxDrawdown: 0.20},
			wantGrad: true, wantErr: "drawdown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Strategy{Mode: tt.from, Stats: tt.stats}
			err := st.Promote(tt.to)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Promote(%s) = %v, want nil", tt.to, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Promote(%s) = nil, want error containing %q", tt.to, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
			var grad *ErrNotGraduated
			if got := errors.As(err, &grad); got != tt.wantGrad {
				t.Errorf("ErrNotGraduated = %v, want %v", got, tt.wantGrad)
			}
		})
	}
}

func TestWinRate(t *testing.T) {
	tests := []struct {
		name  string
		stats StrategyStats
		want  float64
	}{
		{"no resolved trades", StrategyStats{Trades: 5}, 0},
		{"all wins", StrategyStats{Wins: 4}, 1},
		{"mixed", StrategyStats{Wins: 3, Losses: 1}, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.WinRate(); got != tt.want {
				t.Errorf("WinRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModeValid(t *testing.T) {
	for _, m := range []Mode{ModeBacktest, ModePaper, ModeLive} {
		if !m.Valid() {
			t.Errorf("%s not valid", m)
		}
	}
	if Mode("margin-call").Valid() {
		t.Error("unknown mode reported valid")
	}
}

func TestCapitalValidate(t *testing.T) {
	good := Capital{Total: 1000, PerTrade: 100, MaxPositions: 3, SizingMethod: SizingFixed}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid capital rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Capital)
		want   string
	}{
		{"zero total", func(c *Capital) { c.Total = 0 }, "total"},
		{"negative per trade", func(c *Capital) { c.PerTrade = -1 }, "per_trade"},
		{"zero max positions", func(c *Capital) { c.MaxPositions = 0 }, "max_positions"},
		{"negative daily loss", func(c *Capital) { c.MaxDailyLoss = -5 }, "max_daily_loss"},
		{"unknown sizing", func(c *Capital) { c.SizingMethod = "martingale" }, "sizing_method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := good
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error naming %s", err, tt.want)
			}
		})
	}
}

func TestParseStrategyConfig(t *testing.T) {
	valid := `{
		"name": "momentum",
		"thesis": "winners keep winning",
		"platform": "kalshi",
		"execution_frequency_seconds": 300,
		"capital": {"total": 500, "per_trade": 50, "max_positions": 2, "sizing_method": "percent"},
		"parameters": {"lookback": 14}
	}`
	cfg, err := ParseStrategyConfig([]byte(valid))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "momentum" || cfg.Platform != "kalshi" {
		t.Errorf("parsed = %+v", cfg)
	}
	if cfg.Mode != ModeBacktest {
		t.Errorf("Mode = %s, want backtest default", cfg.Mode)
	}
	if cfg.Parameters["lookback"] != float64(14) {
		t.Errorf("Parameters = %v", cfg.Parameters)
	}

	bad := []struct {
		name string
		doc  string
		want string
	}{
		{"not json", `{`, "parse"},
		{"missing name", `{"thesis":"t","platform":"p","execution_frequency_seconds":60,"capital":{"total":1,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "name"},
		{"missing thesis", `{"name":"n","platform":"p","execution_frequency_seconds":60,"capital":{"total":1,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "thesis"},
		{"missing platform", `{"name":"n","thesis":"t","execution_frequency_seconds":60,"capital":{"total":1,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "platform"},
		{"zero frequency", `{"name":"n","thesis":"t","platform":"p","capital":{"total":1,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "execution_frequency_seconds"},
		{"bad capital", `{"name":"n","thesis":"t","platform":"p","execution_frequency_seconds":60,"capital":{"total":0,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "total"},
		{"bad mode", `{"name":"n","thesis":"t","platform":"p","execution_frequency_seconds":60,"mode":"turbo","capital":{"total":1,"per_trade":1,"max_positions":1,"sizing_method":"fixed"}}`, "mode"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStrategyConfig([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
