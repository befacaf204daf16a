// Package app is the composition root: it wires the engine, stores,
// provider, tools, and scheduler into a running HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	tape "github.com/oddlot/tape"
	"github.com/oddlot/tape/internal/config"
	"github.com/oddlot/tape/observer"
	"github.com/oddlot/tape/provider/resolve"
	"github.com/oddlot/tape/sandbox"
	"github.com/oddlot/tape/tools/code"
	"github.com/oddlot/tape/tools/file"
	"github.com/oddlot/tape/tools/market"
	"github.com/oddlot/tape/tools/plot"
	"github.com/oddlot/tape/tools/portfolio"
	"github.com/oddlot/tape/tools/research"
	"github.com/oddlot/tape/tools/strategy"
)

// Store is the full persistence surface the app needs. Both store/sqlite
// and store/postgres implement it.
type Store interface {
	tape.ChatStore
	tape.FileStore
	tape.ResourceStore
	tape.StrategyStore
	tape.ExecutionStore
	tape.SyncStore
	Init(ctx context.Context) error
}

// Deps holds the external collaborators the app cannot construct itself:
// the trading platform client and the market data feed.
type Deps struct {
	Broker tape.BrokerClient
	Market tape.MarketData
}

// App owns the wired components and serves the HTTP surface.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	store Store

	chat      observer.AgentRunner
	sync      *tape.SyncService
	engine    *sandbox.Engine
	scheduler *tape.Scheduler

	// shutdown flushes telemetry; nil when observability is disabled.
	shutdown func(context.Context) error
}

const mainPrompt = `You are a financial analysis assistant. You help the user
understand their portfolio, research markets, and author automated trading
strategies.

Use the tools to answer with real data instead of guessing. Portfolio and
activity figures come from get_portfolio and get_activities; quotes and
candles from get_quote and get_price_history. Delegate chart requests to the
plotting specialist and strategy-code authoring to the coding specialist.
When a strategy exists, report on it with list_strategies and
strategy_status rather than from memory.

Be precise with numbers. Never invent positions, prices, or performance.`

const plotPrompt = `You are a charting specialist. Given a request, fetch
the data you need with the market tools and render exactly one chart with
render_plot. Reply with a one-line description of what the chart shows.`

const coderPrompt = `You are a trading-strategy author. You write the three
strategy files: entry.js exporting function entry(data), exit.js exporting
function exit(data, position), and config.json with name, thesis, platform,
execution_frequency_seconds, and a capital block. The sandbox has no
network, no imports, and no Date; signals must come from data.candles,
data.quote, and data.positions only. Always run validate_strategy before
save_strategy_files, and fix what it reports.`

// New wires an App from configuration, a store, and the external
// collaborators.
func New(ctx context.Context, cfg config.Config, store Store, deps Deps, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, log: log, store: store}

	var inst *observer.Instruments
	if cfg.Observability.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observability.Pricing))
		for model, p := range cfg.Observability.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("app: observability init: %w", err)
		}
		a.shutdown = shutdown
	}

	provider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	provider = tape.WithRateLimit(tape.WithRetry(provider))
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
	}

	a.sync = tape.NewSyncService(store, deps.Broker,
		tape.SyncCooldown(time.Duration(cfg.Sync.CooldownSec)*time.Second),
		tape.SyncHard(time.Duration(cfg.Sync.HardSec)*time.Second),
		tape.SyncLogger(log),
	)

	a.engine = sandbox.New(sandbox.Timeout(time.Duration(cfg.Sandbox.TimeoutSec) * time.Second))
	loader := tape.NewLoader(store, sandbox.Compiler{Engine: a.engine})

	var executions tape.ExecutionStore = store
	if inst != nil {
		executions = observer.WrapExecutionStore(store, inst)
	}
	exec := tape.NewExecutor(loader, deps.Broker, store, executions,
		tape.CycleTimeout(time.Duration(cfg.Scheduler.CycleTimeoutSec)*time.Second),
		tape.ExecutorLogger(log),
	)
	a.scheduler = tape.NewScheduler(store, exec,
		tape.SchedulerTick(time.Duration(cfg.Scheduler.TickSec)*time.Second),
		tape.SchedulerWorkers(cfg.Scheduler.Workers),
		tape.SchedulerLogger(log),
	)

	chat, err := a.buildAgents(provider, deps, inst)
	if err != nil {
		return nil, err
	}
	a.chat = chat
	return a, nil
}

// buildAgents assembles the main chat agent and its two specialists.
func (a *App) buildAgents(provider tape.Provider, deps Deps, inst *observer.Instruments) (observer.AgentRunner, error) {
	dialect := resolve.Dialect(a.cfg.LLM.Model)
	common := []tape.AgentOption{
		tape.WithSchemaDialect(dialect),
		tape.WithMaxTurns(a.cfg.Agent.MaxTurns),
		tape.WithToolTimeout(time.Duration(a.cfg.Agent.ToolTimeoutSec) * time.Second),
		tape.WithTurnTimeout(time.Duration(a.cfg.Agent.TurnTimeoutSec) * time.Second),
		tape.WithResources(a.store),
		tape.WithLogger(a.log),
	}

	wrap := func(t tape.Tool) tape.Tool {
		if inst == nil {
			return t
		}
		return observer.WrapTool(t, inst)
	}

	plotter := tape.NewAgent("plotter", provider, append(common,
		tape.WithPrompt(plotPrompt),
		tape.WithTools(wrap(market.New(deps.Market)), wrap(plot.New())),
	)...)

	var runner *sandbox.ContainerRunner
	if img := a.cfg.Sandbox.ContainerImage; img != "" {
		var err error
		runner, err = sandbox.NewContainerRunner(img, sandbox.ContainerLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("app: container runner: %w", err)
		}
	}
	coder := tape.NewAgent("coder", provider, append(common,
		tape.WithPrompt(coderPrompt),
		tape.WithTools(wrap(code.New(a.store, a.engine))),
	)...)

	mainTools := []tape.Tool{
		wrap(portfolio.New(a.sync)),
		wrap(market.New(deps.Market)),
		wrap(research.New()),
		wrap(file.New(a.store)),
		wrap(strategy.New(a.store, a.store)),
		tape.NewSubAgent(tape.ToolDefinition{
			Name:        "plotting_specialist",
			Description: "Delegate chart and visualization requests. Describe the chart wanted; the specialist fetches data and renders it.",
			Parameters:  tape.SubAgentSchema("the chart to produce, including symbols and time range"),
		}, plotter),
		tape.NewSubAgent(tape.ToolDefinition{
			Name:        "coding_specialist",
			Description: "Delegate trading-strategy authoring. Describe the strategy; the specialist writes and validates entry.js, exit.js, and config.json.",
			Parameters:  tape.SubAgentSchema("the strategy to author, including thesis, platform, and capital limits"),
		}, coder),
	}
	if runner != nil {
		mainTools = append(mainTools, wrap(code.New(a.store, a.engine, code.WithRunner(runner))))
	}

	chat := tape.NewAgent("tape", provider, append(common,
		tape.WithPrompt(mainPrompt),
		tape.WithChatStore(a.store),
		tape.WithProcessors(tape.NewInjectionGuard()),
		tape.WithTools(mainTools...),
	)...)

	if inst != nil {
		return observer.WrapAgent(chat, inst), nil
	}
	return chat, nil
}

// Run initializes the store, starts the scheduler, and serves HTTP until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("app: store init: %w", err)
	}

	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("scheduler stopped", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:        a.cfg.Server.Addr,
		Handler:     a.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("listening", "addr", a.cfg.Server.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		a.log.Error("http shutdown", "err", err)
	}
	if a.shutdown != nil {
		if err := a.shutdown(shutCtx); err != nil {
			a.log.Error("telemetry shutdown", "err", err)
		}
	}
	return ctx.Err()
}
