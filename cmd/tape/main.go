package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddlot/tape/internal/app"
	"github.com/oddlot/tape/internal/config"
	"github.com/oddlot/tape/store/postgres"
	"github.com/oddlot/tape/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Getenv("TAPE_CONFIG"))
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if os.Getenv("TAPE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store app.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Error("postgres connect", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.New(pool, postgres.WithLogger(logger))
	default:
		s := sqlite.New(cfg.Store.DSN, sqlite.WithLogger(logger))
		defer s.Close()
		store = s
	}

	// Platform clients are deployment-specific; replace these with a real
	// BrokerClient / MarketData pair when wiring a trading platform.
	deps := app.Deps{Broker: unconfiguredBroker{}, Market: unconfiguredMarket{}}

	a, err := app.New(ctx, cfg, store, deps, logger)
	if err != nil {
		logger.Error("wire", "err", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run", "err", err)
		os.Exit(1)
	}
}
