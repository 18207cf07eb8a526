package main

import (
	"context"
	"log" // Standard log only for fatal errors before the logger is ready
	"os"
	"os/signal"
	"syscall"

	"pulseTrader/config"
	"pulseTrader/internal/adapters/binancefeed"
	"pulseTrader/internal/adapters/logger"
	"pulseTrader/internal/adapters/sqlite"
	"pulseTrader/internal/coordinator"
	"pulseTrader/internal/domain"
	"pulseTrader/internal/engine"
	"pulseTrader/internal/evaluator"
	"pulseTrader/internal/eventbus"
	"pulseTrader/internal/execution"
	"pulseTrader/internal/ingest"
	"pulseTrader/internal/marketdata"
	"pulseTrader/internal/ports"
	"pulseTrader/internal/position"
	"pulseTrader/internal/registry"
	"pulseTrader/internal/validation"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogBackend == "logrus" {
		appLogger = logger.NewLogrusLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "backend": cfg.LogBackend,
	})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize database repository")
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	// 4. Initialize Market Data Feed
	feed, err := binancefeed.New(binancefeed.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize market data feed")
		os.Exit(1)
	}

	// 5. Market Data Store and Event Bus
	store := marketdata.NewStore(cfg.RingCapacity)
	bus := eventbus.New(cfg.QueueDepth, appLogger)
	defer bus.Close()

	// 6. Sandboxed Evaluator
	eval, err := evaluator.New(evaluator.Config{
		Logger:     appLogger,
		Timeout:    cfg.EvalTimeout,
		MaxCandles: cfg.SnapshotDepth,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize strategy evaluator")
		os.Exit(1)
	}

	// 7. Strategy Registry with running quotas
	reg, err := registry.New(registry.Config{
		Strategies: repo,
		Evaluator:  eval,
		Quotas:     registry.NewQuotaManager(cfg.GlobalMaxRunning, cfg.PerOwnerMaxRunning),
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize strategy registry")
		os.Exit(1)
	}
	defer reg.Close()
	if err := reg.LoadSystemStrategies(ctx); err != nil {
		appLogger.Error(ctx, err, "Failed to load system strategies")
		os.Exit(1)
	}

	// 8. Paper Execution Backend
	backend, err := execution.NewPaper(execution.Config{
		Logger:      appLogger,
		SlippageBps: cfg.SlippageBps,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize paper execution backend")
		os.Exit(1)
	}
	defer backend.Close()

	// 9. Position Manager with the validation policy
	manager, err := position.NewManager(position.Config{
		Positions:     repo,
		Modifications: repo,
		Backend:       backend,
		Bus:           bus,
		Validator:     validation.New(cfg.MaxStopDistancePct, cfg.MinConfidence, 0),
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize position manager")
		os.Exit(1)
	}
	defer manager.Close()
	if err := manager.Recover(ctx); err != nil {
		appLogger.Error(ctx, err, "Failed to recover open positions")
		os.Exit(1)
	}

	// The paper backend advances on closed candles; open positions mark to
	// the same prices.
	candleSub := bus.Subscribe(eventbus.EventCandleClosed, func(e eventbus.Event) {
		candle := e.(eventbus.CandleClosed).Candle
		backend.OnCandle(candle)
		manager.OnPrice(candle.Symbol, candle.Close)
	})
	defer candleSub.Unsubscribe()

	// 10. Market Data Ingestor
	ingestor, err := ingest.New(ingest.Config{
		Feed:          feed,
		Store:         store,
		Bus:           bus,
		Logger:        appLogger,
		CloseDebounce: cfg.CloseDebounce,
		TickerRate:    cfg.TickerRate,
		OnTicker: func(t domain.Ticker) {
			backend.OnPrice(t.Symbol, t.LastPrice)
			manager.OnPrice(t.Symbol, t.LastPrice)
		},
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize market data ingestor")
		os.Exit(1)
	}

	// 11. Execution Coordinator
	coord, err := coordinator.New(coordinator.Config{
		Registry:      reg,
		Evaluator:     eval,
		Store:         store,
		Bus:           bus,
		Signals:       repo,
		Decisions:     manager,
		Logger:        appLogger,
		Workers:       cfg.WorkerPool,
		QueueDepth:    cfg.QueueDepth,
		EvalTimeout:   cfg.EvalTimeout,
		SnapshotDepth: cfg.SnapshotDepth,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize execution coordinator")
		os.Exit(1)
	}
	defer coord.Close()

	// 12. Engine facade for control-plane consumers
	eng, err := engine.New(engine.Config{
		Registry:    reg,
		Coordinator: coord,
		Positions:   manager,
		PositionDB:  repo,
		SignalDB:    repo,
		Bus:         bus,
		Logger:      appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Failed to initialize engine")
		os.Exit(1)
	}

	// 13. Warm up candle history, then go live
	if err := ingestor.Warmup(ctx, cfg.Symbols, cfg.Intervals, cfg.SnapshotDepth); err != nil {
		// Degraded start: strategies see less history until the rings fill.
		appLogger.Error(ctx, err, "Warmup failed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := ingestor.Start(runCtx, cfg.Symbols, cfg.Intervals); err != nil {
		appLogger.Error(ctx, err, "Failed to start market data ingestion")
		os.Exit(1)
	}
	defer ingestor.Stop()

	// 14. Auto-start system strategies that default to enabled
	for _, ls := range reg.List() {
		def := ls.Definition()
		if !def.IsSystemOwned() || !def.DefaultEnabled || !def.Enabled {
			continue
		}
		if state, err := eng.StartStrategy(ctx, def.ID); err != nil {
			appLogger.Warn(ctx, "Could not auto-start strategy", map[string]interface{}{
				"strategyID": def.ID, "state": string(state), "error": err.Error(),
			})
		}
	}

	appLogger.Info(ctx, "Engine running", map[string]interface{}{
		"symbols": cfg.Symbols, "intervals": cfg.Intervals, "testnet": cfg.IsTestnet,
	})

	// 15. Block until a shutdown signal, then let the deferred teardown run
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	cancel() // stop scheduling new evaluation cycles first

	appLogger.Info(ctx, "Shutting down", map[string]interface{}{"metrics": eng.Metrics()})
}
