package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"donchianbot/config"
	"donchianbot/internal/adapters/binanceclient"
	"donchianbot/internal/adapters/dashboard"
	"donchianbot/internal/adapters/logger"
	"donchianbot/internal/adapters/notify"
	"donchianbot/internal/adapters/postgres"
	"donchianbot/internal/adapters/redisbus"
	"donchianbot/internal/adapters/sqlite"
	"donchianbot/internal/app"
	"donchianbot/internal/execution"
	"donchianbot/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	if cfg.ExecutionMode() == execution.ModeBacktest {
		log.Fatalf("FATAL: MODE=backtest is handled by cmd/backtest_runner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Logger
	appLogger := newLogger(cfg)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Journal (Database Adapter)
	journal, err := newJournal(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize journal")
		log.Fatalf("FATAL: Failed to initialize journal: %v", err) // Also log to stderr
	}
	defer func() {
		if err := journal.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing journal")
		}
	}()
	appLogger.Info(ctx, "Journal initialized", map[string]interface{}{"driver": cfg.DBDriver})

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay.Duration,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	deps := app.Dependencies{
		Logger:  appLogger,
		Market:  binanceClient,
		Journal: journal,
		Quotes:  binanceClient,
	}
	if cfg.ExecutionMode() == execution.ModeLive {
		if err := binanceClient.SetServerTime(ctx); err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to synchronize server time")
			log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
		}
		deps.Exchange = binanceClient
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Optional event feed and notifications
	if cfg.RedisAddr != "" {
		publisher, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to connect to Redis")
			log.Fatalf("FATAL: Failed to connect to Redis: %v", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher
		appLogger.Info(ctx, "Redis event feed enabled", map[string]interface{}{"addr": cfg.RedisAddr})
	}
	if cfg.TelegramToken != "" {
		notifier, err := notify.NewNotifier(
			[]notify.Sender{notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)},
			notify.DefaultQueueSize, appLogger)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
		}
		notifier.Start(ctx)
		defer notifier.Close()
		deps.Notifier = notifier
		appLogger.Info(ctx, "Telegram notifications enabled")
	}

	// 6. Initialize Application Service
	strategyCfg, err := cfg.StrategyConfig()
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load scorer model")
		log.Fatalf("FATAL: Failed to load scorer model: %v", err)
	}
	tradingService, err := app.NewTradingService(app.Config{
		Mode:               cfg.ExecutionMode(),
		Symbols:            cfg.Symbols,
		Interval:           cfg.Interval,
		InitialEquity:      cfg.InitialEquity,
		Strategy:           strategyCfg,
		Risk:               cfg.RiskConfig(),
		Execution:          cfg.ExecutionConfig(),
		PartialTakeProfitR: cfg.PartialTakeProfitR,
		PartialFraction:    cfg.PartialFraction,
		MaxSpread:          cfg.MaxSpread,
	}, deps)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(ctx, "Trading service initialized", map[string]interface{}{"mode": cfg.Mode, "symbols": cfg.Symbols})

	// 7. Start the Service (and dashboard when configured)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tradingService.Start(gctx) })
	if cfg.DashboardAddr != "" {
		srv := dashboard.New(cfg.DashboardAddr, tradingService, appLogger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func newLogger(cfg *config.Config) ports.Logger {
	if cfg.LogFormat == "json" {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		return zl
	}
	return logger.NewStdLogger(cfg.LogLevel)
}

func newJournal(ctx context.Context, cfg *config.Config, l ports.Logger) (ports.JournalRepository, error) {
	if cfg.DBDriver == "postgres" {
		return postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, Logger: l})
	}
	return sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: l})
}
