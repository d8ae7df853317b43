package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"donchianbot/config"
	"donchianbot/internal/adapters/binanceclient"
	"donchianbot/internal/adapters/logger"
	"donchianbot/internal/utils"
)

var (
	symbol   = flag.String("symbol", "BTCUSDT", "trading pair")
	interval = flag.String("interval", "", "bar interval, INTERVAL from config when empty")
	days     = flag.Int("days", 90, "days of history to fetch")
	outDir   = flag.String("out", "data", "output directory")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	if *interval == "" {
		*interval = cfg.Interval
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay.Duration,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)

	fmt.Printf("Fetching klines for %s %s from %s to %s...\n", *symbol, *interval, start, end)
	bars, err := binanceClient.GetKlinesRange(context.Background(), *symbol, *interval, start, end)
	if err != nil {
		appLogger.Error(context.Background(), err, "Error fetching klines")
		log.Fatalf("Error fetching klines: %v", err)
	}
	appLogger.Info(context.Background(), "Fetched klines", map[string]interface{}{"count": len(bars)})

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Error creating %s: %v", *outDir, err)
	}
	filename := filepath.Join(*outDir, fmt.Sprintf("%s_%s_%s_to_%s.csv", *symbol, *interval, start.Format("20060102"), end.Format("20060102")))
	if err := utils.WriteBarsToCSV(bars, filename); err != nil {
		appLogger.Error(context.Background(), err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Saved to", map[string]interface{}{"filename": filename})
}
