package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"donchianbot/config"
	"donchianbot/internal/adapters/logger"
	"donchianbot/internal/adapters/s3store"
	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
	"donchianbot/internal/strategy/analytics"
	"donchianbot/internal/strategy/backtesting"
	"donchianbot/internal/strategy/optimization"
	"donchianbot/internal/utils"
)

var (
	dataFlag    = flag.String("data", "", "comma separated CSV files, optionally SYMBOL=path")
	outDir      = flag.String("out", "data/backtests", "directory for trades, equity and summary output")
	warmup      = flag.Int("warmup", 0, "leading bars used only to seed indicators")
	walkForward = flag.Bool("walkforward", false, "run a walk-forward optimization (single symbol)")
	windows     = flag.Int("windows", backtesting.DefaultWindows, "walk-forward segments")
	trainBars   = flag.Int("train-bars", 0, "rolling walk-forward train length in bars")
	testBars    = flag.Int("test-bars", 0, "rolling walk-forward test length in bars")
	optimize    = flag.Bool("optimize", false, "grid search the default parameter ranges over the full data")
	top         = flag.Int("top", 5, "optimization results to print")
	upload      = flag.Bool("upload", false, "upload the run to S3 (requires S3_BUCKET)")
)

type dataset struct {
	symbol string
	path   string
	bars   []domain.Bar
}

// summary is written as summary.json next to the CSV output.
type summary struct {
	RunID       string                        `json:"run_id"`
	Mode        string                        `json:"mode"`
	Symbols     []string                      `json:"symbols"`
	Params      domain.ParameterSet           `json:"params"`
	FinalEquity float64                       `json:"final_equity"`
	Metrics     *analytics.PerformanceMetrics `json:"metrics"`
	Readiness   analytics.ReadinessReport     `json:"readiness"`
	Windows     []backtesting.WindowResult    `json:"windows,omitempty"`
}

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	// 2. Load bars from CSV, one file per symbol
	datasets, err := parseDataFlag(*dataFlag)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ds := range datasets {
		ds := ds // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bars, err := utils.ReadBarsFromCSV(ds.path, ds.symbol)
			if err != nil {
				return fmt.Errorf("load %s: %w", ds.path, err)
			}
			ds.bars = bars
			appLogger.Info(gctx, "Loaded bars", map[string]interface{}{"symbol": ds.symbol, "count": len(bars)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		appLogger.Error(ctx, err, "Error loading bars")
		log.Fatalf("FATAL: Error loading bars: %v", err)
	}

	strategyCfg, err := cfg.StrategyConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load scorer model: %v", err)
	}
	btCfg := backtesting.BacktestConfig{
		InitialEquity:      cfg.InitialEquity,
		Risk:               cfg.RiskConfig(),
		Execution:          cfg.ExecutionConfig(),
		MinATRPercent:      cfg.MinATRPercent,
		MinAvgVolume:       cfg.MinAvgVolume,
		MinConfidence:      cfg.MinConfidence,
		Scorer:             strategyCfg.Scorer,
		PartialTakeProfitR: cfg.PartialTakeProfitR,
		PartialFraction:    cfg.PartialFraction,
		Warmup:             *warmup,
		Logger:             appLogger,
	}

	runID := uuid.NewString()
	sum := summary{RunID: runID, Params: cfg.Params()}
	var (
		trades []domain.Trade
		curve  []domain.EquityPoint
	)

	// 3. Run the requested mode
	switch {
	case *walkForward:
		if len(datasets) != 1 {
			log.Fatalf("FATAL: walk-forward needs exactly one data file, got %d", len(datasets))
		}
		btCfg.Symbol = datasets[0].symbol
		res, err := backtesting.WalkForward(ctx, datasets[0].bars, backtesting.WalkForwardConfig{
			Backtest:  btCfg,
			Windows:   *windows,
			TrainBars: *trainBars,
			TestBars:  *testBars,
			Base:      cfg.Params(),
		})
		if err != nil {
			appLogger.Error(ctx, err, "Walk-forward failed")
			log.Fatalf("FATAL: Walk-forward failed: %v", err)
		}
		for _, w := range res.Windows {
			appLogger.Info(ctx, "Walk-forward window", map[string]interface{}{
				"window":     w.Index,
				"testFrom":   w.TestFrom,
				"testTo":     w.TestTo,
				"best":       w.Best.Key(),
				"candidates": w.Candidates,
				"trainPnL":   w.TrainMetrics.TotalProfit,
				"testPnL":    w.TestMetrics.TotalProfit,
			})
		}
		sum.Mode, sum.Symbols, sum.Windows = "walkforward", []string{datasets[0].symbol}, res.Windows
		sum.FinalEquity, sum.Metrics = res.FinalEquity, res.Metrics
		trades, curve = res.Trades, res.EquityCurve

	case *optimize:
		results, err := runOptimization(ctx, datasets, btCfg, cfg.Params())
		if err != nil {
			appLogger.Error(ctx, err, "Optimization failed")
			log.Fatalf("FATAL: Optimization failed: %v", err)
		}
		if len(results) == 0 {
			log.Fatalf("FATAL: No parameter combination had enough data")
		}
		for i, r := range results {
			if i >= *top {
				break
			}
			fmt.Printf("%2d. score=%8.3f trades=%4d pnl=%10.2f maxDD=%6.2f%% %s\n",
				i+1, r.Score, r.Metrics.TotalTrades, r.Metrics.TotalProfit, r.Metrics.MaxDrawdown*100, r.Params.Key())
		}
		// Re-run the winner so its trades and curve are written out.
		res, err := backtesting.RunPortfolio(ctx, barsBySymbol(datasets), results[0].Params, btCfg)
		if err != nil {
			log.Fatalf("FATAL: Backtest of best parameters failed: %v", err)
		}
		sum.Mode, sum.Symbols, sum.Params = "optimize", res.Symbols, res.Params
		sum.FinalEquity, sum.Metrics = res.FinalEquity, res.Metrics
		trades, curve = res.Trades, res.EquityCurve

	default:
		res, err := backtesting.RunPortfolio(ctx, barsBySymbol(datasets), cfg.Params(), btCfg)
		if err != nil {
			appLogger.Error(ctx, err, "Backtest error")
			log.Fatalf("FATAL: Backtest error: %v", err)
		}
		sum.Mode, sum.Symbols = "backtest", res.Symbols
		sum.FinalEquity, sum.Metrics = res.FinalEquity, res.Metrics
		trades, curve = res.Trades, res.EquityCurve
		if res.Vetoes > 0 || len(res.RiskEvents) > 0 {
			appLogger.Info(ctx, "Risk activity", map[string]interface{}{"vetoes": res.Vetoes, "riskEvents": len(res.RiskEvents)})
		}
	}

	sum.Readiness = analytics.Readiness(sum.Metrics)
	appLogger.Info(ctx, "Backtest result", map[string]interface{}{
		"runID":        runID,
		"mode":         sum.Mode,
		"trades":       sum.Metrics.TotalTrades,
		"winRate":      sum.Metrics.WinRate * 100,
		"pnl":          sum.Metrics.TotalProfit,
		"sharpe":       sum.Metrics.SharpeRatio,
		"maxDD":        sum.Metrics.MaxDrawdown,
		"profitFactor": sum.Metrics.ProfitFactor,
		"readiness":    sum.Readiness.Score,
	})

	// 4. Write results
	files, err := writeResults(filepath.Join(*outDir, runID), trades, curve, sum)
	if err != nil {
		appLogger.Error(ctx, err, "Error writing results")
		log.Fatalf("FATAL: Error writing results: %v", err)
	}
	appLogger.Info(ctx, "Results saved", map[string]interface{}{"dir": filepath.Join(*outDir, runID)})

	if *upload {
		if err := uploadResults(ctx, cfg, runID, files); err != nil {
			appLogger.Error(ctx, err, "Upload failed")
			log.Fatalf("FATAL: Upload failed: %v", err)
		}
		appLogger.Info(ctx, "Results uploaded", map[string]interface{}{"bucket": cfg.S3Bucket, "prefix": "runs/" + runID})
	}
}

// parseDataFlag turns "BTCUSDT=a.csv,b.csv" into datasets. Without an
// explicit symbol the file name up to the first underscore is used.
func parseDataFlag(v string) ([]*dataset, error) {
	if strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("-data is required")
	}
	var (
		out  []*dataset
		seen = map[string]bool{}
	)
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ds := &dataset{path: item}
		if sym, path, ok := strings.Cut(item, "="); ok {
			ds.symbol, ds.path = strings.ToUpper(strings.TrimSpace(sym)), strings.TrimSpace(path)
		} else {
			base := strings.TrimSuffix(filepath.Base(item), filepath.Ext(item))
			sym, _, _ := strings.Cut(base, "_")
			ds.symbol = strings.ToUpper(sym)
		}
		if ds.symbol == "" || ds.path == "" {
			return nil, fmt.Errorf("invalid -data entry %q", item)
		}
		if seen[ds.symbol] {
			return nil, fmt.Errorf("symbol %s given twice", ds.symbol)
		}
		seen[ds.symbol] = true
		out = append(out, ds)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("-data is required")
	}
	return out, nil
}

func barsBySymbol(datasets []*dataset) map[string][]domain.Bar {
	m := make(map[string][]domain.Bar, len(datasets))
	for _, ds := range datasets {
		m[ds.symbol] = ds.bars
	}
	return m
}

func runOptimization(ctx context.Context, datasets []*dataset, btCfg backtesting.BacktestConfig, base domain.ParameterSet) ([]optimization.OptimizationResult, error) {
	btCfg.Logger = nil
	bars := barsBySymbol(datasets)
	opt := optimization.NewOptimizer(optimization.OptimizerConfig{
		Base:            base,
		ParameterRanges: optimization.DefaultParameterRanges(),
		ScoreFunction:   optimization.DefaultScoreFunction,
	})
	return opt.Optimize(ctx, func(ctx context.Context, params domain.ParameterSet) (*analytics.PerformanceMetrics, error) {
		res, err := backtesting.RunPortfolio(ctx, bars, params, btCfg)
		if err != nil {
			return nil, err
		}
		return res.Metrics, nil
	})
}

func writeResults(dir string, trades []domain.Trade, curve []domain.EquityPoint, sum summary) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files := map[string]string{
		"trades.csv":   filepath.Join(dir, "trades.csv"),
		"equity.csv":   filepath.Join(dir, "equity.csv"),
		"summary.json": filepath.Join(dir, "summary.json"),
	}
	if err := utils.WriteTradesToCSV(trades, files["trades.csv"]); err != nil {
		return nil, fmt.Errorf("write trades: %w", err)
	}
	if err := utils.WriteEquityToCSV(curve, files["equity.csv"]); err != nil {
		return nil, fmt.Errorf("write equity: %w", err)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(files["summary.json"], data, 0o644); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	return files, nil
}

func uploadResults(ctx context.Context, cfg *config.Config, runID string, files map[string]string) error {
	store, err := s3store.New(ctx, s3store.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Prefix:    "runs/" + runID,
	})
	if err != nil {
		return err
	}
	return putFiles(ctx, store, files)
}

// putFiles uploads files (name -> local path) in name order.
func putFiles(ctx context.Context, store ports.ReportStore, files map[string]string) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(files[name])
		if err != nil {
			return err
		}
		contentType := "text/csv"
		if strings.HasSuffix(name, ".json") {
			contentType = "application/json"
		}
		if err := store.Put(ctx, name, data, contentType); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}
