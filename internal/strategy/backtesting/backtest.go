package backtesting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"donchianbot/internal/adapters/logger"
	"donchianbot/internal/domain"
	"donchianbot/internal/execution"
	"donchianbot/internal/ledger"
	"donchianbot/internal/pipeline"
	"donchianbot/internal/ports"
	"donchianbot/internal/risk"
	"donchianbot/internal/strategy"
	"donchianbot/internal/strategy/analytics"
)

// BacktestConfig holds configuration for backtesting
type BacktestConfig struct {
	Symbol        string
	InitialEquity float64
	Risk          risk.RiskConfig // RiskFraction comes from the parameter set
	Execution     execution.Config

	MinATRPercent float64
	MinAvgVolume  float64
	MinConfidence float64
	Scorer        ports.Scorer

	PartialTakeProfitR float64
	PartialFraction    float64
	Window             int // Indicator window, indicators.DefaultWindow when zero

	// Warmup is the number of leading bars that only seed indicator history.
	// They produce no signals and no equity samples.
	Warmup int
	// KeepOpenAtEnd leaves the last position open instead of closing it at
	// the final close.
	KeepOpenAtEnd bool

	Logger ports.Logger // Discards output when nil
}

// BacktestResult holds the results of a backtest
type BacktestResult struct {
	Params      domain.ParameterSet
	Symbols     []string
	Bars        int // Bars traded, excluding warm-up
	Trades      []domain.Trade
	EquityCurve []domain.EquityPoint
	RiskEvents  []domain.RiskEvent
	Vetoes      int
	FinalEquity float64
	Metrics     *analytics.PerformanceMetrics
}

// Run backtests a single symbol. Bars must be sorted by time.
func Run(ctx context.Context, bars []domain.Bar, params domain.ParameterSet, config BacktestConfig) (*BacktestResult, error) {
	symbol := config.Symbol
	if symbol == "" && len(bars) > 0 {
		symbol = bars[0].Symbol
	}
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	return RunPortfolio(ctx, map[string][]domain.Bar{symbol: bars}, params, config)
}

// RunPortfolio backtests several symbols against one shared ledger and risk
// manager. Bars of all symbols are replayed in time order; bars with the
// same timestamp are processed in symbol order.
func RunPortfolio(ctx context.Context, barsBySymbol map[string][]domain.Bar, params domain.ParameterSet, config BacktestConfig) (*BacktestResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}
	if len(barsBySymbol) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ports.ErrInsufficientData)
	}
	if config.InitialEquity <= 0 {
		return nil, fmt.Errorf("%w: initial equity must be positive", ports.ErrInvalidRequest)
	}
	if config.Warmup < 0 {
		return nil, fmt.Errorf("%w: warm-up must not be negative", ports.ErrInvalidRequest)
	}
	log := config.Logger
	if log == nil {
		log = logger.NewNop()
	}

	symbols := make([]string, 0, len(barsBySymbol))
	for symbol, bars := range barsBySymbol {
		if len(bars)-config.Warmup < 1 || len(bars) < params.RequiredBars()+1 {
			return nil, fmt.Errorf("%w: %s has %d bars (warm-up %d), need at least %d",
				ports.ErrInsufficientData, symbol, len(bars), config.Warmup, params.RequiredBars()+1)
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	l, err := ledger.New(ledger.Config{InitialEquity: config.InitialEquity, Logger: log})
	if err != nil {
		return nil, err
	}
	riskCfg := config.Risk
	riskCfg.RiskFraction = params.RiskFraction
	rm, err := risk.NewRiskManager(riskCfg, config.InitialEquity)
	if err != nil {
		return nil, err
	}
	router, err := execution.NewSimulated(config.Execution, l, log)
	if err != nil {
		return nil, err
	}

	result := &BacktestResult{Params: params, Symbols: symbols}

	pipelines := make(map[string]*pipeline.Pipeline, len(symbols))
	var stream []domain.Bar
	for _, symbol := range symbols {
		p, err := pipeline.New(pipeline.Config{
			Symbol: symbol,
			Strategy: strategy.Config{
				Params:        params,
				MinATRPercent: config.MinATRPercent,
				MinAvgVolume:  config.MinAvgVolume,
				MinConfidence: config.MinConfidence,
				Scorer:        config.Scorer,
			},
			Window:             config.Window,
			PartialTakeProfitR: config.PartialTakeProfitR,
			PartialFraction:    config.PartialFraction,
		}, pipeline.Dependencies{Risk: rm, Ledger: l, Router: router, Logger: log})
		if err != nil {
			return nil, err
		}
		bars := barsBySymbol[symbol]
		p.Warmup(bars[:config.Warmup])
		pipelines[symbol] = p
		for _, b := range bars[config.Warmup:] {
			b.Symbol = symbol
			stream = append(stream, b)
		}
	}
	sort.SliceStable(stream, func(i, j int) bool {
		if !stream[i].Time().Equal(stream[j].Time()) {
			return stream[i].Time().Before(stream[j].Time())
		}
		return stream[i].Symbol < stream[j].Symbol
	})

	var last time.Time
	lastClose := make(map[string]float64, len(symbols))
	for i, bar := range stream {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err)
			}
		}
		res, err := pipelines[bar.Symbol].OnBar(ctx, bar)
		if err != nil {
			return nil, fmt.Errorf("backtest %s at %s: %w", bar.Symbol, bar.Time().Format(time.RFC3339), err)
		}
		if res.Skipped {
			continue
		}
		result.Bars++
		result.RiskEvents = append(result.RiskEvents, res.RiskEvents...)
		if res.Veto != nil && !errors.Is(res.Veto, ports.ErrPositionAlreadyOpen) {
			result.Vetoes++
		}
		last = bar.Time()
		lastClose[bar.Symbol] = bar.Close
	}

	if !config.KeepOpenAtEnd {
		for _, symbol := range symbols {
			if _, err := pipelines[symbol].Flatten(ctx, last, lastClose[symbol], domain.CloseReasonEndOfData); err != nil {
				return nil, fmt.Errorf("close %s at end of data: %w", symbol, err)
			}
		}
		l.Sample(ctx, last)
	}

	result.Trades = l.Trades()
	result.EquityCurve = l.EquityCurve()
	result.FinalEquity = l.Equity()
	result.Metrics = analytics.AnalyzePerformance(result.Trades, result.EquityCurve, config.InitialEquity)
	return result, nil
}
