package backtesting

import (
	"context"
	"fmt"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
	"donchianbot/internal/strategy/analytics"
	"donchianbot/internal/strategy/indicators"
	"donchianbot/internal/strategy/optimization"
)

// Walk-forward defaults.
const (
	DefaultWindows       = 5
	DefaultTrainFraction = 2.0 / 3.0
)

// WalkForwardConfig controls the train/test partitioning and the search.
type WalkForwardConfig struct {
	Backtest BacktestConfig

	// Windows splits the data into that many equal, sequential segments,
	// each divided into train and test by TrainFraction.
	Windows       int
	TrainFraction float64
	// TrainBars and TestBars, when both set, select rolling windows of fixed
	// length instead; the train window advances by TestBars each step.
	TrainBars int
	TestBars  int

	Base            domain.ParameterSet
	ParameterRanges []optimization.ParameterRange
	Concurrency     int
	ScoreFunction   func(*analytics.PerformanceMetrics) float64
}

// Window is one train/test pair as bar index ranges [start, end).
type Window struct {
	TrainStart, TrainEnd int
	TestStart, TestEnd   int
}

// WindowResult reports one walk-forward step.
type WindowResult struct {
	Index        int
	Window       Window
	TrainFrom    time.Time
	TestFrom     time.Time
	TestTo       time.Time
	Best         domain.ParameterSet
	TrainMetrics *analytics.PerformanceMetrics
	TestMetrics  *analytics.PerformanceMetrics
	Candidates   int
}

// WalkForwardResult holds the stitched out-of-sample results.
type WalkForwardResult struct {
	Windows     []WindowResult
	Trades      []domain.Trade
	EquityCurve []domain.EquityPoint
	FinalEquity float64
	Metrics     *analytics.PerformanceMetrics
}

// Partition computes the walk-forward windows for n bars.
func (c WalkForwardConfig) Partition(n int) ([]Window, error) {
	if c.TrainBars > 0 || c.TestBars > 0 {
		if c.TrainBars <= 0 || c.TestBars <= 0 {
			return nil, fmt.Errorf("%w: both train and test bar counts are required", ports.ErrInvalidRequest)
		}
		var windows []Window
		for start := 0; start+c.TrainBars+c.TestBars <= n; start += c.TestBars {
			if c.Windows > 0 && len(windows) == c.Windows {
				break
			}
			windows = append(windows, Window{
				TrainStart: start, TrainEnd: start + c.TrainBars,
				TestStart: start + c.TrainBars, TestEnd: start + c.TrainBars + c.TestBars,
			})
		}
		if len(windows) == 0 {
			return nil, fmt.Errorf("%w: %d bars cannot hold a %d+%d window", ports.ErrInsufficientData, n, c.TrainBars, c.TestBars)
		}
		return windows, nil
	}

	count := c.Windows
	if count <= 0 {
		count = DefaultWindows
	}
	fraction := c.TrainFraction
	if fraction <= 0 {
		fraction = DefaultTrainFraction
	}
	if fraction >= 1 {
		return nil, fmt.Errorf("%w: train fraction must be below 1", ports.ErrInvalidRequest)
	}
	segment := n / count
	if segment < 2 {
		return nil, fmt.Errorf("%w: %d bars cannot be split into %d windows", ports.ErrInsufficientData, n, count)
	}

	windows := make([]Window, 0, count)
	for i := 0; i < count; i++ {
		start := i * segment
		end := start + segment
		if i == count-1 {
			end = n // The last segment absorbs the remainder.
		}
		trainEnd := start + int(float64(end-start)*fraction)
		windows = append(windows, Window{TrainStart: start, TrainEnd: trainEnd, TestStart: trainEnd, TestEnd: end})
	}
	return windows, nil
}

// runBacktest is the backtest used by WalkForward, replaceable in tests.
var runBacktest = Run

// WalkForward optimizes on each train window, evaluates the winner on the
// following test window and stitches the test windows into one
// out-of-sample track record. Test runs warm their indicators up on the
// trailing train bars only, and each test window starts from the equity the
// previous one ended with.
func WalkForward(ctx context.Context, bars []domain.Bar, config WalkForwardConfig) (*WalkForwardResult, error) {
	windows, err := config.Partition(len(bars))
	if err != nil {
		return nil, err
	}
	ranges := config.ParameterRanges
	if len(ranges) == 0 {
		ranges = optimization.DefaultParameterRanges()
	}
	base := config.Base
	if base == (domain.ParameterSet{}) {
		base = domain.DefaultParameterSet()
	}
	optimizer := optimization.NewOptimizer(optimization.OptimizerConfig{
		Base:            base,
		ParameterRanges: ranges,
		Concurrency:     config.Concurrency,
		ScoreFunction:   config.ScoreFunction,
	})
	candidates, err := optimizer.Combinations()
	if err != nil {
		return nil, err
	}
	required := 0
	for _, p := range candidates {
		if r := p.RequiredBars(); required == 0 || r < required {
			required = r
		}
	}

	for i, w := range windows {
		if w.TrainEnd-w.TrainStart < required+1 || w.TestEnd-w.TestStart < required {
			return nil, fmt.Errorf("%w: window %d has %d train and %d test bars, need %d and %d",
				ports.ErrInsufficientData, i, w.TrainEnd-w.TrainStart, w.TestEnd-w.TestStart, required+1, required)
		}
	}

	warmupLen := config.Backtest.Window
	if warmupLen <= 0 {
		warmupLen = indicators.DefaultWindow
	}

	initial := config.Backtest.InitialEquity
	equity := initial
	result := &WalkForwardResult{}

	for i, w := range windows {
		train := bars[w.TrainStart:w.TrainEnd]
		trainCfg := config.Backtest
		results, err := optimizer.Optimize(ctx, func(ctx context.Context, params domain.ParameterSet) (*analytics.PerformanceMetrics, error) {
			r, err := runBacktest(ctx, train, params, trainCfg)
			if err != nil {
				return nil, err
			}
			return r.Metrics, nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk-forward window %d optimization: %w", i, err)
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("%w: window %d has no evaluable parameter set", ports.ErrInsufficientData, i)
		}
		best := results[0]

		tail := train
		if len(tail) > warmupLen {
			tail = tail[len(tail)-warmupLen:]
		}
		testBars := make([]domain.Bar, 0, len(tail)+w.TestEnd-w.TestStart)
		testBars = append(testBars, tail...)
		testBars = append(testBars, bars[w.TestStart:w.TestEnd]...)

		testCfg := config.Backtest
		testCfg.InitialEquity = equity
		testCfg.Warmup = len(tail)
		test, err := runBacktest(ctx, testBars, best.Params, testCfg)
		if err != nil {
			return nil, fmt.Errorf("walk-forward window %d test: %w", i, err)
		}

		equity = test.FinalEquity
		result.Trades = append(result.Trades, test.Trades...)
		result.EquityCurve = append(result.EquityCurve, test.EquityCurve...)
		result.Windows = append(result.Windows, WindowResult{
			Index:        i,
			Window:       w,
			TrainFrom:    bars[w.TrainStart].Time(),
			TestFrom:     bars[w.TestStart].Time(),
			TestTo:       bars[w.TestEnd-1].Time(),
			Best:         best.Params,
			TrainMetrics: best.Metrics,
			TestMetrics:  test.Metrics,
			Candidates:   len(results),
		})
	}

	result.FinalEquity = equity
	result.Metrics = analytics.AnalyzePerformance(result.Trades, result.EquityCurve, initial)
	return result, nil
}
