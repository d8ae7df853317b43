package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
	"donchianbot/internal/strategy/analytics"
)

// Parameter names accepted in a ParameterRange.
const (
	ParamDonchianPeriod = "donchian_period"
	ParamExitPeriod     = "exit_period"
	ParamATRPeriod      = "atr_period"
	ParamATRMultiplier  = "atr_multiplier"
	ParamRSIPeriod      = "rsi_period"
	ParamRSILower       = "rsi_lower"
	ParamRSIUpper       = "rsi_upper"
	ParamRiskFraction   = "risk_fraction"
)

// ParameterRange defines a range for a parameter to optimize. Values, when
// set, is used instead of Min/Max/Step.
type ParameterRange struct {
	Name   string
	Min    float64
	Max    float64
	Step   float64
	IsInt  bool
	Values []float64
}

// points expands the range into its values.
func (r ParameterRange) points() ([]float64, error) {
	if len(r.Values) > 0 {
		return r.Values, nil
	}
	if r.Step <= 0 || r.Max < r.Min {
		return nil, fmt.Errorf("invalid range for %s: [%f, %f] step %f", r.Name, r.Min, r.Max, r.Step)
	}
	var out []float64
	for i := 0; ; i++ {
		value := r.Min + float64(i)*r.Step
		if value > r.Max+r.Step/2 { // Half a step of slack for floating point accumulation
			break
		}
		if r.IsInt {
			value = math.Round(value)
		}
		out = append(out, value)
	}
	return out, nil
}

// DefaultParameterRanges is the standard Donchian/ATR/RSI search space.
func DefaultParameterRanges() []ParameterRange {
	return []ParameterRange{
		{Name: ParamDonchianPeriod, Min: 10, Max: 30, Step: 5, IsInt: true},
		{Name: ParamExitPeriod, Min: 5, Max: 15, Step: 5, IsInt: true},
		{Name: ParamATRMultiplier, Values: []float64{2, 2.5, 3, 3.5}},
		{Name: ParamRSILower, Min: 35, Max: 55, Step: 10},
	}
}

// OptimizationResult holds the results of one parameter combination
type OptimizationResult struct {
	Params  domain.ParameterSet
	Metrics *analytics.PerformanceMetrics
	Score   float64
}

// Evaluator runs a backtest for one parameter set and returns its metrics.
type Evaluator func(ctx context.Context, params domain.ParameterSet) (*analytics.PerformanceMetrics, error)

// OptimizerConfig holds configuration for the optimizer
type OptimizerConfig struct {
	Base            domain.ParameterSet // Values for parameters not being searched
	ParameterRanges []ParameterRange
	Concurrency     int // Parallel evaluations, GOMAXPROCS when zero
	ScoreFunction   func(*analytics.PerformanceMetrics) float64
}

// Optimizer implements strategy parameter optimization
type Optimizer struct {
	config OptimizerConfig
}

// NewOptimizer creates a new optimizer instance
func NewOptimizer(config OptimizerConfig) *Optimizer {
	if config.ScoreFunction == nil {
		config.ScoreFunction = ProfitFactorScore
	}
	if config.Concurrency <= 0 {
		config.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Optimizer{config: config}
}

// Optimize evaluates every valid combination and returns the results sorted
// best first. Combinations without enough data are skipped; any other
// evaluation error aborts the search.
func (o *Optimizer) Optimize(ctx context.Context, evaluate Evaluator) ([]OptimizationResult, error) {
	combinations, err := o.Combinations()
	if err != nil {
		return nil, err
	}
	if len(combinations) == 0 {
		return nil, fmt.Errorf("%w: parameter grid is empty", ports.ErrInvalidRequest)
	}

	var (
		mu      sync.Mutex
		results = make([]OptimizationResult, 0, len(combinations))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)

	for _, params := range combinations {
		params := params // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			metrics, err := evaluate(gctx, params)
			if err != nil {
				if errors.Is(err, ports.ErrInsufficientData) || errors.Is(err, ports.ErrInsufficientHistory) {
					return nil
				}
				return fmt.Errorf("evaluate %s: %w", params.Key(), err)
			}
			res := OptimizationResult{Params: params, Metrics: metrics, Score: o.config.ScoreFunction(metrics)}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	SortResults(results)
	return results, nil
}

// Combinations expands the parameter ranges over the base set, dropping
// combinations that fail validation (e.g. an RSI lower bound above the upper).
func (o *Optimizer) Combinations() ([]domain.ParameterSet, error) {
	sets := []domain.ParameterSet{o.config.Base}
	for _, r := range o.config.ParameterRanges {
		points, err := r.points()
		if err != nil {
			return nil, err
		}
		next := make([]domain.ParameterSet, 0, len(sets)*len(points))
		for _, set := range sets {
			for _, v := range points {
				updated, err := apply(set, r.Name, v)
				if err != nil {
					return nil, err
				}
				next = append(next, updated)
			}
		}
		sets = next
	}

	seen := make(map[string]bool, len(sets))
	valid := sets[:0]
	for _, set := range sets {
		if set.Validate() != nil || seen[set.Key()] {
			continue
		}
		seen[set.Key()] = true
		valid = append(valid, set)
	}
	return valid, nil
}

func apply(p domain.ParameterSet, name string, v float64) (domain.ParameterSet, error) {
	switch name {
	case ParamDonchianPeriod:
		p.DonchianPeriod = int(v)
	case ParamExitPeriod:
		p.ExitPeriod = int(v)
	case ParamATRPeriod:
		p.ATRPeriod = int(v)
	case ParamATRMultiplier:
		p.ATRMultiplier = v
	case ParamRSIPeriod:
		p.RSIPeriod = int(v)
	case ParamRSILower:
		p.RSILower = v
	case ParamRSIUpper:
		p.RSIUpper = v
	case ParamRiskFraction:
		p.RiskFraction = v
	default:
		return p, fmt.Errorf("%w: unknown parameter %q", ports.ErrInvalidRequest, name)
	}
	return p, nil
}

// SortResults orders results by score, then net profit, both descending,
// then by parameter key so that equal results have a stable order.
func SortResults(results []OptimizationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if pa, pb := profit(a.Metrics), profit(b.Metrics); pa != pb {
			return pa > pb
		}
		return a.Params.Key() < b.Params.Key()
	})
}

func profit(m *analytics.PerformanceMetrics) float64 {
	if m == nil {
		return 0
	}
	return m.TotalProfit
}

// ProfitFactorScore ranks by profit factor; SortResults breaks ties on net profit.
func ProfitFactorScore(metrics *analytics.PerformanceMetrics) float64 {
	return metrics.ProfitFactor
}

// DefaultScoreFunction blends several metrics into a single score.
func DefaultScoreFunction(metrics *analytics.PerformanceMetrics) float64 {
	score := 0.0

	// Weight different metrics
	score += metrics.WinRate * 0.3
	score += math.Min(metrics.ProfitFactor, 10) * 0.2
	score += (1 - metrics.MaxDrawdown) * 0.2
	score += metrics.ReturnOnInvestment * 0.2
	score += metrics.RiskRewardRatio * 0.1

	return score
}
