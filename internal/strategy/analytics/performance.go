package analytics

import (
	"math"
	"sort"
	"time"

	"donchianbot/internal/domain"
)

// ProfitFactorCap replaces an infinite profit factor (profits without losses).
const ProfitFactorCap = 999.0

// PerformanceMetrics holds comprehensive performance metrics for a strategy
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	GrossProfit        float64
	GrossLoss          float64 // Positive number
	TotalFees          float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64 // Negative number
	SharpeRatio        float64
	FinalBalance       float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	RiskRewardRatio      float64
	MonthlyReturns       map[string]float64 // "2006-01" -> realized P&L
	DailyPNL             map[string]float64 // "2006-01-02" -> realized P&L
	ExitReasons          map[domain.CloseReason]int
	Drawdowns            []Drawdown
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// AnalyzePerformance calculates performance metrics from the trade log and
// the equity curve. Drawdown and Sharpe come from the curve when one is
// given; otherwise they are derived from the running balance after each trade.
func AnalyzePerformance(trades []domain.Trade, curve []domain.EquityPoint, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]float64),
		DailyPNL:       make(map[string]float64),
		ExitReasons:    make(map[domain.CloseReason]int),
		Drawdowns:      make([]Drawdown, 0),
	}

	sorted := append([]domain.Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExitTime.Before(sorted[j].ExitTime)
	})

	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	balance := initialBalance
	balanceCurve := make([]domain.EquityPoint, 0, len(sorted)+1)
	if len(sorted) > 0 {
		balanceCurve = append(balanceCurve, domain.EquityPoint{Time: sorted[0].EntryTime, Equity: initialBalance})
	}

	for _, trade := range sorted {
		metrics.TotalTrades++
		if trade.PNL > 0 {
			metrics.WinningTrades++
			metrics.GrossProfit += trade.PNL
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			metrics.GrossLoss -= trade.PNL
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > metrics.MaxConsecutiveWins {
			metrics.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > metrics.MaxConsecutiveLosses {
			metrics.MaxConsecutiveLosses = consecutiveLosses
		}

		metrics.TotalProfit += trade.PNL
		metrics.TotalFees += trade.Fees
		metrics.MonthlyReturns[trade.ExitTime.UTC().Format("2006-01")] += trade.PNL
		metrics.DailyPNL[trade.ExitTime.UTC().Format("2006-01-02")] += trade.PNL
		metrics.ExitReasons[trade.CloseReason]++
		totalDuration += trade.ExitTime.Sub(trade.EntryTime)

		balance += trade.PNL
		balanceCurve = append(balanceCurve, domain.EquityPoint{Time: trade.ExitTime, Equity: balance})
	}
	metrics.FinalBalance = initialBalance + metrics.TotalProfit

	if len(curve) == 0 {
		curve = balanceCurve
	} else {
		metrics.FinalBalance = curve[len(curve)-1].Equity
	}
	metrics.Drawdowns, metrics.MaxDrawdown = drawdowns(curve)
	metrics.SharpeRatio = sharpe(curve)

	if initialBalance > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
		if metrics.MaxDrawdown > 0 {
			metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
		}
	}

	if metrics.TotalTrades == 0 {
		return metrics
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = metrics.GrossProfit / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = -metrics.GrossLoss / float64(metrics.LosingTrades)
	}
	metrics.ProfitFactor = ProfitFactor(metrics.GrossProfit, metrics.GrossLoss)
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	metrics.Expectancy = (metrics.WinRate * metrics.AverageWin) + ((1 - metrics.WinRate) * metrics.AverageLoss)
	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}

	return metrics
}

// ProfitFactor returns gross profit over gross loss, capped at
// ProfitFactorCap when there are profits but no losses.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss > 0:
		return math.Min(grossProfit/grossLoss, ProfitFactorCap)
	case grossProfit > 0:
		return ProfitFactorCap
	default:
		return 0
	}
}

func drawdowns(curve []domain.EquityPoint) ([]Drawdown, float64) {
	periods := make([]Drawdown, 0)
	if len(curve) == 0 {
		return periods, 0
	}

	peak := curve[0].Equity
	maxDepth := 0.0
	var current *Drawdown
	for _, p := range curve {
		if p.Equity >= peak {
			if current != nil {
				current.EndTime = p.Time
				current.EndValue = p.Equity
				current.Duration = current.EndTime.Sub(current.StartTime)
				periods = append(periods, *current)
				current = nil
			}
			peak = p.Equity
			continue
		}
		if peak <= 0 {
			continue
		}
		depth := (peak - p.Equity) / peak
		if current == nil {
			current = &Drawdown{StartTime: p.Time, StartValue: peak, Depth: depth}
		} else {
			current.Depth = math.Max(current.Depth, depth)
		}
		maxDepth = math.Max(maxDepth, depth)
	}

	// Close any open drawdown
	if current != nil {
		last := curve[len(curve)-1]
		current.EndTime = last.Time
		current.EndValue = last.Equity
		current.Duration = current.EndTime.Sub(current.StartTime)
		periods = append(periods, *current)
	}
	return periods, maxDepth
}

// sharpe is the mean over the standard deviation of per-sample returns,
// without annualization and with a zero risk-free rate.
func sharpe(curve []domain.EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []PeriodReturn {
	return sortedPeriods(m.MonthlyReturns, "2006-01")
}

// GetDailyPNL returns the daily P&L as a sorted slice
func (m *PerformanceMetrics) GetDailyPNL() []PeriodReturn {
	return sortedPeriods(m.DailyPNL, "2006-01-02")
}

func sortedPeriods(values map[string]float64, layout string) []PeriodReturn {
	returns := make([]PeriodReturn, 0, len(values))
	for key, profit := range values {
		date, _ := time.Parse(layout, key)
		returns = append(returns, PeriodReturn{Period: date, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Period.Before(returns[j].Period)
	})
	return returns
}

// PeriodReturn is the realized P&L of one calendar period.
type PeriodReturn struct {
	Period time.Time
	Return float64
}
