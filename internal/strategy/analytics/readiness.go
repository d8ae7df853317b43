package analytics

import "sort"

// Readiness thresholds for going from paper to real money.
const (
	MinReadyTrades       = 10
	MinReadyWinRate      = 0.5
	MinReadyProfitFactor = 1.2
	MaxReadyDrawdown     = 0.10
)

// ReadinessReport scores a track record against the go-live criteria.
type ReadinessReport struct {
	Criteria map[string]bool `json:"criteria"`
	Score    float64         `json:"score"` // Percentage of criteria met
	Details  ReadinessDetail `json:"details"`
}

// ReadinessDetail carries the figures the criteria were evaluated on.
type ReadinessDetail struct {
	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalPNL     float64 `json:"total_pnl"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// Readiness evaluates the metrics against the go-live criteria.
func Readiness(m *PerformanceMetrics) ReadinessReport {
	r := ReadinessReport{
		Criteria: map[string]bool{
			"sufficient_trades":  m.TotalTrades >= MinReadyTrades,
			"win_rate_good":      m.WinRate >= MinReadyWinRate,
			"profit_factor_good": m.ProfitFactor >= MinReadyProfitFactor,
			"positive_pnl":       m.TotalProfit > 0,
			"low_drawdown":       m.MaxDrawdown <= MaxReadyDrawdown,
		},
		Details: ReadinessDetail{
			TotalTrades:  m.TotalTrades,
			WinRate:      m.WinRate,
			ProfitFactor: m.ProfitFactor,
			TotalPNL:     m.TotalProfit,
			MaxDrawdown:  m.MaxDrawdown,
		},
	}
	r.rescore()
	return r
}

// With adds an externally evaluated criterion and updates the score.
func (r ReadinessReport) With(name string, ok bool) ReadinessReport {
	criteria := make(map[string]bool, len(r.Criteria)+1)
	for k, v := range r.Criteria {
		criteria[k] = v
	}
	criteria[name] = ok
	r.Criteria = criteria
	r.rescore()
	return r
}

// Failed returns the names of the unmet criteria in sorted order.
func (r ReadinessReport) Failed() []string {
	var failed []string
	for name, ok := range r.Criteria {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

func (r *ReadinessReport) rescore() {
	if len(r.Criteria) == 0 {
		r.Score = 0
		return
	}
	met := 0
	for _, ok := range r.Criteria {
		if ok {
			met++
		}
	}
	r.Score = float64(met) / float64(len(r.Criteria)) * 100
}
