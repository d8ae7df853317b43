package indicators

import (
	"context"
	"fmt"
	"math"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator with Wilder's smoothing.
// The same implementation serves backtest, paper and live runs.
type ATR struct {
	BaseIndicator
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	return &ATR{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}}
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return "ATR"
}

// RequiredDataPoints returns period+1: every true range needs the previous close.
func (a *ATR) RequiredDataPoints() int {
	return a.Config.Period + 1
}

// Calculate computes the Average True Range value for the given bars
func (a *ATR) Calculate(ctx context.Context, bars []domain.Bar) (float64, error) {
	period := a.Config.Period
	if period < 1 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("%w: ATR needs %d bars, got %d", ports.ErrInsufficientHistory, period+1, len(bars))
	}

	// Seed with the simple average of the first 'period' true ranges
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += TrueRange(bars[i], bars[i-1].Close)
	}
	atr /= float64(period)

	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + TrueRange(bars[i], bars[i-1].Close)) / float64(period)
	}

	return atr, nil
}

// TrueRange is the greatest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(bar domain.Bar, prevClose float64) float64 {
	return math.Max(bar.High-bar.Low, math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
}
