package indicators

import (
	"context"
	"fmt"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// Field selects the bar value a moving average is computed over.
type Field func(b domain.Bar) float64

// Common field selectors.
var (
	FieldClose  Field = func(b domain.Bar) float64 { return b.Close }
	FieldVolume Field = func(b domain.Bar) float64 { return b.Volume }
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type  MovingAverageType
	Field Field // Defaults to FieldClose
}

// MovingAverage implements both SMA and EMA indicators
type MovingAverage struct {
	BaseIndicator
	config MovingAverageConfig
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	if config.Field == nil {
		config.Field = FieldClose
	}
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return string(m.config.Type)
}

// Calculate computes the moving average value based on the configured type
func (m *MovingAverage) Calculate(ctx context.Context, bars []domain.Bar) (float64, error) {
	if m.Config.Period < 1 {
		return 0, fmt.Errorf("invalid %s period %d", m.config.Type, m.Config.Period)
	}
	switch m.config.Type {
	case SimpleMovingAverage:
		return m.calculateSMA(bars)
	case ExponentialMovingAverage:
		return m.calculateEMA(bars)
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.config.Type)
	}
}

func (m *MovingAverage) calculateSMA(bars []domain.Bar) (float64, error) {
	if len(bars) < m.Config.Period {
		return 0, fmt.Errorf("%w: SMA needs %d bars, got %d", ports.ErrInsufficientHistory, m.Config.Period, len(bars))
	}

	total := 0.0
	for i := len(bars) - m.Config.Period; i < len(bars); i++ {
		total += m.config.Field(bars[i])
	}
	return total / float64(m.Config.Period), nil
}

func (m *MovingAverage) calculateEMA(bars []domain.Bar) (float64, error) {
	if len(bars) < m.Config.Period {
		return 0, fmt.Errorf("%w: EMA needs %d bars, got %d", ports.ErrInsufficientHistory, m.Config.Period, len(bars))
	}

	multiplier := 2.0 / float64(m.Config.Period+1)

	ema, err := m.calculateSMA(bars[:m.Config.Period])
	if err != nil {
		return 0, fmt.Errorf("failed to calculate initial SMA for EMA: %w", err)
	}

	for i := m.Config.Period; i < len(bars); i++ {
		ema = (m.config.Field(bars[i])-ema)*multiplier + ema
	}

	return ema, nil
}
