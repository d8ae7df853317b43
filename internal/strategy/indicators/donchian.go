package indicators

import (
	"context"
	"fmt"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// DonchianConfig holds configuration for the Donchian channel.
type DonchianConfig struct {
	IndicatorConfig
}

// Donchian computes the highest high and lowest low over the Period bars
// preceding the last bar. The last bar is never part of its own channel.
type Donchian struct {
	BaseIndicator
}

// NewDonchian creates a new Donchian channel instance
func NewDonchian(config DonchianConfig) *Donchian {
	return &Donchian{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}}
}

// Name returns the name of the indicator
func (d *Donchian) Name() string {
	return "DONCHIAN"
}

// RequiredDataPoints returns period+1: the window plus the bar being evaluated.
func (d *Donchian) RequiredDataPoints() int {
	return d.Config.Period + 1
}

// Calculate returns the upper band so Donchian satisfies Indicator.
func (d *Donchian) Calculate(ctx context.Context, bars []domain.Bar) (float64, error) {
	upper, _, err := d.Bands(bars)
	return upper, err
}

// Bands returns the upper and lower channel for the last bar of the series.
func (d *Donchian) Bands(bars []domain.Bar) (upper, lower float64, err error) {
	period := d.Config.Period
	if period < 1 {
		return 0, 0, fmt.Errorf("invalid Donchian period %d", period)
	}
	if len(bars) < period+1 {
		return 0, 0, fmt.Errorf("%w: Donchian needs %d bars, got %d", ports.ErrInsufficientHistory, period+1, len(bars))
	}

	window := bars[len(bars)-1-period : len(bars)-1]
	upper, lower = window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > upper {
			upper = b.High
		}
		if b.Low < lower {
			lower = b.Low
		}
	}
	return upper, lower, nil
}
