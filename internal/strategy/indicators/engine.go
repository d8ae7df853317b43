package indicators

import (
	"context"
	"fmt"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// DefaultWindow is the default number of trailing bars an Engine reads.
const DefaultWindow = 250

// Engine derives an IndicatorSnapshot from a bar history. It keeps no state
// between calls: the snapshot is a pure function of the trailing window,
// which is what makes backtest and live runs agree bar for bar.
type Engine struct {
	params   domain.ParameterSet
	window   int
	donchian *Donchian
	exit     *Donchian // nil when the exit channel is disabled
	atr      *ATR
	rsi      *RSI
	volume   *MovingAverage
}

// NewEngine creates an Engine for the parameter set. A window <= 0 selects
// DefaultWindow; the window never shrinks below the required history.
func NewEngine(params domain.ParameterSet, window int) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if window < params.RequiredBars() {
		window = params.RequiredBars()
	}

	e := &Engine{
		params:   params,
		window:   window,
		donchian: NewDonchian(DonchianConfig{IndicatorConfig{Period: params.DonchianPeriod}}),
		atr:      NewATR(ATRConfig{IndicatorConfig{Period: params.ATRPeriod}}),
		rsi:      NewRSI(RSIConfig{IndicatorConfig{Period: params.RSIPeriod}}),
		volume: NewMovingAverage(MovingAverageConfig{
			IndicatorConfig: IndicatorConfig{Period: params.DonchianPeriod},
			Type:            SimpleMovingAverage,
			Field:           FieldVolume,
		}),
	}
	if params.ExitPeriod > 0 {
		e.exit = NewDonchian(DonchianConfig{IndicatorConfig{Period: params.ExitPeriod}})
	}
	return e, nil
}

// RequiredBars returns the minimum history length accepted by Snapshot.
func (e *Engine) RequiredBars() int {
	return e.params.RequiredBars()
}

// Window returns the number of trailing bars read by Snapshot.
func (e *Engine) Window() int {
	return e.window
}

// Snapshot computes all indicators for the last bar of the series. It
// returns ErrInsufficientHistory until RequiredBars bars are available.
func (e *Engine) Snapshot(ctx context.Context, bars []domain.Bar) (domain.IndicatorSnapshot, error) {
	if len(bars) < e.RequiredBars() {
		return domain.IndicatorSnapshot{}, fmt.Errorf("%w: need %d bars, got %d",
			ports.ErrInsufficientHistory, e.RequiredBars(), len(bars))
	}
	if len(bars) > e.window {
		bars = bars[len(bars)-e.window:]
	}
	last := bars[len(bars)-1]

	snap := domain.IndicatorSnapshot{
		Symbol: last.Symbol,
		Time:   last.Time(),
		Close:  last.Close,
	}

	var err error
	if snap.DonchianUpper, snap.DonchianLower, err = e.donchian.Bands(bars); err != nil {
		return domain.IndicatorSnapshot{}, err
	}
	if e.exit != nil {
		if snap.ExitUpper, snap.ExitLower, err = e.exit.Bands(bars); err != nil {
			return domain.IndicatorSnapshot{}, err
		}
	}
	if snap.ATR, err = e.atr.Calculate(ctx, bars); err != nil {
		return domain.IndicatorSnapshot{}, err
	}
	if snap.RSI, err = e.rsi.Calculate(ctx, bars); err != nil {
		return domain.IndicatorSnapshot{}, err
	}
	if snap.AvgVolume, err = e.volume.Calculate(ctx, bars); err != nil {
		return domain.IndicatorSnapshot{}, err
	}
	return snap, nil
}
