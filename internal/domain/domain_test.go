package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParameterSet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(p *ParameterSet)
		wantErr string
	}{
		{name: "defaults", modify: func(p *ParameterSet) {}},
		{name: "zero donchian", modify: func(p *ParameterSet) { p.DonchianPeriod = 0 }, wantErr: "donchian period"},
		{name: "negative exit", modify: func(p *ParameterSet) { p.ExitPeriod = -1 }, wantErr: "exit period"},
		{name: "zero multiplier", modify: func(p *ParameterSet) { p.ATRMultiplier = 0 }, wantErr: "ATR multiplier"},
		{name: "inverted rsi band", modify: func(p *ParameterSet) { p.RSILower, p.RSIUpper = 70, 30 }, wantErr: "invalid RSI band"},
		{name: "risk of one", modify: func(p *ParameterSet) { p.RiskFraction = 1 }, wantErr: "risk fraction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameterSet()
			tt.modify(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParameterSet_RequiredBars(t *testing.T) {
	p := DefaultParameterSet()
	assert.Equal(t, 21, p.RequiredBars())

	p.ExitPeriod = 30
	assert.Equal(t, 31, p.RequiredBars())
	assert.Contains(t, p.Key(), "ex=30")
}

func TestParameterSet_RSIInBand(t *testing.T) {
	p := DefaultParameterSet()
	p.RSILower, p.RSIUpper = 35, 70
	for value, want := range map[float64]bool{55: true, 35: true, 70: true, 34.99: false, 70.01: false} {
		assert.Equal(t, want, p.RSIInBand(value), "rsi %.2f", value)
	}
}

func TestPosition_PNLAndStops(t *testing.T) {
	long := &Position{Side: Long, EntryPrice: 100, Size: 2, StopPrice: 95, Status: StatusOpen}
	assert.Equal(t, 10.0, long.UnrealizedPNL(105))
	assert.True(t, long.StopHit(95))
	assert.False(t, long.StopHit(95.01))
	assert.Equal(t, 210.0, long.Notional(105))

	short := &Position{Side: Short, EntryPrice: 100, Size: 2, StopPrice: 105, Status: StatusOpen}
	assert.Equal(t, 10.0, short.UnrealizedPNL(95))
	assert.True(t, short.StopHit(105.5))
	assert.False(t, short.StopHit(104))

	short.Status = StatusClosed
	assert.Zero(t, short.UnrealizedPNL(50))

	noStop := &Position{Side: Long, Status: StatusOpen}
	assert.False(t, noStop.StopHit(0))
}

func TestSides(t *testing.T) {
	assert.Equal(t, Buy, Long.EntryOrderSide())
	assert.Equal(t, Sell, Long.ExitOrderSide())
	assert.Equal(t, Sell, Short.EntryOrderSide())
	assert.Equal(t, Buy, Short.ExitOrderSide())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, Short, DirectionShort.Side())
	assert.True(t, DirectionLong.IsEntry())
	assert.False(t, DirectionExit.IsEntry())
	assert.True(t, Signal{}.IsNone())
}

func TestOrderAndRiskState(t *testing.T) {
	o := &Order{RequestedSize: 1, FilledSize: 1.2}
	assert.Zero(t, o.Remaining())
	o.FilledSize = 0.4
	assert.InDelta(t, 0.6, o.Remaining(), 1e-12)

	assert.True(t, OrderCancelled.IsTerminal())
	assert.False(t, OrderPartiallyFilled.IsTerminal())

	assert.False(t, RiskState{Breaker: BreakerNormal}.Halted())
	assert.True(t, RiskState{Breaker: BreakerNormal, KillSwitch: true}.Halted())
	assert.True(t, Trade{PNL: 0.01}.IsWin())
	assert.False(t, Trade{}.IsWin())
}
