package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

func ohlc(rows ...[3]float64) []domain.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(rows))
	for i, r := range rows {
		bars[i] = domain.Bar{Symbol: "BTCUSDT", OpenTime: start.Add(time.Duration(i) * time.Hour), High: r[0], Low: r[1], Close: r[2], Open: r[2]}
	}
	return bars
}

func TestTrueRange(t *testing.T) {
	bar := domain.Bar{High: 110, Low: 100}
	assert.Equal(t, 10.0, TrueRange(bar, 105))
	assert.Equal(t, 20.0, TrueRange(bar, 90), "gap up uses previous close")
	assert.Equal(t, 15.0, TrueRange(bar, 125), "gap down uses previous close")
}

func TestATR_Calculate(t *testing.T) {
	// TRs from bar 1: 2, 4, 2, 6
	bars := ohlc(
		[3]float64{101, 99, 100},
		[3]float64{102, 100, 101},
		[3]float64{105, 101, 104},
		[3]float64{105, 103, 104},
		[3]float64{110, 104, 108},
	)

	atr := NewATR(ATRConfig{IndicatorConfig{Period: 3}})
	value, err := atr.Calculate(context.Background(), bars)
	require.NoError(t, err)
	// seed (2+4+2)/3 = 8/3, then (8/3*2 + 6)/3
	assert.InDelta(t, (8.0/3*2+6)/3, value, 1e-9)
	assert.Equal(t, 4, atr.RequiredDataPoints())

	_, err = atr.Calculate(context.Background(), bars[:3])
	assert.True(t, errors.Is(err, ports.ErrInsufficientHistory))
}

func TestATR_UsesOnlyTrailingBarsForSeed(t *testing.T) {
	bars := ohlc(
		[3]float64{101, 99, 100},
		[3]float64{102, 100, 101},
		[3]float64{103, 101, 102},
	)
	atr := NewATR(ATRConfig{IndicatorConfig{Period: 2}})
	value, err := atr.Calculate(context.Background(), bars)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, value, 1e-9)
}
