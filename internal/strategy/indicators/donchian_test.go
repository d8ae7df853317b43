package indicators

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donchianbot/internal/ports"
)

func TestDonchian_Bands(t *testing.T) {
	bars := ohlc(
		[3]float64{105, 95, 100},
		[3]float64{108, 97, 104},
		[3]float64{103, 92, 99},
		[3]float64{150, 50, 140}, // current bar, must not be part of its own channel
	)

	dc := NewDonchian(DonchianConfig{IndicatorConfig{Period: 3}})
	upper, lower, err := dc.Bands(bars)
	require.NoError(t, err)
	assert.Equal(t, 108.0, upper)
	assert.Equal(t, 92.0, lower)

	value, err := dc.Calculate(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, upper, value)
}

func TestDonchian_WindowSlides(t *testing.T) {
	bars := ohlc(
		[3]float64{200, 10, 100}, // outside the 2-bar window
		[3]float64{105, 95, 100},
		[3]float64{108, 97, 104},
		[3]float64{110, 99, 109},
	)

	upper, lower, err := NewDonchian(DonchianConfig{IndicatorConfig{Period: 2}}).Bands(bars)
	require.NoError(t, err)
	assert.Equal(t, 108.0, upper)
	assert.Equal(t, 95.0, lower)
}

func TestDonchian_InsufficientHistory(t *testing.T) {
	dc := NewDonchian(DonchianConfig{IndicatorConfig{Period: 20}})
	_, _, err := dc.Bands(ohlc([3]float64{1, 1, 1}))
	assert.True(t, errors.Is(err, ports.ErrInsufficientHistory))
	assert.Equal(t, 21, dc.RequiredDataPoints())
	assert.Equal(t, "DONCHIAN", dc.Name())
}
