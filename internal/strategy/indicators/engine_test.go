package indicators

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

func randomWalk(seed int64, n int) []domain.Bar {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price += rng.NormFloat64()
		high := max(open, price) + rng.Float64()
		low := min(open, price) - rng.Float64()
		bars[i] = domain.Bar{
			Symbol: "BTCUSDT", OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open: open, High: high, Low: low, Close: price, Volume: 100 + rng.Float64()*10,
		}
	}
	return bars
}

func TestEngine_InsufficientHistory(t *testing.T) {
	params := domain.DefaultParameterSet()
	engine, err := NewEngine(params, 0)
	require.NoError(t, err)

	bars := randomWalk(1, params.RequiredBars())
	for n := 0; n < len(bars); n++ {
		_, err := engine.Snapshot(context.Background(), bars[:n])
		assert.True(t, errors.Is(err, ports.ErrInsufficientHistory), "n=%d", n)
	}

	snap, err := engine.Snapshot(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, bars[len(bars)-1].Close, snap.Close)
	assert.Equal(t, bars[len(bars)-1].OpenTime, snap.Time)
}

func TestEngine_SnapshotIsDeterministic(t *testing.T) {
	params := domain.DefaultParameterSet()
	params.ExitPeriod = 10
	engine, err := NewEngine(params, 100)
	require.NoError(t, err)

	bars := randomWalk(7, 300)
	a, err := engine.Snapshot(context.Background(), bars)
	require.NoError(t, err)
	b, err := engine.Snapshot(context.Background(), bars[len(bars)-100:])
	require.NoError(t, err)

	assert.Equal(t, a, b, "snapshot depends only on the trailing window")
	assert.GreaterOrEqual(t, a.RSI, 0.0)
	assert.LessOrEqual(t, a.RSI, 100.0)
	assert.Greater(t, a.ATR, 0.0)
	assert.GreaterOrEqual(t, a.DonchianUpper, a.ExitUpper)
	assert.LessOrEqual(t, a.DonchianLower, a.ExitLower)
}

func TestEngine_InvalidParams(t *testing.T) {
	params := domain.DefaultParameterSet()
	params.ATRMultiplier = 0
	_, err := NewEngine(params, 0)
	assert.Error(t, err)
}
