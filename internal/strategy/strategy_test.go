package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type stubScorer struct {
	value float64
	err   error
}

func (s stubScorer) Score(domain.IndicatorSnapshot) (float64, error) { return s.value, s.err }
func (s stubScorer) Name() string                                    { return "stub" }

var barTime = time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC)

func snapshot(close, rsi, atr float64) domain.IndicatorSnapshot {
	return domain.IndicatorSnapshot{
		Symbol:        "BTCUSDT",
		Time:          barTime,
		Close:         close,
		DonchianUpper: 1000,
		DonchianLower: 900,
		ExitUpper:     980,
		ExitLower:     930,
		ATR:           atr,
		RSI:           rsi,
		AvgVolume:     100,
	}
}

func newGenerator(t *testing.T, mutate func(*Config)) *Generator {
	t.Helper()
	cfg := Config{Params: domain.DefaultParameterSet()}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New("BTCUSDT", cfg, &mockLogger{})
	require.NoError(t, err)
	return g
}

func openPosition(side domain.Side, entry, stop float64) *domain.Position {
	return &domain.Position{Symbol: "BTCUSDT", Side: side, EntryPrice: entry, StopPrice: stop, Size: 1, Status: domain.StatusOpen}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		cfg     Config
		logger  ports.Logger
		wantErr bool
	}{
		{name: "valid config", symbol: "BTCUSDT", cfg: Config{Params: domain.DefaultParameterSet()}, logger: &mockLogger{}},
		{name: "nil logger", symbol: "BTCUSDT", cfg: Config{Params: domain.DefaultParameterSet()}, wantErr: true},
		{name: "missing symbol", cfg: Config{Params: domain.DefaultParameterSet()}, logger: &mockLogger{}, wantErr: true},
		{name: "invalid params", symbol: "BTCUSDT", cfg: Config{}, logger: &mockLogger{}, wantErr: true},
		{
			name:    "confidence out of range",
			symbol:  "BTCUSDT",
			cfg:     Config{Params: domain.DefaultParameterSet(), MinConfidence: 1.5},
			logger:  &mockLogger{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.symbol, tt.cfg, tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, g)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateFlat, g.State())
		})
	}
}

func TestEvaluate_Entries(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		snap      domain.IndicatorSnapshot
		direction domain.Direction
		stop      float64
	}{
		{name: "long breakout with RSI in band", snap: snapshot(1010, 55, 25), direction: domain.DirectionLong, stop: 960},
		{name: "short breakout with RSI in band", snap: snapshot(890, 45, 10), direction: domain.DirectionShort, stop: 910},
		{name: "no breakout", snap: snapshot(950, 55, 25), direction: domain.DirectionNone},
		{name: "close equal to upper band is not a breakout", snap: snapshot(1000, 55, 25), direction: domain.DirectionNone},
		{name: "RSI above band suppresses entry", snap: snapshot(1010, 75, 25), direction: domain.DirectionNone},
		{name: "RSI below band suppresses entry", snap: snapshot(890, 30, 25), direction: domain.DirectionNone},
		{name: "RSI on band edge is accepted", snap: snapshot(1010, 70, 25), direction: domain.DirectionLong, stop: 960},
		{
			name:      "shorts disabled",
			mutate:    func(c *Config) { c.Params.AllowShort = false },
			snap:      snapshot(890, 45, 10),
			direction: domain.DirectionNone,
		},
		{
			name:      "volatility filter",
			mutate:    func(c *Config) { c.MinATRPercent = 0.0015 },
			snap:      snapshot(1010, 55, 1), // 0.099%
			direction: domain.DirectionNone,
		},
		{
			name:      "volume filter",
			mutate:    func(c *Config) { c.MinAvgVolume = 500 },
			snap:      snapshot(1010, 55, 25),
			direction: domain.DirectionNone,
		},
		{
			name:      "scorer below threshold",
			mutate:    func(c *Config) { c.Scorer = stubScorer{value: 0.4}; c.MinConfidence = 0.6 },
			snap:      snapshot(1010, 55, 25),
			direction: domain.DirectionNone,
		},
		{
			name:      "scorer above threshold",
			mutate:    func(c *Config) { c.Scorer = stubScorer{value: 0.8}; c.MinConfidence = 0.6 },
			snap:      snapshot(1010, 55, 25),
			direction: domain.DirectionLong,
			stop:      960,
		},
		{
			name:      "scorer error does not veto",
			mutate:    func(c *Config) { c.Scorer = stubScorer{err: errors.New("model unavailable")}; c.MinConfidence = 0.6 },
			snap:      snapshot(1010, 55, 25),
			direction: domain.DirectionLong,
			stop:      960,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(t, tt.mutate)
			sig := g.Evaluate(context.Background(), tt.snap, nil)

			assert.Equal(t, tt.direction, sig.Direction)
			assert.Equal(t, "BTCUSDT", sig.Symbol)
			assert.Equal(t, barTime, sig.Time)
			assert.Equal(t, tt.snap.Close, sig.ReferencePrice)
			if tt.direction.IsEntry() {
				assert.InDelta(t, tt.stop, sig.StopPrice, 1e-9)
			}
			assert.Equal(t, StateFlat, g.State(), "evaluation alone never changes the position state")
		})
	}
}

func TestEvaluate_Exits(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		pos       *domain.Position
		snap      domain.IndicatorSnapshot
		direction domain.Direction
		reason    domain.CloseReason
	}{
		{
			name:      "long stop hit",
			pos:       openPosition(domain.Long, 1010, 960),
			snap:      snapshot(960, 55, 25),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonStopLoss,
		},
		{
			name:      "long holds above stop",
			pos:       openPosition(domain.Long, 1010, 960),
			snap:      snapshot(970, 55, 25),
			direction: domain.DirectionNone,
		},
		{
			name:      "stop has priority over opposing breakout",
			pos:       openPosition(domain.Long, 1010, 960),
			snap:      snapshot(850, 50, 25),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonStopLoss,
		},
		{
			name:      "opposing breakout exits long",
			pos:       openPosition(domain.Long, 1010, 800),
			snap:      snapshot(850, 50, 25),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonReversal,
		},
		{
			name:      "RSI outside band never forces exit",
			pos:       openPosition(domain.Long, 1010, 960),
			snap:      snapshot(1050, 95, 25),
			direction: domain.DirectionNone,
		},
		{
			name:      "short stop hit",
			pos:       openPosition(domain.Short, 890, 910),
			snap:      snapshot(915, 50, 10),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonStopLoss,
		},
		{
			name:      "opposing breakout exits short",
			pos:       openPosition(domain.Short, 890, 1100),
			snap:      snapshot(1010, 50, 10),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonReversal,
		},
		{
			name:      "exit channel disabled by default",
			pos:       openPosition(domain.Long, 1010, 800),
			snap:      snapshot(920, 50, 10),
			direction: domain.DirectionNone,
		},
		{
			name:      "exit channel break closes long",
			mutate:    func(c *Config) { c.Params.ExitPeriod = 10 },
			pos:       openPosition(domain.Long, 1010, 800),
			snap:      snapshot(920, 50, 10),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonExitChannel,
		},
		{
			name:      "exit channel break closes short",
			mutate:    func(c *Config) { c.Params.ExitPeriod = 10 },
			pos:       openPosition(domain.Short, 890, 1100),
			snap:      snapshot(990, 50, 10),
			direction: domain.DirectionExit,
			reason:    domain.CloseReasonExitChannel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(t, tt.mutate)
			sig := g.Evaluate(context.Background(), tt.snap, tt.pos)

			assert.Equal(t, tt.direction, sig.Direction)
			assert.Equal(t, tt.reason, sig.Reason)
			assert.False(t, sig.Direction.IsEntry(), "no same-bar flip while a position is open")
		})
	}
}

func TestSync(t *testing.T) {
	g := newGenerator(t, nil)

	g.Sync(openPosition(domain.Short, 890, 910))
	assert.Equal(t, StateShort, g.State())
	assert.Equal(t, 910.0, g.StopPrice())

	closed := openPosition(domain.Long, 1010, 960)
	closed.Status = domain.StatusClosed
	g.Sync(closed)
	assert.Equal(t, StateFlat, g.State())
	assert.Zero(t, g.StopPrice())
}

func TestEvaluate_IsPure(t *testing.T) {
	g := newGenerator(t, nil)
	pos := openPosition(domain.Long, 1010, 960)
	snap := snapshot(955, 55, 25)

	first := g.Evaluate(context.Background(), snap, pos)
	second := g.Evaluate(context.Background(), snap, pos)
	assert.Equal(t, first, second)
}
