package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donchianbot/internal/domain"
)

func TestLogistic_Score(t *testing.T) {
	snap := domain.IndicatorSnapshot{Close: 110, DonchianUpper: 100, DonchianLower: 90, ATR: 5, RSI: 75}

	zero := &Logistic{}
	score, err := zero.Score(snap)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-12, "no weights means a coin flip")

	m := &Logistic{Bias: -1, Weights: map[string]float64{FeatureBreakout: 1, FeatureRSI: 2}}
	score, err = m.Score(snap)
	require.NoError(t, err)
	// z = -1 + 2 (breakout) + 2*0.5 (rsi) = 2
	assert.InDelta(t, 0.8807970779778823, score, 1e-12)

	_, err = m.Score(domain.IndicatorSnapshot{})
	assert.Error(t, err)
}

func TestFeatures_ShortBreakout(t *testing.T) {
	f := Features(domain.IndicatorSnapshot{Close: 80, DonchianUpper: 100, DonchianLower: 90, ATR: 5, RSI: 50})
	assert.Equal(t, 2.0, f[FeatureBreakout])
	assert.Equal(t, 0.0, f[FeatureRSI])
	assert.InDelta(t, 6.25, f[FeatureATRPercent], 1e-12)
}

func TestLoadLogistic(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "model.toml")
	require.NoError(t, os.WriteFile(good, []byte("bias = 0.5\n[weights]\nrsi = 1.5\nbreakout = 0.25\n"), 0o600))
	m, err := LoadLogistic(good)
	require.NoError(t, err)
	assert.Equal(t, 0.5, m.Bias)
	assert.Equal(t, 1.5, m.Weights[FeatureRSI])
	assert.Equal(t, "logistic", m.Name())

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[weights]\nmoon_phase = 1\n"), 0o600))
	_, err = LoadLogistic(bad)
	assert.Error(t, err)

	_, err = LoadLogistic(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
