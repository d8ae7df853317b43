// Package scoring provides confidence scorers that can be plugged into the
// signal generator as an additional entry filter.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/BurntSushi/toml"

	"donchianbot/internal/domain"
)

// Feature names understood by the Logistic scorer.
const (
	FeatureRSI        = "rsi"         // (RSI - 50) / 50
	FeatureATRPercent = "atr_percent" // ATR / close * 100
	FeatureBreakout   = "breakout"    // distance beyond the broken band in ATRs
	FeatureVolume     = "log_volume"  // ln(1 + average volume)
)

// Logistic scores a snapshot with a linear model squashed through a sigmoid.
// Weights are usually fitted offline and loaded from a TOML file:
//
//	bias = -0.2
//	[weights]
//	rsi = 1.3
//	breakout = 0.8
type Logistic struct {
	Bias    float64            `toml:"bias"`
	Weights map[string]float64 `toml:"weights"`
}

// LoadLogistic reads a Logistic model from a TOML file.
func LoadLogistic(path string) (*Logistic, error) {
	var m Logistic
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("load scorer model %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Logistic) validate() error {
	names := make([]string, 0, len(m.Weights))
	for name := range m.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch name {
		case FeatureRSI, FeatureATRPercent, FeatureBreakout, FeatureVolume:
		default:
			return fmt.Errorf("unknown scorer feature %q", name)
		}
	}
	return nil
}

// Name returns the scorer identifier.
func (m *Logistic) Name() string {
	return "logistic"
}

// Score returns a confidence in (0, 1).
func (m *Logistic) Score(snap domain.IndicatorSnapshot) (float64, error) {
	if snap.Close <= 0 {
		return 0, fmt.Errorf("invalid close %f", snap.Close)
	}
	features := Features(snap)
	z := m.Bias
	for name, w := range m.Weights {
		z += w * features[name]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Features extracts the model inputs from a snapshot.
func Features(snap domain.IndicatorSnapshot) map[string]float64 {
	f := map[string]float64{
		FeatureRSI:    (snap.RSI - 50) / 50,
		FeatureVolume: math.Log1p(math.Max(snap.AvgVolume, 0)),
	}
	if snap.Close > 0 {
		f[FeatureATRPercent] = snap.ATR / snap.Close * 100
	}
	if snap.ATR > 0 {
		switch {
		case snap.Close > snap.DonchianUpper:
			f[FeatureBreakout] = (snap.Close - snap.DonchianUpper) / snap.ATR
		case snap.Close < snap.DonchianLower:
			f[FeatureBreakout] = (snap.DonchianLower - snap.Close) / snap.ATR
		}
	}
	return f
}
