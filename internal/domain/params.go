package domain

import (
	"fmt"
	"strings"
)

// ParameterSet holds the tunable strategy knobs. It is immutable for the
// duration of a run.
type ParameterSet struct {
	DonchianPeriod int     // Entry channel lookback
	ExitPeriod     int     // Exit channel lookback, 0 disables the exit channel
	ATRPeriod      int     // ATR lookback
	ATRMultiplier  float64 // Stop distance in ATRs
	RSIPeriod      int     // RSI lookback
	RSILower       float64 // Entries require RSI >= RSILower
	RSIUpper       float64 // Entries require RSI <= RSIUpper
	RiskFraction   float64 // Equity fraction risked per trade
	AllowShort     bool
}

// DefaultParameterSet returns the standard Donchian(20)/ATR(14)x2/RSI(14) setup.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		DonchianPeriod: 20,
		ExitPeriod:     0,
		ATRPeriod:      14,
		ATRMultiplier:  2.0,
		RSIPeriod:      14,
		RSILower:       35,
		RSIUpper:       70,
		RiskFraction:   0.005,
		AllowShort:     true,
	}
}

// Validate checks the parameter ranges.
func (p ParameterSet) Validate() error {
	var errs []string
	if p.DonchianPeriod < 1 {
		errs = append(errs, "donchian period must be positive")
	}
	if p.ExitPeriod < 0 {
		errs = append(errs, "exit period must not be negative")
	}
	if p.ATRPeriod < 1 {
		errs = append(errs, "ATR period must be positive")
	}
	if p.ATRMultiplier <= 0 {
		errs = append(errs, "ATR multiplier must be positive")
	}
	if p.RSIPeriod < 1 {
		errs = append(errs, "RSI period must be positive")
	}
	if p.RSILower < 0 || p.RSIUpper > 100 || p.RSILower > p.RSIUpper {
		errs = append(errs, fmt.Sprintf("invalid RSI band [%.2f, %.2f]", p.RSILower, p.RSIUpper))
	}
	if p.RiskFraction <= 0 || p.RiskFraction >= 1 {
		errs = append(errs, "risk fraction must be in (0, 1)")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid parameter set: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequiredBars returns the number of bars needed before every indicator is
// defined. Channels exclude the current bar and ATR/RSI need one prior close,
// hence the +1.
func (p ParameterSet) RequiredBars() int {
	n := p.DonchianPeriod
	if p.ExitPeriod > n {
		n = p.ExitPeriod
	}
	if p.ATRPeriod > n {
		n = p.ATRPeriod
	}
	if p.RSIPeriod > n {
		n = p.RSIPeriod
	}
	return n + 1
}

// RSIInBand reports whether an RSI value lies inside the entry band (inclusive).
func (p ParameterSet) RSIInBand(value float64) bool {
	return value >= p.RSILower && value <= p.RSIUpper
}

// Key returns a compact, stable identifier used in logs and optimizer output.
func (p ParameterSet) Key() string {
	return fmt.Sprintf("dc=%d ex=%d atr=%d x%.2f rsi=%d[%.0f-%.0f] risk=%.4f short=%t",
		p.DonchianPeriod, p.ExitPeriod, p.ATRPeriod, p.ATRMultiplier,
		p.RSIPeriod, p.RSILower, p.RSIUpper, p.RiskFraction, p.AllowShort)
}
