package domain

import "time"

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerNormal BreakerState = "normal"
	BreakerHalted BreakerState = "halted"
)

// RiskState is the account-level risk picture. It is owned by the risk
// manager; everything else receives copies.
type RiskState struct {
	Equity         float64
	PeakEquity     float64
	Drawdown       float64 // (peak - equity) / peak
	Breaker        BreakerState
	HaltedAt       time.Time
	Day            time.Time // UTC midnight of the current trading day
	DayStartEquity float64
	KillSwitch     bool
	UpdatedAt      time.Time
}

// Halted reports whether new entries are blocked.
func (s RiskState) Halted() bool {
	return s.Breaker == BreakerHalted || s.KillSwitch
}

// RiskEventKind classifies a risk state transition.
type RiskEventKind string

const (
	RiskEventHalted     RiskEventKind = "halted"
	RiskEventResumed    RiskEventKind = "resumed"
	RiskEventReset      RiskEventKind = "reset"
	RiskEventKillSwitch RiskEventKind = "kill_switch"
	RiskEventVeto       RiskEventKind = "veto"
)

// RiskEvent is published whenever the risk state changes or a signal is vetoed.
type RiskEvent struct {
	Time     time.Time
	Kind     RiskEventKind
	Symbol   string
	Detail   string
	Equity   float64
	Drawdown float64
}
