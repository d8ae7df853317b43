package domain

import "time"

// EquityPoint is one sample of the account equity curve.
type EquityPoint struct {
	Time       time.Time
	Equity     float64
	Realized   float64 // Cumulative realized P&L
	Unrealized float64 // Mark-to-market P&L of open positions
	Drawdown   float64 // Fraction below the running peak
}
