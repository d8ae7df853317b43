package domain

import "time"

// IndicatorSnapshot holds the indicator values derived for the latest bar.
type IndicatorSnapshot struct {
	Symbol        string
	Time          time.Time
	Close         float64
	DonchianUpper float64 // Highest high of the entry window, excluding the current bar
	DonchianLower float64 // Lowest low of the entry window, excluding the current bar
	ExitUpper     float64 // Highest high of the exit window (0 when disabled)
	ExitLower     float64 // Lowest low of the exit window (0 when disabled)
	ATR           float64
	RSI           float64
	AvgVolume     float64
}

// Direction is the decision carried by a Signal.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionExit  Direction = "exit"
)

// IsEntry reports whether the direction opens a position.
func (d Direction) IsEntry() bool {
	return d == DirectionLong || d == DirectionShort
}

// Side converts an entry direction into the position side.
func (d Direction) Side() Side {
	if d == DirectionShort {
		return Short
	}
	return Long
}

// Signal is the discrete trading decision emitted for one bar of one symbol.
type Signal struct {
	Symbol         string
	Direction      Direction
	Time           time.Time
	ReferencePrice float64     // Close of the bar that produced the signal
	StopPrice      float64     // Protective stop for entries, zero for exits
	Reason         CloseReason // Set for exits
	Confidence     float64     // Scorer output, 1 when no scorer is configured
}

// IsNone reports whether the signal carries no action.
func (s Signal) IsNone() bool {
	return s.Direction == "" || s.Direction == DirectionNone
}
