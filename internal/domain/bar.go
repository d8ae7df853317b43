package domain

import "time"

// Bar represents a single OHLCV candlestick.
type Bar struct {
	Symbol    string    // Trading symbol
	Interval  string    // Bar interval (e.g., "1m", "1h"), informational only
	OpenTime  time.Time // Start time of the interval; bars are ordered by it
	CloseTime time.Time // End time of the interval
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool // Whether the bar is closed (live streams emit unfinished bars too)
}

// Time returns the timestamp used for ordering.
func (b Bar) Time() time.Time {
	return b.OpenTime
}
