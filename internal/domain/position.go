package domain

import (
	"math"
	"time"
)

// Position represents a trading position held by the bot.
type Position struct {
	ID           int64          // Unique identifier assigned by the ledger
	Symbol       string         // Trading symbol (e.g., "BTCUSDT")
	Side         Side           // Long or short
	EntryPrice   float64        // Average fill price of the entry order
	Size         float64        // Remaining size in base units
	InitialSize  float64        // Size at entry, before partial exits
	StopPrice    float64        // Protective stop level
	InitialRisk  float64        // |entry - initial stop|, one R in price units
	EntryTime    time.Time      // Timestamp when the position was entered
	ExitPrice    float64        // Price at which the position was closed (0 if open)
	ExitTime     time.Time      // Timestamp when the position was closed (zero value if open)
	Status       PositionStatus // Current status (open, closed)
	RealizedPNL  float64        // Accumulated realized P&L including partial exits
	EntryFee     float64        // Fee paid on the entry fill, attributed pro rata on exit
	CloseReason  CloseReason
	EntryOrderID int64
	PartialTaken bool // Whether the partial take-profit has already been executed
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// UnrealizedPNL returns the mark-to-market P&L at the given price.
func (p *Position) UnrealizedPNL(price float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	return (price - p.EntryPrice) * p.Size * p.Side.Sign()
}

// Notional returns the absolute position value at the given price.
func (p *Position) Notional(price float64) float64 {
	return math.Abs(price * p.Size)
}

// StopHit reports whether the given price has reached the protective stop.
func (p *Position) StopHit(price float64) bool {
	if p.StopPrice <= 0 {
		return false
	}
	if p.Side == Short {
		return price >= p.StopPrice
	}
	return price <= p.StopPrice
}
