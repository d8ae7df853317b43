package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign returns +1 for long and -1 for short positions.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// EntryOrderSide is the order side that opens a position on this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide is the order side that reduces or closes a position on this side.
func (s Side) ExitOrderSide() OrderSide {
	return s.EntryOrderSide().Opposite()
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonReversal    CloseReason = "REVERSAL"     // Opposing breakout of the entry channel
	CloseReasonExitChannel CloseReason = "EXIT_CHANNEL" // Break of the shorter exit channel
	CloseReasonKillSwitch  CloseReason = "KILL_SWITCH"  // Daily loss limit reached
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonEndOfData   CloseReason = "END_OF_DATA" // Backtest finished with the position still open
	CloseReasonUnknown     CloseReason = "Unknown"
)
