package domain

import "time"

// Trade represents a completed (possibly partial) round trip.
type Trade struct {
	ID          int64       // Sequence number assigned by the ledger
	PositionID  int64       // Identifier of the position this trade closed
	Symbol      string      // Trading symbol
	Side        Side        // Side of the position
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Price at which this part was exited
	Size        float64     // Quantity closed by this trade
	PNL         float64     // Realized profit and loss, net of fees
	Fees        float64     // Fees charged on the exit leg
	EntryTime   time.Time   // Timestamp when the position was entered
	ExitTime    time.Time   // Timestamp when the position was exited
	CloseReason CloseReason // Reason why the position was closed
}

// IsWin reports whether the trade made money.
func (t Trade) IsWin() bool {
	return t.PNL > 0
}
