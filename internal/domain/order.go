package domain

import "time"

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// OrderIntent records why an order was created.
type OrderIntent string

const (
	IntentEntry   OrderIntent = "entry"
	IntentExit    OrderIntent = "exit"
	IntentPartial OrderIntent = "partial"
)

// OrderType is the execution type requested from the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

// Order is a request to trade, created by the execution router.
type Order struct {
	ID              int64 // Monotonically increasing, assigned by the ledger
	ClientID        string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Intent          OrderIntent
	RequestedSize   float64
	RequestedPrice  float64 // Reference price at submission
	FilledSize      float64
	AvgFillPrice    float64
	Status          OrderStatus
	ExchangeOrderID int64
	Reason          string // Rejection or cancellation reason
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the unfilled size.
func (o *Order) Remaining() float64 {
	r := o.RequestedSize - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// Fill is an execution report for an order.
type Fill struct {
	OrderID int64
	Price   float64
	Size    float64
	Fee     float64
	Time    time.Time
}
