package ports

import (
	"context"
	"time"

	"donchianbot/internal/domain"
)

// Exchange order statuses as reported by the venue.
const (
	ExchangeStatusNew             = "NEW"
	ExchangeStatusPartiallyFilled = "PARTIALLY_FILLED"
	ExchangeStatusFilled          = "FILLED"
	ExchangeStatusCanceled        = "CANCELED"
	ExchangeStatusRejected        = "REJECTED"
	ExchangeStatusExpired         = "EXPIRED"
)

// OrderResponse represents the essential details returned by the exchange for an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order (0 for market orders)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// ExchangeClient is the order-routing side of the exchange connectivity.
type ExchangeClient interface {
	// PlaceMarketOrder places a market order tagged with the given client order ID.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*OrderResponse, error)

	// GetOrder queries the current state of an order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error
}

// Quote is the best bid and ask on the order book.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// QuoteSource supplies top-of-book quotes for the entry spread filter.
type QuoteSource interface {
	GetBookTicker(ctx context.Context, symbol string) (Quote, error)
}

// MarketDataClient supplies bars, either as a historical batch or a live stream.
type MarketDataClient interface {
	// GetKlines retrieves the most recent bars for the given symbol.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Bar, error)

	// GetKlinesRange retrieves all bars between start and end, paging as needed.
	GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error)

	// StreamKlines starts a stream of bars for the symbol. It returns channels to
	// control the stream (doneCh closes when the stream ends, closing stopCh stops it).
	StreamKlines(ctx context.Context, symbol, interval string, handler func(bar domain.Bar), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
