// Package ledger tracks orders, positions, realized and unrealized P&L and
// the equity curve. All mutations are serialized by a single mutex so that
// several symbol pipelines can share one ledger.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// sizeEpsilon absorbs float noise when comparing filled and requested sizes.
const sizeEpsilon = 1e-12

// Config holds the ledger dependencies.
type Config struct {
	InitialEquity float64
	Logger        ports.Logger
	Journal       ports.JournalRepository // Optional
}

// OpenRequest describes a confirmed entry fill.
type OpenRequest struct {
	OrderID int64
	Symbol  string
	Side    domain.Side
	Price   float64
	Size    float64
	Stop    float64
	Fee     float64
	Time    time.Time
}

// Ledger is the single source of truth for positions and orders.
type Ledger struct {
	mu      sync.Mutex
	logger  ports.Logger
	journal ports.JournalRepository

	initial  float64
	realized float64

	nextOrderID    int64
	nextPositionID int64
	nextTradeID    int64

	orders    []*domain.Order
	orderByID map[int64]*domain.Order
	open      map[string]*domain.Position
	closed    []domain.Position
	trades    []domain.Trade
	marks     map[string]float64
	curve     []domain.EquityPoint
	peak      float64
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.InitialEquity <= 0 {
		return nil, fmt.Errorf("initial equity must be positive, got %f", cfg.InitialEquity)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for ledger")
	}
	return &Ledger{
		logger:    cfg.Logger,
		journal:   cfg.Journal,
		initial:   cfg.InitialEquity,
		orderByID: make(map[int64]*domain.Order),
		open:      make(map[string]*domain.Position),
		marks:     make(map[string]float64),
		peak:      cfg.InitialEquity,
	}, nil
}

// NewOrder records a pending order and returns a copy with its assigned ID.
func (l *Ledger) NewOrder(ctx context.Context, symbol string, side domain.OrderSide, intent domain.OrderIntent, size, price float64, t time.Time) (domain.Order, error) {
	if size <= 0 || math.IsNaN(size) {
		return domain.Order{}, fmt.Errorf("%w: order size must be positive, got %f", ports.ErrInvalidRequest, size)
	}

	l.mu.Lock()
	l.nextOrderID++
	o := &domain.Order{
		ID:             l.nextOrderID,
		ClientID:       uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Type:           domain.OrderTypeMarket,
		Intent:         intent,
		RequestedSize:  size,
		RequestedPrice: price,
		Status:         domain.OrderPending,
		CreatedAt:      t,
		UpdatedAt:      t,
	}
	l.orders = append(l.orders, o)
	l.orderByID[o.ID] = o
	out := *o
	l.mu.Unlock()

	l.journalOrder(ctx, out)
	return out, nil
}

// ApplyFill adds an execution to a pending or partially filled order.
func (l *Ledger) ApplyFill(ctx context.Context, orderID int64, fill domain.Fill) (domain.Order, error) {
	l.mu.Lock()
	o, ok := l.orderByID[orderID]
	if !ok {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: order %d", ports.ErrNotFound, orderID)
	}
	if o.Status != domain.OrderPending && o.Status != domain.OrderPartiallyFilled {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: fill on %s order %d", ports.ErrInvalidTransition, o.Status, orderID)
	}
	if fill.Size <= 0 || fill.Price <= 0 || o.FilledSize+fill.Size > o.RequestedSize+sizeEpsilon {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: fill %.8f@%.8f for order %d (filled %.8f of %.8f)",
			ports.ErrInvalidRequest, fill.Size, fill.Price, orderID, o.FilledSize, o.RequestedSize)
	}

	notional := o.AvgFillPrice*o.FilledSize + fill.Price*fill.Size
	o.FilledSize += fill.Size
	o.AvgFillPrice = notional / o.FilledSize
	o.UpdatedAt = fill.Time
	if o.FilledSize >= o.RequestedSize-sizeEpsilon {
		o.Status = domain.OrderFilled
	} else {
		o.Status = domain.OrderPartiallyFilled
	}
	out := *o
	l.mu.Unlock()

	l.journalOrder(ctx, out)
	return out, nil
}

// Reject marks a pending order as rejected. Partially filled orders cannot be
// rejected; their remainder must be cancelled.
func (l *Ledger) Reject(ctx context.Context, orderID int64, reason string, t time.Time) (domain.Order, error) {
	return l.finish(ctx, orderID, domain.OrderRejected, reason, t)
}

// Cancel cancels the unfilled remainder of an order.
func (l *Ledger) Cancel(ctx context.Context, orderID int64, reason string, t time.Time) (domain.Order, error) {
	return l.finish(ctx, orderID, domain.OrderCancelled, reason, t)
}

func (l *Ledger) finish(ctx context.Context, orderID int64, status domain.OrderStatus, reason string, t time.Time) (domain.Order, error) {
	l.mu.Lock()
	o, ok := l.orderByID[orderID]
	if !ok {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: order %d", ports.ErrNotFound, orderID)
	}
	allowed := o.Status == domain.OrderPending ||
		(status == domain.OrderCancelled && o.Status == domain.OrderPartiallyFilled)
	if !allowed {
		l.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s -> %s for order %d", ports.ErrInvalidTransition, o.Status, status, orderID)
	}
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = t
	out := *o
	l.mu.Unlock()

	l.journalOrder(ctx, out)
	return out, nil
}

// SetExchangeOrderID links a ledger order to the venue's identifier.
func (l *Ledger) SetExchangeOrderID(orderID, exchangeID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.orderByID[orderID]; ok {
		o.ExchangeOrderID = exchangeID
	}
}

// Order returns a copy of the order with the given ID.
func (l *Ledger) Order(orderID int64) (domain.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orderByID[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Orders returns copies of all orders in creation order.
func (l *Ledger) Orders() []domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Order, len(l.orders))
	for i, o := range l.orders {
		out[i] = *o
	}
	return out
}

// OpenPosition records a new open position. A second open position for the
// same symbol is rejected with ErrPositionAlreadyOpen.
func (l *Ledger) OpenPosition(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.Size <= 0 || req.Price <= 0 {
		return domain.Position{}, fmt.Errorf("%w: open %s size %.8f price %.8f", ports.ErrInvalidRequest, req.Symbol, req.Size, req.Price)
	}

	l.mu.Lock()
	if _, exists := l.open[req.Symbol]; exists {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: %s", ports.ErrPositionAlreadyOpen, req.Symbol)
	}
	l.nextPositionID++
	p := &domain.Position{
		ID:           l.nextPositionID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		EntryPrice:   req.Price,
		Size:         req.Size,
		InitialSize:  req.Size,
		StopPrice:    req.Stop,
		InitialRisk:  math.Abs(req.Price - req.Stop),
		EntryTime:    req.Time,
		Status:       domain.StatusOpen,
		EntryFee:     req.Fee,
		EntryOrderID: req.OrderID,
	}
	l.open[req.Symbol] = p
	l.marks[req.Symbol] = req.Price
	out := *p
	l.mu.Unlock()

	l.logger.Info(ctx, "Position opened", map[string]interface{}{
		"symbol": out.Symbol, "side": string(out.Side), "price": out.EntryPrice, "size": out.Size, "stop": out.StopPrice,
	})
	l.journalPosition(ctx, out)
	return out, nil
}

// ClosePosition closes the whole open position at price.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string, price float64, t time.Time, reason domain.CloseReason, fee float64) (domain.Trade, error) {
	return l.ReducePosition(ctx, symbol, math.Inf(1), price, t, reason, fee)
}

// ReducePosition closes size units of the open position at price. Reducing by
// the full size or more closes the position.
func (l *Ledger) ReducePosition(ctx context.Context, symbol string, size, price float64, t time.Time, reason domain.CloseReason, fee float64) (domain.Trade, error) {
	if size <= 0 || price <= 0 {
		return domain.Trade{}, fmt.Errorf("%w: reduce %s size %.8f price %.8f", ports.ErrInvalidRequest, symbol, size, price)
	}

	l.mu.Lock()
	p, ok := l.open[symbol]
	if !ok {
		l.mu.Unlock()
		return domain.Trade{}, fmt.Errorf("%w: %s", ports.ErrNoPosition, symbol)
	}

	closing := math.Min(size, p.Size)
	full := closing >= p.Size-sizeEpsilon
	if full {
		closing = p.Size
	}

	entryFee := 0.0
	if p.InitialSize > 0 {
		entryFee = p.EntryFee * closing / p.InitialSize
	}
	gross := (price - p.EntryPrice) * closing * p.Side.Sign()
	l.nextTradeID++
	trade := domain.Trade{
		ID:          l.nextTradeID,
		PositionID:  p.ID,
		Symbol:      symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   price,
		Size:        closing,
		Fees:        fee + entryFee,
		PNL:         gross - fee - entryFee,
		EntryTime:   p.EntryTime,
		ExitTime:    t,
		CloseReason: reason,
	}

	l.realized += trade.PNL
	p.RealizedPNL += trade.PNL
	l.marks[symbol] = price
	l.trades = append(l.trades, trade)

	if full {
		p.Size = 0
		p.Status = domain.StatusClosed
		p.ExitPrice = price
		p.ExitTime = t
		p.CloseReason = reason
		delete(l.open, symbol)
		l.closed = append(l.closed, *p)
	} else {
		p.Size -= closing
	}
	pos := *p
	l.mu.Unlock()

	l.logger.Info(ctx, "Position reduced", map[string]interface{}{
		"symbol": symbol, "size": closing, "price": price, "pnl": trade.PNL, "reason": string(reason), "closed": full,
	})
	l.journalPosition(ctx, pos)
	l.journalTrade(ctx, trade)
	return trade, nil
}

// UpdateStop moves the stop of the open position.
func (l *Ledger) UpdateStop(ctx context.Context, symbol string, stop float64) error {
	l.mu.Lock()
	p, ok := l.open[symbol]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrNoPosition, symbol)
	}
	p.StopPrice = stop
	pos := *p
	l.mu.Unlock()

	l.journalPosition(ctx, pos)
	return nil
}

// MarkPartialTaken flags that the partial take-profit was executed.
func (l *Ledger) MarkPartialTaken(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.open[symbol]; ok {
		p.PartialTaken = true
	}
}

// Restore loads an open position recovered from the journal (startup only).
func (l *Ledger) Restore(pos domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[pos.Symbol]; exists {
		return fmt.Errorf("%w: %s", ports.ErrPositionAlreadyOpen, pos.Symbol)
	}
	p := pos
	p.Status = domain.StatusOpen
	if pos.ID > l.nextPositionID {
		l.nextPositionID = pos.ID
	}
	if pos.EntryOrderID > l.nextOrderID {
		l.nextOrderID = pos.EntryOrderID
	}
	l.open[pos.Symbol] = &p
	l.marks[pos.Symbol] = pos.EntryPrice
	return nil
}

// SeedIDs advances the ID sequences past the given values. It never moves
// a sequence backwards.
func (l *Ledger) SeedIDs(ids ports.JournalIDs) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextOrderID = max(l.nextOrderID, ids.Order)
	l.nextPositionID = max(l.nextPositionID, ids.Position)
	l.nextTradeID = max(l.nextTradeID, ids.Trade)
}

// SeedRealized sets the realized P&L carried over from journaled trades
// (startup only). The equity curve peak follows if the seed is a gain.
func (l *Ledger) SeedRealized(amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realized = amount
	l.peak = math.Max(l.peak, l.initial+amount)
}

// Position returns a copy of the open position for symbol, or nil.
func (l *Ledger) Position(symbol string) *domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.open[symbol]
	if !ok {
		return nil
	}
	out := *p
	return &out
}

// OpenPositions returns copies of all open positions sorted by symbol.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ClosedPositions returns copies of all closed positions in closing order.
func (l *Ledger) ClosedPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Position(nil), l.closed...)
}

// Trades returns the trade log in closing order.
func (l *Ledger) Trades() []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Trade(nil), l.trades...)
}

// Mark records the latest price for a symbol.
func (l *Ledger) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
}

// InitialEquity returns the starting equity.
func (l *Ledger) InitialEquity() float64 {
	return l.initial
}

// Realized returns the cumulative realized P&L.
func (l *Ledger) Realized() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// Unrealized returns the mark-to-market P&L of all open positions.
func (l *Ledger) Unrealized() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unrealized()
}

func (l *Ledger) unrealized() float64 {
	total := 0.0
	for symbol, p := range l.open {
		total += p.UnrealizedPNL(l.marks[symbol])
	}
	return total
}

// Equity returns initial equity plus realized and unrealized P&L.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initial + l.realized + l.unrealized()
}

// Exposure returns the notional of open positions per symbol and in total.
func (l *Ledger) Exposure() (map[string]float64, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySymbol := make(map[string]float64, len(l.open))
	total := 0.0
	for symbol, p := range l.open {
		n := p.Notional(l.marks[symbol])
		bySymbol[symbol] = n
		total += n
	}
	return bySymbol, total
}

// Sample appends an equity point at time t. Samples are kept in
// non-decreasing time order: a sample at the time of the last point replaces
// it and an older timestamp is ignored.
func (l *Ledger) Sample(ctx context.Context, t time.Time) domain.EquityPoint {
	l.mu.Lock()
	unrealized := l.unrealized()
	equity := l.initial + l.realized + unrealized
	if equity > l.peak {
		l.peak = equity
	}
	point := domain.EquityPoint{
		Time:       t,
		Equity:     equity,
		Realized:   l.realized,
		Unrealized: unrealized,
	}
	if l.peak > 0 {
		point.Drawdown = math.Max(0, (l.peak-equity)/l.peak)
	}

	n := len(l.curve)
	switch {
	case n > 0 && t.Before(l.curve[n-1].Time):
		last := l.curve[n-1]
		l.mu.Unlock()
		l.logger.Warn(ctx, "Ignoring out-of-order equity sample", map[string]interface{}{
			"time": t, "last": last.Time,
		})
		return last
	case n > 0 && t.Equal(l.curve[n-1].Time):
		l.curve[n-1] = point
	default:
		l.curve = append(l.curve, point)
	}
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.SaveEquityPoint(ctx, point); err != nil {
			l.logger.Error(ctx, err, "Failed to journal equity point")
		}
	}
	return point
}

// EquityCurve returns a copy of the equity curve.
func (l *Ledger) EquityCurve() []domain.EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.EquityPoint(nil), l.curve...)
}

func (l *Ledger) journalOrder(ctx context.Context, o domain.Order) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveOrder(ctx, &o); err != nil {
		l.logger.Error(ctx, err, "Failed to journal order", map[string]interface{}{"orderID": o.ID})
	}
}

func (l *Ledger) journalPosition(ctx context.Context, p domain.Position) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SavePosition(ctx, &p); err != nil {
		l.logger.Error(ctx, err, "Failed to journal position", map[string]interface{}{"positionID": p.ID})
	}
}

func (l *Ledger) journalTrade(ctx context.Context, t domain.Trade) {
	if l.journal == nil {
		return
	}
	if _, err := l.journal.SaveTrade(ctx, &t); err != nil {
		l.logger.Error(ctx, err, "Failed to journal trade", map[string]interface{}{"tradeID": t.ID})
	}
}
