// Package execution turns accepted signals into orders and confirmed fills.
// The same Router interface is served by a simulated venue (backtests and
// paper trading) and by a live exchange client.
package execution

import (
	"context"
	"fmt"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ledger"
	"donchianbot/internal/ports"
)

// Mode selects the router implementation.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// Request asks the router to execute a signal.
type Request struct {
	Signal domain.Signal
	Size   float64 // Entry size, or size to reduce for partial exits. 0 closes the whole position on exits.
	Intent domain.OrderIntent
}

// Outcome is the ledger state produced by a request.
type Outcome struct {
	Order    domain.Order
	Position *domain.Position // Set after an entry fill
	Trade    *domain.Trade    // Set after an exit or partial fill
}

// Router executes order requests against a venue and records the result in the ledger.
type Router interface {
	Submit(ctx context.Context, req Request) (Outcome, error)
	// Cancel cancels a pending order. Filled orders cannot be cancelled.
	Cancel(ctx context.Context, orderID int64) (domain.Order, error)
	Mode() Mode
}

// Config holds the execution parameters shared by all routers.
type Config struct {
	SlippageBps  float64
	FeeRate      float64       // Fraction of notional charged per fill
	FillTimeout  time.Duration // Live only
	PollInterval time.Duration // Live only
	MaxRetries   int           // Live only, placement retries on transient errors
}

// NewRouter builds the router for the given mode. Live mode needs an exchange client.
func NewRouter(mode Mode, cfg Config, l *ledger.Ledger, exchange ports.ExchangeClient, logger ports.Logger) (Router, error) {
	switch mode {
	case ModeBacktest, ModePaper:
		sim, err := NewSimulated(cfg, l, logger)
		if err != nil {
			return nil, err
		}
		sim.mode = mode
		return sim, nil
	case ModeLive:
		return NewLive(cfg, l, exchange, logger)
	default:
		return nil, fmt.Errorf("%w: unknown execution mode %q", ports.ErrConfigurationError, mode)
	}
}

// orderPlan is the resolved side and size of a request.
type orderPlan struct {
	symbol string
	side   domain.OrderSide
	size   float64
	pos    *domain.Position // Open position for exits
}

func planOrder(l *ledger.Ledger, req Request) (orderPlan, error) {
	sig := req.Signal
	switch req.Intent {
	case domain.IntentEntry:
		if !sig.Direction.IsEntry() {
			return orderPlan{}, fmt.Errorf("%w: entry intent with %s signal", ports.ErrInvalidRequest, sig.Direction)
		}
		if req.Size <= 0 {
			return orderPlan{}, fmt.Errorf("%w: entry size must be positive", ports.ErrInvalidRequest)
		}
		if l.Position(sig.Symbol) != nil {
			return orderPlan{}, fmt.Errorf("%w: %s", ports.ErrPositionAlreadyOpen, sig.Symbol)
		}
		return orderPlan{symbol: sig.Symbol, side: sig.Direction.Side().EntryOrderSide(), size: req.Size}, nil
	case domain.IntentExit, domain.IntentPartial:
		pos := l.Position(sig.Symbol)
		if pos == nil {
			return orderPlan{}, fmt.Errorf("%w: %s", ports.ErrNoPosition, sig.Symbol)
		}
		size := req.Size
		if size <= 0 || size > pos.Size {
			size = pos.Size
		}
		return orderPlan{symbol: sig.Symbol, side: pos.Side.ExitOrderSide(), size: size, pos: pos}, nil
	default:
		return orderPlan{}, fmt.Errorf("%w: unknown order intent %q", ports.ErrInvalidRequest, req.Intent)
	}
}

// settle applies the confirmed execution of an order to the position book.
// Both routers finish through here so that identical fills produce identical
// ledger state.
func settle(ctx context.Context, l *ledger.Ledger, req Request, order domain.Order, fee float64) (Outcome, error) {
	out := Outcome{Order: order}
	sig := req.Signal
	if order.FilledSize <= 0 {
		return out, nil
	}

	switch req.Intent {
	case domain.IntentEntry:
		pos, err := l.OpenPosition(ctx, ledger.OpenRequest{
			OrderID: order.ID,
			Symbol:  sig.Symbol,
			Side:    sig.Direction.Side(),
			Price:   order.AvgFillPrice,
			Size:    order.FilledSize,
			Stop:    sig.StopPrice,
			Fee:     fee,
			Time:    sig.Time,
		})
		if err != nil {
			return out, fmt.Errorf("%w: filled entry order %d could not open position: %w", ports.ErrLedgerInconsistent, order.ID, err)
		}
		out.Position = &pos
	default:
		reason := sig.Reason
		if reason == "" {
			reason = domain.CloseReasonUnknown
		}
		trade, err := l.ReducePosition(ctx, sig.Symbol, order.FilledSize, order.AvgFillPrice, sig.Time, reason, fee)
		if err != nil {
			return out, fmt.Errorf("%w: filled exit order %d could not reduce position: %w", ports.ErrLedgerInconsistent, order.ID, err)
		}
		out.Trade = &trade
	}
	return out, nil
}

// applySlippage moves the reference price against the trader.
func applySlippage(price float64, side domain.OrderSide, bps float64) float64 {
	adj := price * bps / 10000
	if side == domain.Buy {
		return price + adj
	}
	return price - adj
}
