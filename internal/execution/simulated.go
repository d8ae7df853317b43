package execution

import (
	"context"
	"fmt"

	"donchianbot/internal/domain"
	"donchianbot/internal/ledger"
	"donchianbot/internal/ports"
)

// Simulated fills every order immediately at the signal bar's close,
// adjusted by the configured slippage.
type Simulated struct {
	cfg    Config
	mode   Mode
	ledger *ledger.Ledger
	logger ports.Logger
}

// NewSimulated creates a simulated router reporting ModeBacktest.
func NewSimulated(cfg Config, l *ledger.Ledger, logger ports.Logger) (*Simulated, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required for simulated router")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for simulated router")
	}
	if cfg.SlippageBps < 0 || cfg.FeeRate < 0 {
		return nil, fmt.Errorf("%w: slippage and fee rate must not be negative", ports.ErrConfigurationError)
	}
	return &Simulated{cfg: cfg, mode: ModeBacktest, ledger: l, logger: logger}, nil
}

// Mode implements Router.
func (s *Simulated) Mode() Mode { return s.mode }

// Submit implements Router.
func (s *Simulated) Submit(ctx context.Context, req Request) (Outcome, error) {
	plan, err := planOrder(s.ledger, req)
	if err != nil {
		return Outcome{}, err
	}
	sig := req.Signal
	if sig.ReferencePrice <= 0 {
		return Outcome{}, fmt.Errorf("%w: reference price must be positive", ports.ErrInvalidRequest)
	}

	order, err := s.ledger.NewOrder(ctx, plan.symbol, plan.side, req.Intent, plan.size, sig.ReferencePrice, sig.Time)
	if err != nil {
		return Outcome{}, err
	}

	price := applySlippage(sig.ReferencePrice, plan.side, s.cfg.SlippageBps)
	fee := price * plan.size * s.cfg.FeeRate
	order, err = s.ledger.ApplyFill(ctx, order.ID, domain.Fill{OrderID: order.ID, Price: price, Size: plan.size, Fee: fee, Time: sig.Time})
	if err != nil {
		return Outcome{Order: order}, fmt.Errorf("%w: simulated fill: %w", ports.ErrLedgerInconsistent, err)
	}

	s.logger.Debug(ctx, "Simulated fill", map[string]interface{}{
		"symbol": plan.symbol, "side": string(plan.side), "intent": string(req.Intent), "price": price, "size": plan.size,
	})
	return settle(ctx, s.ledger, req, order, fee)
}

// Cancel implements Router. Simulated orders fill synchronously, so only
// orders that were never filled can be cancelled.
func (s *Simulated) Cancel(ctx context.Context, orderID int64) (domain.Order, error) {
	o, ok := s.ledger.Order(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %d", ports.ErrNotFound, orderID)
	}
	return s.ledger.Cancel(ctx, orderID, "cancelled by request", o.CreatedAt)
}
