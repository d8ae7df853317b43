package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"donchianbot/internal/domain"
	"donchianbot/internal/ledger"
	"donchianbot/internal/ports"
)

const (
	defaultFillTimeout  = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxRetries   = 3
	qtyTolerance        = 1e-9
)

// Live routes market orders to an exchange and records confirmed fills.
type Live struct {
	cfg      Config
	ledger   *ledger.Ledger
	exchange ports.ExchangeClient
	logger   ports.Logger
	backoff  backoff.Backoff
}

// NewLive creates a live router.
func NewLive(cfg Config, l *ledger.Ledger, exchange ports.ExchangeClient, logger ports.Logger) (*Live, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required for live router")
	}
	if exchange == nil {
		return nil, fmt.Errorf("%w: exchange client is required for live router", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for live router")
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = defaultFillTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Live{
		cfg:      cfg,
		ledger:   l,
		exchange: exchange,
		logger:   logger,
		backoff:  backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
	}, nil
}

// Mode implements Router.
func (r *Live) Mode() Mode { return ModeLive }

// Submit implements Router. It blocks until the order is filled, rejected,
// cancelled or the fill timeout elapses.
func (r *Live) Submit(ctx context.Context, req Request) (Outcome, error) {
	plan, err := planOrder(r.ledger, req)
	if err != nil {
		return Outcome{}, err
	}
	sig := req.Signal

	order, err := r.ledger.NewOrder(ctx, plan.symbol, plan.side, req.Intent, plan.size, sig.ReferencePrice, sig.Time)
	if err != nil {
		return Outcome{}, err
	}
	logFields := map[string]interface{}{
		"symbol": plan.symbol, "side": string(plan.side), "intent": string(req.Intent), "size": plan.size, "orderID": order.ID,
	}

	resp, err := r.place(ctx, plan, order.ClientID)
	if err != nil {
		rejected, rerr := r.ledger.Reject(ctx, order.ID, err.Error(), time.Now())
		if rerr != nil {
			r.logger.Error(ctx, rerr, "Failed to mark order rejected", logFields)
		}
		r.logger.Error(ctx, err, "Order placement failed", logFields)
		return Outcome{Order: rejected}, fmt.Errorf("%w: %w", ports.ErrOrderRejected, err)
	}
	r.ledger.SetExchangeOrderID(order.ID, resp.OrderID)
	logFields["exchangeOrderID"] = resp.OrderID

	resp, timedOut := r.waitForFill(ctx, plan.symbol, resp)
	if timedOut {
		r.logger.Warn(ctx, "Order fill timed out, cancelling", logFields)
		if _, cerr := r.exchange.CancelOrder(ctx, plan.symbol, resp.OrderID); cerr != nil {
			r.logger.Error(ctx, cerr, "Failed to cancel timed out order", logFields)
		}
		// The order may have filled between the last poll and the cancel.
		if final, gerr := r.exchange.GetOrder(ctx, plan.symbol, resp.OrderID); gerr == nil && final != nil {
			resp = final
		}
	}

	return r.finish(ctx, req, order, resp, timedOut, logFields)
}

// place submits the order, retrying transient failures with exponential backoff.
func (r *Live) place(ctx context.Context, plan orderPlan, clientID string) (*ports.OrderResponse, error) {
	b := r.backoff
	b.Reset()
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		resp, err := r.exchange.PlaceMarketOrder(ctx, plan.symbol, plan.side, plan.size, clientID)
		if err == nil {
			if resp == nil {
				return nil, fmt.Errorf("%w: empty order response", ports.ErrOrderPlacementFailed)
			}
			return resp, nil
		}
		lastErr = err
		if !ports.IsTransient(err) || attempt == r.cfg.MaxRetries {
			break
		}
		delay := b.Duration()
		r.logger.Warn(ctx, "Transient order placement error, retrying", map[string]interface{}{
			"symbol": plan.symbol, "attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// waitForFill polls the order until it reaches a terminal exchange status or
// the fill timeout elapses. The second return value reports a timeout.
func (r *Live) waitForFill(ctx context.Context, symbol string, resp *ports.OrderResponse) (*ports.OrderResponse, bool) {
	if exchangeTerminal(resp.Status) {
		return resp, false
	}
	deadline := time.NewTimer(r.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return resp, true
		case <-deadline.C:
			return resp, true
		case <-ticker.C:
			latest, err := r.exchange.GetOrder(ctx, symbol, resp.OrderID)
			if err != nil {
				r.logger.Warn(ctx, "Order status poll failed", map[string]interface{}{"symbol": symbol, "exchangeOrderID": resp.OrderID, "error": err.Error()})
				continue
			}
			if latest == nil {
				continue
			}
			resp = latest
			if exchangeTerminal(resp.Status) {
				return resp, false
			}
		}
	}
}

// finish reconciles the final exchange report with the ledger.
func (r *Live) finish(ctx context.Context, req Request, order domain.Order, resp *ports.OrderResponse, timedOut bool, logFields map[string]interface{}) (Outcome, error) {
	now := time.Now()
	if err := validateResponse(resp, order.RequestedSize); err != nil {
		rejected, rerr := r.ledger.Reject(ctx, order.ID, err.Error(), now)
		if rerr != nil {
			r.logger.Error(ctx, rerr, "Failed to mark order rejected", logFields)
		}
		r.logger.Error(ctx, err, "Malformed order response", logFields)
		return Outcome{Order: rejected}, fmt.Errorf("%w: %w", ports.ErrOrderRejected, err)
	}

	if resp.ExecutedQty <= 0 {
		var (
			final domain.Order
			ferr  error
			cause error
		)
		switch {
		case resp.Status == ports.ExchangeStatusCanceled || resp.Status == ports.ExchangeStatusExpired:
			final, ferr = r.ledger.Cancel(ctx, order.ID, resp.Status, now)
			cause = ports.ErrOrderCancelled
		case timedOut:
			final, ferr = r.ledger.Reject(ctx, order.ID, "fill confirmation timed out", now)
			cause = ports.ErrOrderTimeout
		default:
			final, ferr = r.ledger.Reject(ctx, order.ID, resp.Status, now)
			cause = ports.ErrOrderRejected
		}
		if ferr != nil {
			r.logger.Error(ctx, ferr, "Failed to record unfilled order", logFields)
		}
		return Outcome{Order: final}, fmt.Errorf("order %d %s: %w", order.ID, resp.Status, cause)
	}

	fee := resp.AvgPrice * resp.ExecutedQty * r.cfg.FeeRate
	filled, err := r.ledger.ApplyFill(ctx, order.ID, domain.Fill{
		OrderID: order.ID, Price: resp.AvgPrice, Size: resp.ExecutedQty, Fee: fee, Time: resp.Timestamp,
	})
	if err != nil {
		return Outcome{Order: order}, fmt.Errorf("%w: live fill: %w", ports.ErrLedgerInconsistent, err)
	}
	if filled.Status == domain.OrderPartiallyFilled {
		// The remainder is never chased.
		if cancelled, cerr := r.ledger.Cancel(ctx, order.ID, "partial fill, remainder cancelled", now); cerr == nil {
			filled = cancelled
		}
		logFields["executed"] = resp.ExecutedQty
		r.logger.Warn(ctx, "Order partially filled", logFields)
	}

	r.logger.Info(ctx, "Order filled", map[string]interface{}{
		"symbol": order.Symbol, "orderID": order.ID, "price": resp.AvgPrice, "size": resp.ExecutedQty,
	})
	return settle(ctx, r.ledger, req, filled, fee)
}

// Cancel implements Router.
func (r *Live) Cancel(ctx context.Context, orderID int64) (domain.Order, error) {
	o, ok := r.ledger.Order(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %d", ports.ErrNotFound, orderID)
	}
	if o.Status.IsTerminal() {
		return o, fmt.Errorf("%w: order %d is %s", ports.ErrInvalidTransition, orderID, o.Status)
	}
	if o.ExchangeOrderID != 0 {
		if _, err := r.exchange.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			return o, fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, err)
		}
	}
	return r.ledger.Cancel(ctx, orderID, "cancelled by request", time.Now())
}

func exchangeTerminal(status string) bool {
	switch status {
	case ports.ExchangeStatusFilled, ports.ExchangeStatusCanceled, ports.ExchangeStatusRejected, ports.ExchangeStatusExpired:
		return true
	}
	return false
}

func validateResponse(resp *ports.OrderResponse, requested float64) error {
	if resp == nil {
		return errors.New("nil order response")
	}
	if resp.ExecutedQty < 0 {
		return fmt.Errorf("negative executed quantity %f", resp.ExecutedQty)
	}
	if resp.ExecutedQty > requested+qtyTolerance {
		return fmt.Errorf("executed quantity %f exceeds requested %f", resp.ExecutedQty, requested)
	}
	if resp.ExecutedQty > 0 && resp.AvgPrice <= 0 {
		return fmt.Errorf("executed quantity %f without average price", resp.ExecutedQty)
	}
	return nil
}
