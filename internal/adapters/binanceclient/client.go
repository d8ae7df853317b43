package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// klinesPageLimit is the maximum page size of the futures klines endpoint.
	klinesPageLimit = 1500
	// quantityScale bounds the decimals sent in order quantities.
	quantityScale = 8
)

type wsKlineServeFunc func(symbol, interval string, handler futures.WsKlineHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)

// Client implements ports.ExchangeClient and ports.MarketDataClient using the go-binance library.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	maxReconnectAttempts int
	wsKlineServe         wsKlineServeFunc
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	BaseURL              string // Overrides the production/testnet URL when set
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Consecutive failed attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		// Public endpoints (klines, ping) still work; order calls will fail authentication.
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxDelay := cfg.MaxReconnectDelay
	if maxDelay < reconnectDelay {
		maxDelay = max(time.Minute, reconnectDelay)
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectDelay:    maxDelay,
		maxReconnectAttempts: maxAttempts,
		wsKlineServe:         futures.WsKlineServe,
	}, nil
}

// mapAPIError maps Binance error codes onto the ports error taxonomy.
func mapAPIError(code int64) error {
	switch code {
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1001, -1007: // Disconnected / backend timeout
		return ports.ErrExchangeUnavailable
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022, -2014, -2015: // Bad signature, bad key format, key lacks permission
		return ports.ErrAuthenticationFailed
	case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
		return ports.ErrInvalidRequest
	case -2010, -2022: // New order rejected, ReduceOnly rejected
		return ports.ErrOrderRejected
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2019, -3005, -3041, -4047: // Margin, balance or position limit
		return ports.ErrInsufficientFunds
	case -4003, -4014, -4015: // Quantity, price or leverage out of range
		return ports.ErrInvalidRequest
	case -4044:
		return ports.ErrNoPosition
	default:
		return ports.ErrUnknown
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mapAPIError(apiErr.Code), err)
	}

	// Non-API errors: network, context cancellation, parsing
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "EOF"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// SetServerTime synchronizes the client's time offset with the server.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
			if err != nil {
				return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err), op)
			}
			return balance, nil
		}
	}
	return 0, fmt.Errorf("%s: %w: asset %s not in account", op, ports.ErrNotFound, asset)
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// FormatQuantity renders a quantity the way the order endpoint accepts it:
// plain decimal notation, truncated to eight places.
func FormatQuantity(quantity float64) string {
	return decimal.NewFromFloat(quantity).Truncate(quantityScale).String()
}

// PlaceMarketOrder places a market order tagged with the given client order ID.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	qty := FormatQuantity(quantity)
	if qty == "0" {
		return nil, fmt.Errorf("%s: %w: quantity %v rounds to zero", op, ports.ErrInvalidRequest, quantity)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp, err := translateOrderResponse(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        symbol,
		"side":          side,
		"quantity":      qty,
		"clientOrderID": clientOrderID,
		"orderID":       resp.OrderID,
		"status":        resp.Status,
	})
	return resp, nil
}

// GetOrder queries the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "GetOrder"
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp, err := translateOrder(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return resp, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		// -2013 maps to ErrOrderNotFound, usually meaning the order already filled.
		return nil, c.handleError(ctx, err, op)
	}

	resp, err := translateOrderResponse(&futures.CreateOrderResponse{
		OrderID:       res.OrderID,
		Symbol:        res.Symbol,
		ClientOrderID: res.ClientOrderID,
		Price:         res.Price,
		OrigQuantity:  res.OrigQuantity,
		Status:        res.Status,
		Type:          res.Type,
		Side:          res.Side,
	})
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// GetBookTicker returns the best bid and ask for the symbol.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (ports.Quote, error) {
	op := "GetBookTicker"
	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return ports.Quote{}, c.handleError(ctx, err, op)
	}
	for _, t := range tickers {
		if t.Symbol != symbol {
			continue
		}
		bid, err := parseField("bidPrice", t.BidPrice)
		if err != nil {
			return ports.Quote{}, c.handleError(ctx, err, op)
		}
		ask, err := parseField("askPrice", t.AskPrice)
		if err != nil {
			return ports.Quote{}, c.handleError(ctx, err, op)
		}
		return ports.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()}, nil
	}
	return ports.Quote{}, fmt.Errorf("%s: %w: no book ticker for %s", op, ports.ErrNotFound, symbol)
}

// GetKlines retrieves the most recent closed and open bars for the symbol.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Bar, error) {
	op := "GetKlines"
	svc := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	bars := make([]domain.Bar, 0, len(klines))
	now := time.Now()
	for _, k := range klines {
		bar, err := translateKline(k, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		// The newest kline is still forming until its close time passes.
		bar.IsFinal = !bar.CloseTime.After(now)
		bars = append(bars, bar)
	}
	return bars, nil
}

// GetKlinesRange fetches all bars for a symbol/interval between start and end, paging forward.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error) {
	op := "GetKlinesRange"
	if end.Before(start) {
		return nil, fmt.Errorf("%s: %w: end %s before start %s", op, ports.ErrInvalidRequest, end, start)
	}

	var bars []domain.Bar
	from := start
	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(klinesPageLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			bar, err := translateKline(k, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			bars = append(bars, bar)
		}
		c.logger.Debug(ctx, op+": page fetched", map[string]interface{}{"symbol": symbol, "count": len(klines), "total": len(bars)})

		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if len(klines) < klinesPageLimit || from.After(end) {
			break
		}
	}
	return bars, nil
}

// StreamKlines starts a WebSocket kline stream that reconnects with exponential
// backoff until ctx is cancelled, stopCh is closed, or MaxReconnectAttempts
// consecutive connection attempts fail.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(bar domain.Bar), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	if handler == nil {
		return nil, nil, fmt.Errorf("%s: %w: handler is required", op, ports.ErrInvalidRequest)
	}
	if errHandler == nil {
		errHandler = func(error) {}
	}
	wsCtx, cancelWs := context.WithCancel(ctx)
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	binanceHandler := func(event *futures.WsKlineEvent) {
		bar, err := translateWsKline(event)
		if err != nil {
			// A single malformed event is not worth a reconnect.
			c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event", fields)
			return
		}
		handler(bar)
	}
	binanceErrHandler := func(err error) {
		errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		defer cancelWs()

		b := &backoff.Backoff{Min: c.reconnectDelay, Max: c.maxReconnectDelay, Factor: 2, Jitter: true}
		for {
			if wsCtx.Err() != nil {
				return
			}
			c.logger.Info(wsCtx, op+": Attempting WebSocket connection", map[string]interface{}{"symbol": symbol, "interval": interval, "attempt": int(b.Attempt()) + 1})
			innerDoneCh, innerStopCh, connectErr := c.wsKlineServe(symbol, interval, binanceHandler, binanceErrHandler)
			if connectErr == nil {
				c.logger.Info(wsCtx, op+": WebSocket connection established", fields)
				b.Reset()
				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed, reconnecting", fields)
				case <-wsCtx.Done():
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			} else {
				_ = c.handleError(wsCtx, connectErr, op+" connection attempt")
			}

			delay := b.Duration()
			if int(b.Attempt()) >= c.maxReconnectAttempts {
				giveUp := fmt.Errorf("%s: %w: %d reconnect attempts exhausted", op, ports.ErrConnectionFailed, c.maxReconnectAttempts)
				c.logger.Error(wsCtx, giveUp, op+": Giving up", fields)
				errHandler(giveUp)
				return
			}
			select {
			case <-time.After(delay):
			case <-wsCtx.Done():
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	return doneCh, stopCh, nil
}

// --- Translation Helpers ---

func parseField(name, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s '%s': %w", name, value, err)
	}
	return f, nil
}

func translateOrderResponse(order *futures.CreateOrderResponse) (*ports.OrderResponse, error) {
	if order == nil {
		return nil, errors.New("received nil order response")
	}
	var errs []error
	price, err := parseField("price", order.Price)
	errs = append(errs, err)
	avgPrice, err := parseField("avgPrice", order.AvgPrice)
	errs = append(errs, err)
	origQty, err := parseField("origQty", order.OrigQuantity)
	errs = append(errs, err)
	execQty, err := parseField("executedQty", order.ExecutedQuantity)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}, nil
}

func translateOrder(order *futures.Order) (*ports.OrderResponse, error) {
	if order == nil {
		return nil, errors.New("received nil order")
	}
	return translateOrderResponse(&futures.CreateOrderResponse{
		OrderID:          order.OrderID,
		Symbol:           order.Symbol,
		ClientOrderID:    order.ClientOrderID,
		Price:            order.Price,
		AvgPrice:         order.AvgPrice,
		OrigQuantity:     order.OrigQuantity,
		ExecutedQuantity: order.ExecutedQuantity,
		Status:           order.Status,
		Type:             order.Type,
		Side:             order.Side,
		UpdateTime:       order.UpdateTime,
	})
}

func translateOHLCV(open, high, low, cls, vol string) (o, h, l, c, v float64, err error) {
	if o, err = strconv.ParseFloat(open, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing open price '%s': %w", open, err)
	}
	if h, err = strconv.ParseFloat(high, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing high price '%s': %w", high, err)
	}
	if l, err = strconv.ParseFloat(low, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing low price '%s': %w", low, err)
	}
	if c, err = strconv.ParseFloat(cls, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing close price '%s': %w", cls, err)
	}
	if v, err = strconv.ParseFloat(vol, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing volume '%s': %w", vol, err)
	}
	return o, h, l, c, v, nil
}

func translateWsKline(event *futures.WsKlineEvent) (domain.Bar, error) {
	if event == nil {
		return domain.Bar{}, errors.New("received nil kline event")
	}
	k := event.Kline
	o, h, l, c, v, err := translateOHLCV(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return domain.Bar{}, err
	}
	return domain.Bar{
		OpenTime:  time.UnixMilli(k.StartTime).UTC(),
		CloseTime: time.UnixMilli(k.EndTime).UTC(),
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		IsFinal:   k.IsFinal,
	}, nil
}

func translateKline(k *futures.Kline, symbol, interval string) (domain.Bar, error) {
	if k == nil {
		return domain.Bar{}, errors.New("received nil historical kline")
	}
	o, h, l, c, v, err := translateOHLCV(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return domain.Bar{}, err
	}
	return domain.Bar{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Symbol:    symbol, // futures.Kline carries no symbol
		Interval:  interval,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		IsFinal:   true,
	}, nil
}
