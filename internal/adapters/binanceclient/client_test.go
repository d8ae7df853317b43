package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu     sync.Mutex
	errors []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

var (
	_ ports.ExchangeClient   = (*Client)(nil)
	_ ports.MarketDataClient = (*Client)(nil)
	_ ports.QuoteSource      = (*Client)(nil)
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "key", SecretKey: "secret", BaseURL: srv.URL, Logger: &mockLogger{}})
	require.NoError(t, err)
	return c
}

func klineRow(openMs int64, o, h, l, c string) string {
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","10.5",%d,"1000",42,"5","500","0"]`, openMs, o, h, l, c, openMs+3_599_999)
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFormatQuantity(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.123, "0.123"},
		{1, "1"},
		{0.000000019, "0.00000001"},
		{1e-9, "0"},
		{12.5, "12.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatQuantity(tt.in), "FormatQuantity(%v)", tt.in)
	}
}

func TestMapAPIError(t *testing.T) {
	tests := map[int64]error{
		-1003: ports.ErrRateLimited,
		-1021: ports.ErrTimeout,
		-2015: ports.ErrAuthenticationFailed,
		-2010: ports.ErrOrderRejected,
		-2013: ports.ErrOrderNotFound,
		-2019: ports.ErrInsufficientFunds,
		-4044: ports.ErrNoPosition,
		-9999: ports.ErrUnknown,
	}
	for code, want := range tests {
		assert.ErrorIs(t, mapAPIError(code), want, "code %d", code)
	}
}

func TestHandleError(t *testing.T) {
	c := &Client{logger: &mockLogger{}}
	ctx := context.Background()

	err := c.handleError(ctx, &common.APIError{Code: -1003, Message: "slow down"}, "op")
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	var apiErr *common.APIError
	assert.True(t, errors.As(err, &apiErr), "original API error stays reachable")
	assert.True(t, ports.IsTransient(err))

	assert.ErrorIs(t, c.handleError(ctx, context.DeadlineExceeded, "op"), ports.ErrTimeout)
	assert.ErrorIs(t, c.handleError(ctx, context.Canceled, "op"), ports.ErrContextCanceled)
	assert.ErrorIs(t, c.handleError(ctx, errors.New("dial tcp: connection refused"), "op"), ports.ErrConnectionFailed)
	assert.NoError(t, c.handleError(ctx, nil, "op"))
}

func TestGetKlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, "[%s,%s]", klineRow(1704067200000, "100", "110", "95", "105"), klineRow(1704070800000, "105", "112", "104", "111.5"))
	})

	bars, err := c.GetKlines(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), bars[0].OpenTime)
	assert.Equal(t, "BTCUSDT", bars[0].Symbol)
	assert.Equal(t, 111.5, bars[1].Close)
	assert.Equal(t, 10.5, bars[1].Volume)
	assert.True(t, bars[1].IsFinal, "closed in the past")
}

func TestGetKlines_MalformedPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", klineRow(1704067200000, "abc", "110", "95", "105"))
	})
	_, err := c.GetKlines(context.Background(), "BTCUSDT", "1h", 1)
	assert.ErrorIs(t, err, ports.ErrUnknown)
}

func TestGetBookTicker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/bookTicker", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","bidPrice":"64999.9","bidQty":"3.1","askPrice":"65000.1","askQty":"2.4","time":1704067200000}]`)
	})

	q, err := c.GetBookTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.Equal(t, 64999.9, q.Bid)
	assert.Equal(t, 65000.1, q.Ask)

	_, err = c.GetBookTicker(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestGetBookTicker_MalformedPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","bidPrice":"x","bidQty":"1","askPrice":"1","askQty":"1"}]`)
	})
	_, err := c.GetBookTicker(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ports.ErrUnknown)
}

func TestGetKlinesRange(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "1704067200000", r.URL.Query().Get("startTime"))
		fmt.Fprintf(w, "[%s]", klineRow(1704067200000, "100", "110", "95", "105"))
	})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := c.GetKlinesRange(context.Background(), "BTCUSDT", "1h", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, 1, calls, "short page ends paging")

	_, err = c.GetKlinesRange(context.Background(), "BTCUSDT", "1h", start, start.Add(-time.Hour))
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestPlaceMarketOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "0.123", r.Form.Get("quantity"))
		assert.Equal(t, "cid-1", r.Form.Get("newClientOrderId"))
		fmt.Fprint(w, `{"orderId":77,"symbol":"BTCUSDT","clientOrderId":"cid-1","price":"0","avgPrice":"100.5",
			"origQty":"0.123","executedQty":"0.123","status":"FILLED","type":"MARKET","side":"BUY","updateTime":1704067200000}`)
	})

	resp, err := c.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.Buy, 0.123, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), resp.OrderID)
	assert.Equal(t, ports.ExchangeStatusFilled, resp.Status)
	assert.Equal(t, 100.5, resp.AvgPrice)
	assert.Equal(t, 0.123, resp.ExecutedQty)

	_, err = c.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.Buy, 1e-12, "cid-2")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestPlaceMarketOrder_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})
	_, err := c.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.Sell, 1, "cid")
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
}

func TestGetOrderAndCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "9", r.URL.Query().Get("orderId"))
			fmt.Fprint(w, `{"orderId":9,"symbol":"ETHUSDT","status":"PARTIALLY_FILLED","avgPrice":"50","origQty":"2","executedQty":"0.5","type":"MARKET","side":"SELL","updateTime":1}`)
		case http.MethodDelete:
			fmt.Fprint(w, `{"orderId":9,"symbol":"ETHUSDT","status":"CANCELED","origQty":"2","type":"MARKET","side":"SELL"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	got, err := c.GetOrder(context.Background(), "ETHUSDT", 9)
	require.NoError(t, err)
	assert.Equal(t, ports.ExchangeStatusPartiallyFilled, got.Status)
	assert.Equal(t, 0.5, got.ExecutedQty)

	cancelled, err := c.CancelOrder(context.Background(), "ETHUSDT", 9)
	require.NoError(t, err)
	assert.Equal(t, ports.ExchangeStatusCanceled, cancelled.Status)
}

func TestTranslateOrderResponse_Malformed(t *testing.T) {
	_, err := translateOrderResponse(&futures.CreateOrderResponse{ExecutedQuantity: "1.x"})
	assert.Error(t, err)
	_, err = translateOrderResponse(nil)
	assert.Error(t, err)
}

func TestStreamKlines_ReconnectsAndStops(t *testing.T) {
	c := &Client{
		logger:               &mockLogger{},
		reconnectDelay:       time.Millisecond,
		maxReconnectDelay:    5 * time.Millisecond,
		maxReconnectAttempts: 5,
	}

	var mu sync.Mutex
	attempts := 0
	c.wsKlineServe = func(symbol, interval string, handler futures.WsKlineHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, nil, errors.New("connection refused")
		}
		done, stop := make(chan struct{}), make(chan struct{})
		go handler(&futures.WsKlineEvent{Kline: futures.WsKline{
			StartTime: 1704067200000, EndTime: 1704070799999, Symbol: symbol, Interval: interval,
			Open: "1", High: "2", Low: "0.5", Close: "1.5", Volume: "3", IsFinal: true,
		}})
		return done, stop, nil
	}

	bars := make(chan domain.Bar, 1)
	doneCh, stopCh, err := c.StreamKlines(context.Background(), "BTCUSDT", "1h", func(b domain.Bar) { bars <- b }, nil)
	require.NoError(t, err)

	select {
	case b := <-bars:
		assert.Equal(t, 1.5, b.Close)
		assert.True(t, b.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("no bar received")
	}

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestStreamKlines_GivesUp(t *testing.T) {
	c := &Client{
		logger:               &mockLogger{},
		reconnectDelay:       time.Millisecond,
		maxReconnectDelay:    time.Millisecond,
		maxReconnectAttempts: 3,
		wsKlineServe: func(string, string, futures.WsKlineHandler, futures.ErrHandler) (chan struct{}, chan struct{}, error) {
			return nil, nil, errors.New("connection refused")
		},
	}

	errs := make(chan error, 4)
	doneCh, _, err := c.StreamKlines(context.Background(), "BTCUSDT", "1h", func(domain.Bar) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not give up")
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, <-errs, ports.ErrConnectionFailed)
}
