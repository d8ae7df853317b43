package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donchianbot/internal/app"
	"donchianbot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeController struct {
	status   app.Status
	trades   []domain.Trade
	curve    []domain.EquityPoint
	stopErr  error
	stopped  int
	resetted int
}

func (f *fakeController) Status() app.Status                     { return f.status }
func (f *fakeController) Trades() []domain.Trade                 { return f.trades }
func (f *fakeController) EquityCurve() []domain.EquityPoint      { return f.curve }
func (f *fakeController) ResetBreaker(ctx context.Context) error { f.resetted++; return nil }
func (f *fakeController) Stop(ctx context.Context) error {
	f.stopped++
	return f.stopErr
}

func newTestServer(ctrl Controller) *Server {
	gin.SetMode(gin.TestMode)
	return New(":0", ctrl, &mockLogger{})
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func sampleTrades() []domain.Trade {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := make([]domain.Trade, 0, 4)
	for i, pnl := range []float64{10, -5, 20, 8} {
		trades = append(trades, domain.Trade{
			ID: int64(i + 1), Symbol: "BTCUSDT", Side: domain.Long, PNL: pnl,
			EntryTime: t0.Add(time.Duration(i) * time.Hour), ExitTime: t0.Add(time.Duration(i+1) * time.Hour),
		})
	}
	return trades
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{status: app.Status{Mode: "paper", Symbols: []string{"BTCUSDT"}, Equity: 1010, InitialEquity: 1000}}
	w := do(t, newTestServer(ctrl), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got app.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "paper", got.Mode)
	assert.Equal(t, 1010.0, got.Equity)
}

func TestTrades_Limit(t *testing.T) {
	s := newTestServer(&fakeController{trades: sampleTrades()})

	tests := []struct {
		path      string
		wantCode  int
		wantCount int
	}{
		{"/trades", http.StatusOK, 4},
		{"/trades?limit=2", http.StatusOK, 2},
		{"/trades?limit=10", http.StatusOK, 4},
		{"/trades?limit=-1", http.StatusBadRequest, 0},
		{"/trades?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, s, http.MethodGet, tt.path)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var body struct {
				Count  int            `json:"count"`
				Trades []domain.Trade `json:"trades"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCount, body.Count)
			assert.Len(t, body.Trades, tt.wantCount)
		})
	}
}

func TestTrades_LimitKeepsNewest(t *testing.T) {
	w := do(t, newTestServer(&fakeController{trades: sampleTrades()}), http.MethodGet, "/trades?limit=1")
	var body struct {
		Trades []domain.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, int64(4), body.Trades[0].ID)
}

func TestEquity_EmptyIsArray(t *testing.T) {
	w := do(t, newTestServer(&fakeController{}), http.MethodGet, "/equity")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"points":[]}`, w.Body.String())
}

func TestReadiness(t *testing.T) {
	ctrl := &fakeController{status: app.Status{InitialEquity: 1000}, trades: sampleTrades()}
	w := do(t, newTestServer(ctrl), http.MethodGet, "/readiness")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Criteria map[string]bool `json:"criteria"`
		Details  struct {
			TotalTrades int `json:"total_trades"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Details.TotalTrades)
	assert.False(t, body.Criteria["sufficient_trades"])
	assert.True(t, body.Criteria["positive_pnl"])
}

func TestStopAndReset(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	w := do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.stopped)

	w = do(t, s, http.MethodPost, "/reset")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.resetted)

	ctrl.stopErr = errors.New("exchange down")
	w = do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "exchange down")

	w = do(t, s, http.MethodGet, "/stop")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(&fakeController{}), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
