package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"

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

// mockJournal records calls and optionally fails every write.
type mockJournal struct {
	mu        sync.Mutex
	orders    []domain.Order
	positions []domain.Position
	trades    []domain.Trade
	points    []domain.EquityPoint
	failWith  error
}

func (m *mockJournal) SaveOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, *order)
	return m.failWith
}

func (m *mockJournal) SavePosition(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, *pos)
	return m.failWith
}

func (m *mockJournal) SaveTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return int64(len(m.trades)), m.failWith
}

func (m *mockJournal) SaveEquityPoint(ctx context.Context, point domain.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, point)
	return m.failWith
}

func (m *mockJournal) SaveRiskEvent(ctx context.Context, event domain.RiskEvent) error {
	return m.failWith
}

func (m *mockJournal) FindOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (m *mockJournal) FindTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

func (m *mockJournal) GetTotalProfit(ctx context.Context) (float64, error) { return 0, nil }
func (m *mockJournal) LastIDs(ctx context.Context) (ports.JournalIDs, error) {
	return ports.JournalIDs{}, nil
}
func (m *mockJournal) Close() error                                        { return nil }

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, journal ports.JournalRepository) *Ledger {
	t.Helper()
	l, err := New(Config{InitialEquity: 1000, Logger: &mockLogger{}, Journal: journal})
	require.NoError(t, err)
	return l
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{InitialEquity: 0, Logger: &mockLogger{}})
	assert.Error(t, err)
	_, err = New(Config{InitialEquity: 100})
	assert.Error(t, err)
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	o1, err := l.NewOrder(ctx, "BTCUSDT", domain.Buy, domain.IntentEntry, 1, 100, t0)
	require.NoError(t, err)
	o2, err := l.NewOrder(ctx, "BTCUSDT", domain.Sell, domain.IntentExit, 1, 100, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o1.ID)
	assert.Equal(t, int64(2), o2.ID)
	assert.NotEmpty(t, o1.ClientID)
	assert.NotEqual(t, o1.ClientID, o2.ClientID)
	assert.Equal(t, domain.OrderPending, o1.Status)

	got, err := l.ApplyFill(ctx, o1.ID, domain.Fill{Price: 100, Size: 0.4, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, got.Status)

	got, err = l.ApplyFill(ctx, o1.ID, domain.Fill{Price: 110, Size: 0.6, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, got.Status)
	assert.InDelta(t, 106.0, got.AvgFillPrice, 1e-9)
	assert.InDelta(t, 0, got.Remaining(), 1e-12)

	_, err = l.ApplyFill(ctx, o1.ID, domain.Fill{Price: 100, Size: 0.1, Time: t0})
	assert.True(t, errors.Is(err, ports.ErrInvalidTransition))

	_, err = l.Reject(ctx, o1.ID, "late", t0)
	assert.True(t, errors.Is(err, ports.ErrInvalidTransition))

	rejected, err := l.Reject(ctx, o2.ID, "insufficient balance", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, rejected.Status)
	assert.Equal(t, "insufficient balance", rejected.Reason)

	_, err = l.Cancel(ctx, o2.ID, "", t0)
	assert.True(t, errors.Is(err, ports.ErrInvalidTransition))

	_, err = l.ApplyFill(ctx, 99, domain.Fill{Price: 1, Size: 1})
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestCancelPartiallyFilled(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	o, err := l.NewOrder(ctx, "ETHUSDT", domain.Buy, domain.IntentEntry, 2, 50, t0)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, o.ID, domain.Fill{Price: 50, Size: 0.5, Time: t0})
	require.NoError(t, err)

	_, err = l.Reject(ctx, o.ID, "too late", t0)
	assert.True(t, errors.Is(err, ports.ErrInvalidTransition), "partially filled orders cannot be rejected")

	cancelled, err := l.Cancel(ctx, o.ID, "timeout", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
	assert.InDelta(t, 0.5, cancelled.FilledSize, 1e-12)
}

func TestApplyFill_Overfill(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	o, err := l.NewOrder(ctx, "BTCUSDT", domain.Buy, domain.IntentEntry, 1, 100, t0)
	require.NoError(t, err)

	_, err = l.ApplyFill(ctx, o.ID, domain.Fill{Price: 100, Size: 1.5})
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
}

func TestOpenPosition_OnePerSymbol(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	pos, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 1050, Size: 0.1, Stop: 1000, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos.ID)
	assert.InDelta(t, 50, pos.InitialRisk, 1e-9)

	_, err = l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Short, Price: 1050, Size: 0.1, Stop: 1100, Time: t0})
	assert.True(t, errors.Is(err, ports.ErrPositionAlreadyOpen))

	_, err = l.OpenPosition(ctx, OpenRequest{Symbol: "ETHUSDT", Side: domain.Short, Price: 50, Size: 1, Stop: 55, Time: t0})
	require.NoError(t, err)
	assert.Len(t, l.OpenPositions(), 2)
}

func TestClosePosition_StopExample(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 1050, Size: 0.1, Stop: 1000, Time: t0})
	require.NoError(t, err)

	trade, err := l.ClosePosition(ctx, "BTCUSDT", 1000, t0.Add(time.Hour), domain.CloseReasonStopLoss, 0)
	require.NoError(t, err)
	assert.InDelta(t, -5.0, trade.PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonStopLoss, trade.CloseReason)
	assert.Nil(t, l.Position("BTCUSDT"))
	assert.InDelta(t, 995.0, l.Equity(), 1e-9)
	assert.InDelta(t, -5.0, l.Realized(), 1e-9)

	closed := l.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StatusClosed, closed[0].Status)
	assert.Equal(t, 1000.0, closed[0].ExitPrice)

	_, err = l.ClosePosition(ctx, "BTCUSDT", 1000, t0, domain.CloseReasonManual, 0)
	assert.True(t, errors.Is(err, ports.ErrNoPosition))
}

func TestShortPnLAndFees(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "ETHUSDT", Side: domain.Short, Price: 200, Size: 2, Stop: 210, Fee: 0.4, Time: t0})
	require.NoError(t, err)

	l.Mark("ETHUSDT", 190)
	assert.InDelta(t, 20.0, l.Unrealized(), 1e-9)

	trade, err := l.ClosePosition(ctx, "ETHUSDT", 190, t0.Add(time.Hour), domain.CloseReasonReversal, 0.38)
	require.NoError(t, err)
	assert.InDelta(t, 20-0.4-0.38, trade.PNL, 1e-9)
	assert.InDelta(t, 0.78, trade.Fees, 1e-9)
}

func TestReducePosition_Partial(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 1, Stop: 90, Fee: 1, Time: t0})
	require.NoError(t, err)

	first, err := l.ReducePosition(ctx, "BTCUSDT", 0.5, 120, t0.Add(time.Hour), domain.CloseReasonTakeProfit, 0)
	require.NoError(t, err)
	assert.InDelta(t, 10-0.5, first.PNL, 1e-9)

	pos := l.Position("BTCUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.5, pos.Size, 1e-12)
	assert.InDelta(t, 1.0, pos.InitialSize, 1e-12)

	l.MarkPartialTaken("BTCUSDT")
	require.NoError(t, l.UpdateStop(ctx, "BTCUSDT", 100))
	pos = l.Position("BTCUSDT")
	assert.True(t, pos.PartialTaken)
	assert.Equal(t, 100.0, pos.StopPrice)

	second, err := l.ClosePosition(ctx, "BTCUSDT", 100, t0.Add(2*time.Hour), domain.CloseReasonStopLoss, 0)
	require.NoError(t, err)
	assert.InDelta(t, -0.5, second.PNL, 1e-9)
	assert.Len(t, l.Trades(), 2)
	assert.InDelta(t, 9.0, l.Realized(), 1e-9)

	assert.True(t, errors.Is(l.UpdateStop(ctx, "BTCUSDT", 1), ports.ErrNoPosition))
}

func TestExposure(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 1, Stop: 90, Time: t0})
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, OpenRequest{Symbol: "ETHUSDT", Side: domain.Short, Price: 10, Size: 3, Stop: 11, Time: t0})
	require.NoError(t, err)
	l.Mark("BTCUSDT", 110)

	bySymbol, total := l.Exposure()
	assert.InDelta(t, 110, bySymbol["BTCUSDT"], 1e-9)
	assert.InDelta(t, 30, bySymbol["ETHUSDT"], 1e-9)
	assert.InDelta(t, 140, total, 1e-9)
}

func TestSample_MonotonicTime(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)

	l.Sample(ctx, t0)
	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 1, Stop: 90, Time: t0})
	require.NoError(t, err)
	l.Mark("BTCUSDT", 120)
	l.Sample(ctx, t0.Add(time.Hour))
	l.Mark("BTCUSDT", 110)
	p := l.Sample(ctx, t0.Add(time.Hour))
	assert.InDelta(t, 1010, p.Equity, 1e-9)

	stale := l.Sample(ctx, t0.Add(-time.Hour))
	assert.Equal(t, t0.Add(time.Hour), stale.Time)

	curve := l.EquityCurve()
	require.Len(t, curve, 2)
	assert.InDelta(t, 1000, curve[0].Equity, 1e-9)
	assert.InDelta(t, 1010, curve[1].Equity, 1e-9)
	assert.InDelta(t, 10, curve[1].Unrealized, 1e-9)
}

func TestSample_Drawdown(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	_, err := l.OpenPosition(ctx, OpenRequest{Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 10, Stop: 50, Time: t0})
	require.NoError(t, err)

	l.Mark("BTCUSDT", 200)
	l.Sample(ctx, t0.Add(time.Hour))
	l.Mark("BTCUSDT", 150)
	p := l.Sample(ctx, t0.Add(2*time.Hour))
	// Peak 2000, now 1500.
	assert.InDelta(t, 0.25, p.Drawdown, 1e-9)
}

func TestJournalFailuresDoNotFailOperations(t *testing.T) {
	ctx := context.Background()
	journal := &mockJournal{failWith: ports.ErrDBConnection}
	logger := &mockLogger{}
	l, err := New(Config{InitialEquity: 1000, Logger: logger, Journal: journal})
	require.NoError(t, err)

	o, err := l.NewOrder(ctx, "BTCUSDT", domain.Buy, domain.IntentEntry, 1, 100, t0)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, o.ID, domain.Fill{Price: 100, Size: 1, Time: t0})
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, OpenRequest{OrderID: o.ID, Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 1, Stop: 90, Time: t0})
	require.NoError(t, err)
	_, err = l.ClosePosition(ctx, "BTCUSDT", 105, t0, domain.CloseReasonManual, 0)
	require.NoError(t, err)
	l.Sample(ctx, t0)

	assert.Len(t, journal.orders, 2)
	assert.Len(t, journal.positions, 2)
	assert.Len(t, journal.trades, 1)
	assert.Len(t, journal.points, 1)
	assert.NotEmpty(t, logger.errors)
}

func TestRestore(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Restore(domain.Position{ID: 7, EntryOrderID: 12, Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: 100, Size: 1, InitialSize: 1}))
	assert.True(t, errors.Is(l.Restore(domain.Position{Symbol: "BTCUSDT"}), ports.ErrPositionAlreadyOpen))

	o, err := l.NewOrder(context.Background(), "BTCUSDT", domain.Sell, domain.IntentExit, 1, 100, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(13), o.ID)
}

func TestSeedIDs(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	l.SeedIDs(ports.JournalIDs{Order: 40, Position: 9, Trade: 3})
	l.SeedIDs(ports.JournalIDs{Order: 1}) // never moves backwards

	o, err := l.NewOrder(ctx, "BTCUSDT", domain.Buy, domain.IntentEntry, 1, 100, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(41), o.ID)
	pos, err := l.OpenPosition(ctx, OpenRequest{OrderID: o.ID, Symbol: "BTCUSDT", Side: domain.Long, Price: 100, Size: 1, Stop: 95, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.ID)
}

func TestSeedRealized(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	l.SeedRealized(-250)
	assert.Equal(t, -250.0, l.Realized())
	assert.Equal(t, 750.0, l.Equity())

	point := l.Sample(ctx, t0)
	assert.InDelta(t, 0.25, point.Drawdown, 1e-12)

	gain := newLedger(t, nil)
	gain.SeedRealized(100)
	point = gain.Sample(ctx, t0)
	assert.Equal(t, 1100.0, point.Equity)
	assert.Zero(t, point.Drawdown)
}

// TestLedgerInvariants drives random open/reduce/mark sequences and checks
// that equity always equals initial plus realized plus unrealized, that the
// trade log sums to realized P&L and that no symbol holds two positions.
func TestLedgerInvariants(t *testing.T) {
	ctx := context.Background()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		l := newLedger(t, nil)
		prices := map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50, "SOLUSDT": 10}
		now := t0

		for step := 0; step < 300; step++ {
			now = now.Add(time.Minute)
			sym := symbols[rng.Intn(len(symbols))]
			prices[sym] *= 1 + (rng.Float64()-0.5)*0.04
			l.Mark(sym, prices[sym])

			switch rng.Intn(4) {
			case 0:
				side := domain.Long
				if rng.Intn(2) == 0 {
					side = domain.Short
				}
				_, err := l.OpenPosition(ctx, OpenRequest{Symbol: sym, Side: side, Price: prices[sym], Size: 0.1 + rng.Float64(), Stop: prices[sym] * 0.9, Fee: 0.01, Time: now})
				if err != nil && !errors.Is(err, ports.ErrPositionAlreadyOpen) {
					t.Fatalf("seed %d: unexpected open error: %v", seed, err)
				}
			case 1:
				_, err := l.ReducePosition(ctx, sym, rng.Float64(), prices[sym], now, domain.CloseReasonManual, 0.01)
				if err != nil && !errors.Is(err, ports.ErrNoPosition) {
					t.Fatalf("seed %d: unexpected reduce error: %v", seed, err)
				}
			case 2:
				l.Sample(ctx, now)
			}

			seen := map[string]bool{}
			for _, p := range l.OpenPositions() {
				if seen[p.Symbol] {
					t.Fatalf("seed %d: two open positions for %s", seed, p.Symbol)
				}
				seen[p.Symbol] = true
				if p.Size <= 0 {
					t.Fatalf("seed %d: open position with size %f", seed, p.Size)
				}
			}

			want := l.InitialEquity() + l.Realized() + l.Unrealized()
			if math.Abs(l.Equity()-want) > 1e-6 {
				t.Fatalf("seed %d: equity %f != %f", seed, l.Equity(), want)
			}
		}

		sum := 0.0
		for _, tr := range l.Trades() {
			sum += tr.PNL
		}
		if math.Abs(sum-l.Realized()) > 1e-6 {
			t.Fatalf("seed %d: trade log sums to %f, realized %f", seed, sum, l.Realized())
		}

		curve := l.EquityCurve()
		for i := 1; i < len(curve); i++ {
			if curve[i].Time.Before(curve[i-1].Time) {
				t.Fatalf("seed %d: equity curve not ordered at %d", seed, i)
			}
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, nil)
	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := l.OpenPosition(ctx, OpenRequest{Symbol: sym, Side: domain.Long, Price: 10, Size: 1, Stop: 9, Time: t0}); err != nil {
					t.Errorf("open %s: %v", sym, err)
					return
				}
				l.Mark(sym, 11)
				if _, err := l.ClosePosition(ctx, sym, 11, t0, domain.CloseReasonManual, 0); err != nil {
					t.Errorf("close %s: %v", sym, err)
					return
				}
			}
		}(sym)
	}
	wg.Wait()
	assert.Len(t, l.Trades(), 200)
	assert.InDelta(t, 200.0, l.Realized(), 1e-9)
}
