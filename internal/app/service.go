package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"donchianbot/internal/domain"
	"donchianbot/internal/execution"
	"donchianbot/internal/ledger"
	"donchianbot/internal/pipeline"
	"donchianbot/internal/ports"
	"donchianbot/internal/risk"
	"donchianbot/internal/strategy"
	"donchianbot/internal/strategy/indicators"
)

const (
	barQueueSize       = 256
	streamStopTimeout  = 5 * time.Second
	defaultBarInterval = "1h"
)

// Config holds the runtime settings of the trading service.
type Config struct {
	Mode          execution.Mode // paper or live
	Symbols       []string
	Interval      string
	InitialEquity float64

	Strategy  strategy.Config
	Risk      risk.RiskConfig // RiskFraction comes from Strategy.Params
	Execution execution.Config

	Window             int // Indicator window, indicators.DefaultWindow when zero
	WarmupBars         int // History requested per symbol at startup, Window when zero
	PartialTakeProfitR float64
	PartialFraction    float64
	MaxSpread          float64 // Entry spread filter, needs Dependencies.Quotes
}

// Dependencies are the ports the service talks to.
type Dependencies struct {
	Logger    ports.Logger
	Market    ports.MarketDataClient
	Exchange  ports.ExchangeClient    // Required in live mode
	Journal   ports.JournalRepository // Optional
	Notifier  ports.Notifier          // Optional
	Publisher ports.EventPublisher    // Optional
	Quotes    ports.QuoteSource       // Optional
}

// Status is a point-in-time view of the running service.
type Status struct {
	Mode          string            `json:"mode"`
	Symbols       []string          `json:"symbols"`
	Paused        bool              `json:"paused"`
	StartedAt     time.Time         `json:"started_at"`
	InitialEquity float64           `json:"initial_equity"`
	Equity        float64           `json:"equity"`
	Realized      float64           `json:"realized"`
	Unrealized    float64           `json:"unrealized"`
	Risk          domain.RiskState  `json:"risk"`
	Positions     []domain.Position `json:"positions"`
	Err           string            `json:"error,omitempty"`
}

// TradingService runs one pipeline per symbol on live bars, sharing a
// single ledger, risk manager and execution router.
type TradingService struct {
	cfg       Config
	logger    ports.Logger
	market    ports.MarketDataClient
	exchange  ports.ExchangeClient
	journal   ports.JournalRepository
	notifier  ports.Notifier
	ledger    *ledger.Ledger
	risk      *risk.RiskManager
	router    execution.Router
	pipelines map[string]*pipeline.Pipeline

	mu        sync.Mutex // Protects the fields below
	startedAt time.Time
	paused    bool
	lastErr   error
}

// NewTradingService validates the configuration and builds the shared
// ledger, risk manager, router and per-symbol pipelines.
func NewTradingService(cfg Config, deps Dependencies) (*TradingService, error) {
	if deps.Logger == nil || deps.Market == nil {
		return nil, fmt.Errorf("%w: logger and market data client are required for TradingService", ports.ErrConfigurationError)
	}
	if cfg.Mode != execution.ModePaper && cfg.Mode != execution.ModeLive {
		return nil, fmt.Errorf("%w: trading service runs in paper or live mode, got %q", ports.ErrConfigurationError, cfg.Mode)
	}
	if cfg.Mode == execution.ModeLive && deps.Exchange == nil {
		return nil, fmt.Errorf("%w: exchange client is required for live mode", ports.ErrConfigurationError)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ports.ErrConfigurationError)
	}
	if err := cfg.Strategy.Params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}
	if cfg.Interval == "" {
		cfg.Interval = defaultBarInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = indicators.DefaultWindow
	}
	if cfg.WarmupBars <= 0 {
		cfg.WarmupBars = cfg.Window
	}

	l, err := ledger.New(ledger.Config{InitialEquity: cfg.InitialEquity, Logger: deps.Logger, Journal: deps.Journal})
	if err != nil {
		return nil, err
	}
	riskCfg := cfg.Risk
	riskCfg.RiskFraction = cfg.Strategy.Params.RiskFraction
	rm, err := risk.NewRiskManager(riskCfg, cfg.InitialEquity)
	if err != nil {
		return nil, err
	}
	router, err := execution.NewRouter(cfg.Mode, cfg.Execution, l, deps.Exchange, deps.Logger)
	if err != nil {
		return nil, err
	}

	s := &TradingService{
		cfg:       cfg,
		logger:    deps.Logger,
		market:    deps.Market,
		exchange:  deps.Exchange,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		ledger:    l,
		risk:      rm,
		router:    router,
		pipelines: make(map[string]*pipeline.Pipeline, len(cfg.Symbols)),
	}
	for _, symbol := range cfg.Symbols {
		if _, dup := s.pipelines[symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ports.ErrConfigurationError, symbol)
		}
		p, err := pipeline.New(pipeline.Config{
			Symbol:             symbol,
			Strategy:           cfg.Strategy,
			Window:             cfg.Window,
			PartialTakeProfitR: cfg.PartialTakeProfitR,
			PartialFraction:    cfg.PartialFraction,
			MaxSpread:          cfg.MaxSpread,
		}, pipeline.Dependencies{
			Risk:      rm,
			Ledger:    l,
			Router:    router,
			Logger:    deps.Logger,
			Notifier:  deps.Notifier,
			Publisher: deps.Publisher,
			Quotes:    deps.Quotes,
		})
		if err != nil {
			return nil, err
		}
		s.pipelines[symbol] = p
	}
	rm.OnEvent(s.journalRiskEvent)
	return s, nil
}

// Start restores state, warms up the indicators and trades on streamed bars
// until ctx is cancelled or a stream gives up.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"mode": string(s.cfg.Mode), "symbols": s.cfg.Symbols, "interval": s.cfg.Interval,
	})
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.exchange != nil {
		if err := s.exchange.Ping(ctx); err != nil {
			return fmt.Errorf("exchange connectivity check failed: %w", err)
		}
	}
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := s.warmup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	bars := make(chan domain.Bar, barQueueSize)

	for _, symbol := range s.cfg.Symbols {
		symbol := symbol // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error { return s.stream(gctx, symbol, bars) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case bar := <-bars:
				s.processBar(gctx, bar)
			}
		}
	})

	err := g.Wait()
	s.logger.Info(ctx, "Trading Service stopped.", map[string]interface{}{"openPositions": len(s.ledger.OpenPositions())})
	return err
}

// restore reloads open positions and realized P&L from the journal, advances
// the ID sequences past everything already journaled and re-derives the
// drawdown breaker from the recovered equity.
func (s *TradingService) restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	ids, err := s.journal.LastIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read journal sequences: %w", err)
	}
	s.ledger.SeedIDs(ids)

	open, err := s.journal.FindOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to query open positions: %w", err)
	}
	for _, pos := range open {
		if _, managed := s.pipelines[pos.Symbol]; !managed {
			s.logger.Warn(ctx, "Restored position for a symbol that is not traded; it counts toward exposure but will not be managed", map[string]interface{}{"symbol": pos.Symbol, "positionID": pos.ID})
		}
		if err := s.ledger.Restore(*pos); err != nil {
			return fmt.Errorf("failed to restore position %d: %w", pos.ID, err)
		}
		s.logger.Info(ctx, "Found existing open position", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "side": string(pos.Side), "entryPrice": pos.EntryPrice, "stop": pos.StopPrice,
		})
	}

	realized, err := s.journal.GetTotalProfit(ctx)
	if err != nil {
		return fmt.Errorf("failed to read realized profit: %w", err)
	}
	s.ledger.SeedRealized(realized)
	for _, e := range s.risk.SeedEquity(time.Now().UTC(), s.ledger.Equity()) {
		s.logger.Warn(ctx, "Risk state on restore", map[string]interface{}{"kind": string(e.Kind), "detail": e.Detail})
	}

	s.logger.Info(ctx, "Initial state synchronized", map[string]interface{}{
		"openPositions": len(open), "lastOrderID": ids.Order, "realized": realized, "equity": s.ledger.Equity(),
	})
	return nil
}

func (s *TradingService) warmup(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		history, err := s.market.GetKlines(ctx, symbol, s.cfg.Interval, s.cfg.WarmupBars+1)
		if err != nil {
			return fmt.Errorf("failed to load initial bars for %s: %w", symbol, err)
		}
		final := make([]domain.Bar, 0, len(history))
		for _, b := range history {
			if b.IsFinal {
				final = append(final, b)
			}
		}
		required := s.cfg.Strategy.Params.RequiredBars()
		if len(final) < required {
			s.logger.Warn(ctx, "Not enough history to trade immediately", map[string]interface{}{
				"symbol": symbol, "bars": len(final), "required": required,
			})
		}
		s.pipelines[symbol].Warmup(final)
		s.logger.Info(ctx, "Loaded initial bars", map[string]interface{}{"symbol": symbol, "count": len(final)})
	}
	return nil
}

// stream forwards closed bars of one symbol into out until ctx ends.
func (s *TradingService) stream(ctx context.Context, symbol string, out chan<- domain.Bar) error {
	handler := func(bar domain.Bar) {
		if !bar.IsFinal {
			return
		}
		if bar.Symbol == "" {
			bar.Symbol = symbol
		}
		select {
		case out <- bar:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		s.logger.Error(ctx, err, "Kline stream error reported", map[string]interface{}{"symbol": symbol})
	}

	doneCh, stopCh, err := s.market.StreamKlines(ctx, symbol, s.cfg.Interval, handler, errHandler)
	if err != nil {
		return fmt.Errorf("failed to start kline stream for %s: %w", symbol, err)
	}
	s.logger.Info(ctx, "Kline stream started", map[string]interface{}{"symbol": symbol, "interval": s.cfg.Interval})

	select {
	case <-ctx.Done():
		close(stopCh)
		select {
		case <-doneCh:
		case <-time.After(streamStopTimeout):
			s.logger.Warn(context.Background(), "Timeout waiting for kline stream to shut down", map[string]interface{}{"symbol": symbol})
		}
		return nil
	case <-doneCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: kline stream for %s stopped unexpectedly", ports.ErrConnectionFailed, symbol)
	}
}

// processBar runs one closed bar through its pipeline and propagates a
// kill switch to every other symbol.
func (s *TradingService) processBar(ctx context.Context, bar domain.Bar) {
	p, ok := s.pipelines[bar.Symbol]
	if !ok {
		s.logger.Warn(ctx, "Dropping bar for unknown symbol", map[string]interface{}{"symbol": bar.Symbol})
		return
	}
	res, err := p.OnBar(ctx, bar)
	if err != nil {
		s.recordError(ctx, bar.Symbol, err)
		return
	}
	if res.Outcome != nil || res.Partial != nil {
		s.logger.Info(ctx, "Bar processed", map[string]interface{}{
			"symbol": bar.Symbol, "close": bar.Close, "signal": string(res.Signal.Direction), "equity": res.Equity.Equity,
		})
	}
	for _, e := range res.RiskEvents {
		if e.Kind == domain.RiskEventKillSwitch {
			if err := s.flattenAll(ctx, bar.Time(), domain.CloseReasonKillSwitch); err != nil {
				s.logger.Error(ctx, err, "Kill switch liquidation incomplete")
			}
			break
		}
	}
}

func (s *TradingService) recordError(ctx context.Context, symbol string, err error) {
	s.mu.Lock()
	first := s.lastErr == nil
	s.lastErr = fmt.Errorf("%s: %w", symbol, err)
	s.mu.Unlock()

	s.logger.Error(ctx, err, "Pipeline error", map[string]interface{}{"symbol": symbol})
	if first && s.notifier != nil && (errors.Is(err, ports.ErrLedgerInconsistent) || errors.Is(err, ports.ErrPositionAlreadyOpen)) {
		if nerr := s.notifier.Notify(ctx, "Pipeline halted", fmt.Sprintf("%s: %v", symbol, err)); nerr != nil {
			s.logger.Warn(ctx, "Notification failed", map[string]interface{}{"error": nerr.Error()})
		}
	}
}

func (s *TradingService) flattenAll(ctx context.Context, t time.Time, reason domain.CloseReason) error {
	var errs []error
	for _, symbol := range s.sortedSymbols() {
		if s.ledger.Position(symbol) == nil {
			continue
		}
		trade, err := s.pipelines[symbol].Flatten(ctx, t, 0, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten %s: %w", symbol, err))
			continue
		}
		if trade != nil {
			s.logger.Warn(ctx, "Position flattened", map[string]interface{}{"symbol": symbol, "reason": string(reason), "pnl": trade.PNL})
		}
	}
	return errors.Join(errs...)
}

func (s *TradingService) sortedSymbols() []string {
	symbols := make([]string, 0, len(s.pipelines))
	for symbol := range s.pipelines {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *TradingService) journalRiskEvent(e domain.RiskEvent) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveRiskEvent(context.Background(), e); err != nil {
		s.logger.Warn(context.Background(), "Failed to journal risk event", map[string]interface{}{"kind": string(e.Kind), "error": err.Error()})
	}
}

// Status returns a snapshot of equity, risk and open positions.
func (s *TradingService) Status() Status {
	s.mu.Lock()
	st := Status{
		Mode:      string(s.router.Mode()),
		Symbols:   append([]string(nil), s.cfg.Symbols...),
		Paused:    s.paused,
		StartedAt: s.startedAt,
	}
	if s.lastErr != nil {
		st.Err = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.InitialEquity = s.ledger.InitialEquity()
	st.Realized = s.ledger.Realized()
	st.Unrealized = s.ledger.Unrealized()
	st.Equity = st.InitialEquity + st.Realized + st.Unrealized
	st.Risk = s.risk.State()
	st.Positions = s.ledger.OpenPositions()
	return st
}

// Trades returns the closed trades of this session.
func (s *TradingService) Trades() []domain.Trade {
	return s.ledger.Trades()
}

// EquityCurve returns the equity samples of this session.
func (s *TradingService) EquityCurve() []domain.EquityPoint {
	return s.ledger.EquityCurve()
}

// Stop blocks new entries on every symbol and closes all open positions at
// the last seen close.
func (s *TradingService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	for _, p := range s.pipelines {
		p.SetPaused(true)
	}
	s.logger.Warn(ctx, "Entries paused, flattening all positions")
	return s.flattenAll(ctx, time.Now().UTC(), domain.CloseReasonManual)
}

// ResetBreaker clears the drawdown breaker and kill switch and resumes entries.
func (s *TradingService) ResetBreaker(ctx context.Context) error {
	e := s.risk.Reset(time.Now().UTC())
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	for _, p := range s.pipelines {
		p.SetPaused(false)
	}
	s.logger.Info(ctx, "Risk state reset", map[string]interface{}{"equity": e.Equity})
	return nil
}
