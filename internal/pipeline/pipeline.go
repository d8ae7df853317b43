// Package pipeline wires indicators, signal generation, risk and execution
// for one symbol. Backtests, paper trading and live trading all drive the
// same Pipeline, bar by bar.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/execution"
	"donchianbot/internal/ledger"
	"donchianbot/internal/ports"
	"donchianbot/internal/risk"
	"donchianbot/internal/strategy"
	"donchianbot/internal/strategy/indicators"
)

// SnapshotSource computes indicator snapshots from a trailing bar window.
type SnapshotSource interface {
	Snapshot(ctx context.Context, bars []domain.Bar) (domain.IndicatorSnapshot, error)
	RequiredBars() int
	Window() int
}

// Config holds the per-symbol pipeline settings.
type Config struct {
	Symbol             string
	Strategy           strategy.Config
	Window             int     // Bars kept for indicator computation, indicators.DefaultWindow when zero
	PartialTakeProfitR float64 // Take a partial profit at this many R (0 disables)
	PartialFraction    float64 // Fraction of the position closed at the partial take-profit
	MaxSpread          float64 // Max (ask-bid)/ask for entries, 0 disables
}

// Dependencies are the collaborators shared between pipelines.
type Dependencies struct {
	Risk      *risk.RiskManager
	Ledger    *ledger.Ledger
	Router    execution.Router
	Logger    ports.Logger
	Engine    SnapshotSource       // Optional, built from the strategy parameters when nil
	Notifier  ports.Notifier       // Optional
	Publisher ports.EventPublisher // Optional
	Quotes    ports.QuoteSource    // Optional, entries are not spread-checked without it
}

// Result describes what happened on one bar.
type Result struct {
	Time       time.Time
	Skipped    bool // Duplicate or out-of-order bar
	Warmup     bool // Not enough history for indicators yet
	Signal     domain.Signal
	Veto       error // Risk or execution rejection of the signal
	Outcome    *execution.Outcome
	Partial    *domain.Trade
	Flattened  *domain.Trade // Kill switch liquidation
	RiskEvents []domain.RiskEvent
	Equity     domain.EquityPoint
}

// Pipeline processes the bars of one symbol. OnBar calls must not overlap.
type Pipeline struct {
	cfg       Config
	engine    SnapshotSource
	generator *strategy.Generator
	risk      *risk.RiskManager
	ledger    *ledger.Ledger
	router    execution.Router
	logger    ports.Logger
	notifier  ports.Notifier
	publisher ports.EventPublisher
	quotes    ports.QuoteSource

	mu       sync.Mutex
	bars     []domain.Bar
	lastTime time.Time
	fatal    error
	paused   bool
}

// New creates a pipeline for cfg.Symbol.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: pipeline symbol is required", ports.ErrConfigurationError)
	}
	if deps.Risk == nil || deps.Ledger == nil || deps.Router == nil || deps.Logger == nil {
		return nil, fmt.Errorf("%w: risk manager, ledger, router and logger are required", ports.ErrConfigurationError)
	}
	if cfg.PartialTakeProfitR < 0 || cfg.PartialFraction < 0 || cfg.PartialFraction >= 1 {
		return nil, fmt.Errorf("%w: invalid partial take-profit %.2fR x %.2f", ports.ErrConfigurationError, cfg.PartialTakeProfitR, cfg.PartialFraction)
	}
	if cfg.MaxSpread < 0 || cfg.MaxSpread >= 1 {
		return nil, fmt.Errorf("%w: max spread must be in [0, 1), got %f", ports.ErrConfigurationError, cfg.MaxSpread)
	}

	engine := deps.Engine
	if engine == nil {
		e, err := indicators.NewEngine(cfg.Strategy.Params, cfg.Window)
		if err != nil {
			return nil, err
		}
		engine = e
	}
	gen, err := strategy.New(cfg.Symbol, cfg.Strategy, deps.Logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		engine:    engine,
		generator: gen,
		risk:      deps.Risk,
		ledger:    deps.Ledger,
		router:    deps.Router,
		logger:    deps.Logger,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		quotes:    deps.Quotes,
		bars:      make([]domain.Bar, 0, engine.Window()),
	}, nil
}

// Symbol returns the pipeline's symbol.
func (p *Pipeline) Symbol() string { return p.cfg.Symbol }

// Err returns the consistency error that halted the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// SetPaused blocks or allows new entries. Exits and stops keep working.
func (p *Pipeline) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// Warmup seeds the bar buffer with history without trading on it.
func (p *Pipeline) Warmup(bars []domain.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bars {
		if !p.lastTime.IsZero() && !b.Time().After(p.lastTime) {
			continue
		}
		p.push(b)
	}
}

func (p *Pipeline) push(bar domain.Bar) {
	p.bars = append(p.bars, bar)
	if w := p.engine.Window(); len(p.bars) > w {
		// Copy down so the backing array does not grow without bound.
		n := copy(p.bars, p.bars[len(p.bars)-w:])
		p.bars = p.bars[:n]
	}
	p.lastTime = bar.Time()
}

// OnBar processes one closed bar.
func (p *Pipeline) OnBar(ctx context.Context, bar domain.Bar) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fatal != nil {
		return Result{}, p.fatal
	}
	res := Result{Time: bar.Time()}

	if bar.Symbol != "" && bar.Symbol != p.cfg.Symbol {
		return res, fmt.Errorf("%w: bar for %s sent to %s pipeline", ports.ErrInvalidRequest, bar.Symbol, p.cfg.Symbol)
	}
	if !p.lastTime.IsZero() && !bar.Time().After(p.lastTime) {
		p.logger.Warn(ctx, "Ignoring duplicate or out-of-order bar", map[string]interface{}{
			"symbol": p.cfg.Symbol, "barTime": bar.Time(), "lastTime": p.lastTime,
		})
		res.Skipped = true
		return res, nil
	}
	p.push(bar)
	p.ledger.Mark(p.cfg.Symbol, bar.Close)

	pos := p.ledger.Position(p.cfg.Symbol)
	exited := false

	snap, err := p.engine.Snapshot(ctx, p.bars)
	switch {
	case errors.Is(err, ports.ErrInsufficientHistory):
		res.Warmup = true
		// A restored position keeps its stop even before indicators are ready.
		if pos != nil && pos.StopHit(bar.Close) {
			res.Signal = domain.Signal{
				Symbol: p.cfg.Symbol, Direction: domain.DirectionExit, Time: bar.Time(),
				ReferencePrice: bar.Close, Reason: domain.CloseReasonStopLoss, Confidence: 1,
			}
			exited = p.execute(ctx, &res, res.Signal)
		}
	case err != nil:
		return res, fmt.Errorf("snapshot for %s: %w", p.cfg.Symbol, err)
	default:
		res.Signal = p.generator.Evaluate(ctx, snap, pos)
		if !res.Signal.IsNone() {
			p.publishSignal(ctx, res.Signal)
			exited = p.execute(ctx, &res, res.Signal)
		}
	}
	if p.fatal != nil {
		return res, p.fatal
	}

	if pos != nil && !exited {
		p.partialTakeProfit(ctx, &res, pos, bar)
		if p.fatal != nil {
			return res, p.fatal
		}
	}

	res.RiskEvents = p.risk.UpdateEquity(bar.Time(), p.ledger.Equity())
	for _, e := range res.RiskEvents {
		p.announceRiskEvent(ctx, e)
	}
	if p.risk.State().KillSwitch && p.ledger.Position(p.cfg.Symbol) != nil {
		trade, err := p.flatten(ctx, bar.Time(), bar.Close, domain.CloseReasonKillSwitch)
		if err != nil {
			p.logger.Error(ctx, err, "Kill switch liquidation failed", map[string]interface{}{"symbol": p.cfg.Symbol})
			if p.fatal != nil {
				return res, p.fatal
			}
		}
		res.Flattened = trade
	}

	res.Equity = p.ledger.Sample(ctx, bar.Time())
	return res, nil
}

// execute routes an accepted signal. It reports whether the position was closed.
func (p *Pipeline) execute(ctx context.Context, res *Result, sig domain.Signal) bool {
	fields := map[string]interface{}{"symbol": sig.Symbol, "direction": string(sig.Direction), "price": sig.ReferencePrice}

	req := execution.Request{Signal: sig, Intent: domain.IntentExit}
	if sig.Direction.IsEntry() {
		if p.paused {
			res.Veto = fmt.Errorf("%w: entries paused", ports.ErrRiskHalted)
			p.logger.Info(ctx, "Entry skipped, pipeline paused", fields)
			return false
		}
		if err := p.checkSpread(ctx); err != nil {
			res.Veto = err
			fields["error"] = err.Error()
			p.logger.Info(ctx, "Entry skipped by spread filter", fields)
			return false
		}
		bySymbol, total := p.ledger.Exposure()
		decision, err := p.risk.Evaluate(ctx, sig, risk.Exposure{BySymbol: bySymbol, Total: total})
		if err != nil {
			res.Veto = err
			fields["error"] = err.Error()
			p.logger.Info(ctx, "Entry vetoed by risk manager", fields)
			return false
		}
		req.Intent = domain.IntentEntry
		req.Size = decision.Size
	}

	out, err := p.router.Submit(ctx, req)
	if err != nil {
		p.handleExecutionError(ctx, res, err, fields)
		return false
	}
	res.Outcome = &out
	p.publishOrder(ctx, out.Order)

	if out.Position != nil {
		p.notify(ctx, "Position opened", fmt.Sprintf("%s %s %.6f @ %.4f, stop %.4f",
			out.Position.Symbol, out.Position.Side, out.Position.Size, out.Position.EntryPrice, out.Position.StopPrice))
	}
	if out.Trade != nil {
		p.publishTrade(ctx, *out.Trade)
		p.notify(ctx, "Position closed", fmt.Sprintf("%s %s @ %.4f, PnL %.4f (%s)",
			out.Trade.Symbol, out.Trade.Side, out.Trade.ExitPrice, out.Trade.PNL, out.Trade.CloseReason))
		return p.ledger.Position(sig.Symbol) == nil
	}
	return false
}

// checkSpread vetoes entries when the book is wider than MaxSpread. A missing
// or crossed quote also vetoes.
func (p *Pipeline) checkSpread(ctx context.Context) error {
	if p.cfg.MaxSpread <= 0 || p.quotes == nil {
		return nil
	}
	q, err := p.quotes.GetBookTicker(ctx, p.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("%w: quote unavailable: %w", ports.ErrSpreadTooWide, err)
	}
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return fmt.Errorf("%w: invalid quote bid %.8f ask %.8f", ports.ErrSpreadTooWide, q.Bid, q.Ask)
	}
	if spread := (q.Ask - q.Bid) / q.Ask; spread > p.cfg.MaxSpread {
		return fmt.Errorf("%w: %.6f above %.6f", ports.ErrSpreadTooWide, spread, p.cfg.MaxSpread)
	}
	return nil
}

func (p *Pipeline) handleExecutionError(ctx context.Context, res *Result, err error, fields map[string]interface{}) {
	res.Veto = err
	switch {
	case errors.Is(err, ports.ErrLedgerInconsistent), errors.Is(err, ports.ErrPositionAlreadyOpen):
		p.fatal = fmt.Errorf("%s pipeline halted: %w", p.cfg.Symbol, err)
		p.logger.Error(ctx, err, "Ledger consistency violated, halting pipeline", fields)
		p.notify(ctx, "Pipeline halted", fmt.Sprintf("%s: %v", p.cfg.Symbol, err))
	case errors.Is(err, ports.ErrOrderRejected), errors.Is(err, ports.ErrOrderTimeout), errors.Is(err, ports.ErrOrderCancelled):
		p.logger.Error(ctx, err, "Order not executed", fields)
		p.notify(ctx, "Order rejected", fmt.Sprintf("%s: %v", p.cfg.Symbol, err))
	default:
		p.logger.Error(ctx, err, "Execution failed", fields)
	}
}

// partialTakeProfit closes PartialFraction of the position once price has
// moved PartialTakeProfitR initial risks in its favour, then moves the stop
// to break-even.
func (p *Pipeline) partialTakeProfit(ctx context.Context, res *Result, pos *domain.Position, bar domain.Bar) {
	if p.cfg.PartialTakeProfitR <= 0 || p.cfg.PartialFraction <= 0 || pos.PartialTaken || pos.InitialRisk <= 0 {
		return
	}
	target := pos.EntryPrice + pos.Side.Sign()*p.cfg.PartialTakeProfitR*pos.InitialRisk
	reached := bar.Close >= target
	if pos.Side == domain.Short {
		reached = bar.Close <= target
	}
	if !reached {
		return
	}

	size := risk.RoundToLot(pos.Size*p.cfg.PartialFraction, p.risk.Config().LotStep)
	if size <= 0 || size >= pos.Size {
		return
	}

	sig := domain.Signal{
		Symbol: p.cfg.Symbol, Direction: domain.DirectionExit, Time: bar.Time(),
		ReferencePrice: bar.Close, Reason: domain.CloseReasonTakeProfit, Confidence: 1,
	}
	out, err := p.router.Submit(ctx, execution.Request{Signal: sig, Size: size, Intent: domain.IntentPartial})
	if err != nil {
		p.handleExecutionError(ctx, res, err, map[string]interface{}{"symbol": p.cfg.Symbol, "intent": "partial"})
		return
	}
	p.ledger.MarkPartialTaken(p.cfg.Symbol)
	if err := p.ledger.UpdateStop(ctx, p.cfg.Symbol, pos.EntryPrice); err != nil {
		p.logger.Error(ctx, err, "Failed to move stop to break-even", map[string]interface{}{"symbol": p.cfg.Symbol})
	}
	res.Partial = out.Trade
	p.publishOrder(ctx, out.Order)
	if out.Trade != nil {
		p.publishTrade(ctx, *out.Trade)
		p.notify(ctx, "Partial take-profit", fmt.Sprintf("%s closed %.6f @ %.4f, PnL %.4f, stop moved to %.4f",
			p.cfg.Symbol, out.Trade.Size, out.Trade.ExitPrice, out.Trade.PNL, pos.EntryPrice))
	}
}

// Flatten closes the open position at price, if any.
func (p *Pipeline) Flatten(ctx context.Context, t time.Time, price float64, reason domain.CloseReason) (*domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flatten(ctx, t, price, reason)
}

func (p *Pipeline) flatten(ctx context.Context, t time.Time, price float64, reason domain.CloseReason) (*domain.Trade, error) {
	if p.ledger.Position(p.cfg.Symbol) == nil {
		return nil, nil
	}
	if price <= 0 && len(p.bars) > 0 {
		price = p.bars[len(p.bars)-1].Close
	}
	sig := domain.Signal{
		Symbol: p.cfg.Symbol, Direction: domain.DirectionExit, Time: t,
		ReferencePrice: price, Reason: reason, Confidence: 1,
	}
	out, err := p.router.Submit(ctx, execution.Request{Signal: sig, Intent: domain.IntentExit})
	if err != nil {
		var res Result
		p.handleExecutionError(ctx, &res, err, map[string]interface{}{"symbol": p.cfg.Symbol, "reason": string(reason)})
		return nil, err
	}
	p.publishOrder(ctx, out.Order)
	if out.Trade != nil {
		p.publishTrade(ctx, *out.Trade)
		p.notify(ctx, "Position flattened", fmt.Sprintf("%s @ %.4f, PnL %.4f (%s)", p.cfg.Symbol, out.Trade.ExitPrice, out.Trade.PNL, reason))
	}
	return out.Trade, nil
}

func (p *Pipeline) announceRiskEvent(ctx context.Context, e domain.RiskEvent) {
	if p.publisher != nil {
		if err := p.publisher.PublishRiskEvent(ctx, e); err != nil {
			p.logger.Warn(ctx, "Failed to publish risk event", map[string]interface{}{"error": err.Error()})
		}
	}
	switch e.Kind {
	case domain.RiskEventHalted, domain.RiskEventKillSwitch:
		p.logger.Warn(ctx, "Risk halt", map[string]interface{}{"kind": string(e.Kind), "detail": e.Detail, "equity": e.Equity})
		p.notify(ctx, "Trading halted", e.Detail)
	case domain.RiskEventResumed:
		p.logger.Info(ctx, "Risk resumed", map[string]interface{}{"detail": e.Detail})
		p.notify(ctx, "Trading resumed", e.Detail)
	}
}

func (p *Pipeline) notify(ctx context.Context, title, message string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, title, message); err != nil {
		p.logger.Warn(ctx, "Notification failed", map[string]interface{}{"title": title, "error": err.Error()})
	}
}

func (p *Pipeline) publishSignal(ctx context.Context, sig domain.Signal) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishSignal(ctx, sig); err != nil {
		p.logger.Warn(ctx, "Failed to publish signal", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) publishOrder(ctx context.Context, o domain.Order) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishOrder(ctx, o); err != nil {
		p.logger.Warn(ctx, "Failed to publish order", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) publishTrade(ctx context.Context, t domain.Trade) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishTrade(ctx, t); err != nil {
		p.logger.Warn(ctx, "Failed to publish trade", map[string]interface{}{"error": err.Error()})
	}
}
