package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	RiskFraction       float64 // Equity fraction risked per trade
	HaltDrawdown       float64 // Breaker trips when drawdown exceeds this (0 disables)
	RecoveryDrawdown   float64 // Halted breaker resumes once drawdown is back at or below this
	ReduceRiskDrawdown float64 // Risk fraction is halved from this drawdown on (0 disables)
	MaxDailyLoss       float64 // Kill switch when the day's loss reaches this fraction (0 disables)
	MaxSymbolExposure  float64 // Max notional per symbol as a multiple of equity (0 disables)
	MaxTotalExposure   float64 // Max aggregate notional as a multiple of equity (0 disables)
	LotStep            float64 // Quantity increment; sizes are rounded down to it (0 disables)
	MinQty             float64
	MaxQty             float64 // 0 disables the cap
}

// Validate checks the configuration.
func (c RiskConfig) Validate() error {
	var errs []string
	if c.RiskFraction <= 0 || c.RiskFraction >= 1 {
		errs = append(errs, "risk fraction must be in (0, 1)")
	}
	if c.HaltDrawdown < 0 || c.HaltDrawdown >= 1 {
		errs = append(errs, "halt drawdown must be in [0, 1)")
	}
	if c.HaltDrawdown > 0 && (c.RecoveryDrawdown < 0 || c.RecoveryDrawdown >= c.HaltDrawdown) {
		errs = append(errs, "recovery drawdown must be in [0, halt drawdown)")
	}
	if c.ReduceRiskDrawdown < 0 || c.MaxDailyLoss < 0 || c.MaxSymbolExposure < 0 || c.MaxTotalExposure < 0 {
		errs = append(errs, "risk limits must not be negative")
	}
	if c.LotStep < 0 || c.MinQty < 0 || c.MaxQty < 0 {
		errs = append(errs, "quantity filters must not be negative")
	}
	if c.MaxQty > 0 && c.MinQty > c.MaxQty {
		errs = append(errs, "min quantity exceeds max quantity")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid risk config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Exposure is the notional currently held, per symbol and in aggregate.
type Exposure struct {
	BySymbol map[string]float64
	Total    float64
}

// Decision is the outcome of evaluating a signal.
type Decision struct {
	Accepted bool
	Size     float64 // Entry size; zero for exits (the position size is used)
}

// EventListener receives risk state transitions and vetoes.
type EventListener func(event domain.RiskEvent)

// RiskManager sizes positions, enforces the drawdown circuit breaker, the
// daily kill switch and exposure limits. It is the single writer of RiskState.
type RiskManager struct {
	mu       sync.Mutex
	config   RiskConfig
	state    domain.RiskState
	listener EventListener
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig, initialEquity float64) (*RiskManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if initialEquity <= 0 {
		return nil, fmt.Errorf("initial equity must be positive, got %f", initialEquity)
	}
	return &RiskManager{
		config: config,
		state: domain.RiskState{
			Equity:         initialEquity,
			PeakEquity:     initialEquity,
			Breaker:        domain.BreakerNormal,
			DayStartEquity: initialEquity,
		},
	}, nil
}

// OnEvent registers the listener for risk events. It must be set before use.
func (r *RiskManager) OnEvent(listener EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = listener
}

// Config returns the configuration.
func (r *RiskManager) Config() RiskConfig {
	return r.config
}

// State returns a copy of the current risk state.
func (r *RiskManager) State() domain.RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// EffectiveRiskFraction returns the risk fraction after drawdown reduction.
func (r *RiskManager) EffectiveRiskFraction() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveRiskFraction()
}

func (r *RiskManager) effectiveRiskFraction() float64 {
	if r.config.ReduceRiskDrawdown > 0 && r.state.Drawdown >= r.config.ReduceRiskDrawdown {
		return r.config.RiskFraction / 2
	}
	return r.config.RiskFraction
}

// RoundToLot floors size to a whole number of lot steps. A step <= 0 leaves
// size untouched.
func RoundToLot(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	lot := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(size).Div(lot).Floor().Mul(lot).InexactFloat64()
}

// PositionSize returns equity * risk_fraction / |entry - stop| for the current equity.
func (r *RiskManager) PositionSize(entry, stop float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionSize(entry, stop)
}

func (r *RiskManager) positionSize(entry, stop float64) (float64, error) {
	distance := math.Abs(entry - stop)
	if distance <= 0 || math.IsNaN(distance) {
		return 0, fmt.Errorf("%w: entry %.8f stop %.8f", ports.ErrZeroStopDistance, entry, stop)
	}

	size := r.state.Equity * r.effectiveRiskFraction() / distance
	if r.config.MaxQty > 0 && size > r.config.MaxQty {
		size = r.config.MaxQty
	}
	size = RoundToLot(size, r.config.LotStep)
	if size <= 0 || size < r.config.MinQty {
		return 0, fmt.Errorf("%w: size %.8f below minimum %.8f", ports.ErrSizeTooSmall, size, r.config.MinQty)
	}
	return size, nil
}

// Evaluate accepts or vetoes a signal. Exits are always accepted; entries are
// vetoed while the kill switch or breaker is active, when the stop distance is
// zero, or when the resulting notional breaks an exposure limit.
func (r *RiskManager) Evaluate(ctx context.Context, sig domain.Signal, exposure Exposure) (Decision, error) {
	if sig.IsNone() {
		return Decision{}, nil
	}
	if !sig.Direction.IsEntry() {
		return Decision{Accepted: true}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	size := 0.0
	switch {
	case r.state.KillSwitch:
		err = ports.ErrKillSwitch
	case r.state.Breaker == domain.BreakerHalted:
		err = fmt.Errorf("%w: drawdown %.4f", ports.ErrRiskHalted, r.state.Drawdown)
	default:
		size, err = r.positionSize(sig.ReferencePrice, sig.StopPrice)
	}
	if err == nil {
		err = r.checkExposure(sig.Symbol, size*sig.ReferencePrice, exposure)
	}

	if err != nil {
		r.emit(domain.RiskEvent{
			Time:     sig.Time,
			Kind:     domain.RiskEventVeto,
			Symbol:   sig.Symbol,
			Detail:   err.Error(),
			Equity:   r.state.Equity,
			Drawdown: r.state.Drawdown,
		})
		return Decision{}, err
	}
	return Decision{Accepted: true, Size: size}, nil
}

func (r *RiskManager) checkExposure(symbol string, notional float64, exposure Exposure) error {
	equity := r.state.Equity
	if r.config.MaxSymbolExposure > 0 {
		limit := r.config.MaxSymbolExposure * equity
		if current := exposure.BySymbol[symbol]; current+notional > limit {
			return fmt.Errorf("%w: %s notional %.2f exceeds %.2f", ports.ErrExposureLimit, symbol, current+notional, limit)
		}
	}
	if r.config.MaxTotalExposure > 0 {
		limit := r.config.MaxTotalExposure * equity
		if exposure.Total+notional > limit {
			return fmt.Errorf("%w: total notional %.2f exceeds %.2f", ports.ErrExposureLimit, exposure.Total+notional, limit)
		}
	}
	return nil
}

// UpdateEquity records the latest equity and advances the breaker and kill
// switch. It returns the transitions it caused.
func (r *RiskManager) UpdateEquity(t time.Time, equity float64) []domain.RiskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateEquity(t, equity)
}

// SeedEquity loads equity recovered at startup. The day's starting equity is
// set to it so that losses booked before the restart do not count toward the
// daily limit, while drawdown is still measured from the initial equity and
// may halt trading straight away.
func (r *RiskManager) SeedEquity(t time.Time, equity float64) []domain.RiskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Day = t.UTC().Truncate(24 * time.Hour)
	r.state.DayStartEquity = equity
	return r.updateEquity(t, equity)
}

func (r *RiskManager) updateEquity(t time.Time, equity float64) []domain.RiskEvent {
	var events []domain.RiskEvent
	s := &r.state

	day := t.UTC().Truncate(24 * time.Hour)
	if s.Day.IsZero() || day.After(s.Day) {
		if !s.Day.IsZero() {
			s.DayStartEquity = s.Equity
		}
		s.Day = day
		s.KillSwitch = false
	}

	s.Equity = equity
	s.UpdatedAt = t
	if equity > s.PeakEquity {
		s.PeakEquity = equity
	}
	if s.PeakEquity > 0 {
		s.Drawdown = math.Max(0, (s.PeakEquity-equity)/s.PeakEquity)
	}

	switch {
	case s.Breaker == domain.BreakerNormal && r.config.HaltDrawdown > 0 && s.Drawdown > r.config.HaltDrawdown:
		s.Breaker = domain.BreakerHalted
		s.HaltedAt = t
		events = append(events, r.event(t, domain.RiskEventHalted,
			fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", s.Drawdown*100, r.config.HaltDrawdown*100)))
	case s.Breaker == domain.BreakerHalted && s.Drawdown <= r.config.RecoveryDrawdown:
		s.Breaker = domain.BreakerNormal
		s.HaltedAt = time.Time{}
		events = append(events, r.event(t, domain.RiskEventResumed,
			fmt.Sprintf("drawdown recovered to %.2f%%", s.Drawdown*100)))
	}

	if !s.KillSwitch && r.config.MaxDailyLoss > 0 && s.DayStartEquity > 0 {
		if loss := (s.DayStartEquity - equity) / s.DayStartEquity; loss >= r.config.MaxDailyLoss {
			s.KillSwitch = true
			events = append(events, r.event(t, domain.RiskEventKillSwitch,
				fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", loss*100, r.config.MaxDailyLoss*100)))
		}
	}

	for _, e := range events {
		r.emit(e)
	}
	return events
}

// Reset is the manual override: it clears the breaker and kill switch and
// restarts drawdown tracking from the current equity.
func (r *RiskManager) Reset(t time.Time) domain.RiskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Breaker = domain.BreakerNormal
	r.state.HaltedAt = time.Time{}
	r.state.KillSwitch = false
	r.state.PeakEquity = r.state.Equity
	r.state.DayStartEquity = r.state.Equity
	r.state.Drawdown = 0

	e := r.event(t, domain.RiskEventReset, "manual reset")
	r.emit(e)
	return e
}

func (r *RiskManager) event(t time.Time, kind domain.RiskEventKind, detail string) domain.RiskEvent {
	return domain.RiskEvent{Time: t, Kind: kind, Detail: detail, Equity: r.state.Equity, Drawdown: r.state.Drawdown}
}

func (r *RiskManager) emit(e domain.RiskEvent) {
	if r.listener != nil {
		r.listener(e)
	}
}
