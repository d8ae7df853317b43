package strategy

import (
	"context"
	"fmt"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// State is the per-symbol position state tracked by the generator.
type State string

const (
	StateFlat  State = "flat"
	StateLong  State = "long"
	StateShort State = "short"
)

// Config holds parameters for the signal generator.
type Config struct {
	Params        domain.ParameterSet
	MinATRPercent float64      // Entries need ATR/close >= MinATRPercent (0 disables)
	MinAvgVolume  float64      // Entries need average volume >= MinAvgVolume (0 disables)
	MinConfidence float64      // Entries need scorer confidence >= MinConfidence
	Scorer        ports.Scorer // Optional
}

// Generator turns indicator snapshots into trading decisions for one symbol.
// Its only memory is the state enum and the active stop price; both are
// re-derived from the ledger position on every evaluation.
type Generator struct {
	cfg    Config
	symbol string
	logger ports.Logger
	state  State
	stop   float64
}

// New creates a new Generator for a symbol.
func New(symbol string, cfg Config, logger ports.Logger) (*Generator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required for strategy")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinATRPercent < 0 || cfg.MinAvgVolume < 0 {
		return nil, fmt.Errorf("entry filters must not be negative")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be within [0, 1]")
	}
	return &Generator{cfg: cfg, symbol: symbol, logger: logger, state: StateFlat}, nil
}

// Symbol returns the symbol the generator evaluates.
func (g *Generator) Symbol() string {
	return g.symbol
}

// State returns the current state.
func (g *Generator) State() State {
	return g.state
}

// StopPrice returns the stop of the tracked position (0 when flat).
func (g *Generator) StopPrice() float64 {
	return g.stop
}

// Sync aligns the state machine with the ledger position. A nil or closed
// position means flat.
func (g *Generator) Sync(pos *domain.Position) {
	if pos == nil || !pos.IsOpen() {
		g.state, g.stop = StateFlat, 0
		return
	}
	if pos.Side == domain.Short {
		g.state = StateShort
	} else {
		g.state = StateLong
	}
	g.stop = pos.StopPrice
}

// Evaluate returns the signal for the snapshot's bar. At most one signal is
// produced per call; an exit bar never also opens a new position.
func (g *Generator) Evaluate(ctx context.Context, snap domain.IndicatorSnapshot, pos *domain.Position) domain.Signal {
	g.Sync(pos)

	sig := domain.Signal{
		Symbol:         g.symbol,
		Direction:      domain.DirectionNone,
		Time:           snap.Time,
		ReferencePrice: snap.Close,
		Confidence:     1,
	}

	switch g.state {
	case StateLong:
		if reason, exit := g.longExit(snap); exit {
			return g.exit(ctx, sig, reason)
		}
		return sig
	case StateShort:
		if reason, exit := g.shortExit(snap); exit {
			return g.exit(ctx, sig, reason)
		}
		return sig
	default:
		return g.entry(ctx, sig, snap)
	}
}

// longExit checks the stop first so a stop-out always wins over a reversal.
func (g *Generator) longExit(snap domain.IndicatorSnapshot) (domain.CloseReason, bool) {
	switch {
	case g.stop > 0 && snap.Close <= g.stop:
		return domain.CloseReasonStopLoss, true
	case snap.Close < snap.DonchianLower:
		return domain.CloseReasonReversal, true
	case g.cfg.Params.ExitPeriod > 0 && snap.Close < snap.ExitLower:
		return domain.CloseReasonExitChannel, true
	}
	return "", false
}

func (g *Generator) shortExit(snap domain.IndicatorSnapshot) (domain.CloseReason, bool) {
	switch {
	case g.stop > 0 && snap.Close >= g.stop:
		return domain.CloseReasonStopLoss, true
	case snap.Close > snap.DonchianUpper:
		return domain.CloseReasonReversal, true
	case g.cfg.Params.ExitPeriod > 0 && snap.Close > snap.ExitUpper:
		return domain.CloseReasonExitChannel, true
	}
	return "", false
}

func (g *Generator) exit(ctx context.Context, sig domain.Signal, reason domain.CloseReason) domain.Signal {
	sig.Direction = domain.DirectionExit
	sig.Reason = reason
	g.logger.Info(ctx, "Exit signal", map[string]interface{}{
		"symbol": g.symbol,
		"state":  string(g.state),
		"close":  sig.ReferencePrice,
		"stop":   g.stop,
		"reason": string(reason),
	})
	return sig
}

func (g *Generator) entry(ctx context.Context, sig domain.Signal, snap domain.IndicatorSnapshot) domain.Signal {
	var dir domain.Direction
	switch {
	case snap.Close > snap.DonchianUpper:
		dir = domain.DirectionLong
	case snap.Close < snap.DonchianLower && g.cfg.Params.AllowShort:
		dir = domain.DirectionShort
	default:
		return sig
	}

	fields := map[string]interface{}{
		"symbol":    g.symbol,
		"direction": string(dir),
		"close":     snap.Close,
		"upper":     snap.DonchianUpper,
		"lower":     snap.DonchianLower,
		"rsi":       snap.RSI,
		"atr":       snap.ATR,
	}

	if !g.cfg.Params.RSIInBand(snap.RSI) {
		g.logger.Debug(ctx, "Breakout suppressed by RSI filter", fields)
		return sig
	}
	if g.cfg.MinATRPercent > 0 && snap.Close > 0 && snap.ATR/snap.Close < g.cfg.MinATRPercent {
		g.logger.Debug(ctx, "Breakout suppressed by volatility filter", fields)
		return sig
	}
	if g.cfg.MinAvgVolume > 0 && snap.AvgVolume < g.cfg.MinAvgVolume {
		g.logger.Debug(ctx, "Breakout suppressed by volume filter", fields)
		return sig
	}

	if g.cfg.Scorer != nil {
		confidence, err := g.cfg.Scorer.Score(snap)
		if err != nil {
			g.logger.Warn(ctx, "Scorer failed, ignoring confidence", map[string]interface{}{
				"symbol": g.symbol, "scorer": g.cfg.Scorer.Name(), "error": err.Error(),
			})
		} else {
			sig.Confidence = confidence
			fields["confidence"] = confidence
			if confidence < g.cfg.MinConfidence {
				g.logger.Debug(ctx, "Breakout suppressed by scorer", fields)
				return sig
			}
		}
	}

	stopDistance := g.cfg.Params.ATRMultiplier * snap.ATR
	sig.Direction = dir
	if dir == domain.DirectionLong {
		sig.StopPrice = snap.Close - stopDistance
	} else {
		sig.StopPrice = snap.Close + stopDistance
	}
	fields["stop"] = sig.StopPrice
	g.logger.Info(ctx, "Entry signal", fields)
	return sig
}
