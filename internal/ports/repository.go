package ports

import (
	"context"

	"donchianbot/internal/domain"
)

// JournalRepository persists the audit trail produced by the ledger and risk manager.
type JournalRepository interface {
	// SaveOrder inserts or updates an order keyed by its ledger ID.
	SaveOrder(ctx context.Context, order *domain.Order) error
	// SavePosition inserts or updates a position keyed by its ledger ID.
	SavePosition(ctx context.Context, pos *domain.Position) error
	// SaveTrade appends a closed trade and returns its storage ID.
	SaveTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// SaveEquityPoint appends an equity curve sample.
	SaveEquityPoint(ctx context.Context, point domain.EquityPoint) error
	// SaveRiskEvent appends a risk state transition.
	SaveRiskEvent(ctx context.Context, event domain.RiskEvent) error
	// FindOpenPositions returns all positions still open, used to resume after restart.
	FindOpenPositions(ctx context.Context) ([]*domain.Position, error)
	// FindTrades returns the most recent trades for a symbol ("" for all), newest first.
	FindTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// GetTotalProfit sums the PNL of all recorded trades.
	GetTotalProfit(ctx context.Context) (float64, error)
	// LastIDs returns the highest ledger IDs recorded, so a restarted ledger
	// continues the sequences instead of overwriting earlier rows.
	LastIDs(ctx context.Context) (JournalIDs, error)
	// Close releases the underlying connection.
	Close() error
}

// JournalIDs holds the highest ledger sequence numbers in a journal.
type JournalIDs struct {
	Order    int64
	Position int64
	Trade    int64
}

// ReportStore archives exported reports (trade logs, equity curves, summaries).
type ReportStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
