package ports

import (
	"context"

	"donchianbot/internal/domain"
)

// Notifier delivers human-facing alerts (Telegram, etc.).
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// EventPublisher streams machine-readable events to external consumers.
type EventPublisher interface {
	PublishSignal(ctx context.Context, signal domain.Signal) error
	PublishOrder(ctx context.Context, order domain.Order) error
	PublishTrade(ctx context.Context, trade domain.Trade) error
	PublishRiskEvent(ctx context.Context, event domain.RiskEvent) error
}
