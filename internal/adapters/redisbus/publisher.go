// Package redisbus publishes trading events to Redis: Pub/Sub for live
// consumers and a capped stream for consumers that replay.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

// streamMaxLen is the approximate cap applied with XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Event types, also used as channel suffixes.
const (
	EventSignal = "signal"
	EventOrder  = "order"
	EventTrade  = "trade"
	EventRisk   = "risk"
)

// Config holds connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Channel and stream prefix, "donchianbot" when empty
}

// client is the subset of go-redis used by the publisher.
type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Envelope is the wire format of every event.
type Envelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol,omitempty"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// Publisher implements ports.EventPublisher.
type Publisher struct {
	rdb    client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ports.ErrConfigurationError)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis: ping: %w", ports.ErrConnectionFailed, err)
	}
	return newPublisher(rdb, cfg.Prefix), nil
}

func newPublisher(rdb client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "donchianbot"
	}
	return &Publisher{rdb: rdb, prefix: prefix}
}

// Channel returns the Pub/Sub channel for an event type.
func (p *Publisher) Channel(eventType string) string {
	return p.prefix + ":" + eventType
}

// Stream returns the name of the event stream.
func (p *Publisher) Stream() string {
	return p.prefix + ":events"
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}

func (p *Publisher) publish(ctx context.Context, eventType, symbol string, t time.Time, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", eventType, err)
	}
	payload, err := json.Marshal(Envelope{Type: eventType, Symbol: symbol, Time: t, Data: data})
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.Channel(eventType), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", eventType, err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"type": eventType, "payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", eventType, err)
	}
	return nil
}

// PublishSignal publishes a non-neutral signal.
func (p *Publisher) PublishSignal(ctx context.Context, s domain.Signal) error {
	return p.publish(ctx, EventSignal, s.Symbol, s.Time, s)
}

// PublishOrder publishes an order state change.
func (p *Publisher) PublishOrder(ctx context.Context, o domain.Order) error {
	return p.publish(ctx, EventOrder, o.Symbol, o.UpdatedAt, o)
}

// PublishTrade publishes a realized trade.
func (p *Publisher) PublishTrade(ctx context.Context, t domain.Trade) error {
	return p.publish(ctx, EventTrade, t.Symbol, t.ExitTime, t)
}

// PublishRiskEvent publishes a risk state transition or veto.
func (p *Publisher) PublishRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	return p.publish(ctx, EventRisk, e.Symbol, e.Time, e)
}
