// Package notify delivers human-facing alerts. Notifications are queued and
// sent from a background goroutine so that a slow or failing channel never
// blocks bar processing.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"donchianbot/internal/ports"
)

// DefaultQueueSize bounds the number of pending notifications.
const DefaultQueueSize = 64

// Sender is implemented by each notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type message struct {
	title, body string
}

// Notifier fans notifications out to its senders asynchronously. It
// implements ports.Notifier.
type Notifier struct {
	senders []Sender
	logger  ports.Logger
	queue   chan message

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier with a queue of queueSize pending messages
// (DefaultQueueSize when not positive). Call Start before notifying.
func NewNotifier(senders []Sender, queueSize int, logger ports.Logger) (*Notifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for notifier")
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{
		senders: senders,
		logger:  logger,
		queue:   make(chan message, queueSize),
	}, nil
}

// Start launches the delivery goroutine. Delivery uses ctx for the sends
// themselves; Close drains the queue and stops the goroutine.
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for msg := range n.queue {
			if err := n.dispatch(ctx, msg.title, msg.body); err != nil {
				n.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{
					"title": msg.title,
					"error": err.Error(),
				})
			}
		}
	}()
}

// Notify enqueues a notification. It never blocks: when the queue is full
// the message is dropped and counted.
func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	if len(n.senders) == 0 {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return fmt.Errorf("notifier closed")
	}
	select {
	case n.queue <- message{title: title, body: body}:
		return nil
	default:
		dropped := n.dropped.Add(1)
		n.logger.Warn(ctx, "Notification queue full, dropping message", map[string]interface{}{
			"title":   title,
			"dropped": dropped,
		})
		return nil
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, body string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.Debug(ctx, "Notification sent", map[string]interface{}{"sender": s.Name(), "title": title})
	}
	return errors.Join(errs...)
}
