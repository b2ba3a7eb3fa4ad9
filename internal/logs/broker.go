// Package logs provides real-time log streaming functionality.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipmate-io/shipmate/internal/models"
)

// Subscriber represents a log stream subscriber.
type Subscriber struct {
	ID        string
	UnitName  string // filter by unit, "" for all
	RunID     string // filter by deploy run, "" for all
	Source    string // filter by source, "" for all
	Ch        chan *models.LogEntry
	CreatedAt time.Time
}

// Broker manages log subscriptions and publishing. It is the fan-out point
// behind follow-mode log tails: the supervisor and executor publish, and
// each follower holds a subscription.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe creates a new subscription for log entries matching the filters.
func (b *Broker) Subscribe(_ context.Context, unitName, runID, source string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		UnitName:  unitName,
		RunID:     runID,
		Source:    source,
		Ch:        make(chan *models.LogEntry, 100),
		CreatedAt: time.Now(),
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added",
		"subscriber_id", sub.ID,
		"unit", unitName,
		"run_id", runID,
	)

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends a log entry to all matching subscribers. Slow subscribers
// drop entries instead of blocking the publisher.
func (b *Broker) Publish(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !matches(sub, entry) {
			continue
		}
		select {
		case sub.Ch <- entry:
		default:
			b.logger.Warn("subscriber channel full, dropping log entry",
				"subscriber_id", sub.ID,
				"unit", entry.UnitName,
			)
		}
	}
}

// PublishBatch sends multiple log entries to all matching subscribers.
func (b *Broker) PublishBatch(entries []*models.LogEntry) {
	for _, entry := range entries {
		b.Publish(entry)
	}
}

func matches(sub *Subscriber, entry *models.LogEntry) bool {
	if sub.UnitName != "" && sub.UnitName != entry.UnitName {
		return false
	}
	if sub.RunID != "" && sub.RunID != entry.RunID {
		return false
	}
	if sub.Source != "" && sub.Source != entry.Source {
		return false
	}
	return true
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
