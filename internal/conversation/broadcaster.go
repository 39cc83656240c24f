// ABOUTME: In-memory fan-out broadcaster keyed by conversation ID
// ABOUTME: Used for message change events and orchestrator stage updates

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

type subscription[T any] struct {
	ch   chan T
	done chan struct{}
}

// Broadcaster provides in-memory pub/sub for values of type T.
// Subscribers register for a key (usually a conversation ID) and receive
// every value published under that key after they subscribed.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription[T] // key -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster[T any](logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]*subscription[T]),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given key. Returns a channel that
// receives values and a subscription ID for later unsubscription. The
// subscription is removed when ctx is cancelled.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	sub := &subscription[T]{
		ch:   make(chan T, subscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscription[T])
	}
	b.subscribers[key][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.Unsubscribe(key, subID)
			case <-sub.done:
			}
		}()
	}

	return sub.ch, subID
}

// Publish sends a value to all subscribers of the given key.
// If excludeSubID is non-empty, that subscriber is skipped.
// Non-blocking: values are dropped for subscribers whose channels are full.
func (b *Broadcaster[T]) Publish(key string, value T, excludeSubID string) {
	// sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[key] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case sub.ch <- value:
		default:
			b.logger.Debug("dropped event for slow subscriber", "key", key, "sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.done)
	close(sub.ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers for key.
func (b *Broadcaster[T]) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.done)
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
