// ABOUTME: In-memory fan-out of committed turns for live session watchers
// ABOUTME: Publishes TurnEvents to every subscriber of a session key

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// TurnEvent is one committed exchange on a session.
type TurnEvent struct {
	SessionKey string    `json:"session_key"`
	Version    int64     `json:"version"`
	User       string    `json:"user"`
	Assistant  string    `json:"assistant"`
	Provider   string    `json:"provider"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBroadcaster provides in-memory pub/sub for committed turns.
// A WebSocket client watching a session sees turns that arrived over any
// transport, without polling the store.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *TurnEvent // sessionKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *TurnEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe watches sessionKey until ctx is done or Unsubscribe is called,
// after which the channel is closed. After Close it returns a closed channel.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionKey string) (<-chan *TurnEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *TurnEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionKey]; !ok {
		b.subscribers[sessionKey] = make(map[string]chan *TurnEvent)
	}
	b.subscribers[sessionKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_key", sessionKey,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionKey, subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber of sessionKey except
// excludeSubID. Sends never block: a subscriber whose buffer is full misses
// the event. Sending under the read lock keeps Unsubscribe from closing a
// channel mid-send.
func (b *EventBroadcaster) Publish(sessionKey string, event *TurnEvent, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[sessionKey] {
		if id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped turn for slow subscriber",
				"session_key", sessionKey,
				"sub_id", id,
				"version", event.Version)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionKey)
	}

	b.logger.Debug("subscriber removed",
		"session_key", sessionKey,
		"sub_id", subID)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	clear(b.subscribers)

	b.logger.Debug("broadcaster closed")
}
