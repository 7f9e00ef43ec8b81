// Package events fans download notifications out to observers.
package events

import (
	"sync"
	"time"

	"peershare/internal/metrics"
	"peershare/pkg/types"
)

// Broadcaster manages subscribers and publishes download events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan types.DownloadEvent]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan types.DownloadEvent]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan types.DownloadEvent {
	ch := make(chan types.DownloadEvent, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(ch chan types.DownloadEvent) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish sends an event to all subscribers. Non-blocking: slow consumers
// miss events rather than stall a transfer.
func (b *Broadcaster) Publish(ev types.DownloadEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	metrics.RecordEvent(string(ev.Type))
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
