package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/modbus-monitor/backend/internal/utils"
)

// UpdateType discriminates the payload of a broadcast update
type UpdateType string

const (
	UpdateSnapshot      UpdateType = "snapshot"
	UpdateAlertsChanged UpdateType = "alerts_changed"
	UpdateConnected     UpdateType = "connected"
	UpdateDisconnected  UpdateType = "disconnected"
	UpdateError         UpdateType = "error"
)

// Update is one broadcast message. Snapshot and event slices are
// copies owned by the receiver; the poll loop never mutates them
// after publishing.
type Update struct {
	Type         UpdateType `json:"type"`
	Snapshot     *Snapshot  `json:"snapshot,omitempty"`
	Events       []Event    `json:"events,omitempty"`
	ActiveAlerts []Event    `json:"active_alerts,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Subscription is one consumer's bounded view of the update stream.
// When the consumer falls behind, the oldest queued update is dropped
// to make room for the newest; Dropped counts the casualties.
type Subscription struct {
	ch      chan Update
	dropped atomic.Uint64
}

// Updates is the receive side of the subscription
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Dropped returns how many updates were discarded because this
// subscriber lagged
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster fans monitoring updates out to subscribers. Publish
// never blocks: each subscription has a bounded queue and sheds its
// oldest update when full, so one stalled consumer cannot slow the
// poll loop or starve the others.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
	logger    *utils.Logger
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up
// to queueSize updates each
func NewBroadcaster(queueSize int, logger *utils.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcaster{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		logger:    logger.Named("broadcast"),
	}
}

// Subscribe registers a new consumer. The returned subscription starts
// receiving updates published after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Update, b.queueSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a consumer and closes its channel. Unsubscribing
// twice is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the update to every subscriber without blocking
func (b *Broadcaster) Publish(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- update:
			continue
		default:
		}
		// Queue full: drop the oldest entry, then retry once. The
		// second send can only fail if a consumer drained the queue
		// concurrently, in which case it succeeds anyway.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			droppedUpdatesTotal.Inc()
		default:
		}
		select {
		case sub.ch <- update:
		default:
			sub.dropped.Add(1)
			droppedUpdatesTotal.Inc()
		}
	}
}

// SubscriberCount returns the number of attached consumers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and closes their channels. Publish
// and Subscribe become no-ops afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
