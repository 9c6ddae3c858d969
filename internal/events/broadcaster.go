package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maildraft/maildraft/pkg/models"
)

// Subscriber is one listener for a user's events. Events arrive on C;
// a subscriber that stops draining misses heartbeats and gets dropped.
type Subscriber struct {
	ID     string
	UserID int64
	C      chan models.Event
	missed int
}

// Config tunes heartbeat-based dead-listener detection.
type Config struct {
	HeartbeatInterval   time.Duration
	MissedHeartbeatMax  int
	SubscriberBufferLen int
}

// Broadcaster fans events out to per-user listeners. Delivery is best-effort:
// it is a notification channel, not a durable log, and a missed event is
// always re-derivable from the job, scheduler and action-tracking records.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]map[string]*Subscriber
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewBroadcaster creates a broadcaster and starts its heartbeat loop.
func NewBroadcaster(cfg Config, logger *slog.Logger) *Broadcaster {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeatMax <= 0 {
		cfg.MissedHeartbeatMax = 3
	}
	if cfg.SubscriberBufferLen <= 0 {
		cfg.SubscriberBufferLen = 16
	}

	b := &Broadcaster{
		cfg:    cfg,
		logger: logger.With("component", "broadcaster"),
		subs:   make(map[int64]map[string]*Subscriber),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a listener for one user's events.
func (b *Broadcaster) Subscribe(userID int64) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		UserID: userID,
		C:      make(chan models.Event, b.cfg.SubscriberBufferLen),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]*Subscriber)
	}
	b.subs[userID][sub.ID] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscriber) {
	userSubs, ok := b.subs[sub.UserID]
	if !ok {
		return
	}
	if _, ok := userSubs[sub.ID]; !ok {
		return
	}
	delete(userSubs, sub.ID)
	if len(userSubs) == 0 {
		delete(b.subs, sub.UserID)
	}
	close(sub.C)
}

// Broadcast sends an event to every listener of one user. Slow listeners are
// skipped rather than blocking the publisher.
func (b *Broadcaster) Broadcast(userID int64, event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.UserID = userID

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[userID] {
		select {
		case sub.C <- event:
		default:
		}
	}
}

// heartbeatLoop pings every subscriber; one that cannot take N consecutive
// heartbeats is considered dead and dropped, freeing its resources.
func (b *Broadcaster) heartbeatLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Broadcaster) pingAll() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, userSubs := range b.subs {
		for _, sub := range userSubs {
			select {
			case sub.C <- models.Event{Type: models.EventHeartbeat, UserID: userID, Timestamp: now}:
				sub.missed = 0
			default:
				sub.missed++
				if sub.missed >= b.cfg.MissedHeartbeatMax {
					b.logger.Debug("dropping dead subscriber", "user_id", userID, "subscriber_id", sub.ID)
					b.removeLocked(sub)
				}
			}
		}
	}
}

// Close stops the heartbeat loop and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, userSubs := range b.subs {
		for _, sub := range userSubs {
			close(sub.C)
		}
	}
	b.subs = make(map[int64]map[string]*Subscriber)
	b.mu.Unlock()

	close(b.stop)
	<-b.done
}
