// Package broadcast fans feature-cache mutation events out to connected
// SSE subscribers, scoped by cache key, with a bounded per-subscriber
// backlog and explicit drop-then-resync semantics when a slow client
// falls behind.
package broadcast

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/pkg/metrics"
)

// backlogSize bounds how many pending messages a subscriber channel can
// hold before new messages are dropped in favor of signalling a resync.
const backlogSize = 16

// EventType mirrors the SSE event names emitted on the wire.
type EventType string

const (
	EventConnected EventType = "unleash-connected"
	EventUpdated   EventType = "unleash-updated"
	EventKeepAlive EventType = "keep-alive"
)

// Message is a single SSE payload queued for a subscriber. EventID, when
// non-zero, is the delta-cache revision the publisher observed at the
// time of the mutation; Data is an optional pre-encoded payload, used by
// tests and by callers that already have the wire bytes to hand. Most
// production publishers leave Data empty and let the subscriber re-read
// the authoritative cache for the actual content, since the bus exists
// to wake subscribers up, not to carry the payload itself.
type Message struct {
	Event   EventType
	EventID int
	Data    []byte
}

// Subscriber is a single connected SSE client scoped to one cache key.
type Subscriber struct {
	ID       string
	CacheKey string
	ch       chan Message
	dropped  atomic.Int64
}

// Messages returns the channel a consumer should range over to stream
// messages to the client.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Dropped returns how many messages have been dropped for this
// subscriber because its backlog was full; a non-zero count means the
// client must be resynced (a fresh EventConnected payload sent) rather
// than trusting the stream to have stayed consistent.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broadcaster is the subscriber registry for one proxy instance.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscriber // cacheKey -> subscriberID -> Subscriber
	next   atomic.Int64
	logger *logging.Logger
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[string]*Subscriber)}
}

// SetLogger attaches a logger used to report publish fan-out outcomes.
func (b *Broadcaster) SetLogger(logger *logging.Logger) {
	b.logger = logger
}

// Subscribe registers a new subscriber scoped to cacheKey and returns it
// along with a cancel function the caller must invoke when the client
// disconnects.
func (b *Broadcaster) Subscribe(cacheKey string) (*Subscriber, func()) {
	id := b.next.Add(1)
	sub := &Subscriber{
		ID:       strconv.FormatInt(id, 10),
		CacheKey: cacheKey,
		ch:       make(chan Message, backlogSize),
	}

	b.mu.Lock()
	if b.subs[cacheKey] == nil {
		b.subs[cacheKey] = make(map[string]*Subscriber)
	}
	b.subs[cacheKey][sub.ID] = sub
	b.mu.Unlock()

	metrics.BroadcastSubscribers.WithLabelValues(cacheKey).Inc()

	cancel := func() {
		b.mu.Lock()
		if m, ok := b.subs[cacheKey]; ok {
			if _, exists := m[sub.ID]; exists {
				delete(m, sub.ID)
				metrics.BroadcastSubscribers.WithLabelValues(cacheKey).Dec()
			}
			if len(m) == 0 {
				delete(b.subs, cacheKey)
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub, cancel
}

// Publish enqueues a message for every subscriber registered to cacheKey.
// If a subscriber's backlog is already full, the message is dropped and
// the subscriber's drop counter is incremented instead of blocking.
func (b *Broadcaster) Publish(cacheKey string, msg Message) {
	b.mu.RLock()
	subs := b.subs[cacheKey]
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		select {
		case s.ch <- msg:
		default:
			s.dropped.Add(1)
			metrics.BroadcastEvents.WithLabelValues(string(msg.Event), "dropped").Inc()
			continue
		}
		delivered++
		metrics.BroadcastEvents.WithLabelValues(string(msg.Event), "delivered").Inc()
	}

	if b.logger != nil {
		b.logger.LogBroadcast(context.Background(), cacheKey, delivered, nil)
	}
}

// PublishKeepAlive sends a keep-alive comment frame to every subscriber
// across every cache key, used to hold idle HTTP connections open.
func (b *Broadcaster) PublishKeepAlive() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for cacheKey, subs := range b.subs {
		for _, s := range subs {
			select {
			case s.ch <- Message{Event: EventKeepAlive}:
			default:
			}
		}
		metrics.BroadcastEvents.WithLabelValues(string(EventKeepAlive), "sent").Add(float64(len(subs)))
		_ = cacheKey
	}
}

// SubscriberCount returns the number of live subscribers for a cache key,
// used by introspection endpoints.
func (b *Broadcaster) SubscriberCount(cacheKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[cacheKey])
}
