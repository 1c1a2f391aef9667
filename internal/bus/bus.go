// Package bus implements the live-update bus: topic-keyed pub/sub with
// bounded per-subscriber buffers. Publishers never block. A subscription
// opens with one snapshot event per registered topic, then receives deltas
// carrying a per-topic monotonic sequence. A subscriber that stops draining
// is dropped with a terminal lost event.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"actionserver/pkg/logging"
)

// Well-known topics. Run-scoped events additionally publish on RunTopic(id).
const (
	TopicRuns    = "runs"
	TopicCatalog = "catalog"
	TopicConfig  = "config"
)

// RunTopic names the per-run topic.
func RunTopic(runID string) string {
	return TopicRuns + "/" + runID
}

// EventKind distinguishes the three frame types a subscriber can observe.
type EventKind string

const (
	// EventSnapshot carries the full current view of a topic. Always the
	// first event a subscription sees for a topic with a registered
	// snapshot source.
	EventSnapshot EventKind = "snapshot"

	// EventDelta carries one published change.
	EventDelta EventKind = "delta"

	// EventLost terminates a subscriber that fell too far behind. No
	// further events follow; the channel is closed.
	EventLost EventKind = "lost"
)

// Event is one frame on a subscription channel.
type Event struct {
	Topic   string          `json:"topic"`
	Kind    EventKind       `json:"kind"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SnapshotFunc produces the current view of a topic for a new subscriber.
// It is called with the concrete topic name under the bus lock, so it must
// be fast and must not publish.
type SnapshotFunc func(topic string) (json.RawMessage, error)

// DefaultDepth is the per-subscriber buffer used when NewBus gets a
// non-positive depth.
const DefaultDepth = 64

type snapshotRule struct {
	prefix bool
	key    string
	fn     SnapshotFunc
}

// Bus fans published events out to subscribers. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu        sync.Mutex
	depth     int
	seq       map[string]uint64
	subs      map[string]*Subscription
	snapshots []snapshotRule
	closed    bool
}

// NewBus builds a bus whose subscribers buffer up to depth events.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Bus{
		depth: depth,
		seq:   make(map[string]uint64),
		subs:  make(map[string]*Subscription),
	}
}

// RegisterSnapshot installs the snapshot source for one exact topic.
func (b *Bus) RegisterSnapshot(topic string, fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snapshotRule{key: topic, fn: fn})
}

// RegisterSnapshotPrefix installs a snapshot source for every topic under
// the given prefix, e.g. "runs/" for the per-run topics.
func (b *Bus) RegisterSnapshotPrefix(prefix string, fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snapshotRule{prefix: true, key: prefix, fn: fn})
}

func (b *Bus) snapshotFor(topic string) SnapshotFunc {
	for _, rule := range b.snapshots {
		if rule.prefix && strings.HasPrefix(topic, rule.key) {
			return rule.fn
		}
		if !rule.prefix && rule.key == topic {
			return rule.fn
		}
	}
	return nil
}

// Subscription is one subscriber's view of the bus. Consumers range over
// Events(); the channel closes after an EventLost frame, after the consumer
// calls Close, or when the bus shuts down.
type Subscription struct {
	id     string
	topics map[string]struct{}
	ch     chan Event
	closed bool
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Events is the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Subscribe registers a subscriber for the given topics. Topics with a
// registered snapshot source get one snapshot event each, in argument order,
// before any delta.
func (b *Bus) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe needs at least one topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is shut down")
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, b.depth),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	// Snapshots go out while the lock is held so no delta can slip into
	// the gap between view capture and registration.
	for _, topic := range topics {
		fn := b.snapshotFor(topic)
		if fn == nil {
			continue
		}
		payload, err := fn(topic)
		if err != nil {
			logging.Warn("Bus", "Snapshot for topic %s failed: %v", topic, err)
			continue
		}
		sub.ch <- Event{Topic: topic, Kind: EventSnapshot, Seq: b.seq[topic], Payload: payload}
	}

	b.subs[sub.id] = sub
	return sub, nil
}

// Close removes the subscription. Safe to call more than once and after the
// subscriber was dropped.
func (b *Bus) Close(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish fans payload out to every subscriber of topic. Never blocks: a
// subscriber without buffer room is dropped, its oldest pending event is
// displaced by a terminal lost frame, and its channel is closed.
func (b *Bus) Publish(topic string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq[topic]++
	evt := Event{Topic: topic, Kind: EventDelta, Seq: b.seq[topic], Payload: payload}

	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropLocked(sub, topic)
		}
	}
}

func (b *Bus) dropLocked(sub *Subscription, topic string) {
	logging.Warn("Bus", "Dropping slow subscriber %s on topic %s", sub.id, topic)
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- Event{Topic: topic, Kind: EventLost, Seq: b.seq[topic]}:
	default:
	}
	b.removeLocked(sub)
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Shutdown drops every subscriber and refuses further activity.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
}
