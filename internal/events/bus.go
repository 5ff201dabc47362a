// Package events distributes engine state changes to subscribers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event and
// the drop is counted in its stats.
package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrUnknownTopic       = errors.New("events: unknown topic")
)

// DefaultBuffer is the channel capacity used when Subscribe is given zero.
const DefaultBuffer = 64

// Topic names a slice of engine state.
type Topic string

const (
	TopicPlayState  Topic = "play_state"
	TopicTime       Topic = "time"
	TopicFrame      Topic = "frame"
	TopicDrawList   Topic = "draw_list"
	TopicLoadStatus Topic = "load_status"
	TopicLoading    Topic = "loading"
	TopicSelection  Topic = "selection"
	TopicVisibility Topic = "visibility"
	TopicLabels     Topic = "labels"
)

var topics = []Topic{
	TopicPlayState, TopicTime, TopicFrame, TopicDrawList, TopicLoadStatus,
	TopicLoading, TopicSelection, TopicVisibility, TopicLabels,
}

// Topics lists every topic the engine publishes.
func Topics() []Topic {
	return append([]Topic(nil), topics...)
}

// ParseTopic returns the topic named s.
func ParseTopic(s string) (Topic, error) {
	for _, t := range topics {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, s)
}

// Event is one published state change.
type Event struct {
	Topic Topic       `json:"topic"`
	Seq   uint64      `json:"seq"`
	At    time.Time   `json:"at"`
	Data  interface{} `json:"data"`
}

// Stats counts deliveries to one subscriber.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// BusStats is a snapshot of the whole bus.
type BusStats struct {
	Published   uint64           `json:"published"`
	Subscribers map[string]Stats `json:"subscribers"`
}

// Subscription receives events on C until it is unsubscribed or the bus
// is closed, at which point C is closed.
type Subscription struct {
	ID string
	C  <-chan Event
}

type subscriber struct {
	ch      chan Event
	topics  map[Topic]bool
	sent    uint64
	dropped uint64
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	seq         uint64
	closed      bool
	now         func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for topics, or for every topic when none
// are given.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &subscriber{
		ch:     make(chan Event, buffer),
		topics: make(map[Topic]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	id := uuid.NewString()
	b.subscribers[id] = sub
	return &Subscription{ID: id, C: sub.ch}, nil
}

// Publish delivers data under topic to every interested subscriber.
func (b *Bus) Publish(topic Topic, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.published, 1)
	ev := Event{
		Topic: topic,
		Seq:   atomic.AddUint64(&b.seq, 1),
		At:    b.now(),
		Data:  data,
	}

	for _, sub := range b.subscribers {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.sent, 1)
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	close(sub.ch)
	return nil
}

// Stats returns the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BusStats{
		Published:   atomic.LoadUint64(&b.published),
		Subscribers: make(map[string]Stats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		out.Subscribers[id] = Stats{
			Sent:    atomic.LoadUint64(&sub.sent),
			Dropped: atomic.LoadUint64(&sub.dropped),
		}
	}
	return out
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
