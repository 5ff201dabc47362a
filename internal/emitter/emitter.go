// Package emitter forwards engine state changes to an MQTT broker so
// external systems can follow playback.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agleyzer/posesync/internal/events"
)

// Publisher sends one message. MQTTClient implements it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// retained topics describe state rather than a moment, so late subscribers
// get the last value.
var retained = map[events.Topic]bool{
	events.TopicPlayState:  true,
	events.TopicSelection:  true,
	events.TopicVisibility: true,
	events.TopicLabels:     true,
	events.TopicLoading:    true,
}

// Options configures an Emitter.
type Options struct {
	// Prefix is prepended to each bus topic: <prefix>/<topic>.
	Prefix string
	QoS    byte
	// Topics to forward; empty forwards all.
	Topics []events.Topic
	// Buffer is the bus subscription size; zero means events.DefaultBuffer.
	Buffer int
}

// Stats contains emitter statistics
type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// Emitter publishes bus events as JSON messages.
type Emitter struct {
	pub    Publisher
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
}

// New creates an emitter publishing through pub.
func New(pub Publisher, opts Options, logger *slog.Logger) *Emitter {
	return &Emitter{
		pub:       pub,
		opts:      opts,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Topic returns the MQTT topic for a bus topic.
func (e *Emitter) Topic(t events.Topic) string {
	if e.opts.Prefix == "" {
		return string(t)
	}
	return fmt.Sprintf("%s/%s", e.opts.Prefix, t)
}

// Run forwards events from bus until ctx is canceled or the bus closes.
func (e *Emitter) Run(ctx context.Context, bus *events.Bus) error {
	sub, err := bus.Subscribe(e.opts.Buffer, e.opts.Topics...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer bus.Unsubscribe(sub.ID)

	e.logger.Info("mqtt emitter started", "prefix", e.opts.Prefix, "topics", e.opts.Topics)

	for {
		select {
		case <-ctx.Done():
			e.recordDropped(bus, sub.ID)
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := e.Emit(ev); err != nil {
				e.logger.Debug("mqtt publish failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func (e *Emitter) recordDropped(bus *events.Bus, id string) {
	if s, ok := bus.Stats().Subscribers[id]; ok {
		e.mu.Lock()
		e.dropped = s.Dropped
		e.mu.Unlock()
	}
}

// Emit publishes one event.
func (e *Emitter) Emit(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(ev.Topic)
	if err := e.pub.Publish(topic, e.opts.QoS, retained[ev.Topic], payload); err != nil {
		e.countError()
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}
