// Package pubsub is the in-process event bus for sync activity. The web
// layer exposes it over Server-Sent Events; everything else just publishes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/solvberg/kinsync/pkg/logging"
)

// Topics published by the engine.
const (
	TopicSyncStatus = "sync_status" // per-document sync lifecycle
	TopicGraph      = "graph"       // node/edge counts after mutation batches
	TopicIssues     = "issues"      // ambiguities, conflicts, recursion warnings
)

// Event is one published event.
type Event struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Seq   int             `json:"seq"` // per-topic ordering
}

// Subscription receives events for one topic until closed.
type Subscription interface {
	Topic() string
	Events() <-chan Event
	Close() error
}

// Publisher manages subscriptions and event delivery.
type Publisher interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(topic, eventType string, data interface{}) error
	Close() error
}

// Bus is the in-memory Publisher. New subscribers get the topic's most
// recent event replayed so they start with the current state.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*busSubscription]bool
	seq    map[string]int
	last   map[string]*Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[*busSubscription]bool),
		seq:  make(map[string]int),
		last: make(map[string]*Event),
	}
}

// Subscribe registers for a topic. Context cancellation closes the
// subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("publisher is closed")
	}

	sub := &busSubscription{
		topic:  topic,
		events: make(chan Event, 64),
		bus:    b,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busSubscription]bool)
	}
	b.subs[topic][sub] = true
	// Replay under the lock: the channel is fresh and buffered, and holding
	// the lock keeps a concurrent unsubscribe from closing it mid-send.
	if last := b.last[topic]; last != nil {
		sub.events <- *last
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Publish delivers an event to all subscribers of a topic. Delivery is
// non-blocking; slow subscribers drop events.
func (b *Bus) Publish(topic, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("publisher is closed")
	}

	b.seq[topic]++
	event := Event{Topic: topic, Type: eventType, Data: payload, Seq: b.seq[topic]}
	b.last[topic] = &event

	for sub := range b.subs[topic] {
		select {
		case sub.events <- event:
		default:
			logging.Debug("subscriber channel full, dropping event", "topic", topic)
		}
	}
	return nil
}

// Close shuts the bus down and closes all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.events)
		}
	}
	b.subs = make(map[string]map[*busSubscription]bool)
	return nil
}

// unsubscribe removes the subscription and closes its channel so consumers
// ranging over Events see the stream end. Publish sends under the same lock,
// so the close cannot race a send.
func (b *Bus) unsubscribe(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	if subs == nil {
		return
	}
	if _, ok := subs[sub]; !ok {
		return // already removed by Bus.Close
	}
	delete(subs, sub)
	close(sub.events)
	if len(subs) == 0 {
		delete(b.subs, sub.topic)
	}
}

type busSubscription struct {
	topic  string
	events chan Event
	bus    *Bus
	mu     sync.Mutex
	closed bool
}

func (s *busSubscription) Topic() string        { return s.topic }
func (s *busSubscription) Events() <-chan Event { return s.events }

func (s *busSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.bus.unsubscribe(s)
	return nil
}

// WriteSSE writes one event in Server-Sent Events framing.
func WriteSSE(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
