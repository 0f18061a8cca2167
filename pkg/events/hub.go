// Package events fans ledger outcomes out to live websocket subscribers and,
// when configured, a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{ID: uuid.NewString(), Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// Hub delivers events to in-process subscribers. Slow subscribers miss events
// rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fanout publishes to every sink. A failing sink is logged and skipped.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			log.Printf("events: publish %s failed: %v", evt.Type, err)
		}
	}
	return nil
}
