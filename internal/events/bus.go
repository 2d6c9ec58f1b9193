// Package events is an in-process publish/subscribe bus for turn
// lifecycle notifications. The agent loop and scheduler publish, and
// the MQTT publisher and tests subscribe. A nil *Bus accepts Publish
// and Emit as no-ops so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceScheduler = "scheduler"
	SourceGateway   = "gateway"
	SourceConnwatch = "connwatch"
)

// Kinds. The comment on each lists the Data keys it carries.
const (
	// KindTurnStart: turn_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindLLMCall: turn_id, conversation_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse: turn_id, conversation_id, iter, tool, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall: turn_id, conversation_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: turn_id, conversation_id, tool, outcome, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: turn_id, conversation_id, status, iterations,
	// elapsed_ms and error when the turn failed.
	KindTurnComplete = "turn_complete"
	// KindTurnSuperseded: turn_id, conversation_id. Published by the
	// scheduler when a newer event cancels a running turn.
	KindTurnSuperseded = "turn_superseded"
	// KindBridgeConnected / KindBridgeDisconnected: remote.
	KindBridgeConnected    = "bridge_connected"
	KindBridgeDisconnected = "bridge_disconnected"
	// KindServiceUp / KindServiceDown: service, and error when down.
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is a single notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to callers back to the
	// channel we own, so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel.
// Unsubscribing twice is harmless.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	own, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, own)
	delete(b.recv, ch)
	close(own)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
