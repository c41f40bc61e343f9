// Package events carries the hub's observation stream: a closed set of
// tagged event kinds delivered over buffered channels. Observers that fall
// behind lose events (counted) rather than blocking the hub.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags an observation event.
type Kind string

const (
	MessageQueued     Kind = "messageQueued"
	MessageDelivered  Kind = "messageDelivered"
	DeliveryError     Kind = "deliveryError"
	QueueOverflow     Kind = "queueOverflow"
	RuleApplied       Kind = "ruleApplied"
	RuleError         Kind = "ruleError"
	RoutingError      Kind = "routingError"
	AgentRegistered   Kind = "agentRegistered"
	AgentUnregistered Kind = "agentUnregistered"
	AgentAttached     Kind = "agentAttached"
	AgentDetached     Kind = "agentDetached"
	AgentEvicted      Kind = "agentEvicted"
)

// Event is one observation. Fields irrelevant to a given kind stay zero.
type Event struct {
	Kind      Kind
	AgentID   string
	MessageID string
	Topic     string
	RuleID    string
	Err       string
	Time      time.Time
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Int64
	closed  bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer with the given channel buffer and returns
// its receive side.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers e to every subscriber without blocking. A full
// subscriber channel drops the event and bumps the drop counter.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to slow observers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
