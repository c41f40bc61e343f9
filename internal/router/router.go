// Package router owns the agent registry, the subscription index, the
// routing-rule pipeline, and the per-agent delivery queues. It decides who
// receives a message and produces one receipt per recipient.
//
// Delivery here means accepted-for-delivery: the router appends to the
// recipient's queue and notifies the hub, which flushes the queue to the
// agent's stream when one is attached. Transport failures surface later as
// deliveryError events, never as mutations of already-issued receipts.
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/events"
	"github.com/agentgrid/a2ahub/internal/types"
)

// SyntheticTarget is the target recorded on receipts that have no real
// recipient (filtered messages, no-recipient publishes).
const SyntheticTarget = "hub"

// DefaultQueueSoftCap bounds each agent's pending queue. On overflow the
// oldest message is dropped and a queueOverflow event emitted.
const DefaultQueueSoftCap = 10000

var (
	// ErrAgentNotFound reports an operation against an unknown agent id.
	ErrAgentNotFound = errors.New("agent not registered")
	// ErrDuplicateRule reports a rule id that is already installed.
	ErrDuplicateRule = errors.New("rule id already exists")
)

// Router routes messages between registered agents.
//
// Locking is per structure and per key: the registry and queues use
// sync.Map (internally sharded), the subscription index and rule list each
// have their own RWMutex, and every agent queue carries its own mutex.
// There is deliberately no router-wide lock.
type Router struct {
	logger zerolog.Logger
	bus    *events.Bus

	registry sync.Map // agentID → *types.Registration
	queues   sync.Map // agentID → *agentQueue

	subsMu sync.RWMutex
	subs   map[string]map[string]struct{} // topic → set of agentIDs

	rulesMu  sync.RWMutex
	rules    []*installedRule
	ruleSeq  int64
	softCap  int
	notifier func(agentID string)

	// Counters surfaced at /stats.
	messagesRouted   atomic.Int64
	receiptsByStatus [3]atomic.Int64 // delivered, failed, filtered
	queuedTotal      atomic.Int64
	overflowDrops    atomic.Int64
}

type installedRule struct {
	rule *types.RoutingRule
	seq  int64 // insertion order, tiebreak for equal priorities
}

// Option configures a Router.
type Option func(*Router)

// WithQueueSoftCap overrides the per-agent pending queue bound.
func WithQueueSoftCap(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.softCap = n
		}
	}
}

// New returns a Router publishing observations to bus.
func New(logger zerolog.Logger, bus *events.Bus, opts ...Option) *Router {
	r := &Router{
		logger:  logger,
		bus:     bus,
		subs:    make(map[string]map[string]struct{}),
		softCap: DefaultQueueSoftCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDeliveryNotifier installs the hub callback invoked after a message is
// queued for an agent. The callback must not block.
func (r *Router) SetDeliveryNotifier(fn func(agentID string)) {
	r.notifier = fn
}

// RegisterAgent records a registration and indexes its declared
// subscriptions. Re-registering an agent replaces its previous record.
func (r *Router) RegisterAgent(reg *types.Registration) error {
	if reg == nil || reg.AgentID == "" {
		return fmt.Errorf("registration missing agent id")
	}
	if prior, loaded := r.registry.Load(reg.AgentID); loaded {
		// Re-registration replaces the subscription set: drop the old
		// index entries so stale topics stop naming this agent.
		old := prior.(*types.Registration)
		r.subsMu.Lock()
		for _, sub := range old.Subscriptions {
			if set, ok := r.subs[sub.Topic]; ok {
				delete(set, reg.AgentID)
				if len(set) == 0 {
					delete(r.subs, sub.Topic)
				}
			}
		}
		r.subsMu.Unlock()
	}

	cp := *reg
	cp.Subscriptions = nil
	r.registry.Store(reg.AgentID, &cp)
	r.queues.LoadOrStore(reg.AgentID, newAgentQueue(r.softCap))

	for i := range reg.Subscriptions {
		if err := r.AddSubscription(reg.AgentID, reg.Subscriptions[i]); err != nil {
			return err
		}
	}

	r.bus.Publish(events.Event{Kind: events.AgentRegistered, AgentID: reg.AgentID})
	r.logger.Info().
		Str("agent_id", reg.AgentID).
		Str("agent_type", reg.AgentType).
		Int("subscriptions", len(reg.Subscriptions)).
		Msg("Agent registered")
	return nil
}

// UnregisterAgent removes the agent's subscriptions, queue, and
// registration. Idempotent: unknown ids are a no-op.
func (r *Router) UnregisterAgent(agentID string) {
	val, loaded := r.registry.LoadAndDelete(agentID)
	if !loaded {
		return
	}
	reg := val.(*types.Registration)

	r.subsMu.Lock()
	for _, sub := range reg.Subscriptions {
		if set, ok := r.subs[sub.Topic]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.subs, sub.Topic)
			}
		}
	}
	r.subsMu.Unlock()

	if qv, ok := r.queues.LoadAndDelete(agentID); ok {
		dropped := qv.(*agentQueue).drain()
		r.queuedTotal.Add(-int64(len(dropped)))
	}

	r.bus.Publish(events.Event{Kind: events.AgentUnregistered, AgentID: agentID})
	r.logger.Info().Str("agent_id", agentID).Msg("Agent unregistered")
}

// AddSubscription records the agent's interest in a topic, replacing any
// existing subscription for the same topic.
func (r *Router) AddSubscription(agentID string, sub types.Subscription) error {
	val, ok := r.registry.Load(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	reg := val.(*types.Registration)

	r.subsMu.Lock()
	replaced := false
	for i := range reg.Subscriptions {
		if reg.Subscriptions[i].Topic == sub.Topic {
			reg.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		reg.Subscriptions = append(reg.Subscriptions, sub)
	}
	set, ok := r.subs[sub.Topic]
	if !ok {
		set = make(map[string]struct{})
		r.subs[sub.Topic] = set
	}
	set[agentID] = struct{}{}
	r.subsMu.Unlock()

	r.logger.Debug().
		Str("agent_id", agentID).
		Str("topic", sub.Topic).
		Int("message_types", len(sub.MessageTypes)).
		Msg("Subscription added")
	return nil
}

// RemoveSubscription drops the agent's subscription to a topic. Removing
// the last subscriber removes the topic key from the index.
func (r *Router) RemoveSubscription(agentID, topic string) error {
	val, ok := r.registry.Load(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	reg := val.(*types.Registration)

	r.subsMu.Lock()
	for i := range reg.Subscriptions {
		if reg.Subscriptions[i].Topic == topic {
			reg.Subscriptions = append(reg.Subscriptions[:i], reg.Subscriptions[i+1:]...)
			break
		}
	}
	if set, ok := r.subs[topic]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
	r.subsMu.Unlock()

	r.logger.Debug().Str("agent_id", agentID).Str("topic", topic).Msg("Subscription removed")
	return nil
}

// Registration returns the stored registration for an agent.
func (r *Router) Registration(agentID string) (*types.Registration, bool) {
	val, ok := r.registry.Load(agentID)
	if !ok {
		return nil, false
	}
	return val.(*types.Registration), true
}

// Agents returns the ids of all registered agents.
func (r *Router) Agents() []string {
	var ids []string
	r.registry.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// RouteMessage runs the rule pipeline, determines recipients, and queues
// one delivery per recipient. It never returns an error: failures become
// failed receipts so one bad recipient cannot deny the others theirs.
func (r *Router) RouteMessage(msg *types.Message) []types.Receipt {
	return r.route(msg, false)
}

func (r *Router) route(msg *types.Message, suppressRules bool) []types.Receipt {
	r.messagesRouted.Add(1)

	routed := msg
	if !suppressRules {
		out, filtered := r.applyRules(msg)
		if filtered {
			rec := r.newReceipt(msg.ID, types.StatusFiltered, SyntheticTarget, "")
			return []types.Receipt{rec}
		}
		routed = out
	}

	recipients := r.recipients(routed)
	if len(recipients) == 0 {
		r.bus.Publish(events.Event{
			Kind:      events.RoutingError,
			MessageID: routed.ID,
			Topic:     routed.Topic,
			Err:       "no recipients",
		})
		rec := r.newReceipt(routed.ID, types.StatusFailed, SyntheticTarget, "no recipients")
		return []types.Receipt{rec}
	}

	receipts := make([]types.Receipt, 0, len(recipients))
	for _, agentID := range recipients {
		if err := r.deliverToAgent(routed, agentID); err != nil {
			receipts = append(receipts, r.newReceipt(routed.ID, types.StatusFailed, agentID, err.Error()))
			continue
		}
		receipts = append(receipts, r.newReceipt(routed.ID, types.StatusDelivered, agentID, ""))
	}
	return receipts
}

// recipients computes the delivery set: the explicit target when set
// (unicast overrides subscriptions), otherwise topic subscribers filtered
// by message type. The target, or the index iteration order, fixes the
// order receipts are issued in.
func (r *Router) recipients(msg *types.Message) []string {
	if msg.TargetAgent != "" {
		return []string{msg.TargetAgent}
	}

	// Subscription slices are only mutated under subsMu, so the read lock
	// covers both the index and the per-registration type filters.
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	set := r.subs[msg.Topic]
	out := make([]string, 0, len(set))
	for id := range set {
		val, ok := r.registry.Load(id)
		if !ok {
			continue
		}
		reg := val.(*types.Registration)
		for i := range reg.Subscriptions {
			if reg.Subscriptions[i].Topic == msg.Topic && reg.Subscriptions[i].Matches(msg.MessageType) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// deliverToAgent appends the message to the agent's queue and notifies the
// hub. Non-blocking: actual transport happens when the hub flushes.
func (r *Router) deliverToAgent(msg *types.Message, agentID string) error {
	// Unicast may name an agent that never registered; it still gets a
	// queue so the message survives until the agent shows up.
	qv, _ := r.queues.LoadOrStore(agentID, newAgentQueue(r.softCap))
	q := qv.(*agentQueue)

	if dropped := q.push(msg); dropped != nil {
		r.overflowDrops.Add(1)
		r.queuedTotal.Add(-1)
		r.bus.Publish(events.Event{
			Kind:      events.QueueOverflow,
			AgentID:   agentID,
			MessageID: dropped.ID,
			Topic:     dropped.Topic,
		})
		r.logger.Warn().
			Str("agent_id", agentID).
			Str("dropped_message_id", dropped.ID).
			Msg("Pending queue overflow, oldest message dropped")
	}
	r.queuedTotal.Add(1)

	r.bus.Publish(events.Event{
		Kind:      events.MessageQueued,
		AgentID:   agentID,
		MessageID: msg.ID,
		Topic:     msg.Topic,
	})
	if r.notifier != nil {
		r.notifier(agentID)
	}
	return nil
}

// DrainQueue removes and returns all pending messages for an agent in
// enqueue order. The hub calls this on stream attach and after each queued
// notification.
func (r *Router) DrainQueue(agentID string) []*types.Message {
	qv, ok := r.queues.Load(agentID)
	if !ok {
		return nil
	}
	msgs := qv.(*agentQueue).drain()
	r.queuedTotal.Add(-int64(len(msgs)))
	return msgs
}

// QueueLen returns the number of messages pending for an agent.
func (r *Router) QueueLen(agentID string) int {
	qv, ok := r.queues.Load(agentID)
	if !ok {
		return 0
	}
	return qv.(*agentQueue).len()
}

// Requeue puts messages back at the head of an agent's queue, preserving
// their order. Used when a stream write fails mid-flush.
func (r *Router) Requeue(agentID string, msgs []*types.Message) {
	if len(msgs) == 0 {
		return
	}
	qv, _ := r.queues.LoadOrStore(agentID, newAgentQueue(r.softCap))
	qv.(*agentQueue).pushFront(msgs)
	r.queuedTotal.Add(int64(len(msgs)))
}

// Stats is the router's counter snapshot for /stats.
type Stats struct {
	RegisteredAgents  int   `json:"registeredAgents"`
	Topics            int   `json:"topics"`
	QueuedMessages    int64 `json:"queuedMessages"`
	MessagesRouted    int64 `json:"messagesRouted"`
	ReceiptsDelivered int64 `json:"receiptsDelivered"`
	ReceiptsFailed    int64 `json:"receiptsFailed"`
	ReceiptsFiltered  int64 `json:"receiptsFiltered"`
	QueueOverflows    int64 `json:"queueOverflows"`
	Rules             int   `json:"rules"`
}

// StatsSnapshot returns current counter values.
func (r *Router) StatsSnapshot() Stats {
	agents := 0
	r.registry.Range(func(_, _ any) bool { agents++; return true })

	r.subsMu.RLock()
	topics := len(r.subs)
	r.subsMu.RUnlock()

	r.rulesMu.RLock()
	rules := len(r.rules)
	r.rulesMu.RUnlock()

	return Stats{
		RegisteredAgents:  agents,
		Topics:            topics,
		QueuedMessages:    r.queuedTotal.Load(),
		MessagesRouted:    r.messagesRouted.Load(),
		ReceiptsDelivered: r.receiptsByStatus[0].Load(),
		ReceiptsFailed:    r.receiptsByStatus[1].Load(),
		ReceiptsFiltered:  r.receiptsByStatus[2].Load(),
		QueueOverflows:    r.overflowDrops.Load(),
		Rules:             rules,
	}
}

func (r *Router) newReceipt(messageID string, status types.ReceiptStatus, target, errMsg string) types.Receipt {
	switch status {
	case types.StatusDelivered:
		r.receiptsByStatus[0].Add(1)
	case types.StatusFailed:
		r.receiptsByStatus[1].Add(1)
	case types.StatusFiltered:
		r.receiptsByStatus[2].Add(1)
	}
	return types.Receipt{
		MessageID:   messageID,
		Timestamp:   time.Now(),
		Status:      status,
		TargetAgent: target,
		Error:       errMsg,
	}
}

// agentQueue is a FIFO of pending messages with a soft cap. Each queue has
// its own mutex, keeping mutation serialized per agent id.
type agentQueue struct {
	mu      sync.Mutex
	items   []*types.Message
	softCap int
}

func newAgentQueue(softCap int) *agentQueue {
	return &agentQueue{softCap: softCap}
}

// push appends msg, returning the dropped-oldest message if the soft cap
// was hit, else nil.
func (q *agentQueue) push(msg *types.Message) *types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped *types.Message
	if len(q.items) >= q.softCap {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
	return dropped
}

func (q *agentQueue) pushFront(msgs []*types.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]*types.Message{}, msgs...), q.items...)
}

func (q *agentQueue) drain() []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *agentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
