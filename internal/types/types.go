// Package types holds the wire-level data model shared by the hub, the
// router, and the client library: messages, receipts, subscriptions,
// registrations, topic definitions, and routing rules.
package types

import "time"

// Priority is the delivery priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// ReceiptStatus is the per-recipient outcome of a routed message.
type ReceiptStatus string

const (
	StatusDelivered ReceiptStatus = "delivered"
	StatusFailed    ReceiptStatus = "failed"
	StatusFiltered  ReceiptStatus = "filtered"
)

// Metadata carries the delivery bookkeeping attached to every message.
type Metadata struct {
	CorrelationID    string `json:"correlationId"`
	TTL              int64  `json:"ttl"` // milliseconds, 0 < ttl <= 24h
	RetryCount       int    `json:"retryCount"`
	DeliveryAttempts int    `json:"deliveryAttempts"`
	RoutingKey       string `json:"routingKey,omitempty"`
	ReplyTo          string `json:"replyTo,omitempty"`
}

// Message is the unit of transport between agents.
//
// TargetAgent, when set, makes the message a unicast: the router delivers
// to that single agent and ignores topic subscriptions.
type Message struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SourceAgent string    `json:"sourceAgent"`
	TargetAgent string    `json:"targetAgent,omitempty"`
	Topic       string    `json:"topic"`
	MessageType string    `json:"messageType"`
	Priority    Priority  `json:"priority"`
	Payload     any       `json:"payload"`
	Metadata    Metadata  `json:"metadata"`
}

// Clone returns a copy of m. Payload maps and metadata are copied one level
// deep, which is what the transform rule's shallow merge needs.
func (m *Message) Clone() *Message {
	c := *m
	if pm, ok := m.Payload.(map[string]any); ok {
		cp := make(map[string]any, len(pm))
		for k, v := range pm {
			cp[k] = v
		}
		c.Payload = cp
	}
	return &c
}

// Receipt acknowledges a publish for one recipient.
type Receipt struct {
	MessageID   string        `json:"messageId"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      ReceiptStatus `json:"status"`
	TargetAgent string        `json:"targetAgent"`
	Error       string        `json:"error,omitempty"`
}

// Subscription declares an agent's interest in a topic. An empty
// MessageTypes list means every type published on the topic.
type Subscription struct {
	Topic        string   `json:"topic"`
	MessageTypes []string `json:"messageTypes"`
	Priority     Priority `json:"priority,omitempty"`
	HandlerTag   string   `json:"handlerTag,omitempty"`
}

// Matches reports whether a message of the given type passes this
// subscription's type filter.
func (s *Subscription) Matches(messageType string) bool {
	if len(s.MessageTypes) == 0 {
		return true
	}
	for _, mt := range s.MessageTypes {
		if mt == messageType {
			return true
		}
	}
	return false
}

// Registration is an agent's announcement of itself to the hub.
type Registration struct {
	AgentID           string         `json:"agentId"`
	AgentType         string         `json:"agentType"`
	Capabilities      []string       `json:"capabilities,omitempty"`
	Subscriptions     []Subscription `json:"subscriptions,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty"`
	HeartbeatInterval int64          `json:"heartbeatInterval,omitempty"` // milliseconds
}

// RetentionPolicy bounds a topic's in-memory history.
type RetentionPolicy struct {
	MaxMessages        int   `json:"maxMessages"`
	MaxAge             int64 `json:"maxAge"` // milliseconds
	CompressionEnabled bool  `json:"compressionEnabled"`
}

// MaxAgeDuration returns MaxAge as a time.Duration.
func (r RetentionPolicy) MaxAgeDuration() time.Duration {
	return time.Duration(r.MaxAge) * time.Millisecond
}

// TopicDefinition names a routing channel and its retention policy.
type TopicDefinition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	MessageTypes    []string        `json:"messageTypes"`
	RetentionPolicy RetentionPolicy `json:"retentionPolicy"`
}

// ConditionOperator compares a message field against a literal.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

// Condition is a declarative test against a dotted field path, e.g.
// {"field":"priority","operator":"equals","value":"low"}.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// RuleAction names what a routing rule does to a matched message.
type RuleAction string

const (
	ActionForward   RuleAction = "forward"
	ActionTransform RuleAction = "transform"
	ActionFilter    RuleAction = "filter"
	ActionDuplicate RuleAction = "duplicate"
	ActionDelay     RuleAction = "delay"
)

// ActionParams carries the typed parameters for each rule action. Only the
// fields relevant to the rule's action are consulted.
type ActionParams struct {
	// filter
	Condition *Condition `json:"condition,omitempty"`

	// transform
	Payload     map[string]any `json:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	MessageType string         `json:"messageType,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`

	// forward
	Agents []string `json:"agents,omitempty"`

	// duplicate
	Count         int            `json:"count,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`

	// delay
	DelayMs int64 `json:"delay,omitempty"`
}

// RoutingRule is a priority-ordered predicate → action pair applied to every
// routed message. A nil Predicate matches all messages.
type RoutingRule struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Priority  int          `json:"priority"`
	Enabled   bool         `json:"enabled"`
	Predicate *Condition   `json:"predicate,omitempty"`
	Action    RuleAction   `json:"action"`
	Params    ActionParams `json:"params"`
}
