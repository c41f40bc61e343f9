package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/types"
)

// ErrDuplicateTopic reports an attempt to create a topic that exists.
var ErrDuplicateTopic = errors.New("topic already exists")

// ErrTopicNotFound reports a lookup of an unknown topic.
var ErrTopicNotFound = errors.New("topic not found")

// HistoryStore keeps a bounded per-topic message history. Retention is
// applied lazily on every append and eagerly by the cleanup task. With
// persistence disabled the store accepts appends but never retains.
type HistoryStore struct {
	logger      zerolog.Logger
	persist     bool
	globalMaxMS int64 // upper bound on any topic's maxAge, milliseconds

	mu     sync.RWMutex
	topics map[string]*topicHistory
}

type topicHistory struct {
	mu   sync.Mutex
	def  types.TopicDefinition
	msgs []*types.Message
}

// NewHistoryStore returns an empty store. globalMax caps every topic's
// maxAge; zero means uncapped.
func NewHistoryStore(logger zerolog.Logger, persist bool, globalMax time.Duration) *HistoryStore {
	return &HistoryStore{
		logger:      logger,
		persist:     persist,
		globalMaxMS: globalMax.Milliseconds(),
		topics:      make(map[string]*topicHistory),
	}
}

// DefineTopic registers a topic definition. Duplicate names error.
func (h *HistoryStore) DefineTopic(def types.TopicDefinition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.topics[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, def.Name)
	}
	if h.globalMaxMS > 0 && def.RetentionPolicy.MaxAge > h.globalMaxMS {
		def.RetentionPolicy.MaxAge = h.globalMaxMS
	}
	h.topics[def.Name] = &topicHistory{def: def}
	h.logger.Info().
		Str("topic", def.Name).
		Int("max_messages", def.RetentionPolicy.MaxMessages).
		Int64("max_age_ms", def.RetentionPolicy.MaxAge).
		Bool("compression", def.RetentionPolicy.CompressionEnabled).
		Msg("Topic defined")
	return nil
}

// Definition returns a topic's definition.
func (h *HistoryStore) Definition(name string) (types.TopicDefinition, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	th, ok := h.topics[name]
	if !ok {
		return types.TopicDefinition{}, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return th.def, nil
}

// Definitions lists all topic definitions.
func (h *HistoryStore) Definitions() []types.TopicDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.TopicDefinition, 0, len(h.topics))
	for _, th := range h.topics {
		out = append(out, th.def)
	}
	return out
}

// Append stores msg in its topic's history and applies retention. Messages
// for undefined topics are accepted without history (routing does not
// require a definition). With persistence off this is a no-op.
func (h *HistoryStore) Append(msg *types.Message) {
	if !h.persist {
		return
	}
	h.mu.RLock()
	th, ok := h.topics[msg.Topic]
	h.mu.RUnlock()
	if !ok {
		return
	}

	th.mu.Lock()
	th.msgs = append(th.msgs, msg)
	th.applyRetention(time.Now())
	th.mu.Unlock()
}

// Messages returns a page of a topic's history and the total count.
func (h *HistoryStore) Messages(topic string, limit, offset int) ([]*types.Message, int, error) {
	h.mu.RLock()
	th, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	total := len(th.msgs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*types.Message{}, total, nil
	}
	if limit <= 0 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*types.Message, end-offset)
	copy(page, th.msgs[offset:end])
	return page, total, nil
}

// Sweep eagerly re-applies retention across all topics and returns how
// many messages were evicted.
func (h *HistoryStore) Sweep() int {
	h.mu.RLock()
	all := make([]*topicHistory, 0, len(h.topics))
	for _, th := range h.topics {
		all = append(all, th)
	}
	h.mu.RUnlock()

	now := time.Now()
	evicted := 0
	for _, th := range all {
		th.mu.Lock()
		before := len(th.msgs)
		th.applyRetention(now)
		evicted += before - len(th.msgs)
		th.mu.Unlock()
	}
	return evicted
}

// TotalMessages returns the number of stored messages across topics.
func (h *HistoryStore) TotalMessages() int {
	h.mu.RLock()
	all := make([]*topicHistory, 0, len(h.topics))
	for _, th := range h.topics {
		all = append(all, th)
	}
	h.mu.RUnlock()

	n := 0
	for _, th := range all {
		th.mu.Lock()
		n += len(th.msgs)
		th.mu.Unlock()
	}
	return n
}

// TopicCount returns the number of defined topics.
func (h *HistoryStore) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// applyRetention drops entries older than maxAge, then truncates from the
// head down to maxMessages. Caller holds th.mu.
func (th *topicHistory) applyRetention(now time.Time) {
	pol := th.def.RetentionPolicy
	if pol.MaxAge > 0 {
		cutoff := now.Add(-pol.MaxAgeDuration())
		keep := th.msgs[:0]
		for _, m := range th.msgs {
			if m.Timestamp.After(cutoff) {
				keep = append(keep, m)
			}
		}
		for i := len(keep); i < len(th.msgs); i++ {
			th.msgs[i] = nil
		}
		th.msgs = keep
	}
	if pol.MaxMessages > 0 && len(th.msgs) > pol.MaxMessages {
		drop := len(th.msgs) - pol.MaxMessages
		th.msgs = append(th.msgs[:0], th.msgs[drop:]...)
	}
}

// DefaultTopics are preloaded at hub startup.
func DefaultTopics() []types.TopicDefinition {
	return []types.TopicDefinition{
		{
			Name:         "fraud-detection",
			Description:  "Fraud alerts and risk scoring",
			MessageTypes: []string{"fraud.alert", "fraud.risk_score"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages:        10000,
				MaxAge:             (24 * time.Hour).Milliseconds(),
				CompressionEnabled: true,
			},
		},
		{
			Name:         "recommendations",
			Description:  "Recommendation requests and responses",
			MessageTypes: []string{"recommendation.request", "recommendation.response"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 5000,
				MaxAge:      time.Hour.Milliseconds(),
			},
		},
		{
			Name:         "chat-support",
			Description:  "Chat context and escalations",
			MessageTypes: []string{"chat.context_update", "chat.escalation"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 1000,
				MaxAge:      (30 * time.Minute).Milliseconds(),
			},
		},
		{
			Name:         "system-events",
			Description:  "System alerts and agent status",
			MessageTypes: []string{"system.alert", "agent.status_update"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages:        1000,
				MaxAge:             time.Hour.Milliseconds(),
				CompressionEnabled: true,
			},
		},
	}
}
