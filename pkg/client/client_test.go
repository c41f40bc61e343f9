package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/a2ahub/internal/config"
	"github.com/agentgrid/a2ahub/internal/hub"
)

func startHub(t *testing.T, mutate func(*config.Config)) *hub.Server {
	t.Helper()
	cfg := &config.Config{
		Port:                0,
		MaxConnections:      100,
		QueueSoftCap:        1000,
		HeartbeatIntervalMS: 30000,
		MessageRetentionMS:  (24 * time.Hour).Milliseconds(),
		EnablePersistence:   true,
		LogLevel:            "error",
		LogFormat:           "json",
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := hub.NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// eventRecorder captures client events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) has(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, s *hub.Server, agentID string, mutate func(*Config)) (*Client, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	cfg := Config{
		BaseURL:   "http://" + s.Addr(),
		AgentID:   agentID,
		AgentType: "test",
		Logger:    zerolog.Nop(),
		TestMode:  true,
		OnEvent:   rec.record,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, rec
}

func testMsg(topic, msgType string) *Message {
	return &Message{
		Topic:       topic,
		MessageType: msgType,
		Priority:    PriorityNormal,
		Payload:     map[string]any{"x": float64(1)},
	}
}

func TestPublishOverStreamDelivers(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	receiver, _ := newTestClient(t, s, "receiver-1", nil)
	require.NoError(t, receiver.RegisterAgent(ctx, Registration{
		Subscriptions: []Subscription{{Topic: "chat-support"}},
	}))
	require.NoError(t, receiver.Connect(ctx))

	got := make(chan *Message, 1)
	receiver.RegisterMessageHandler("chat.context_update", func(_ context.Context, m *Message) (*HandlerResult, error) {
		got <- m
		return nil, nil
	})

	sender, _ := newTestClient(t, s, "sender-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))
	require.NoError(t, sender.Connect(ctx))

	receipt := sender.Publish(ctx, testMsg("chat-support", "chat.context_update"))
	assert.Equal(t, StatusDelivered, receipt.Status)
	assert.Equal(t, "receiver-1", receipt.TargetAgent)

	select {
	case m := <-got:
		assert.Equal(t, "sender-1", m.SourceAgent, "hub stamps the transport identity")
		assert.Equal(t, "chat-support", m.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never got the message")
	}
}

func TestPublishHTTPFallbackWhenDetached(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	receiver, _ := newTestClient(t, s, "receiver-1", nil)
	require.NoError(t, receiver.RegisterAgent(ctx, Registration{
		Subscriptions: []Subscription{{Topic: "chat-support"}},
	}))

	sender, _ := newTestClient(t, s, "sender-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))
	// No Connect: publish must go over HTTP.

	receipt := sender.Publish(ctx, testMsg("chat-support", "chat.context_update"))
	assert.Equal(t, StatusDelivered, receipt.Status)
	assert.Equal(t, "receiver-1", receipt.TargetAgent)
}

func TestPublishFailureSynthesisesReceipt(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	sender, rec := newTestClient(t, s, "sender-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))

	bad := testMsg("chat-support", "chat.context_update")
	bad.Metadata.RetryCount = 99 // out of bounds

	receipt := sender.Publish(ctx, bad)
	assert.Equal(t, StatusFailed, receipt.Status)
	assert.NotEmpty(t, receipt.Error)
	assert.True(t, rec.has(EventPublishError))
}

func TestRequestResponseViaReplyTo(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	responder, _ := newTestClient(t, s, "responder-1", nil)
	require.NoError(t, responder.RegisterAgent(ctx, Registration{
		Subscriptions: []Subscription{{Topic: "recommendations"}},
	}))
	require.NoError(t, responder.Connect(ctx))
	responder.RegisterMessageHandler("recommendation.request", func(_ context.Context, m *Message) (*HandlerResult, error) {
		return &HandlerResult{ResponsePayload: map[string]any{"items": []any{"a", "b"}}}, nil
	})

	requester, _ := newTestClient(t, s, "requester-1", nil)
	require.NoError(t, requester.RegisterAgent(ctx, Registration{}))
	require.NoError(t, requester.Connect(ctx))

	response := make(chan *Message, 1)
	requester.RegisterMessageHandler("recommendation.request_response", func(_ context.Context, m *Message) (*HandlerResult, error) {
		response <- m
		return nil, nil
	})

	req := testMsg("recommendations", "recommendation.request")
	req.Metadata.CorrelationID = "corr-42"
	req.Metadata.ReplyTo = "requester-1"
	receipt := requester.Publish(ctx, req)
	require.Equal(t, StatusDelivered, receipt.Status)

	select {
	case m := <-response:
		assert.Equal(t, "corr-42", m.Metadata.CorrelationID, "correlation id is preserved")
		assert.Equal(t, "requester-1", m.TargetAgent)
		assert.Equal(t, "responder-1", m.SourceAgent)
	case <-time.After(5 * time.Second):
		t.Fatal("no response received")
	}
}

func TestHandlerForwardsToOtherAgents(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	archive := make(chan *Message, 1)
	archiver, _ := newTestClient(t, s, "archiver-1", nil)
	require.NoError(t, archiver.RegisterAgent(ctx, Registration{}))
	require.NoError(t, archiver.Connect(ctx))
	archiver.RegisterMessageHandler("fraud.alert", func(_ context.Context, m *Message) (*HandlerResult, error) {
		archive <- m
		return nil, nil
	})

	analyst, _ := newTestClient(t, s, "analyst-1", nil)
	require.NoError(t, analyst.RegisterAgent(ctx, Registration{
		Subscriptions: []Subscription{{Topic: "fraud-detection"}},
	}))
	require.NoError(t, analyst.Connect(ctx))
	analyst.RegisterMessageHandler("fraud.alert", func(_ context.Context, m *Message) (*HandlerResult, error) {
		return &HandlerResult{ForwardTo: []string{"archiver-1"}}, nil
	})

	sender, _ := newTestClient(t, s, "sender-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))
	original := testMsg("fraud-detection", "fraud.alert")
	original.ID = "alert-1"
	receipt := sender.Publish(ctx, original)
	require.Equal(t, StatusDelivered, receipt.Status)

	select {
	case m := <-archive:
		assert.NotEqual(t, "alert-1", m.ID, "forwarded copy carries a fresh id")
		assert.Equal(t, "archiver-1", m.TargetAgent)
	case <-time.After(5 * time.Second):
		t.Fatal("forward never arrived")
	}
}

func TestHandlersRunInArrivalOrder(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	receiver, _ := newTestClient(t, s, "receiver-1", nil)
	require.NoError(t, receiver.RegisterAgent(ctx, Registration{
		Subscriptions: []Subscription{{Topic: "system-events"}},
	}))
	require.NoError(t, receiver.Connect(ctx))

	var mu sync.Mutex
	var seen []int
	receiver.RegisterMessageHandler("system.tick", func(_ context.Context, m *Message) (*HandlerResult, error) {
		seq := int(m.Payload.(map[string]any)["seq"].(float64))
		if seq == 0 {
			// A slow first handler must not let later messages overtake.
			time.Sleep(150 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, seq)
		mu.Unlock()
		return nil, nil
	})

	sender, _ := newTestClient(t, s, "sender-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))
	require.NoError(t, sender.Connect(ctx))

	const n = 5
	for i := 0; i < n; i++ {
		msg := testMsg("system-events", "system.tick")
		msg.Payload = map[string]any{"seq": float64(i)}
		receipt := sender.Publish(ctx, msg)
		require.Equal(t, StatusDelivered, receipt.Status)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestSubscribeRollbackOnRejection(t *testing.T) {
	s := startHub(t, nil)
	ctx := context.Background()

	c, _ := newTestClient(t, s, "a1", nil)
	require.NoError(t, c.RegisterAgent(ctx, Registration{}))

	err := c.Subscribe(ctx, Subscription{Topic: "Not A Valid Topic"})
	require.Error(t, err)
	assert.Empty(t, c.Subscriptions(), "failed subscribe must not stay cached")

	require.NoError(t, c.Subscribe(ctx, Subscription{Topic: "chat-support"}))
	assert.Len(t, c.Subscriptions(), 1)

	require.NoError(t, c.Unsubscribe(ctx, "chat-support"))
	assert.Empty(t, c.Subscriptions())
}

func TestReconnectReestablishesSubscriptions(t *testing.T) {
	// Aggressive hub heartbeat evicts the silent client quickly; the
	// client then reconnects and must resubscribe on its own.
	s := startHub(t, func(cfg *config.Config) {
		cfg.HeartbeatIntervalMS = 200
	})
	ctx := context.Background()

	got := make(chan *Message, 1)
	c, rec := newTestClient(t, s, "a1", func(cfg *Config) {
		cfg.TestMode = false
		cfg.ReconnectBackoff = 100 * time.Millisecond
		cfg.HeartbeatInterval = time.Hour // never heartbeat; force eviction
	})
	require.NoError(t, c.RegisterAgent(ctx, Registration{}))
	require.NoError(t, c.Subscribe(ctx, Subscription{Topic: "chat-support"}))
	require.NoError(t, c.Connect(ctx))
	c.RegisterMessageHandler("chat.context_update", func(_ context.Context, m *Message) (*HandlerResult, error) {
		got <- m
		return nil, nil
	})

	// Wait for eviction plus reconnection.
	deadline := time.Now().Add(10 * time.Second)
	for !rec.has(EventReconnecting) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, rec.has(EventReconnecting), "client never noticed the eviction")
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, c.Connected(), "client never reconnected")

	sender, _ := newTestClient(t, s, "svc-1", nil)
	require.NoError(t, sender.RegisterAgent(ctx, Registration{}))
	receipt := sender.Publish(ctx, testMsg("chat-support", "chat.context_update"))
	require.Equal(t, StatusDelivered, receipt.Status)

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("message did not reach the reconnected client")
	}
}

func TestTestModeDisablesReconnection(t *testing.T) {
	s := startHub(t, func(cfg *config.Config) {
		cfg.HeartbeatIntervalMS = 200
	})
	ctx := context.Background()

	c, rec := newTestClient(t, s, "a1", func(cfg *Config) {
		cfg.HeartbeatInterval = time.Hour
	})
	require.NoError(t, c.RegisterAgent(ctx, Registration{}))
	require.NoError(t, c.Connect(ctx))

	deadline := time.Now().Add(10 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, c.Connected(), "hub should have evicted the silent client")
	time.Sleep(300 * time.Millisecond)
	assert.False(t, rec.has(EventReconnecting))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x", AgentID: "!"})
	require.Error(t, err)
	_, err = New(Config{AgentID: "agent-1"})
	require.Error(t, err)
}
