package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/a2ahub/internal/events"
	"github.com/agentgrid/a2ahub/internal/types"
)

func newTestRouter(opts ...Option) (*Router, *events.Bus) {
	bus := events.NewBus()
	return New(zerolog.Nop(), bus, opts...), bus
}

func testMessage(topic, msgType string) *types.Message {
	return &types.Message{
		ID:          "m1",
		Timestamp:   time.Now(),
		SourceAgent: "svc",
		Topic:       topic,
		MessageType: msgType,
		Priority:    types.PriorityNormal,
		Payload:     map[string]any{"x": float64(1)},
		Metadata:    types.Metadata{CorrelationID: "c1", TTL: 60000},
	}
}

func registration(id string, subs ...types.Subscription) *types.Registration {
	return &types.Registration{
		AgentID:       id,
		AgentType:     "test",
		Subscriptions: subs,
	}
}

func TestSubscriberReceivesMatchingMessage(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("chatbot-001",
		types.Subscription{Topic: "chat-support"})))

	receipts := r.RouteMessage(testMessage("chat-support", "chat.context_update"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusDelivered, receipts[0].Status)
	assert.Equal(t, "chatbot-001", receipts[0].TargetAgent)
	assert.Equal(t, "m1", receipts[0].MessageID)
	assert.Equal(t, 1, r.QueueLen("chatbot-001"))
}

func TestEmptyMessageTypesMeansAll(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1", MessageTypes: []string{}})))
	require.NoError(t, r.RegisterAgent(registration("a-2",
		types.Subscription{Topic: "t1", MessageTypes: []string{"cat.other"}})))

	receipts := r.RouteMessage(testMessage("t1", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, "a-1", receipts[0].TargetAgent)
}

func TestUnicastOverridesSubscription(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1")))
	require.NoError(t, r.RegisterAgent(registration("a-2",
		types.Subscription{Topic: "x"})))

	msg := testMessage("x", "cat.act")
	msg.TargetAgent = "a-1"
	receipts := r.RouteMessage(msg)

	require.Len(t, receipts, 1)
	assert.Equal(t, "a-1", receipts[0].TargetAgent)
	assert.Equal(t, 1, r.QueueLen("a-1"))
	assert.Equal(t, 0, r.QueueLen("a-2"))
}

func TestNoRecipientsYieldsSingleFailedReceipt(t *testing.T) {
	r, _ := newTestRouter()
	receipts := r.RouteMessage(testMessage("empty-topic", "cat.act"))

	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusFailed, receipts[0].Status)
	assert.Equal(t, "no recipients", receipts[0].Error)
	assert.Equal(t, SyntheticTarget, receipts[0].TargetAgent)
}

func TestOneReceiptPerRecipientNoDuplicates(t *testing.T) {
	r, _ := newTestRouter()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RegisterAgent(registration(
			fmt.Sprintf("agent-%d", i), types.Subscription{Topic: "fan"})))
	}

	receipts := r.RouteMessage(testMessage("fan", "cat.act"))
	require.Len(t, receipts, 5)

	seen := map[string]bool{}
	for _, rec := range receipts {
		assert.False(t, seen[rec.TargetAgent], "recipient %s appears twice", rec.TargetAgent)
		seen[rec.TargetAgent] = true
		assert.Equal(t, types.StatusDelivered, rec.Status)
	}
}

func TestUnregisterIsIdempotentAndDropsQueue(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))
	r.RouteMessage(testMessage("t1", "cat.act"))
	require.Equal(t, 1, r.QueueLen("a-1"))

	r.UnregisterAgent("a-1")
	assert.Equal(t, 0, r.QueueLen("a-1"))
	_, ok := r.Registration("a-1")
	assert.False(t, ok)

	// Second unregister is a no-op.
	r.UnregisterAgent("a-1")

	// Topic key removed with its last subscriber.
	receipts := r.RouteMessage(testMessage("t1", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusFailed, receipts[0].Status)
}

func TestReRegisterReplacesSubscriptionIndex(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t-old"})))
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t-new"})))

	// The old topic key goes away with its last subscriber.
	r.subsMu.RLock()
	_, oldExists := r.subs["t-old"]
	_, newExists := r.subs["t-new"]
	r.subsMu.RUnlock()
	assert.False(t, oldExists)
	assert.True(t, newExists)

	receipts := r.RouteMessage(testMessage("t-old", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusFailed, receipts[0].Status)

	receipts = r.RouteMessage(testMessage("t-new", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusDelivered, receipts[0].Status)

	// Unregister after a re-register leaves no index entries behind.
	r.UnregisterAgent("a-1")
	r.subsMu.RLock()
	remaining := len(r.subs)
	r.subsMu.RUnlock()
	assert.Zero(t, remaining)
	assert.Zero(t, r.StatsSnapshot().Topics)
}

func TestRemoveSubscriptionPrunesTopicKey(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	require.NoError(t, r.RemoveSubscription("a-1", "t1"))

	r.subsMu.RLock()
	_, exists := r.subs["t1"]
	r.subsMu.RUnlock()
	assert.False(t, exists)
}

func TestQueueFIFOAndDrain(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	for i := 1; i <= 3; i++ {
		msg := testMessage("t1", "cat.act")
		msg.ID = fmt.Sprintf("m%d", i)
		r.RouteMessage(msg)
	}

	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.Equal(t, 0, r.QueueLen("a-1"))
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	r, bus := newTestRouter(WithQueueSoftCap(2))
	ch := bus.Subscribe(8)
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	for i := 1; i <= 3; i++ {
		msg := testMessage("t1", "cat.act")
		msg.ID = fmt.Sprintf("m%d", i)
		r.RouteMessage(msg)
	}

	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	var sawOverflow bool
	for done := false; !done; {
		select {
		case e := <-ch:
			if e.Kind == events.QueueOverflow && e.MessageID == "m1" {
				sawOverflow = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawOverflow, "expected queueOverflow event for the dropped head")
}

func TestRequeuePreservesOrder(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	m1 := testMessage("t1", "cat.act")
	m1.ID = "m1"
	m2 := testMessage("t1", "cat.act")
	m2.ID = "m2"

	r.RouteMessage(m2)
	r.Requeue("a-1", []*types.Message{m1})

	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestDeliveryNotifierFires(t *testing.T) {
	r, _ := newTestRouter()
	notified := make(chan string, 1)
	r.SetDeliveryNotifier(func(agentID string) { notified <- agentID })

	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))
	r.RouteMessage(testMessage("t1", "cat.act"))

	select {
	case id := <-notified:
		assert.Equal(t, "a-1", id)
	case <-time.After(time.Second):
		t.Fatal("delivery notifier did not fire")
	}
}

func TestStatsSnapshot(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))
	r.RouteMessage(testMessage("t1", "cat.act"))
	r.RouteMessage(testMessage("nobody-home", "cat.act"))

	stats := r.StatsSnapshot()
	assert.Equal(t, 1, stats.RegisteredAgents)
	assert.Equal(t, int64(2), stats.MessagesRouted)
	assert.Equal(t, int64(1), stats.ReceiptsDelivered)
	assert.Equal(t, int64(1), stats.ReceiptsFailed)
	assert.Equal(t, int64(1), stats.QueuedMessages)
}
