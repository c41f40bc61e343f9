package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/a2ahub/internal/types"
)

func filterRule(id string, priority int, predicate *types.Condition, cond types.Condition) *types.RoutingRule {
	return &types.RoutingRule{
		ID:        id,
		Name:      id,
		Priority:  priority,
		Enabled:   true,
		Predicate: predicate,
		Action:    types.ActionFilter,
		Params:    types.ActionParams{Condition: &cond},
	}
}

func TestFilterRuleTerminatesPipeline(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "x"})))

	// Pass gate: only low-priority messages on topic x survive.
	require.NoError(t, r.AddRule(filterRule("only-low", 100,
		&types.Condition{Field: "topic", Operator: types.OpEquals, Value: "x"},
		types.Condition{Field: "priority", Operator: types.OpEquals, Value: "low"})))

	high := testMessage("x", "cat.act")
	high.Priority = types.PriorityHigh
	receipts := r.RouteMessage(high)
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusFiltered, receipts[0].Status)
	assert.Equal(t, 0, r.QueueLen("a-1"))

	low := testMessage("x", "cat.act")
	low.Priority = types.PriorityLow
	receipts = r.RouteMessage(low)
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusDelivered, receipts[0].Status)
	assert.Equal(t, 1, r.QueueLen("a-1"))
}

func TestRulePriorityOrderWithTies(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	// Highest priority first; equal priorities keep insertion order.
	// Each transform overwrites messageType, so the last writer wins.
	addTransform := func(id string, priority int, msgType string) {
		require.NoError(t, r.AddRule(&types.RoutingRule{
			ID:       id,
			Priority: priority,
			Enabled:  true,
			Action:   types.ActionTransform,
			Params:   types.ActionParams{MessageType: msgType},
		}))
	}
	addTransform("low-pri", 1, "step.third")
	addTransform("tie-a", 50, "step.first")
	addTransform("tie-b", 50, "step.second")

	r.RouteMessage(testMessage("t1", "cat.act"))
	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 1)
	// tie-a ran before tie-b, low-pri last.
	assert.Equal(t, "step.third", msgs[0].MessageType)
}

func TestDisabledRuleSkipped(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	rule := filterRule("off", 10, nil,
		types.Condition{Field: "priority", Operator: types.OpEquals, Value: "low"})
	rule.Enabled = false
	require.NoError(t, r.AddRule(rule))

	receipts := r.RouteMessage(testMessage("t1", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusDelivered, receipts[0].Status)
}

func TestTransformShallowMerge(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	require.NoError(t, r.AddRule(&types.RoutingRule{
		ID:       "enrich",
		Priority: 10,
		Enabled:  true,
		Action:   types.ActionTransform,
		Params: types.ActionParams{
			Payload:  map[string]any{"tag": "enriched"},
			Metadata: map[string]any{"routingKey": "rk-1"},
			Priority: types.PriorityHigh,
		},
	}))

	original := testMessage("t1", "cat.act")
	r.RouteMessage(original)

	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(map[string]any)
	assert.Equal(t, "enriched", payload["tag"])
	assert.Equal(t, float64(1), payload["x"], "existing payload keys survive the merge")
	assert.Equal(t, "rk-1", msgs[0].Metadata.RoutingKey)
	assert.Equal(t, types.PriorityHigh, msgs[0].Priority)

	// The rule worked on a copy; the caller's message is untouched.
	assert.Equal(t, types.PriorityNormal, original.Priority)
	assert.NotContains(t, original.Payload.(map[string]any), "tag")
}

func TestForwardSchedulesIndependentDeliveries(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("sub-1",
		types.Subscription{Topic: "t1"})))
	require.NoError(t, r.RegisterAgent(registration("audit-1")))

	require.NoError(t, r.AddRule(&types.RoutingRule{
		ID:       "audit-copy",
		Priority: 10,
		Enabled:  true,
		Action:   types.ActionForward,
		Params:   types.ActionParams{Agents: []string{"audit-1"}},
	}))

	receipts := r.RouteMessage(testMessage("t1", "cat.act"))

	// The original pipeline still delivers to the subscriber only.
	require.Len(t, receipts, 1)
	assert.Equal(t, "sub-1", receipts[0].TargetAgent)

	fwd := r.DrainQueue("audit-1")
	require.Len(t, fwd, 1)
	assert.Equal(t, "m1_forward_audit-1", fwd[0].ID)
	assert.Equal(t, "audit-1", fwd[0].TargetAgent)
}

func TestDuplicateEmitsSuppressedCopies(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	// A duplicate rule that matches everything on the topic. Without
	// suppression this would recurse forever.
	require.NoError(t, r.AddRule(&types.RoutingRule{
		ID:        "dup",
		Priority:  10,
		Enabled:   true,
		Predicate: &types.Condition{Field: "topic", Operator: types.OpEquals, Value: "t1"},
		Action:    types.ActionDuplicate,
		Params: types.ActionParams{
			Count:         2,
			Modifications: map[string]any{"priority": "high"},
		},
	}))

	receipts := r.RouteMessage(testMessage("t1", "cat.act"))
	require.Len(t, receipts, 1)

	msgs := r.DrainQueue("a-1")
	require.Len(t, msgs, 3)

	ids := map[string]types.Priority{}
	for _, m := range msgs {
		ids[m.ID] = m.Priority
	}
	assert.Contains(t, ids, "m1")
	assert.Equal(t, types.PriorityHigh, ids["m1_dup_1"])
	assert.Equal(t, types.PriorityHigh, ids["m1_dup_2"])
}

func TestDelayRuleSuspendsPipeline(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	require.NoError(t, r.AddRule(&types.RoutingRule{
		ID:       "slow",
		Priority: 10,
		Enabled:  true,
		Action:   types.ActionDelay,
		Params:   types.ActionParams{DelayMs: 50},
	}))

	start := time.Now()
	r.RouteMessage(testMessage("t1", "cat.act"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRuleErrorContinuesUnchanged(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.RegisterAgent(registration("a-1",
		types.Subscription{Topic: "t1"})))

	// Numeric comparison against a string field errors; the message must
	// still route.
	require.NoError(t, r.AddRule(filterRule("broken", 10, nil,
		types.Condition{Field: "topic", Operator: types.OpGreaterThan, Value: 5})))

	receipts := r.RouteMessage(testMessage("t1", "cat.act"))
	require.Len(t, receipts, 1)
	assert.Equal(t, types.StatusDelivered, receipts[0].Status)
}

func TestRemoveRule(t *testing.T) {
	r, _ := newTestRouter()
	require.NoError(t, r.AddRule(filterRule("f1", 10, nil,
		types.Condition{Field: "priority", Operator: types.OpEquals, Value: "low"})))
	require.Error(t, r.AddRule(filterRule("f1", 20, nil,
		types.Condition{Field: "priority", Operator: types.OpEquals, Value: "low"})))

	assert.True(t, r.RemoveRule("f1"))
	assert.False(t, r.RemoveRule("f1"))
	assert.Empty(t, r.Rules())
}

func TestConditionOperators(t *testing.T) {
	msg := testMessage("fraud-detection", "fraud.alert")
	msg.Payload = map[string]any{"score": float64(82), "desc": "card testing"}

	cases := []struct {
		name string
		cond types.Condition
		want bool
	}{
		{"equals hit", types.Condition{Field: "topic", Operator: types.OpEquals, Value: "fraud-detection"}, true},
		{"equals miss", types.Condition{Field: "topic", Operator: types.OpEquals, Value: "other"}, false},
		{"not_equals", types.Condition{Field: "priority", Operator: types.OpNotEquals, Value: "high"}, true},
		{"contains string", types.Condition{Field: "payload.desc", Operator: types.OpContains, Value: "testing"}, true},
		{"greater_than", types.Condition{Field: "payload.score", Operator: types.OpGreaterThan, Value: float64(80)}, true},
		{"less_than", types.Condition{Field: "payload.score", Operator: types.OpLessThan, Value: float64(80)}, false},
		{"nested path", types.Condition{Field: "metadata.correlationId", Operator: types.OpEquals, Value: "c1"}, true},
		{"missing field not_equals", types.Condition{Field: "payload.absent", Operator: types.OpNotEquals, Value: "x"}, true},
		{"missing field equals", types.Condition{Field: "payload.absent", Operator: types.OpEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evalCondition(&tc.cond, msg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
