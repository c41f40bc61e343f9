package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentgrid/a2ahub/internal/events"
	"github.com/agentgrid/a2ahub/internal/types"
)

// AddRule installs a routing rule. Rules with equal priority keep their
// insertion order.
func (r *Router) AddRule(rule *types.RoutingRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for _, ir := range r.rules {
		if ir.rule.ID == rule.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
	}
	r.ruleSeq++
	r.rules = append(r.rules, &installedRule{rule: rule, seq: r.ruleSeq})
	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].rule.Priority != r.rules[j].rule.Priority {
			return r.rules[i].rule.Priority > r.rules[j].rule.Priority
		}
		return r.rules[i].seq < r.rules[j].seq
	})
	r.logger.Info().
		Str("rule_id", rule.ID).
		Str("action", string(rule.Action)).
		Int("priority", rule.Priority).
		Msg("Routing rule installed")
	return nil
}

// RemoveRule deletes a rule by id.
func (r *Router) RemoveRule(id string) bool {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for i, ir := range r.rules {
		if ir.rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the installed rules in evaluation order.
func (r *Router) Rules() []*types.RoutingRule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	out := make([]*types.RoutingRule, 0, len(r.rules))
	for _, ir := range r.rules {
		out = append(out, ir.rule)
	}
	return out
}

// applyRules runs the pipeline on a working copy of msg, highest priority
// first. A filter rule that fails its condition terminates the pipeline.
// A rule that errors is logged, emitted as ruleError, and skipped; the
// message continues unchanged.
func (r *Router) applyRules(msg *types.Message) (out *types.Message, filtered bool) {
	r.rulesMu.RLock()
	snapshot := make([]*types.RoutingRule, 0, len(r.rules))
	for _, ir := range r.rules {
		if ir.rule.Enabled {
			snapshot = append(snapshot, ir.rule)
		}
	}
	r.rulesMu.RUnlock()

	working := msg.Clone()
	for _, rule := range snapshot {
		if !r.predicateMatches(rule, working) {
			continue
		}
		stop, err := r.applyAction(rule, working)
		if err != nil {
			r.bus.Publish(events.Event{
				Kind:      events.RuleError,
				RuleID:    rule.ID,
				MessageID: working.ID,
				Err:       err.Error(),
			})
			r.logger.Error().
				Err(err).
				Str("rule_id", rule.ID).
				Str("message_id", working.ID).
				Msg("Rule evaluation failed, message continues unchanged")
			continue
		}
		r.bus.Publish(events.Event{
			Kind:      events.RuleApplied,
			RuleID:    rule.ID,
			MessageID: working.ID,
		})
		if stop {
			return nil, true
		}
	}
	return working, false
}

func (r *Router) predicateMatches(rule *types.RoutingRule, msg *types.Message) bool {
	if rule.Predicate == nil {
		return true
	}
	ok, err := evalCondition(rule.Predicate, msg)
	if err != nil {
		r.bus.Publish(events.Event{
			Kind:      events.RuleError,
			RuleID:    rule.ID,
			MessageID: msg.ID,
			Err:       err.Error(),
		})
		return false
	}
	return ok
}

// applyAction mutates the working copy per the rule's action. stop=true
// means the pipeline terminated with a filtered result.
func (r *Router) applyAction(rule *types.RoutingRule, msg *types.Message) (stop bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stop = false
			err = fmt.Errorf("rule panicked: %v", rec)
		}
	}()

	switch rule.Action {
	case types.ActionFilter:
		if rule.Params.Condition == nil {
			return false, fmt.Errorf("filter rule %s has no condition", rule.ID)
		}
		ok, err := evalCondition(rule.Params.Condition, msg)
		if err != nil {
			return false, err
		}
		// The condition is a pass gate: messages that do not satisfy it
		// are filtered out.
		return !ok, nil

	case types.ActionTransform:
		applyTransform(msg, rule.Params)
		return false, nil

	case types.ActionForward:
		now := time.Now()
		for _, agentID := range rule.Params.Agents {
			fwd := msg.Clone()
			fwd.ID = fmt.Sprintf("%s_forward_%s", msg.ID, agentID)
			fwd.Timestamp = now
			fwd.TargetAgent = agentID
			// Independent delivery; the original continues unchanged.
			if derr := r.deliverToAgent(fwd, agentID); derr != nil {
				r.bus.Publish(events.Event{
					Kind:      events.DeliveryError,
					AgentID:   agentID,
					MessageID: fwd.ID,
					Err:       derr.Error(),
				})
			}
		}
		return false, nil

	case types.ActionDuplicate:
		count := rule.Params.Count
		if count <= 0 {
			count = 1
		}
		for i := 1; i <= count; i++ {
			dup := msg.Clone()
			dup.ID = fmt.Sprintf("%s_dup_%d", msg.ID, i)
			applyModifications(dup, rule.Params.Modifications)
			// Copies route with rules suppressed so a duplicate rule can
			// never match its own output.
			r.route(dup, true)
		}
		return false, nil

	case types.ActionDelay:
		if rule.Params.DelayMs > 0 {
			time.Sleep(time.Duration(rule.Params.DelayMs) * time.Millisecond)
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown rule action %q", rule.Action)
	}
}

func applyTransform(msg *types.Message, p types.ActionParams) {
	if len(p.Payload) > 0 {
		base, ok := msg.Payload.(map[string]any)
		if !ok || base == nil {
			base = make(map[string]any)
		}
		for k, v := range p.Payload {
			base[k] = v
		}
		msg.Payload = base
	}
	if len(p.Metadata) > 0 {
		mergeMetadata(&msg.Metadata, p.Metadata)
	}
	if p.MessageType != "" {
		msg.MessageType = p.MessageType
	}
	if p.Priority != "" {
		msg.Priority = p.Priority
	}
}

func applyModifications(msg *types.Message, mods map[string]any) {
	if len(mods) == 0 {
		return
	}
	if pri, ok := mods["priority"].(string); ok {
		msg.Priority = types.Priority(pri)
	}
	if mt, ok := mods["messageType"].(string); ok {
		msg.MessageType = mt
	}
	if payload, ok := mods["payload"].(map[string]any); ok {
		base, ok := msg.Payload.(map[string]any)
		if !ok || base == nil {
			base = make(map[string]any)
		}
		for k, v := range payload {
			base[k] = v
		}
		msg.Payload = base
	}
	if md, ok := mods["metadata"].(map[string]any); ok {
		mergeMetadata(&msg.Metadata, md)
	}
}

func mergeMetadata(md *types.Metadata, overrides map[string]any) {
	for k, v := range overrides {
		switch k {
		case "correlationId":
			if s, ok := v.(string); ok {
				md.CorrelationID = s
			}
		case "ttl":
			if n, ok := toFloat(v); ok {
				md.TTL = int64(n)
			}
		case "retryCount":
			if n, ok := toFloat(v); ok {
				md.RetryCount = int(n)
			}
		case "deliveryAttempts":
			if n, ok := toFloat(v); ok {
				md.DeliveryAttempts = int(n)
			}
		case "routingKey":
			if s, ok := v.(string); ok {
				md.RoutingKey = s
			}
		case "replyTo":
			if s, ok := v.(string); ok {
				md.ReplyTo = s
			}
		}
	}
}

// evalCondition tests a declarative condition against a dotted field path
// of the message.
func evalCondition(c *types.Condition, msg *types.Message) (bool, error) {
	val, ok := fieldValue(msg, c.Field)
	if !ok {
		// Missing field: equals fails, not_equals passes.
		return c.Operator == types.OpNotEquals, nil
	}

	switch c.Operator {
	case types.OpEquals:
		return looseEqual(val, c.Value), nil
	case types.OpNotEquals:
		return !looseEqual(val, c.Value), nil
	case types.OpContains:
		s, sok := val.(string)
		sub, vok := c.Value.(string)
		if sok && vok {
			return strings.Contains(s, sub), nil
		}
		if list, lok := val.([]any); lok {
			for _, item := range list {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("contains requires string or array field %q", c.Field)
	case types.OpGreaterThan, types.OpLessThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("numeric comparison on non-numeric field %q", c.Field)
		}
		if c.Operator == types.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// fieldValue resolves a dotted path like "priority", "payload.risk.score",
// or "metadata.correlationId" against the message.
func fieldValue(msg *types.Message, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any
	switch parts[0] {
	case "id":
		cur = msg.ID
	case "timestamp":
		cur = msg.Timestamp.UnixMilli()
	case "sourceAgent":
		cur = msg.SourceAgent
	case "targetAgent":
		cur = msg.TargetAgent
	case "topic":
		cur = msg.Topic
	case "messageType":
		cur = msg.MessageType
	case "priority":
		cur = string(msg.Priority)
	case "payload":
		cur = msg.Payload
	case "metadata":
		cur = map[string]any{
			"correlationId":    msg.Metadata.CorrelationID,
			"ttl":              msg.Metadata.TTL,
			"retryCount":       msg.Metadata.RetryCount,
			"deliveryAttempts": msg.Metadata.DeliveryAttempts,
			"routingKey":       msg.Metadata.RoutingKey,
			"replyTo":          msg.Metadata.ReplyTo,
		}
	default:
		return nil, false
	}

	for _, part := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares with numeric coercion, since JSON decoding yields
// float64 for every number.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
