package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/validate"
	"github.com/agentgrid/a2ahub/internal/wire"
)

// inboundFrame is the sniffed shape of a hub control frame. Message frames
// have no "type" key.
type inboundFrame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	Receipt   types.Receipt `json:"receipt"`
	Message   string        `json:"message"`
}

// readLoop consumes hub frames until the stream dies, then hands off to
// the reconnect logic.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.streamLost(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err == nil && frame.Type != "" {
		switch frame.Type {
		case "delivery_receipt":
			c.pendingMu.Lock()
			waiter, ok := c.pending[frame.MessageID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case waiter <- frame.Receipt:
				default:
				}
			}
		case "error":
			c.logger.Warn().Str("hub_error", frame.Message).Msg("Hub reported an error")
		default:
			c.logger.Debug().Str("frame_type", frame.Type).Msg("Ignoring unknown frame type")
		}
		return
	}

	msg, err := c.codec.Deserialize(string(data), wire.DeserializeOptions{})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed inbound frame")
		return
	}
	// Handing off keeps the read loop free to route receipt frames, so a
	// handler that publishes mid-dispatch still sees its receipt.
	select {
	case c.inbound <- msg:
	default:
		c.logger.Warn().Str("message_id", msg.ID).Msg("Handler backlog full; dropping message")
	}
}

// dispatchLoop runs handlers serially in arrival order.
func (c *Client) dispatchLoop() {
	for msg := range c.inbound {
		c.dispatch(msg)
	}
}

// dispatch validates an inbound message and invokes its handler. Handler
// results can trigger a reply or forwards.
func (c *Client) dispatch(msg *types.Message) {
	if res := validate.Message(msg); !res.Valid {
		c.logger.Warn().
			Str("message_id", msg.ID).
			Strs("errors", res.Errors).
			Msg("Dropping invalid inbound message")
		return
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.MessageType]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug().
			Str("message_type", msg.MessageType).
			Str("message_id", msg.ID).
			Msg("No handler registered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	result, err := handler(ctx, msg)
	if err != nil {
		c.emit(Event{Kind: EventHandlerError, MessageID: msg.ID, Err: err})
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Handler failed")
		return
	}
	if result == nil {
		return
	}

	if result.ResponsePayload != nil && msg.Metadata.ReplyTo != "" {
		c.publishResponse(ctx, msg, result.ResponsePayload)
	}
	for _, target := range result.ForwardTo {
		c.forward(ctx, msg, target)
	}
}

// publishResponse answers a request-style message back to its replyTo
// agent, preserving the correlation id.
func (c *Client) publishResponse(ctx context.Context, orig *types.Message, payload any) {
	response := &types.Message{
		ID:          fmt.Sprintf("%s_response", orig.ID),
		Timestamp:   time.Now(),
		SourceAgent: c.cfg.AgentID,
		TargetAgent: orig.Metadata.ReplyTo,
		Topic:       orig.Topic,
		MessageType: fmt.Sprintf("%s_response", orig.MessageType),
		Priority:    orig.Priority,
		Payload:     payload,
		Metadata: types.Metadata{
			CorrelationID: orig.Metadata.CorrelationID,
			TTL:           orig.Metadata.TTL,
		},
	}
	if receipt := c.Publish(ctx, response); receipt.Status == types.StatusFailed {
		c.logger.Warn().
			Str("message_id", response.ID).
			Str("error", receipt.Error).
			Msg("Response publish failed")
	}
}

// forward re-publishes a handled message to another agent under a fresh
// id.
func (c *Client) forward(ctx context.Context, orig *types.Message, target string) {
	fwd := orig.Clone()
	fwd.ID = uuid.NewString()
	fwd.Timestamp = time.Now()
	fwd.SourceAgent = c.cfg.AgentID
	fwd.TargetAgent = target
	if receipt := c.Publish(ctx, fwd); receipt.Status == types.StatusFailed {
		c.logger.Warn().
			Str("target_agent", target).
			Str("error", receipt.Error).
			Msg("Forward publish failed")
	}
}

// heartbeatLoop keeps the hub's liveness tracking fed.
func (c *Client) heartbeatLoop(conn net.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	frame := []byte(`{"type":"heartbeat"}`)
	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		if err := c.writeFrame(frame); err != nil {
			return
		}
	}
}

// streamLost handles an unexpected stream close: mark detached, then
// reconnect unless the close was requested or the client is in test mode.
func (c *Client) streamLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over already.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.attached = false
	closing := c.closing
	c.mu.Unlock()
	conn.Close()

	if closing {
		return
	}
	c.emit(Event{Kind: EventDisconnected, Err: cause})
	c.logger.Warn().Err(cause).Msg("Stream lost")

	if c.cfg.TestMode {
		return
	}
	// A normal closure is a deliberate goodbye; only unexpected closes
	// trigger reconnection.
	var closed wsutil.ClosedError
	if errors.As(cause, &closed) && closed.Code == ws.StatusNormalClosure {
		return
	}
	go c.reconnect()
}

// reconnect retries the stream with linear backoff and re-issues every
// cached subscription once attached.
func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * c.cfg.ReconnectBackoff)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.emit(Event{Kind: EventReconnecting, Attempt: attempt})
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		c.startLoops(conn)
		c.resubscribe()
		c.emit(Event{Kind: EventConnected, Attempt: attempt})
		c.logger.Info().Int("attempt", attempt).Msg("Reconnected")
		return
	}
	c.emit(Event{Kind: EventMaxReconnectAttempts})
	c.logger.Error().
		Int("attempts", c.cfg.MaxReconnectAttempts).
		Msg("Giving up on reconnection")
}

// resubscribe re-POSTs the cached subscriptions after a reconnect.
func (c *Client) resubscribe() {
	subs := c.Subscriptions()
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()
	failed := []string{}
	for _, sub := range subs {
		body := map[string]any{"agentId": c.cfg.AgentID, "subscription": sub}
		if err := c.postJSON(ctx, "/subscriptions", body, nil); err != nil {
			failed = append(failed, sub.Topic)
		}
	}
	if len(failed) > 0 {
		c.logger.Warn().
			Str("topics", strings.Join(failed, ",")).
			Msg("Resubscribe failed for some topics")
	}
}
