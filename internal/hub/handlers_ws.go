package hub

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agentgrid/a2ahub/internal/events"
	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/wire"
)

const (
	closeNormal    = ws.StatusNormalClosure   // 1000
	closeGoingAway = ws.StatusGoingAway       // 1001
	closePolicy    = ws.StatusPolicyViolation // 1008

	agentIDHeader = "X-Agent-ID"
)

// receiptFrame answers a stream publish, keyed by the message id.
type receiptFrame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	Receipt   types.Receipt `json:"receipt"`
}

// errorFrame reports a protocol or validation problem on the stream.
type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// framePeek sniffs the control-frame type. Message frames have no "type"
// key (and compressed ones do not even parse as objects).
type framePeek struct {
	Type string `json:"type"`
}

// handleStream upgrades /ws and runs the read loop for one agent stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "hub is shutting down")
		return
	}
	agentID := r.Header.Get(agentIDHeader)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if agentID == "" {
		// Complete the handshake, then reject with a policy violation.
		s.closeConn(conn, closePolicy, "missing "+agentIDHeader+" header")
		return
	}

	ac := s.agents.ensure(agentID)
	prev, orphans, send, stop := ac.attach(conn)
	if prev != nil {
		// One live stream per agent: the new one wins.
		s.logger.Info().Str("agent_id", agentID).Msg("Superseding existing stream")
		prev.Close()
	}
	// Frames the old stream buffered but never wrote go back to the
	// queue before the flush, keeping per-recipient FIFO.
	s.requeueOrphans(agentID, orphans)
	s.bus.Publish(events.Event{Kind: events.AgentAttached, AgentID: agentID})
	s.logger.Info().Str("agent_id", agentID).Msg("Stream attached")

	go s.writePump(ac, conn, send, stop)

	// Pending messages go out first, in enqueue order.
	s.flushAgent(agentID)

	s.readPump(ac, conn)
}

// readPump consumes frames until the stream dies. Runs on the upgraded
// connection's handler goroutine.
func (s *Server) readPump(ac *agentConn, conn net.Conn) {
	defer func() {
		conn.Close()
		if orphans, ok := ac.detach(conn); ok {
			s.requeueOrphans(ac.agentID, orphans)
			s.bus.Publish(events.Event{Kind: events.AgentDetached, AgentID: ac.agentID})
			s.logger.Info().Str("agent_id", ac.agentID).Msg("Stream detached")
		}
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		ac.touch()
		s.framesReceived.Add(1)
		if s.metrics != nil {
			s.metrics.framesReceived.Inc()
		}
		s.handleFrame(ac, data)
	}
}

// handleFrame processes one inbound frame: a heartbeat or a publish.
func (s *Server) handleFrame(ac *agentConn, data []byte) {
	var peek framePeek
	if err := json.Unmarshal(data, &peek); err == nil && peek.Type != "" {
		switch peek.Type {
		case "heartbeat":
			// Liveness was already bumped on read.
			return
		default:
			s.sendErrorFrame(ac, "unknown frame type: "+peek.Type)
			return
		}
	}

	if !ac.limiter.Allow() {
		s.rateLimited.Add(1)
		if s.metrics != nil {
			s.metrics.rateLimited.Inc()
		}
		s.sendErrorFrame(ac, "publish rate limit exceeded")
		return
	}

	msg, err := s.codec.Deserialize(string(data), wire.DeserializeOptions{})
	if err != nil {
		s.sendErrorFrame(ac, "malformed message frame: "+err.Error())
		return
	}

	// Transport identity wins over any claimed source.
	receipts, vErrs := s.ingest(msg, ac.agentID, "stream")
	if vErrs != nil {
		s.sendErrorFrame(ac, "validation failed: "+joinErrors(vErrs))
		return
	}

	frame := receiptFrame{
		Type:      "delivery_receipt",
		MessageID: msg.ID,
		Receipt:   receipts[0],
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to encode receipt frame")
		return
	}
	if err := ac.enqueueFrame(payload, nil); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", ac.agentID).Msg("Could not return delivery receipt")
	}
}

func (s *Server) sendErrorFrame(ac *agentConn, msg string) {
	payload, err := json.Marshal(errorFrame{
		Type:      "error",
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := ac.enqueueFrame(payload, nil); err != nil {
		s.logger.Debug().Err(err).Str("agent_id", ac.agentID).Msg("Dropped error frame")
	}
}

// writePump owns all writes to one stream attachment.
func (s *Server) writePump(ac *agentConn, conn net.Conn, send chan outFrame, stop chan struct{}) {
	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerText(conn, frame.data); err != nil {
				s.logger.Warn().
					Err(err).
					Str("agent_id", ac.agentID).
					Msg("Stream write failed")
				conn.Close()
				if orphans, ok := ac.detach(conn); ok {
					// The frame that failed to write goes back first.
					if frame.msg != nil {
						orphans = append([]outFrame{frame}, orphans...)
					}
					s.requeueOrphans(ac.agentID, orphans)
					s.bus.Publish(events.Event{Kind: events.AgentDetached, AgentID: ac.agentID})
				}
				return
			}
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// requeueOrphans returns undelivered message frames from a dead stream
// attachment to the front of the agent's queue, in their buffered order.
// Control frames carry no message and are dropped.
func (s *Server) requeueOrphans(agentID string, orphans []outFrame) {
	var msgs []*types.Message
	for _, f := range orphans {
		if f.msg != nil {
			msgs = append(msgs, f.msg)
		}
	}
	if len(msgs) == 0 {
		return
	}
	s.router.Requeue(agentID, msgs)
	s.logger.Debug().
		Str("agent_id", agentID).
		Int("count", len(msgs)).
		Msg("Requeued undelivered frames")
}

// closeStream sends a close frame, closes the socket, and drops the
// attachment.
func (s *Server) closeStream(ac *agentConn, conn net.Conn, code ws.StatusCode, reason string) {
	s.closeConn(conn, code, reason)
	if orphans, ok := ac.detach(conn); ok {
		s.requeueOrphans(ac.agentID, orphans)
		s.bus.Publish(events.Event{Kind: events.AgentDetached, AgentID: ac.agentID})
	}
}

func (s *Server) closeConn(conn net.Conn, code ws.StatusCode, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, reason)
	if err := wsutil.WriteServerMessage(conn, ws.OpClose, body); err != nil {
		s.logger.Debug().Err(err).Msg("Close frame write failed")
	}
	conn.Close()
}

func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
