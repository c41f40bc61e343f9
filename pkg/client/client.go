// Package client is the agent-side library for the A2A hub: stream
// connect/reconnect, publish with delivery-receipt correlation and HTTP
// fallback, subscription management, and typed message handlers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/validate"
	"github.com/agentgrid/a2ahub/internal/wire"
)

// EventKind labels client lifecycle notifications.
type EventKind string

const (
	EventConnected            EventKind = "connected"
	EventDisconnected         EventKind = "disconnected"
	EventReconnecting         EventKind = "reconnecting"
	EventPublishError         EventKind = "publishError"
	EventHandlerError         EventKind = "handlerError"
	EventMaxReconnectAttempts EventKind = "maxReconnectAttemptsReached"
)

// Event is delivered to the configured OnEvent callback. The callback runs
// on client goroutines and must not block.
type Event struct {
	Kind      EventKind
	MessageID string
	Attempt   int
	Err       error
}

// HandlerResult optionally instructs the dispatcher to reply or forward.
type HandlerResult struct {
	// ResponsePayload, combined with a replyTo on the inbound message,
	// publishes a "{messageType}_response" back to the sender.
	ResponsePayload any
	// ForwardTo re-publishes the message to each listed agent under a
	// fresh id.
	ForwardTo []string
}

// Handler consumes one inbound message for its registered message type.
type Handler func(ctx context.Context, msg *types.Message) (*HandlerResult, error)

// Config configures a hub client.
type Config struct {
	BaseURL   string // http(s) origin of the hub, e.g. "http://hub:8080"
	AgentID   string
	AgentType string

	Logger zerolog.Logger

	HTTPTimeout       time.Duration // default 30s
	ReceiptTimeout    time.Duration // stream publish receipt wait, default 30s
	HeartbeatInterval time.Duration // default 30s

	// TestMode disables automatic reconnection; stream errors surface to
	// the caller instead.
	TestMode bool

	MaxReconnectAttempts int           // default 5
	ReconnectBackoff     time.Duration // per-attempt multiplier, default 5s

	OnEvent func(Event)
}

const (
	defaultTimeout    = 30 * time.Second
	defaultHeartbeat  = 30 * time.Second
	defaultReconnects = 5
	defaultBackoff    = 5 * time.Second

	agentIDHeader = "X-Agent-ID"
)

// ErrNotConnected is returned by stream operations without a live stream.
var ErrNotConnected = errors.New("client is not connected")

// Client talks to one hub on behalf of one agent.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	http   *http.Client
	codec  *wire.Serializer

	mu       sync.Mutex
	conn     net.Conn
	closing  bool // user asked to disconnect; suppresses reconnection
	attached bool

	subsMu sync.Mutex
	subs   map[string]types.Subscription

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan types.Receipt

	writeMu sync.Mutex
	wg      sync.WaitGroup

	// inbound feeds a single dispatcher goroutine so handlers run one
	// at a time in arrival order, matching the hub's per-recipient FIFO.
	inbound      chan *types.Message
	dispatchOnce sync.Once
}

// inboundBufferSize bounds the handler backlog. Matches the hub's
// per-agent send buffer; messages past it are dropped with a warning
// rather than stalling the read loop.
const inboundBufferSize = 256

// New builds a client. The agent still has to call RegisterAgent and
// Connect.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if !validate.ValidAgentID(cfg.AgentID) {
		return nil, fmt.Errorf("invalid agentId: %q", cfg.AgentID)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultBackoff
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("agent_id", cfg.AgentID).Logger(),
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		codec:    wire.New(cfg.Logger),
		subs:     make(map[string]types.Subscription),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan types.Receipt),
		inbound:  make(chan *types.Message, inboundBufferSize),
	}, nil
}

func (c *Client) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// RegisterAgent registers with the hub over HTTP and caches the declared
// subscriptions for re-establishment after reconnects.
func (c *Client) RegisterAgent(ctx context.Context, reg types.Registration) error {
	if reg.AgentID == "" {
		reg.AgentID = c.cfg.AgentID
	}
	if reg.AgentType == "" {
		reg.AgentType = c.cfg.AgentType
	}
	if err := c.postJSON(ctx, "/agents/register", reg, nil); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	c.subsMu.Lock()
	for _, sub := range reg.Subscriptions {
		c.subs[sub.Topic] = sub
	}
	c.subsMu.Unlock()
	return nil
}

// Connect opens the stream and starts the read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.startLoops(conn)
	c.emit(Event{Kind: EventConnected})
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	wsURL := strings.Replace(c.cfg.BaseURL, "http", "ws", 1) + "/ws"
	header := http.Header{}
	header.Set(agentIDHeader, c.cfg.AgentID)
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, _, _, err := d.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("stream dial %s: %w", wsURL, err)
	}
	return conn, nil
}

func (c *Client) startLoops(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.attached = true
	c.mu.Unlock()

	// One dispatcher for the client's lifetime; it spans reconnects so
	// ordering holds across stream generations.
	c.dispatchOnce.Do(func() { go c.dispatchLoop() })

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.heartbeatLoop(conn)
	c.logger.Info().Msg("Stream connected")
}

// Disconnect closes the stream with a normal-closure frame. Reconnection
// is suppressed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.attached = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "client disconnect")
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
	c.writeMu.Unlock()
	err := conn.Close()
	c.emit(Event{Kind: EventDisconnected})
	return err
}

// Connected reports whether a live stream is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// Publish validates and sends a message, preferring the stream. A stream
// publish waits for the matching delivery_receipt frame; otherwise the
// message goes over HTTP. Failures return a synthesised failed receipt.
func (c *Client) Publish(ctx context.Context, msg *types.Message) types.Receipt {
	c.prepare(msg)

	if res := validate.Message(msg); !res.Valid {
		err := fmt.Errorf("message validation failed: %s", strings.Join(res.Errors, "; "))
		return c.failPublish(msg, err)
	}

	if c.Connected() {
		receipt, err := c.publishStream(ctx, msg)
		if err == nil {
			return receipt
		}
		c.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Stream publish failed, falling back to HTTP")
	}

	receipt, err := c.publishHTTP(ctx, msg)
	if err != nil {
		return c.failPublish(msg, err)
	}
	return receipt
}

// prepare fills the fields a caller may omit.
func (c *Client) prepare(msg *types.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.SourceAgent == "" {
		msg.SourceAgent = c.cfg.AgentID
	}
	if msg.Priority == "" {
		msg.Priority = types.PriorityNormal
	}
	if msg.Metadata.CorrelationID == "" {
		msg.Metadata.CorrelationID = uuid.NewString()
	}
	if msg.Metadata.TTL == 0 {
		msg.Metadata.TTL = time.Minute.Milliseconds()
	}
}

func (c *Client) failPublish(msg *types.Message, err error) types.Receipt {
	c.emit(Event{Kind: EventPublishError, MessageID: msg.ID, Err: err})
	return types.Receipt{
		MessageID:   msg.ID,
		Timestamp:   time.Now(),
		Status:      types.StatusFailed,
		TargetAgent: msg.TargetAgent,
		Error:       err.Error(),
	}
}

func (c *Client) publishStream(ctx context.Context, msg *types.Message) (types.Receipt, error) {
	frame, err := c.codec.Serialize(msg, wire.SerializeOptions{IncludeSchema: true})
	if err != nil {
		return types.Receipt{}, err
	}

	waiter := make(chan types.Receipt, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame([]byte(frame)); err != nil {
		return types.Receipt{}, err
	}

	timer := time.NewTimer(c.cfg.ReceiptTimeout)
	defer timer.Stop()
	select {
	case receipt := <-waiter:
		return receipt, nil
	case <-timer.C:
		return types.Receipt{}, errors.New("publish timeout: no delivery receipt")
	case <-ctx.Done():
		return types.Receipt{}, ctx.Err()
	}
}

func (c *Client) publishHTTP(ctx context.Context, msg *types.Message) (types.Receipt, error) {
	var resp struct {
		Success  bool            `json:"success"`
		Receipts []types.Receipt `json:"receipts"`
	}
	if err := c.postJSON(ctx, "/messages", msg, &resp); err != nil {
		return types.Receipt{}, err
	}
	if len(resp.Receipts) == 0 {
		return types.Receipt{}, errors.New("hub returned no receipts")
	}
	return resp.Receipts[0], nil
}

// Subscribe registers a subscription with the hub and caches it. The local
// entry is rolled back if the hub rejects it.
func (c *Client) Subscribe(ctx context.Context, sub types.Subscription) error {
	c.subsMu.Lock()
	prev, had := c.subs[sub.Topic]
	c.subs[sub.Topic] = sub
	c.subsMu.Unlock()

	body := map[string]any{"agentId": c.cfg.AgentID, "subscription": sub}
	if err := c.postJSON(ctx, "/subscriptions", body, nil); err != nil {
		c.subsMu.Lock()
		if had {
			c.subs[sub.Topic] = prev
		} else {
			delete(c.subs, sub.Topic)
		}
		c.subsMu.Unlock()
		return fmt.Errorf("subscribe %s: %w", sub.Topic, err)
	}
	return nil
}

// Unsubscribe removes a subscription from the hub and the local cache,
// restoring the cache entry on failure.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.subsMu.Lock()
	prev, had := c.subs[topic]
	delete(c.subs, topic)
	c.subsMu.Unlock()

	url := fmt.Sprintf("%s/subscriptions/%s?agentId=%s", c.cfg.BaseURL, topic, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("unsubscribe %s: %s", topic, readErrorBody(resp))
		}
	}
	if err != nil {
		c.subsMu.Lock()
		if had {
			c.subs[topic] = prev
		}
		c.subsMu.Unlock()
		return err
	}
	return nil
}

// Subscriptions returns the cached subscriptions.
func (c *Client) Subscriptions() []types.Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]types.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	return out
}

// RegisterMessageHandler binds a handler to a message type. A later
// registration for the same type replaces the earlier one.
func (c *Client) RegisterMessageHandler(messageType string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[messageType] = h
	c.handlersMu.Unlock()
}

func (c *Client) writeFrame(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(conn, frame)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", path, readErrorBody(resp))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func readErrorBody(resp *http.Response) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return fmt.Sprintf("%s (HTTP %d)", body.Error.Message, resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
