// Package hub composes the router with transports, topic history, and
// background timers: the HTTP API, the bidirectional agent streams,
// heartbeat-driven liveness, and retention cleanup.
package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/config"
	"github.com/agentgrid/a2ahub/internal/events"
	"github.com/agentgrid/a2ahub/internal/router"
	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/validate"
	"github.com/agentgrid/a2ahub/internal/wire"
)

const (
	// Time allowed to write a frame to a peer before the stream is
	// considered dead.
	writeWait = 5 * time.Second

	// Degraded-health threshold over the sum of all per-agent queues.
	degradedQueueThreshold = 1000

	// Cleanup task period: expired receipts and eager retention.
	cleanupPeriod = 5 * time.Minute
)

// Server is the hub: registry and routing via the embedded router, plus
// streams, history, receipts, and timers.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      *events.Bus
	router   *router.Router
	history  *HistoryStore
	codec    *wire.Serializer
	agents   *agentTable
	receipts *receiptLog
	metrics  *hubMetrics // nil when metrics are disabled
	pool     *WorkerPool
	nats     *natsBridge // nil when no NATS URL is configured

	httpServer *http.Server
	listener   net.Listener

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	startTime    time.Time

	framesSent     atomic.Int64
	framesReceived atomic.Int64
	evictions      atomic.Int64
	rateLimited    atomic.Int64
}

// NewServer wires the hub together and preloads the default topics.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	bus := events.NewBus()
	workers := runtime.GOMAXPROCS(0) * 2

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		router:    router.New(logger, bus, router.WithQueueSoftCap(cfg.QueueSoftCap)),
		history:   NewHistoryStore(logger, cfg.EnablePersistence, cfg.MessageRetention()),
		codec:     wire.New(logger),
		agents:    newAgentTable(),
		receipts:  newReceiptLog(),
		pool:      NewWorkerPool(workers, workers*100, logger),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	if cfg.EnableMetrics {
		s.metrics = newHubMetrics()
	}

	for _, def := range DefaultTopics() {
		if err := s.history.DefineTopic(def); err != nil {
			cancel()
			return nil, fmt.Errorf("preload default topics: %w", err)
		}
	}

	// The router signals acceptance per agent; the flush to a live stream
	// happens off the routing path.
	s.router.SetDeliveryNotifier(func(agentID string) {
		s.pool.Submit(func() { s.flushAgent(agentID) })
	})

	if cfg.NATSURL != "" {
		s.nats = newNATSBridge(cfg, logger, s)
	}

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("max_connections", cfg.MaxConnections).
		Int("workers", workers).
		Bool("persistence", cfg.EnablePersistence).
		Bool("metrics", cfg.EnableMetrics).
		Msg("Hub initialized")
	return s, nil
}

// Start binds the listener and launches the HTTP server and background
// tasks. It returns once the server is accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.pool.Start(s.ctx)

	s.wg.Add(3)
	go s.consumeEvents()
	go s.heartbeatMonitor()
	go s.cleanupTask()

	if s.nats != nil {
		if err := s.nats.start(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("NATS bridge failed to start, continuing without it")
			s.nats = nil
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server terminated")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Hub listening")
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown closes agent streams with a going-away code, stops the HTTP
// server, and waits for background tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Hub shutting down")

	s.agents.agents.Range(func(_, v any) bool {
		ac := v.(*agentConn)
		conn, _, _ := ac.current()
		if conn != nil {
			s.closeStream(ac, conn, closeGoingAway, "server shutting down")
		}
		return true
	})

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancel()
	if s.nats != nil {
		s.nats.stop()
	}
	s.pool.Stop()
	s.wg.Wait()
	s.bus.Close()
	return err
}

// ingest runs the shared publish pipeline: validate, persist, route,
// record receipts. transportAgent, when non-empty, overrides any claimed
// sourceAgent. Returns the receipts or a validation failure.
func (s *Server) ingest(msg *types.Message, transportAgent, transport string) ([]types.Receipt, []string) {
	if transportAgent != "" {
		msg.SourceAgent = transportAgent
	}

	res := validate.Message(msg)
	if !res.Valid {
		return nil, res.Errors
	}
	msg.Payload = validate.SanitizePayload(msg.Payload)

	s.history.Append(msg)
	receipts := s.router.RouteMessage(msg)
	s.receipts.Record(receipts)

	if s.metrics != nil {
		s.metrics.messagesIngested.WithLabelValues(transport).Inc()
		for _, r := range receipts {
			s.metrics.receiptsTotal.WithLabelValues(string(r.Status)).Inc()
		}
	}
	return receipts, nil
}

// flushAgent drains an agent's pending queue onto its live stream in FIFO
// order. Frames that cannot be handed to the write pump go back to the
// front of the queue.
func (s *Server) flushAgent(agentID string) {
	ac, ok := s.agents.get(agentID)
	if !ok || !ac.attached() {
		return
	}

	// One flusher per agent at a time keeps per-recipient FIFO across
	// concurrent deliveries.
	ac.flushMu.Lock()
	defer ac.flushMu.Unlock()

	msgs := s.router.DrainQueue(agentID)
	for i, msg := range msgs {
		frame, err := s.serializeForTopic(msg)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping unserializable message")
			s.bus.Publish(events.Event{
				Kind:      events.DeliveryError,
				AgentID:   agentID,
				MessageID: msg.ID,
				Err:       err.Error(),
			})
			continue
		}
		if err := ac.enqueueFrame(frame, msg); err != nil {
			s.router.Requeue(agentID, msgs[i:])
			s.bus.Publish(events.Event{
				Kind:      events.DeliveryError,
				AgentID:   agentID,
				MessageID: msg.ID,
				Err:       err.Error(),
			})
			return
		}
		s.framesSent.Add(1)
		if s.metrics != nil {
			s.metrics.framesSent.Inc()
		}
		s.bus.Publish(events.Event{
			Kind:      events.MessageDelivered,
			AgentID:   agentID,
			MessageID: msg.ID,
			Topic:     msg.Topic,
		})
	}
}

// serializeForTopic serializes a message for stream delivery, compressing
// when the topic definition asks for it.
func (s *Server) serializeForTopic(msg *types.Message) ([]byte, error) {
	compress := false
	if def, err := s.history.Definition(msg.Topic); err == nil {
		compress = def.RetentionPolicy.CompressionEnabled
	}
	out, err := s.codec.Serialize(msg, wire.SerializeOptions{Compress: compress, IncludeSchema: true})
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// consumeEvents drains the internal event bus into logs and metrics.
func (s *Server) consumeEvents() {
	defer s.wg.Done()
	ch := s.bus.Subscribe(1024)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.observeEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) observeEvent(ev events.Event) {
	logEv := s.logger.Debug().
		Str("kind", string(ev.Kind)).
		Str("agent_id", ev.AgentID).
		Str("message_id", ev.MessageID)
	if ev.Err != "" {
		logEv = s.logger.Warn().
			Str("kind", string(ev.Kind)).
			Str("agent_id", ev.AgentID).
			Str("message_id", ev.MessageID).
			Str("error", ev.Err)
	}
	logEv.Msg("Hub event")

	if s.metrics == nil {
		return
	}
	switch ev.Kind {
	case events.RuleApplied:
		s.metrics.rulesApplied.Inc()
	case events.RuleError:
		s.metrics.ruleErrors.Inc()
	case events.QueueOverflow:
		s.metrics.queueOverflows.Inc()
	}
	stats := s.router.StatsSnapshot()
	s.metrics.agentsRegistered.Set(float64(stats.RegisteredAgents))
	s.metrics.queuedMessages.Set(float64(stats.QueuedMessages))
	s.metrics.streamsAttached.Set(float64(s.agents.attachedCount()))
	s.metrics.historyMessages.Set(float64(s.history.TotalMessages()))
}

// heartbeatMonitor closes streams whose last heartbeat is older than twice
// the heartbeat interval. The registration stays so queued messages
// survive until explicit unregister.
func (s *Server) heartbeatMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			maxAge := 2 * s.cfg.HeartbeatInterval()
			for _, ac := range s.agents.staleAttached(now, maxAge) {
				conn, _, _ := ac.current()
				if conn == nil {
					continue
				}
				s.logger.Warn().
					Str("agent_id", ac.agentID).
					Dur("heartbeat_age", ac.heartbeatAge(now)).
					Msg("Evicting stale stream")
				// Going-away (1001) normally signals shutdown; eviction
				// reuses it with a distinct reason because a normal
				// closure (1000) would tell clients not to reconnect,
				// and evicted agents should come back.
				s.closeStream(ac, conn, closeGoingAway, "heartbeat timeout")
				s.evictions.Add(1)
				if s.metrics != nil {
					s.metrics.evictionsTotal.Inc()
				}
				s.bus.Publish(events.Event{Kind: events.AgentEvicted, AgentID: ac.agentID})
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// cleanupTask expires old receipts and eagerly re-applies retention.
func (s *Server) cleanupTask() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			expired := s.receipts.Expire(now.Add(-receiptMaxAge))
			evicted := s.history.Sweep()
			if expired > 0 || evicted > 0 {
				s.logger.Info().
					Int("receipts_expired", expired).
					Int("history_evicted", evicted).
					Msg("Cleanup pass complete")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// hubStats is the /stats response body.
type hubStats struct {
	router.Stats

	ConnectedAgents int     `json:"connectedAgents"`
	FramesSent      int64   `json:"framesSent"`
	FramesReceived  int64   `json:"framesReceived"`
	Evictions       int64   `json:"evictions"`
	RateLimited     int64   `json:"rateLimited"`
	HistoryMessages int     `json:"historyMessages"`
	ReceiptsHeld    int     `json:"receiptsHeld"`
	DroppedTasks    int64   `json:"droppedTasks"`
	EventsDropped   int64   `json:"eventsDropped"`
	MemoryMB        float64 `json:"memoryMB"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
}

func (s *Server) statsSnapshot() hubStats {
	return hubStats{
		Stats:           s.router.StatsSnapshot(),
		ConnectedAgents: s.agents.attachedCount(),
		FramesSent:      s.framesSent.Load(),
		FramesReceived:  s.framesReceived.Load(),
		Evictions:       s.evictions.Load(),
		RateLimited:     s.rateLimited.Load(),
		HistoryMessages: s.history.TotalMessages(),
		ReceiptsHeld:    s.receipts.Len(),
		DroppedTasks:    s.pool.Dropped(),
		EventsDropped:   s.bus.Dropped(),
		MemoryMB:        processMemoryMB(),
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
	}
}
