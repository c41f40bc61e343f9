package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/config"
	"github.com/agentgrid/a2ahub/internal/wire"
)

// natsBridge ingests messages published on a NATS subject into the hub,
// for producers that cannot speak the stream or HTTP surface directly.
// Payloads are serialized messages (plain or compressed).
type natsBridge struct {
	cfg    *config.Config
	logger zerolog.Logger
	server *Server

	conn     *nats.Conn
	sub      *nats.Subscription
	stopOnce sync.Once
}

func newNATSBridge(cfg *config.Config, logger zerolog.Logger, server *Server) *natsBridge {
	return &natsBridge{cfg: cfg, logger: logger, server: server}
}

func (b *natsBridge) start(ctx context.Context) error {
	conn, err := nats.Connect(b.cfg.NATSURL,
		nats.Name("a2ahub-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.cfg.NATSURL, err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(b.cfg.NATSSubject, b.handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.NATSSubject, err)
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		b.stop()
	}()

	b.logger.Info().
		Str("url", b.cfg.NATSURL).
		Str("subject", b.cfg.NATSSubject).
		Msg("NATS ingest bridge started")
	return nil
}

func (b *natsBridge) handle(nmsg *nats.Msg) {
	msg, err := b.server.codec.Deserialize(string(nmsg.Data), wire.DeserializeOptions{})
	if err != nil {
		b.logger.Warn().Err(err).Str("subject", nmsg.Subject).Msg("Dropping malformed NATS message")
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Metadata.CorrelationID == "" {
		msg.Metadata.CorrelationID = msg.ID
	}
	if msg.Metadata.TTL == 0 {
		msg.Metadata.TTL = time.Minute.Milliseconds()
	}

	if _, vErrs := b.server.ingest(msg, b.cfg.NATSSourceAgent, "nats"); vErrs != nil {
		b.logger.Warn().
			Strs("errors", vErrs).
			Str("message_id", msg.ID).
			Msg("NATS message failed validation")
	}
}

func (b *natsBridge) stop() {
	b.stopOnce.Do(func() {
		if b.sub != nil {
			_ = b.sub.Unsubscribe()
		}
		if b.conn != nil {
			b.conn.Close()
		}
	})
}
