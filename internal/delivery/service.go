package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/storage"
	"github.com/example/chat-hub/internal/types"
	"github.com/example/chat-hub/internal/ws"
)

// Service writes envelopes to the live connections of a target user or
// connection. Live delivery is a latency optimization over the persisted
// record, never a delivery guarantee: zero accepted writes is the normal
// offline case, not an error.
type Service struct {
	registry *ws.Registry
	audit    storage.MessageAuditLog
	relay    *Relay
	logger   zerolog.Logger
}

// NewService builds the fan-out service over the shared registry.
func NewService(registry *ws.Registry, audit storage.MessageAuditLog, logger zerolog.Logger) *Service {
	return &Service{registry: registry, audit: audit, logger: logger}
}

// SetRelay attaches the optional cross-instance relay. Must be called before
// the service is shared across goroutines.
func (s *Service) SetRelay(relay *Relay) { s.relay = relay }

// DeliverToUser fans the envelope out to every live connection of the user
// and reports how many sockets accepted the write. One failing socket never
// blocks delivery to the user's other connections. When a relay is
// configured the envelope is also published for other instances; the return
// value still counts local writes only.
func (s *Service) DeliverToUser(ctx context.Context, userID types.UserID, env protocol.Envelope) int {
	delivered := s.deliverLocal(ctx, userID, env)
	if s.relay != nil {
		s.relay.Publish(ctx, userID, env)
	}
	return delivered
}

// DeliverToConnection targets a single connection id.
func (s *Service) DeliverToConnection(ctx context.Context, connID types.ConnectionID, env protocol.Envelope) error {
	conn, err := s.registry.Get(connID)
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.Encode(env)); err != nil {
		deliveryFailures.Inc()
		return err
	}
	deliveredFrames.Inc()
	s.auditOutgoing(ctx, connID, env)
	return nil
}

func (s *Service) deliverLocal(ctx context.Context, userID types.UserID, env protocol.Envelope) int {
	conns := s.registry.GetByUser(userID)
	if len(conns) == 0 {
		return 0
	}

	payload := protocol.Encode(env)
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			deliveryFailures.Inc()
			s.logger.Warn().Err(err).Str("conn", string(conn.ID())).Str("user", string(userID)).Msg("fan-out write failed")
			continue
		}
		delivered++
		deliveredFrames.Inc()
		s.auditOutgoing(ctx, conn.ID(), env)
	}
	return delivered
}

func (s *Service) auditOutgoing(ctx context.Context, connID types.ConnectionID, env protocol.Envelope) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogMessage(ctx, connID, types.DirectionOutgoing, env); err != nil {
		s.logger.Warn().Err(err).Str("conn", string(connID)).Msg("outbound audit log failed")
	}
}
