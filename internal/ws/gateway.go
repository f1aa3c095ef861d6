package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/auth"
	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/storage"
	"github.com/example/chat-hub/internal/types"
)

// Dispatcher routes a decoded envelope to its handler. Implementations must
// contain handler failures and reply to the sender themselves; a dispatch
// call never propagates an error into the read loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, env protocol.Envelope)
}

// GatewayConfig controls the runtime behaviour of the upgrade path.
type GatewayConfig struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	TeardownTimeout time.Duration
}

// Gateway owns the single upgrade endpoint: it runs the auth gate, admits
// the connection into the registry, attaches the read loop, and drives
// teardown on close.
type Gateway struct {
	gate       *auth.Gate
	registry   *Registry
	dispatcher Dispatcher
	tracker    storage.ConnectionTracker
	audit      storage.MessageAuditLog
	logger     zerolog.Logger
	cfg        GatewayConfig
	upgrader   websocket.Upgrader
}

// NewGateway wires the gateway to its collaborators.
func NewGateway(gate *auth.Gate, registry *Registry, dispatcher Dispatcher, tracker storage.ConnectionTracker, audit storage.MessageAuditLog, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if gate == nil {
		return nil, errors.New("auth gate is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.TeardownTimeout == 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	return &Gateway{
		gate:       gate,
		registry:   registry,
		dispatcher: dispatcher,
		tracker:    tracker,
		audit:      audit,
		logger:     logger,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer token is the admission control; cross-origin
			// browser clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP implements http.Handler for the upgrade endpoint. An
// authentication failure rejects the handshake before any registry state is
// touched.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.gate.Authenticate(r)
	if err != nil {
		hubHandshakeRejected.Inc()
		g.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	connID := types.ConnectionID(r.Header.Get("Sec-WebSocket-Key"))
	if connID == "" {
		connID = types.ConnectionID(uuid.NewString())
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := g.Attach(connID, identity.UserID, sock); err != nil {
		g.logger.Warn().Err(err).Str("conn", string(connID)).Msg("connection not admitted")
		_ = sock.Close()
		return
	}
	hubUpgradeLatency.Observe(time.Since(start).Seconds())
}

// Attach admits an upgraded socket into the registry, persists the connected
// transition, and starts the connection's pumps. Split from ServeHTTP so
// tests can drive it with a fake socket.
func (g *Gateway) Attach(connID types.ConnectionID, userID types.UserID, sock Socket) error {
	connLogger := g.logger.With().Str("conn", string(connID)).Str("user", string(userID)).Logger()

	conn, err := g.registry.Admit(connID, userID, sock, ConnectionOptions{
		Logger:       connLogger,
		SendBuffer:   g.cfg.SendBuffer,
		WriteTimeout: g.cfg.WriteTimeout,
	})
	if err != nil {
		return err
	}

	sock.SetReadLimit(g.cfg.MaxFrameBytes)
	sock.SetPongHandler(func(string) error {
		now := time.Now()
		conn.markAlive(now)
		if conn.Status() == types.StatusIdle {
			_ = g.registry.UpdateStatus(connID, types.StatusConnected, now)
		}
		return nil
	})

	now := time.Now()
	if err := g.registry.UpdateStatus(connID, types.StatusConnected, now); err != nil {
		connLogger.Error().Err(err).Msg("connected transition failed")
	}
	g.recordTransition(conn, types.StatusConnected, now)
	connLogger.Info().Msg("connection established")

	go conn.writeLoop()
	go g.readLoop(conn)
	return nil
}

// readLoop processes inbound frames in arrival order. Decode and handler
// failures answer the sender and keep the loop alive; only transport errors
// end it.
func (g *Gateway) readLoop(conn *Connection) {
	defer g.Teardown(conn, "connection closed")

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			conn.logger.Debug().Err(err).Msg("read loop exited")
			return
		}
		hubFramesIn.Inc()

		env, err := protocol.Decode(raw)
		if err != nil {
			var wireErr *protocol.WireError
			if !errors.As(err, &wireErr) {
				wireErr = protocol.Malformed(err.Error())
			}
			_ = conn.SendEnvelope(protocol.ErrorEnvelope(wireErr.Kind, wireErr.Message, ""))
			continue
		}

		ctx := context.Background()
		if g.audit != nil {
			if err := g.audit.LogMessage(ctx, conn.ID(), types.DirectionIncoming, env); err != nil {
				conn.logger.Warn().Err(err).Msg("inbound audit log failed")
			}
		}

		g.dispatcher.Dispatch(ctx, conn, env)
	}
}

// Teardown drives a record to its terminal state: disconnected status,
// removal from both registry indices, and one persisted disconnect
// transition. Exactly one of the racing triggers (close event, heartbeat
// timeout, write error) performs the work; later calls are no-ops. Once
// started it runs to completion regardless of the triggering error.
func (g *Gateway) Teardown(conn *Connection, reason string) {
	if !conn.beginTeardown() {
		return
	}

	now := time.Now()
	if err := g.registry.UpdateStatus(conn.ID(), types.StatusDisconnected, now); err != nil && !errors.Is(err, ErrNotFound) {
		conn.logger.Warn().Err(err).Msg("disconnect transition failed")
	}
	g.registry.Remove(conn.ID())
	conn.Close()
	g.recordTransition(conn, types.StatusDisconnected, now)
	conn.logger.Info().Str("reason", reason).Msg("connection closed")
}

func (g *Gateway) recordTransition(conn *Connection, status types.ConnStatus, at time.Time) {
	if g.tracker == nil {
		return
	}
	// Detached from any request context: lifecycle persistence must complete
	// even when the trigger was a failure.
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.TeardownTimeout)
	defer cancel()
	if err := g.tracker.RecordConnectionTransition(ctx, conn.ID(), conn.UserID(), status, at); err != nil {
		conn.logger.Error().Err(err).Str("status", string(status)).Msg("connection transition not persisted")
	}
}
