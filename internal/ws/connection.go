package ws

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

// Socket is the narrow slice of *websocket.Conn the hub depends on, so tests
// can stand in a fake transport.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// ConnectionOptions tune a single connection's buffers and timeouts.
type ConnectionOptions struct {
	Logger       zerolog.Logger
	SendBuffer   int
	WriteTimeout time.Duration
}

// Connection is the in-memory record for one live socket: identity, status,
// timestamps, and the exclusively owned transport handle. The socket is only
// written by the connection's writer goroutine (data frames) and by
// WriteControl (pings), never shared beyond that.
type Connection struct {
	id     types.ConnectionID
	userID types.UserID
	sock   Socket
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	alive       atomic.Bool
	tearingDown atomic.Bool

	writeTimeout time.Duration

	mu             sync.Mutex
	status         types.ConnStatus
	connectedAt    time.Time
	lastPingAt     time.Time
	disconnectedAt time.Time
}

func newConnection(id types.ConnectionID, userID types.UserID, sock Socket, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	c := &Connection{
		id:           id,
		userID:       userID,
		sock:         sock,
		logger:       opts.Logger,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		status:       types.StatusConnecting,
		connectedAt:  time.Now(),
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() types.ConnectionID { return c.id }

// UserID returns the identity resolved during the handshake; immutable for
// the record's lifetime.
func (c *Connection) UserID() types.UserID { return c.userID }

// Status returns the current lifecycle state.
func (c *Connection) Status() types.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastPingAt returns the timestamp of the most recent pong.
func (c *Connection) LastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt
}

// ConnectedAt returns when the record was created.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Send enqueues an encoded frame for the writer goroutine. A full buffer is
// reported as a write failure rather than blocking the caller.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.logger.Warn().Str("conn", string(c.id)).Msg("send buffer full; dropping connection")
		c.Close()
		return errSendBufferFull
	}
}

// SendEnvelope encodes the envelope and enqueues it.
func (c *Connection) SendEnvelope(env protocol.Envelope) error {
	return c.Send(protocol.Encode(env))
}

// writeLoop drains the send channel onto the socket. Any write error closes
// the socket, which in turn unblocks the read loop and triggers teardown.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Str("conn", string(c.id)).Msg("socket write failed")
				c.Close()
				return
			}
		}
	}
}

// ping sends a transport-level ping without waiting on the write queue. The
// deadline bounds how long a slow socket can stall the caller.
func (c *Connection) ping(wait time.Duration) error {
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

// markAlive records pong receipt for the next heartbeat evaluation.
func (c *Connection) markAlive(now time.Time) {
	c.alive.Store(true)
	c.mu.Lock()
	c.lastPingAt = now
	c.mu.Unlock()
}

// consumeAlive reads and clears the liveness flag. It reports whether a pong
// arrived since the previous heartbeat tick.
func (c *Connection) consumeAlive() bool {
	return c.alive.Swap(false)
}

// beginTeardown returns true for exactly one caller, making the disconnect
// path single-shot even when a close event and a heartbeat timeout race.
func (c *Connection) beginTeardown() bool {
	return c.tearingDown.CompareAndSwap(false, true)
}

// transition applies a lifecycle change under the record's lock, rejecting
// moves the state machine does not allow.
func (c *Connection) transition(next types.ConnStatus, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == next {
		return nil
	}
	if !c.status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", c.status, next)
	}
	c.status = next
	if next == types.StatusDisconnected {
		c.disconnectedAt = at
	}
	return nil
}

// Close releases the socket. Safe to call from any goroutine, any number of
// times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}
