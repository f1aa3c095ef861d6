package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/types"
)

// Monitor is the periodic liveness check shared by all connections. Each
// tick walks a registry snapshot: a record whose liveness flag was set since
// the previous tick gets the flag cleared and a fresh ping; a record whose
// flag is still clear never answered that ping and goes through the same
// teardown path as a normal close. The flag-then-check design gives every
// pong a full interval to arrive, so one delayed pong cannot evict a healthy
// connection, and bounds detection latency to two intervals.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	writeWait time.Duration
	teardown  func(conn *Connection, reason string)
	logger    zerolog.Logger
}

// NewMonitor builds a heartbeat monitor. teardown is the gateway's
// single-shot disconnect path.
func NewMonitor(registry *Registry, interval, writeWait time.Duration, teardown func(conn *Connection, reason string), logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &Monitor{
		registry:  registry,
		interval:  interval,
		writeWait: writeWait,
		teardown:  teardown,
		logger:    logger,
	}
}

// Run ticks until the context is cancelled. It is independent of any single
// connection's read loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.tick(now)
		case <-ctx.Done():
			return
		}
	}
}

// tick evaluates every live record once. Pings are fire-and-forget with a
// bounded per-socket deadline so one slow client cannot delay eviction
// checks for the rest.
func (m *Monitor) tick(now time.Time) {
	for _, conn := range m.registry.Snapshot() {
		if !conn.consumeAlive() {
			hubHeartbeatEvictions.Inc()
			m.logger.Info().Str("conn", string(conn.ID())).Str("user", string(conn.UserID())).Msg("heartbeat timeout")
			m.teardown(conn, "heartbeat timeout")
			continue
		}

		// The ping is now outstanding; the pong handler flips the record
		// back to connected when the answer lands.
		if conn.Status() == types.StatusConnected {
			_ = m.registry.UpdateStatus(conn.ID(), types.StatusIdle, now)
		}
		m.ping(conn)
	}
}

func (m *Monitor) ping(conn *Connection) {
	if err := conn.ping(m.writeWait); err != nil {
		m.logger.Debug().Err(err).Str("conn", string(conn.ID())).Msg("ping write failed")
		m.teardown(conn, "ping write failed")
	}
}
