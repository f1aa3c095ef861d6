package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/ws"
)

// Handler processes one decoded envelope from the given sender. Returned
// errors are reported back to the sender as typed error envelopes; they
// never reach the read loop.
type Handler func(ctx context.Context, sender *ws.Connection, env protocol.Envelope) error

// Dispatcher routes envelopes purely on their type field. Every handler call
// is bounded by a timeout; a handler that does not respond within the bound
// is treated as failed and the sender gets the standard failure envelope.
type Dispatcher struct {
	routes  map[string]Handler
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDispatcher builds a dispatcher with the standard routes.
func NewDispatcher(handlers *Handlers, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		routes: map[string]Handler{
			protocol.TypeMessage:      handlers.HandleMessage,
			protocol.TypeNotification: handlers.HandleNotification,
			protocol.TypeTyping:       handlers.HandleTyping,
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch implements ws.Dispatcher. It runs synchronously so frames from
// one connection keep their arrival order; the per-handler timeout bounds
// how long one frame can stall its connection.
func (d *Dispatcher) Dispatch(ctx context.Context, sender *ws.Connection, env protocol.Envelope) {
	start := time.Now()
	ctx, span := dispatchTracer.Start(ctx, "dispatch")
	span.SetAttributes(attribute.String("envelope.type", env.Type))
	defer span.End()

	handler, ok := d.routes[env.Type]
	if !ok {
		dispatchFailures.WithLabelValues(protocol.KindUnsupportedMessageType).Inc()
		d.reply(sender, protocol.ErrorEnvelope(protocol.KindUnsupportedMessageType,
			fmt.Sprintf("no handler for type %q", env.Type), env.ID))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("handler panic: %v", p)
			}
		}()
		done <- handler(hctx, sender, env)
	}()

	select {
	case err := <-done:
		dispatchLatency.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
		if err == nil {
			dispatchFrames.WithLabelValues(env.Type).Inc()
			return
		}
		kind, message := classify(err)
		dispatchFailures.WithLabelValues(kind).Inc()
		d.logger.Warn().Err(err).Str("type", env.Type).Str("user", string(sender.UserID())).Msg("handler failed")
		d.reply(sender, protocol.ErrorEnvelope(kind, message, env.ID))
	case <-hctx.Done():
		dispatchFailures.WithLabelValues(protocol.KindHandlerTimeout).Inc()
		d.logger.Warn().Str("type", env.Type).Dur("timeout", d.timeout).Msg("handler timed out")
		d.reply(sender, protocol.ErrorEnvelope(protocol.KindHandlerTimeout, "handler did not respond in time", env.ID))
	}
}

func (d *Dispatcher) reply(sender *ws.Connection, env protocol.Envelope) {
	if err := sender.SendEnvelope(env); err != nil {
		d.logger.Debug().Err(err).Msg("error reply not delivered")
	}
}

func classify(err error) (kind, message string) {
	var wireErr *protocol.WireError
	if errors.As(err, &wireErr) {
		return wireErr.Kind, wireErr.Message
	}
	return protocol.KindHandlerFailed, "internal handler failure"
}
