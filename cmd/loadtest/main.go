package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	conversation := flag.String("conversation", "conv-loadtest", "conversation id used by all clients")
	clients := flag.Int("clients", 500, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of chat messages to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between messages")
	secret := flag.String("secret", "dev-secret", "HMAC secret used to mint bearer tokens")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("conversation", *conversation).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			userID := fmt.Sprintf("load-user-%d", id)
			token, err := mintToken(*secret, userID)
			if err != nil {
				logger.Error().Err(err).Str("user", userID).Msg("token mint failed")
				return
			}

			target := *u
			q := target.Query()
			q.Set("token", token)
			target.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, target.String(), nil)
			if err != nil {
				logger.Error().Err(err).Str("user", userID).Msg("dial failed")
				return
			}
			defer conn.Close()

			go readerLoop(ctx, conn, latencyCh, logger)

			if id == 0 {
				sendTicker := time.NewTicker(*interval)
				defer sendTicker.Stop()
				for j := 0; j < *messages; j++ {
					select {
					case <-ctx.Done():
						return
					case <-sendTicker.C:
						if err := sendMessage(conn, *conversation, j); err != nil {
							logger.Error().Err(err).Msg("failed to send message")
							return
						}
					}
				}
				// Give acks and notifications time to drain.
				time.Sleep(2 * time.Second)
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func mintToken(secret, userID string) (string, error) {
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func sendMessage(conn *websocket.Conn, conversation string, seq int) error {
	env, err := protocol.NewEnvelope(protocol.TypeMessage, time.Now().UTC().Format(time.RFC3339Nano), protocol.MessagePayload{
		ConversationID: types.ConversationID(conversation),
		Content:        fmt.Sprintf("loadtest message %d", seq),
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, protocol.Encode(env))
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}
		// The sender stamps the correlation id with the send time; the
		// ack echoes it back, which gives us round-trip latency.
		if env.Type == protocol.TypeMessageAck && env.ID != "" {
			if ts, err := time.Parse(time.RFC3339Nano, env.ID); err == nil {
				latencies <- latencySample{dur: time.Since(ts)}
			}
		}
		if env.Type == protocol.TypeError {
			var payload protocol.ErrorPayload
			_ = json.Unmarshal(env.Payload, &payload)
			logger.Warn().Str("kind", payload.Kind).Str("message", payload.Message).Msg("error envelope received")
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of acks met the 50ms target")
	}
}
