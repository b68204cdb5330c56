// Package upstream maintains an optional outbound WebSocket link that
// relays enriched detection events to a central aggregator. The link is
// fire-and-forget: local fan-out never waits on upstream delivery.
package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carewatch/backend/internal/metrics"
)

const writeTimeout = 10 * time.Second

// State reports the link's connection phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the upstream link settings.
type Config struct {
	URL        string
	QueueSize  int
	RetryDelay time.Duration
}

// Link is a single outbound connection with a bounded send queue. Messages
// enqueued while disconnected are held until the dial succeeds; when the
// queue is full the newest message is discarded.
type Link struct {
	cfg   Config
	log   zerolog.Logger
	queue chan []byte
	state atomic.Int32
}

func New(cfg Config, log zerolog.Logger) *Link {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	return &Link{
		cfg:   cfg,
		log:   log,
		queue: make(chan []byte, cfg.QueueSize),
	}
}

// State returns the current connection phase.
func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	metrics.UpstreamState.Set(float64(s))
}

// Enqueue hands a message to the link without blocking. It reports false
// when the queue is full and the message was discarded.
func (l *Link) Enqueue(msg []byte) bool {
	select {
	case l.queue <- msg:
		return true
	default:
		metrics.UpstreamDropped.Inc()
		l.log.Warn().Int("queue", len(l.queue)).Msg("upstream queue full, discarding event")
		return false
	}
}

// Run dials the upstream and drains the queue until ctx is cancelled.
// Every connection failure waits one retry delay before the next attempt.
func (l *Link) Run(ctx context.Context) {
	defer l.setState(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.URL, nil)
		if err != nil {
			l.setState(StateDisconnected)
			l.log.Warn().Err(err).
				Str("url", l.cfg.URL).
				Dur("retry", l.cfg.RetryDelay).
				Msg("upstream dial failed")
			if !sleep(ctx, l.cfg.RetryDelay) {
				return
			}
			continue
		}

		l.setState(StateConnected)
		l.log.Info().Str("url", l.cfg.URL).Msg("upstream connected")

		err = l.serve(ctx, conn)
		conn.Close()
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn().Err(err).Msg("upstream connection lost")
		if !sleep(ctx, l.cfg.RetryDelay) {
			return
		}
	}
}

// serve is the single sender for one connection. A reader goroutine exists
// only to detect the peer dropping; inbound payloads are ignored.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-l.queue:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// The message is lost with the connection; the queue keeps
				// the rest for the next attempt.
				metrics.UpstreamDropped.Inc()
				return err
			}
			metrics.UpstreamSent.Inc()
		}
	}
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
