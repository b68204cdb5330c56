package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstreamServer accepts ws connections and funnels every received text
// message into a single channel across reconnects.
type upstreamServer struct {
	srv      *httptest.Server
	received chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()
	us := &upstreamServer{received: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{}
	us.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		us.mu.Lock()
		us.conns = append(us.conns, conn)
		us.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			us.received <- msg
		}
	}))
	t.Cleanup(us.srv.Close)
	return us
}

func (us *upstreamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(us.srv.URL, "http")
}

func (us *upstreamServer) dropConnections() {
	us.mu.Lock()
	defer us.mu.Unlock()
	for _, c := range us.conns {
		c.Close()
	}
	us.conns = nil
}

func (us *upstreamServer) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-us.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream message")
		return nil
	}
}

func testLink(cfg Config) *Link {
	return New(cfg, zerolog.Nop())
}

func TestLink_QueuedBeforeConnectDrainsOnce(t *testing.T) {
	us := newUpstreamServer(t)
	l := testLink(Config{URL: us.wsURL(), QueueSize: 16, RetryDelay: 20 * time.Millisecond})

	require.True(t, l.Enqueue([]byte("one")))
	require.True(t, l.Enqueue([]byte("two")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	assert.Equal(t, "one", string(us.recv(t)))
	assert.Equal(t, "two", string(us.recv(t)))

	select {
	case extra := <-us.received:
		t.Fatalf("unexpected duplicate delivery: %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLink_ReconnectsAfterDrop(t *testing.T) {
	us := newUpstreamServer(t)
	l := testLink(Config{URL: us.wsURL(), QueueSize: 16, RetryDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool { return l.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)

	us.dropConnections()
	require.Eventually(t, func() bool { return l.State() != StateConnected },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return l.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)

	require.True(t, l.Enqueue([]byte("after-reconnect")))
	assert.Equal(t, "after-reconnect", string(us.recv(t)))
}

func TestLink_RetriesWhileUnreachable(t *testing.T) {
	// Port 1 refuses connections, so every dial attempt fails.
	l := testLink(Config{URL: "ws://127.0.0.1:1/ws", QueueSize: 4, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	require.Eventually(t, func() bool { return l.State() != StateConnected },
		time.Second, 5*time.Millisecond)
	assert.True(t, l.Enqueue([]byte("held")), "queue accepts while disconnected")

	cancel()
	require.Eventually(t, func() bool { return l.State() == StateDisconnected },
		time.Second, 5*time.Millisecond)
}

func TestLink_EnqueueDiscardsNewestWhenFull(t *testing.T) {
	l := testLink(Config{URL: "ws://127.0.0.1:1/ws", QueueSize: 2, RetryDelay: time.Second})

	assert.True(t, l.Enqueue([]byte("a")))
	assert.True(t, l.Enqueue([]byte("b")))
	assert.False(t, l.Enqueue([]byte("c")), "overflow is discarded, not queued")

	// The first two are still intact.
	assert.Equal(t, "a", string(<-l.queue))
	assert.Equal(t, "b", string(<-l.queue))
}

func TestLink_StateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

func TestLink_StopsOnCancelWhileConnected(t *testing.T) {
	us := newUpstreamServer(t)
	l := testLink(Config{URL: us.wsURL(), QueueSize: 4, RetryDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, l.State())
}
