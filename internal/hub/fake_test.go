package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carewatch/backend/internal/alert"
	"github.com/carewatch/backend/internal/event"
)

// fakeConn is an in-memory Conn. ReadMessage blocks until a payload is
// injected or the conn is closed, matching a real socket's behavior.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closedCh  chan struct{}
	incoming  chan []byte
	readLimit int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return websocket.TextMessage, msg, nil
	case <-c.closedCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readLimit = limit
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) writtenMsgs() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// fakeStore records Save calls and serves canned Recent results.
type fakeStore struct {
	mu        sync.Mutex
	saved     []*event.DetectionEvent
	saveErr   error
	nextID    int64
	recent    []alert.Alert
	recentErr error
}

func (f *fakeStore) Save(_ context.Context, ev *event.DetectionEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.saved = append(f.saved, ev)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) Recent(context.Context, int) ([]alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, f.recentErr
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}
