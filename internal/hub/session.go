package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute
// in-memory fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Session is one live connection. Outbound messages pass through a buffered
// channel drained by a single writePump goroutine, so per-session order is
// preserved and no caller ever blocks on a slow peer.
type Session struct {
	ID      string
	Channel Channel
	Remote  string

	conn      Conn
	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn Conn, ch Channel, remote string, buffer int) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Channel: ch,
		Remote:  remote,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// Send queues a text message for delivery. It fails when the session is
// closed or the peer is too slow to drain its buffer; either way the
// caller treats the session as dead.
func (s *Session) Send(msg []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent and safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(textMessage, msg); err != nil {
				s.Close()
				return
			}
		}
	}
}
