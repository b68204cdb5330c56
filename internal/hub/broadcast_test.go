package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewatch/backend/internal/event"
)

func newTestHub(cfg Config, store *fakeStore) *Hub {
	if store == nil {
		store = &fakeStore{}
	}
	n := event.NewNormalizer(time.UTC, 1)
	return New(cfg, n, store, zerolog.Nop())
}

// drain pops every message currently buffered for the session. Tests do
// not start writePump so the send channel holds deliveries verbatim.
func drain(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-s.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestBroadcast_FailedRecipientIsIsolatedAndRemoved(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 8}, nil)

	const n = 5
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = testSession(ChannelAlert)
		h.alerts.Add(sessions[i])
	}

	// Session 2 is dead: its send must fail mid-fan-out.
	sessions[2].Close()

	h.Broadcast(ChannelAlert, []byte("alert"))

	for i, s := range sessions {
		if i == 2 {
			continue
		}
		msgs := drain(s)
		require.Len(t, msgs, 1, "session %d should receive exactly one copy", i)
		assert.Equal(t, "alert", string(msgs[0]))
	}
	assert.Equal(t, n-1, h.alerts.Count(), "failed session removed from registry")
}

func TestBroadcast_SlowRecipientRemoved(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 1}, nil)

	slow := testSession(ChannelAlert)
	slow.send = make(chan []byte, 1)
	h.alerts.Add(slow)

	h.Broadcast(ChannelAlert, []byte("one"))
	assert.Equal(t, 1, h.alerts.Count())

	// Second message overflows the undrained buffer.
	h.Broadcast(ChannelAlert, []byte("two"))
	assert.Equal(t, 0, h.alerts.Count())
	assert.True(t, slow.Closed())
}

func TestBroadcast_PerRecipientOrderPreserved(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 8}, nil)
	s := testSession(ChannelDevice)
	h.device.Add(s)

	h.Broadcast(ChannelDevice, []byte("first"))
	h.Broadcast(ChannelDevice, []byte("second"))
	h.Broadcast(ChannelDevice, []byte("third"))

	msgs := drain(s)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", string(msgs[0]))
	assert.Equal(t, "second", string(msgs[1]))
	assert.Equal(t, "third", string(msgs[2]))
}

func TestBroadcastExcept_SkipsSender(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 8}, nil)

	sender := testSession(ChannelVideo)
	peerA := testSession(ChannelVideo)
	peerB := testSession(ChannelVideo)
	for _, s := range []*Session{sender, peerA, peerB} {
		h.video.Add(s)
	}

	h.BroadcastExcept(ChannelVideo, sender, []byte("frame"))

	assert.Empty(t, drain(sender), "sender must not receive its own frame")
	assert.Len(t, drain(peerA), 1)
	assert.Len(t, drain(peerB), 1)
}

func TestBroadcast_PrunesClosedBeforePass(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 8}, nil)

	dead := testSession(ChannelAlert)
	h.alerts.Add(dead)
	dead.Close()

	h.Broadcast(ChannelAlert, []byte("x"))
	assert.Equal(t, 0, h.alerts.Count())
}

func TestBroadcast_NoChannelIsNoop(t *testing.T) {
	h := newTestHub(Config{SendBuffer: 8}, nil)
	h.Broadcast(ChannelNone, []byte("x")) // must not panic
}
