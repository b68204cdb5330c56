package hub

import "github.com/carewatch/backend/internal/metrics"

// Broadcast delivers msg to every session in the channel. Delivery order
// across recipients is unspecified; order per recipient is preserved by
// each session's writePump. A failed recipient is closed and removed, and
// the loop continues for the rest.
func (h *Hub) Broadcast(ch Channel, msg []byte) {
	h.broadcast(ch, nil, msg)
}

// BroadcastExcept delivers msg to every session in the channel except the
// sender. Used by the video relay so peers never echo back to the origin.
func (h *Hub) BroadcastExcept(ch Channel, sender *Session, msg []byte) {
	h.broadcast(ch, sender, msg)
}

// BroadcastDevices is the outbound control channel used by the command
// dispatcher.
func (h *Hub) BroadcastDevices(msg []byte) {
	h.broadcast(ChannelDevice, nil, msg)
}

func (h *Hub) broadcast(ch Channel, skip *Session, msg []byte) {
	reg := h.registry(ch)
	if reg == nil {
		return
	}

	// Opportunistic cleanup before the pass, mirroring the sweep.
	reg.PruneClosed()

	for _, s := range reg.Snapshot() {
		if skip != nil && s.ID == skip.ID {
			continue
		}
		if err := s.Send(msg); err != nil {
			metrics.BroadcastFailures.WithLabelValues(ch.String()).Inc()
			h.log.Debug().
				Str("session", s.ID).
				Str("channel", ch.String()).
				Err(err).
				Msg("send failed, removing session")
			s.Close()
			reg.Remove(s)
		}
	}
}
