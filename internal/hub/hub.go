// Package hub is the real-time relay core: it admits device, dashboard and
// viewer connections into channels, ingests detection events, persists them
// through the alert store, and fans the enriched copies out to subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carewatch/backend/internal/alert"
	"github.com/carewatch/backend/internal/event"
	"github.com/carewatch/backend/internal/metrics"
)

const textMessage = websocket.TextMessage

// ErrAlertSubscribersFull is returned when admission would exceed the
// alert channel's subscriber capacity. This is the only admission-time
// rejection.
var ErrAlertSubscribersFull = errors.New("alert subscriber capacity reached")

// Config carries the hub's runtime knobs, filled from the config file.
type Config struct {
	MaxAlertSubscribers int
	DedupeAlertByIP     bool
	SweepInterval       time.Duration
	SendBuffer          int
	ReadLimit           int64
	SnapshotAlerts      int
}

// Forwarder receives enriched events bound for the upstream link. Enqueue
// must never block; a false return means the message was discarded.
type Forwarder interface {
	Enqueue(msg []byte) bool
}

// Hub owns one registry per channel. Registries are the only shared
// mutable state; no lock is held across a network write.
type Hub struct {
	cfg        Config
	log        zerolog.Logger
	normalizer *event.Normalizer
	store      alert.Store
	forward    Forwarder

	device *Registry
	video  *Registry
	alerts *Registry
}

func New(cfg Config, normalizer *event.Normalizer, store alert.Store, log zerolog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Hub{
		cfg:        cfg,
		log:        log,
		normalizer: normalizer,
		store:      store,
		device:     NewRegistry(),
		video:      NewRegistry(),
		alerts:     NewRegistry(),
	}
}

// SetForwarder attaches the optional upstream link. Must be called before
// Accept.
func (h *Hub) SetForwarder(f Forwarder) {
	h.forward = f
}

func (h *Hub) registry(ch Channel) *Registry {
	switch ch {
	case ChannelDevice:
		return h.device
	case ChannelVideo:
		return h.video
	case ChannelAlert:
		return h.alerts
	default:
		return nil
	}
}

// Counts reports current registry sizes by channel name.
func (h *Hub) Counts() map[string]int {
	return map[string]int{
		ChannelDevice.String(): h.device.Count(),
		ChannelVideo.String():  h.video.Count(),
		ChannelAlert.String():  h.alerts.Count(),
	}
}

// Accept classifies, admits and serves one connection. It blocks until the
// peer disconnects or the connection fails, then cleans up every registry
// the session could belong to. The only error return is a capacity
// rejection; all other exits are normal disconnects.
func (h *Hub) Accept(ctx context.Context, conn Conn, path, remote string) error {
	ch := ClassifyPath(path)

	if ch == ChannelAlert {
		if h.cfg.DedupeAlertByIP {
			h.evictSameHost(remote)
		}
		if h.cfg.MaxAlertSubscribers > 0 && h.alerts.Count() >= h.cfg.MaxAlertSubscribers {
			metrics.ConnectionsRefused.Inc()
			h.log.Warn().
				Str("remote", remote).
				Int("limit", h.cfg.MaxAlertSubscribers).
				Msg("alert subscriber limit reached, refusing connection")
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "alert subscribers at capacity")
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			conn.Close()
			return ErrAlertSubscribersFull
		}
	}

	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	s := newSession(conn, ch, remote, h.cfg.SendBuffer)
	go s.writePump()

	if reg := h.registry(ch); reg != nil {
		reg.Add(s)
		metrics.ConnectionsTotal.WithLabelValues(ch.String()).Inc()
		metrics.ConnectionsActive.WithLabelValues(ch.String()).Set(float64(reg.Count()))
	} else {
		h.log.Info().Str("path", path).Str("remote", remote).Msg("unrecognized path, admitting into no channel")
	}

	h.log.Info().
		Str("session", s.ID).
		Str("channel", ch.String()).
		Str("remote", remote).
		Msg("connected")

	if ch == ChannelAlert {
		h.sendAlertSnapshot(ctx, s)
	}

	h.readLoop(ctx, s)
	h.disconnect(s)
	return nil
}

func (h *Hub) readLoop(ctx context.Context, s *Session) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch s.Channel {
		case ChannelDevice:
			h.HandleDeviceEvent(ctx, msg)
		case ChannelVideo:
			// Video frames are opaque: tee to the other peers on the channel.
			h.BroadcastExcept(ChannelVideo, s, msg)
		default:
			// Alert subscribers are read-only; drain and ignore.
		}
	}
}

// disconnect removes the session from every registry. Remove is idempotent
// so this is safe even when a failed send already evicted it.
func (h *Hub) disconnect(s *Session) {
	s.Close()
	h.device.Remove(s)
	h.video.Remove(s)
	h.alerts.Remove(s)
	h.updateActiveGauges()
	h.log.Info().
		Str("session", s.ID).
		Str("channel", s.Channel.String()).
		Msg("disconnected")
}

// HandleDeviceEvent runs the ingest pipeline for one raw device message:
// normalize, persist, enrich, fan out. Failures drop the event and keep
// the connection alive.
func (h *Hub) HandleDeviceEvent(ctx context.Context, payload []byte) {
	ev, raw, err := h.normalizer.Parse(payload)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		h.log.Warn().Err(err).Str("payload", truncate(payload, 256)).Msg("dropping device event")
		return
	}

	alertID, err := h.store.Save(ctx, ev)
	if err != nil {
		reason := "store_error"
		if errors.Is(err, alert.ErrSubjectNotFound) || errors.Is(err, alert.ErrVideoNotFound) {
			reason = "not_found"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		h.log.Error().Err(err).Str("eventType", ev.EventType).Msg("alert save failed, dropping event")
		return
	}
	metrics.EventsIngested.Inc()

	enriched, err := event.Enrich(raw, ev, alertID)
	if err != nil {
		h.log.Error().Err(err).Msg("enrich failed")
		return
	}

	h.Broadcast(ChannelAlert, enriched)
	h.Broadcast(ChannelDevice, enriched)

	if h.forward != nil {
		h.forward.Enqueue(enriched)
	}
}

type alertSnapshot struct {
	Type   string        `json:"type"`
	Alerts []alert.Alert `json:"alerts"`
}

// sendAlertSnapshot gives a newly admitted subscriber the recent history so
// the dashboard is populated before the first live event arrives.
func (h *Hub) sendAlertSnapshot(ctx context.Context, s *Session) {
	if h.cfg.SnapshotAlerts <= 0 {
		return
	}
	alerts, err := h.store.Recent(ctx, h.cfg.SnapshotAlerts)
	if err != nil {
		h.log.Error().Err(err).Msg("alert snapshot query failed")
		return
	}
	data, err := json.Marshal(alertSnapshot{Type: "snapshot", Alerts: alerts})
	if err != nil {
		return
	}
	if err := s.Send(data); err != nil {
		h.log.Debug().Str("session", s.ID).Err(err).Msg("snapshot send failed")
	}
}

// evictSameHost closes alert sessions from the same remote host before a
// new one is admitted. Policy choice carried over from the original
// single-admin-per-IP behavior.
func (h *Hub) evictSameHost(remote string) {
	host := remoteHost(remote)
	for _, existing := range h.alerts.Snapshot() {
		if remoteHost(existing.Remote) == host {
			h.log.Info().
				Str("session", existing.ID).
				Str("remote", existing.Remote).
				Msg("evicting duplicate alert subscriber")
			existing.Close()
			h.alerts.Remove(existing)
		}
	}
}

func remoteHost(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// Run drives the periodic sweep that bounds registry growth when cleanup
// paths are skipped. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("hub sweep stopped")
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	pruned := h.device.PruneClosed() + h.video.PruneClosed() + h.alerts.PruneClosed()
	if pruned > 0 {
		metrics.SessionsPruned.Add(float64(pruned))
		h.log.Info().Int("pruned", pruned).Msg("swept closed sessions")
	}
	h.updateActiveGauges()
}

func (h *Hub) updateActiveGauges() {
	metrics.ConnectionsActive.WithLabelValues(ChannelDevice.String()).Set(float64(h.device.Count()))
	metrics.ConnectionsActive.WithLabelValues(ChannelVideo.String()).Set(float64(h.video.Count()))
	metrics.ConnectionsActive.WithLabelValues(ChannelAlert.String()).Set(float64(h.alerts.Count()))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
