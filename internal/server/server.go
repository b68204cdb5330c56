// Package server exposes the WebSocket endpoints and the small REST
// surface around them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carewatch/backend/internal/command"
	"github.com/carewatch/backend/internal/hub"
	"github.com/carewatch/backend/internal/metrics"
)

// Acceptor admits one upgraded connection and blocks until it is done.
type Acceptor interface {
	Accept(ctx context.Context, conn hub.Conn, path, remote string) error
}

// ClipDispatcher issues SAVE_CLIP commands to connected devices.
type ClipDispatcher interface {
	SendSaveClip(subjectKey, durationSec, preBufferSec, postBufferSec int) (command.SaveClipAck, error)
}

type Server struct {
	hub        Acceptor
	dispatcher ClipDispatcher
	health     http.Handler
	log        zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func New(h Acceptor, d ClipDispatcher, healthHandler http.Handler, allowedOrigins []string, log zerolog.Logger) *Server {
	s := &Server{
		hub:            h,
		dispatcher:     d,
		health:         healthHandler,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/videos/commands/save-clip", s.handleSaveClip)
	mux.HandleFunc("/ping", s.handlePing)
	if s.health != nil {
		mux.Handle("/api/health", s.health)
	}
	mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	// Accept blocks for the lifetime of the connection; the handler
	// goroutine is that lifetime.
	if err := s.hub.Accept(r.Context(), conn, r.URL.Path, r.RemoteAddr); err != nil {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("connection not admitted")
	}
}

func (s *Server) handleSaveClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var (
		params struct {
			subjectKey    int
			durationSec   int
			preBufferSec  int
			postBufferSec int
		}
		err error
	)
	if params.subjectKey, err = queryInt(q, "subjectId", 0); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.durationSec, err = queryInt(q, "durationSec", 30); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.preBufferSec, err = queryInt(q, "preBufferSec", 5); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.postBufferSec, err = queryInt(q, "postBufferSec", 0); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ack, err := s.dispatcher.SendSaveClip(params.subjectKey, params.durationSec, params.preBufferSec, params.postBufferSec)
	if err != nil {
		http.Error(w, "save-clip failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		s.log.Error().Err(err).Msg("ack encode failed")
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

func queryInt(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux, log zerolog.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Info().Str("addr", addr).Msg("server listening")
	return http.ListenAndServe(addr, mux)
}
