package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/squadlive/backend/internal/apperrors"
	"github.com/squadlive/backend/internal/auth"
	"github.com/squadlive/backend/internal/bundle"
	"github.com/squadlive/backend/internal/config"
	"github.com/squadlive/backend/internal/health"
	"github.com/squadlive/backend/internal/session"
	"github.com/squadlive/backend/internal/telemetry"
)

type Server struct {
	cfg            *config.Config
	hub            *Hub
	reg            *session.Registry
	router         *telemetry.Router
	coord          *bundle.Coordinator
	verifier       *auth.Verifier
	collector      *health.Collector
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg *config.Config, hub *Hub, reg *session.Registry, router *telemetry.Router, coord *bundle.Coordinator, verifier *auth.Verifier, collector *health.Collector) *Server {
	s := &Server{
		cfg:            cfg,
		hub:            hub,
		reg:            reg,
		router:         router,
		coord:          coord,
		verifier:       verifier,
		collector:      collector,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
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
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/bundles/", s.handleBundleRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("client connected: %s (%s/%s)", r.RemoteAddr, identity.UserID, identity.Role)
	c := s.hub.AddClient(conn, identity)

	go func() {
		defer func() {
			s.disconnect(c)
			log.Printf("client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(c, raw)
		}
	}()
}

// disconnect marks the dropped connection's players disconnected and
// removes the connection from all rooms. No events are replayed for the
// client; on reconnect it re-joins and gets a fresh snapshot.
func (s *Server) disconnect(c *Client) {
	c.mu.Lock()
	joined := make(map[string]string, len(c.joinedAs))
	for room, playerID := range c.joinedAs {
		joined[room] = playerID
	}
	c.mu.Unlock()

	s.hub.RemoveClient(c)

	for room, playerID := range joined {
		if playerID == "" {
			continue
		}
		if _, err := s.router.UpdateStatus(room, playerID, session.PlayerDisconnected, time.Now()); err != nil {
			log.Printf("marking %s disconnected in %s: %v", playerID, room, err)
		}
	}
}

func (s *Server) authorize(r *http.Request) (auth.Identity, bool) {
	identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.reg.List())
}

// handleBundleRoutes serves /api/bundles/{id}, /api/bundles/{id}/metrics,
// and /api/bundles/{id}/operation.
func (s *Server) handleBundleRoutes(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/bundles/")
	parts := strings.SplitN(path, "/", 2)
	bundleID, err := url.PathUnescape(parts[0])
	if err != nil || bundleID == "" {
		http.Error(w, "invalid bundle id", http.StatusBadRequest)
		return
	}

	var payload any
	switch {
	case len(parts) == 2 && parts[1] == "metrics":
		payload, err = s.coord.AggregateMetrics(bundleID)
	case len(parts) == 2 && parts[1] == "operation":
		payload, err = s.coord.GetOperation(bundleID)
	case len(parts) == 1:
		payload, err = s.coord.Get(bundleID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), apperrors.CodeOf(err).HTTPStatus())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collector.Snapshot())
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

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
