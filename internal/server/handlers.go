// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and connection statistics.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Stats is the body served by the stats endpoint.
type Stats struct {
	Node        string `json:"node"`
	Connections int    `json:"connections"`
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "linechat server is running")
}

// StatsHandler reports the node identity and its live connection count.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := Stats{Node: s.nodeID, Connections: s.hub.Len()}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("error writing stats response", slog.Any("error", err))
	}
}

// WebSocketHandler upgrades the request and hands the connection to the hub,
// where it behaves exactly like a TCP peer.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("addr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	c := NewConn(newWSTransport(conn), s.hub, "ws")
	if err := s.hub.Register(c); err != nil {
		s.logger.Info("rejecting WebSocket connection", slog.String("addr", r.RemoteAddr), slog.Any("error", err))
		_ = conn.Close()
	}
}
