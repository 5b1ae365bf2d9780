// Package server wires HTTP handlers into a chi router for the linechat
// admin surface and WebSocket gateway.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP handler serving health, stats and the WebSocket
// gateway.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/stats", s.StatsHandler)
	// Registered for every method so non-GET requests get the 405 body.
	r.HandleFunc("/ws", s.WebSocketHandler)
	return r
}
