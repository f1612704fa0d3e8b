package api

import (
	"shapesync/internal/middleware"
	"shapesync/internal/services/collaboration"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, ws *collaboration.WebSocketHandler, corsOrigin string) *mux.Router {
	r := mux.NewRouter()

	// Middleware order: tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(corsOrigin))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/documents/{id}/updates/stats", h.DocumentUpdateStats).Methods("GET")

	// WebSocket collaboration endpoint; room selection happens in-protocol
	// via join-document.
	r.HandleFunc("/ws/collaboration", ws.HandleCollaboration)

	return r
}
