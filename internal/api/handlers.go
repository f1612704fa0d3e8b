package api

import (
	"encoding/json"
	"net/http"

	"shapesync/internal/middleware"

	"github.com/gorilla/mux"
)

// Handler serves the operational HTTP surface next to the WebSocket
// collaboration endpoint.
type Handler struct {
	stats UpdateStats
	rooms RoomInfo
}

// NewHandler creates handlers with dependency injection.
func NewHandler(stats UpdateStats, rooms RoomInfo) *Handler {
	return &Handler{stats: stats, rooms: rooms}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"live_rooms": h.rooms.RoomCount(),
	})
}

// DocumentUpdateStats reports the persisted fragment count and the number of
// live connections for one document.
func (h *Handler) DocumentUpdateStats(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	count, err := h.stats.Count(r.Context(), documentID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read update log"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id":    documentID,
		"fragment_count": count,
		"connections":    h.rooms.ConnectionCount(documentID),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
