package collaboration

import (
	"encoding/json"
	"log"
	"sync"
)

/*
LEARNING: FAN-OUT HUB

The hub tracks which sessions are joined to which document and fans messages
out to room members. Exclusion of the sender is decided here, against the
explicit membership set, never delegated to the transport: that is what keeps
the "a client never hears its own edit echoed back" rule enforceable and
testable without a socket.

It also keeps the last awareness payload per (document, client) so a late
joiner immediately sees who else is in the room. Awareness is ephemeral: it
is never persisted and vanishes with the session.
*/

// Hub owns session membership and broadcast for all document rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]bool // documentID -> member sessions

	awareMu   sync.RWMutex
	awareness map[string]map[string]json.RawMessage // documentID -> clientID -> payload

	registry *Registry
}

// NewHub creates a hub coordinating membership through registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Session]bool),
		awareness: make(map[string]map[string]json.RawMessage),
		registry:  registry,
	}
}

// Join moves session into the document's room. A session is a member of at
// most one room: joining while joined elsewhere leaves the previous room
// first.
func (h *Hub) Join(session *Session, documentID string) {
	h.Leave(session)

	h.mu.Lock()
	if h.rooms[documentID] == nil {
		h.rooms[documentID] = make(map[*Session]bool)
	}
	h.rooms[documentID][session] = true
	session.DocumentID = documentID
	h.mu.Unlock()

	h.registry.AddConnection(documentID, session.ClientID)
}

// Leave removes session from its current room, if any.
func (h *Hub) Leave(session *Session) {
	h.mu.Lock()
	documentID := session.DocumentID
	if documentID == "" {
		h.mu.Unlock()
		return
	}
	session.DocumentID = ""
	if members, ok := h.rooms[documentID]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(h.rooms, documentID)
		}
	}
	h.mu.Unlock()

	h.clearAwareness(documentID, session.ClientID)
	h.registry.RemoveConnection(documentID, session.ClientID)
}

// Disconnect handles a closing connection: leave the room and tell the
// remaining members this client's presence is gone.
func (h *Hub) Disconnect(session *Session) {
	documentID := session.CurrentDocument()
	if documentID == "" {
		return
	}
	h.Leave(session)
	h.Broadcast(documentID, encodeMessage(Message{
		Type:     EventAwarenessUpdate,
		ClientID: session.ClientID,
		Removed:  true,
	}), nil)
}

// Broadcast queues message to every member of the document's room except
// sender. A member whose send buffer is full is dropped rather than allowed
// to stall the room.
func (h *Hub) Broadcast(documentID string, message []byte, sender *Session) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[documentID]))
	for s := range h.rooms[documentID] {
		if sender != nil && s == sender {
			continue
		}
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		select {
		case s.send <- message:
		default:
			log.Printf("⚠ Session %s send buffer full, closing connection", s.ClientID)
			s.Close()
		}
	}
}

// SetAwareness records the last presence payload for a client.
func (h *Hub) SetAwareness(documentID, clientID string, payload json.RawMessage) {
	h.awareMu.Lock()
	defer h.awareMu.Unlock()
	if h.awareness[documentID] == nil {
		h.awareness[documentID] = make(map[string]json.RawMessage)
	}
	h.awareness[documentID][clientID] = payload
}

// Awareness returns a snapshot of the presence payloads for a document.
func (h *Hub) Awareness(documentID string) map[string]json.RawMessage {
	h.awareMu.RLock()
	defer h.awareMu.RUnlock()

	out := make(map[string]json.RawMessage, len(h.awareness[documentID]))
	for clientID, payload := range h.awareness[documentID] {
		out[clientID] = payload
	}
	return out
}

func (h *Hub) clearAwareness(documentID, clientID string) {
	h.awareMu.Lock()
	defer h.awareMu.Unlock()
	if states, ok := h.awareness[documentID]; ok {
		delete(states, clientID)
		if len(states) == 0 {
			delete(h.awareness, documentID)
		}
	}
}

// Shutdown closes every live session connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, members := range h.rooms {
		for s := range members {
			s.Close()
		}
	}
	h.rooms = make(map[string]map[*Session]bool)
	log.Println("✓ Collaboration hub shut down")
}
