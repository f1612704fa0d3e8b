package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"shapesync/internal/auth"
	"shapesync/internal/crdt"
	"shapesync/internal/middleware"
	"shapesync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front.
		return true
	},
}

// WebSocketHandler upgrades collaboration connections and implements the
// join/sync/broadcast protocol on top of the hub and the room registry.
type WebSocketHandler struct {
	hub      *Hub
	registry *Registry
	verifier auth.Verifier
}

// NewWebSocketHandler creates the protocol handler.
func NewWebSocketHandler(hub *Hub, registry *Registry, verifier auth.Verifier) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		registry: registry,
		verifier: verifier,
	}
}

// HandleCollaboration authenticates the credential, upgrades to WebSocket
// and runs the session pumps. Unauthenticated connections are rejected
// before any protocol message is honored.
func (h *WebSocketHandler) HandleCollaboration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := uuid.New().String()
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("user.id", identity.UserID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(models.NewSession(identity.UserID, identity.Name), clientID, conn, h.hub)

	go session.WritePump()
	go session.ReadPump(context.WithoutCancel(ctx), h)

	log.Printf("✓ WebSocket connection established (user: %s, client: %s)", identity.Name, clientID)
}

// bearerToken pulls the credential from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query param.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleMessage dispatches one inbound frame. Protocol errors are reported
// to the originating session only; they never affect other room members.
func (h *WebSocketHandler) handleMessage(ctx context.Context, session *Session, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		session.sendError("malformed message")
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.HandleMessage",
		attribute.String("message.type", msg.Type),
		attribute.String("client.id", session.ClientID),
	)
	defer span.End()

	switch msg.Type {
	case EventJoinDocument:
		h.handleJoin(ctx, session, msg)
	case EventSyncStep1:
		h.handleSyncStep1(session, msg)
	case EventSyncStep2:
		h.handleApply(session, msg, false)
	case EventUpdate:
		h.handleApply(session, msg, true)
	case EventAwarenessUpdate:
		h.handleAwarenessUpdate(session, msg)
	case EventAwarenessQuery:
		h.handleAwarenessQuery(session)
	default:
		session.sendError("unknown message type")
	}
}

// handleJoin resolves the room and starts the sync handshake: the server
// acknowledges the join, then opens with sync-step-1 carrying its state
// vector. Known presence in the room is replayed to the joiner.
func (h *WebSocketHandler) handleJoin(ctx context.Context, session *Session, msg Message) {
	if msg.DocumentID == "" {
		session.sendError("missing documentId")
		return
	}

	// Leave any previous room before resolving the new one. A failed join
	// leaves the session roomless, not stranded in the old room.
	h.hub.Leave(session)

	room, err := h.registry.GetOrCreateRoom(ctx, msg.DocumentID)
	if err != nil {
		log.Printf("Failed to join document %s: %v", msg.DocumentID, err)
		middleware.AddSpanError(ctx, err)
		session.sendError("Failed to join document")
		return
	}

	h.hub.Join(session, msg.DocumentID)

	session.Queue(encodeMessage(Message{Type: EventDocumentJoined, DocumentID: msg.DocumentID}))
	session.Queue(encodeMessage(Message{Type: EventSyncStep1, StateVector: room.doc.StateVector()}))

	for clientID, payload := range h.hub.Awareness(msg.DocumentID) {
		if clientID == session.ClientID {
			continue
		}
		session.Queue(encodeMessage(Message{
			Type:     EventAwarenessUpdate,
			ClientID: clientID,
			Presence: payload,
		}))
	}

	log.Printf("Client %s joined document %s", session.ClientID, msg.DocumentID)
}

// handleSyncStep1 answers the peer's state vector with the diff it is
// missing. Silently ignored when the session is not joined anywhere.
func (h *WebSocketHandler) handleSyncStep1(session *Session, msg Message) {
	documentID := session.CurrentDocument()
	if documentID == "" {
		return
	}

	diff, ok, err := h.registry.Diff(documentID, msg.StateVector)
	if err != nil {
		session.sendError("invalid state vector")
		return
	}
	if !ok || crdt.IsEmptyUpdate(diff) {
		return
	}
	session.Queue(encodeMessage(Message{Type: EventSyncStep2, Update: diff}))
}

// handleApply merges an incoming update into the room replica. Live updates
// (but not sync-step-2 catch-ups) are rebroadcast to the other members; the
// sender never receives its own edit back.
func (h *WebSocketHandler) handleApply(session *Session, msg Message, broadcast bool) {
	documentID := session.CurrentDocument()
	if documentID == "" {
		return
	}

	if err := h.registry.ApplyUpdate(documentID, msg.Update); err != nil {
		session.sendError("invalid update")
		return
	}

	if broadcast {
		h.hub.Broadcast(documentID, encodeMessage(Message{
			Type:   EventUpdate,
			Update: msg.Update,
		}), session)
	}
}

func (h *WebSocketHandler) handleAwarenessUpdate(session *Session, msg Message) {
	documentID := session.CurrentDocument()
	if documentID == "" {
		return
	}

	out := Message{Type: EventAwarenessUpdate, ClientID: session.ClientID}
	if msg.Removed {
		h.hub.clearAwareness(documentID, session.ClientID)
		out.Removed = true
	} else {
		h.hub.SetAwareness(documentID, session.ClientID, msg.Presence)
		out.Presence = msg.Presence
	}
	h.hub.Broadcast(documentID, encodeMessage(out), session)
}

func (h *WebSocketHandler) handleAwarenessQuery(session *Session) {
	documentID := session.CurrentDocument()
	if documentID == "" {
		return
	}
	h.hub.Broadcast(documentID, encodeMessage(Message{
		Type:     EventAwarenessQuery,
		ClientID: session.ClientID,
	}), session)
}
