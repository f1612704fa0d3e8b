package collaboration

import (
	"context"
	"log"
	"sync"
	"time"

	"shapesync/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Session is one live WebSocket connection. ClientID is the wire-visible
// connection identity used for awareness; the embedded models.Session holds
// who the user is. DocumentID mutations go through the hub.
type Session struct {
	*models.Session
	ClientID string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(record *models.Session, clientID string, conn *websocket.Conn, hub *Hub) *Session {
	return &Session{
		Session:  record,
		ClientID: clientID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		hub:      hub,
		done:     make(chan struct{}),
	}
}

// CurrentDocument returns the id of the room this session is joined to, or
// the empty string.
func (s *Session) CurrentDocument() string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.DocumentID
}

// Queue stages an outbound frame. A session whose buffer is full is closed
// instead of blocking the caller.
func (s *Session) Queue(message []byte) {
	select {
	case s.send <- message:
	default:
		log.Printf("⚠ Session %s send buffer full, closing connection", s.ClientID)
		s.Close()
	}
}

func (s *Session) sendError(message string) {
	s.Queue(encodeMessage(Message{Type: EventDocumentError, Error: message}))
}

// Close tears the connection down. Safe to call multiple times and from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// ReadPump reads frames from the WebSocket and dispatches them until the
// connection dies. Runs on the connection's own goroutine; message handling
// for one session is sequential by construction.
func (s *Session) ReadPump(ctx context.Context, handler *WebSocketHandler) {
	defer func() {
		s.hub.Disconnect(s)
		s.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on session %s: %v", s.ClientID, err)
			}
			return
		}
		s.LastActiveAt = time.Now()
		handler.handleMessage(ctx, s, message)
	}
}

// WritePump drains the send buffer to the WebSocket. Separate goroutine from
// ReadPump so a slow write never blocks reads.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
