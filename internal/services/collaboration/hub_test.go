package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"shapesync/internal/models"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"
)

func newTestHub(t *testing.T) (*Hub, *Registry) {
	t.Helper()
	log := newFakeUpdateLog()
	registry := newTestRegistry(log, time.Hour, time.Hour, 1000)
	return NewHub(registry), registry
}

// testSession builds a session without a network connection; frames land in
// its send buffer.
func testSession(hub *Hub, userID string) *Session {
	return newSession(models.NewSession(userID, userID), uuid.New().String(), nil, hub)
}

func recvMessage(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case raw := <-s.send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func joinRoom(t *testing.T, hub *Hub, registry *Registry, s *Session, documentID string) {
	t.Helper()
	if _, err := registry.GetOrCreateRoom(context.Background(), documentID); err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}
	hub.Join(s, documentID)
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub, registry := newTestHub(t)

	a := testSession(hub, "alice")
	b := testSession(hub, "bob")
	c := testSession(hub, "carol")
	for _, s := range []*Session{a, b, c} {
		joinRoom(t, hub, registry, s, "doc1")
	}

	frame := encodeMessage(Message{Type: EventUpdate, Update: []byte(`{"entries":[]}`)})
	hub.Broadcast("doc1", frame, a)

	assert.Equal(t, EventUpdate, recvMessage(t, b).Type)
	assert.Equal(t, EventUpdate, recvMessage(t, c).Type)
	assertNoMessage(t, a)
}

func TestSlowConsumerIsDisconnectedNotBlocking(t *testing.T) {
	hub, registry := newTestHub(t)

	slow := testSession(hub, "slow")
	fast := testSession(hub, "fast")
	joinRoom(t, hub, registry, slow, "doc1")
	joinRoom(t, hub, registry, fast, "doc1")

	// Fill the slow member's send buffer to capacity without draining it.
	frame := encodeMessage(Message{Type: EventUpdate, Update: []byte(`{"entries":[]}`)})
	for i := 0; i < sendBufferSize; i++ {
		slow.Queue(frame)
	}
	select {
	case <-slow.done:
		t.Fatal("session closed before its buffer overflowed")
	default:
	}

	// The overflowing broadcast drops the slow member and still reaches the
	// rest of the room.
	hub.Broadcast("doc1", frame, nil)

	select {
	case <-slow.done:
	default:
		t.Fatal("slow consumer was not disconnected")
	}
	assert.Equal(t, EventUpdate, recvMessage(t, fast).Type)
}

func TestJoinLeavesPreviousRoom(t *testing.T) {
	hub, registry := newTestHub(t)

	a := testSession(hub, "alice")
	joinRoom(t, hub, registry, a, "doc1")
	assert.Equal(t, 1, registry.ConnectionCount("doc1"))

	joinRoom(t, hub, registry, a, "doc2")
	assert.Equal(t, 0, registry.ConnectionCount("doc1"))
	assert.Equal(t, 1, registry.ConnectionCount("doc2"))
	assert.Equal(t, "doc2", a.CurrentDocument())

	// A broadcast in the old room no longer reaches the session.
	hub.Broadcast("doc1", encodeMessage(Message{Type: EventUpdate}), nil)
	assertNoMessage(t, a)
}

func TestDisconnectBroadcastsRemovedPresence(t *testing.T) {
	hub, registry := newTestHub(t)

	a := testSession(hub, "alice")
	b := testSession(hub, "bob")
	joinRoom(t, hub, registry, a, "doc1")
	joinRoom(t, hub, registry, b, "doc1")
	hub.SetAwareness("doc1", a.ClientID, json.RawMessage(`{"cursor":{"x":1,"y":2}}`))

	hub.Disconnect(a)

	msg := recvMessage(t, b)
	assert.Equal(t, EventAwarenessUpdate, msg.Type)
	assert.Equal(t, a.ClientID, msg.ClientID)
	assert.Equal(t, true, msg.Removed)

	assert.Equal(t, 0, registry.ConnectionCount("doc1"))
	assert.Equal(t, 0, len(hub.Awareness("doc1")))
	assert.Equal(t, "", a.CurrentDocument())
}

func TestAwarenessSnapshotIsPerDocument(t *testing.T) {
	hub, _ := newTestHub(t)

	hub.SetAwareness("doc1", "c1", json.RawMessage(`{"cursor":null}`))
	hub.SetAwareness("doc1", "c2", json.RawMessage(`{"cursor":{"x":3,"y":4}}`))
	hub.SetAwareness("doc2", "c3", json.RawMessage(`{}`))

	states := hub.Awareness("doc1")
	assert.Equal(t, 2, len(states))
	assert.Equal(t, `{"cursor":{"x":3,"y":4}}`, string(states["c2"]))
	assert.Equal(t, 1, len(hub.Awareness("doc2")))
}
