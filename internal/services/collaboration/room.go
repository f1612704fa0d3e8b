package collaboration

import (
	"time"

	"shapesync/internal/crdt"
)

// Room is the live in-memory state for one open document: exactly one CRDT
// replica, the set of joined connection ids, the updates applied since the
// last successful persist, and at most one armed timer of each kind.
//
// All fields except doc are guarded by the registry mutex; doc has its own
// internal locking so reads and merges never block unrelated rooms.
type Room struct {
	documentID string
	doc        *crdt.Doc

	connections    map[string]bool
	pendingUpdates [][]byte

	persistTimer *time.Timer
	cleanupTimer *time.Timer
	// cleanupGen is bumped on every arm and disarm so a cleanup callback
	// that raced its own cancellation can detect it went stale.
	cleanupGen uint64

	// ready is closed once the persisted history has been loaded into doc.
	// Concurrent joiners wait on it instead of racing a second load.
	ready   chan struct{}
	loadErr error
}

func newRoom(documentID string) *Room {
	return &Room{
		documentID:  documentID,
		doc:         crdt.NewDoc(),
		connections: make(map[string]bool),
		ready:       make(chan struct{}),
	}
}

// Doc returns the room's CRDT replica.
func (room *Room) Doc() *crdt.Doc {
	return room.doc
}

// DocumentID returns the id of the document this room serves.
func (room *Room) DocumentID() string {
	return room.documentID
}
