package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"shapesync/internal/crdt"
	"shapesync/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ROOM LIFECYCLE MANAGEMENT

The registry owns the single shared mutable structure of the service: the
document id → Room map. Every mutation of room existence, membership and
timer state goes through the registry mutex, which is what upholds the two
load-bearing invariants:

1. At most one live replica per document id. Concurrent joins for an absent
   id insert one loading placeholder; late arrivals wait on room.ready
   instead of loading the history a second time.
2. Timers never mutate a dead room. The cleanup callback re-checks, under
   the mutex, that the room is still registered, its generation still
   matches and the connection set is still empty before tearing down.

Persistence is debounced and decoupled from the live broadcast path: applying
an update only buffers it and (re)arms a timer, never touches storage.
*/

const (
	DefaultPersistDebounce     = 2 * time.Second
	DefaultCleanupTimeout      = 60 * time.Second
	DefaultCompactionThreshold = 50
)

// RegistryOptions tune the room lifecycle. Zero values take defaults.
type RegistryOptions struct {
	PersistDebounce     time.Duration
	CleanupTimeout      time.Duration
	CompactionThreshold int64
}

// Registry maps document ids to live rooms and drives their lifecycle:
// lazy creation, debounced persistence, compaction and idle eviction.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	updateLog UpdateLog

	persistDebounce     time.Duration
	cleanupTimeout      time.Duration
	compactionThreshold int64
}

// NewRegistry creates a registry persisting through updateLog.
func NewRegistry(updateLog UpdateLog, opts RegistryOptions) *Registry {
	if opts.PersistDebounce <= 0 {
		opts.PersistDebounce = DefaultPersistDebounce
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = DefaultCompactionThreshold
	}
	return &Registry{
		rooms:               make(map[string]*Room),
		updateLog:           updateLog,
		persistDebounce:     opts.PersistDebounce,
		cleanupTimeout:      opts.CleanupTimeout,
		compactionThreshold: opts.CompactionThreshold,
	}
}

// GetOrCreateRoom returns the live room for documentId, materializing it
// from persisted history on first access. A pending eviction is cancelled.
func (r *Registry) GetOrCreateRoom(ctx context.Context, documentID string) (*Room, error) {
	r.mu.Lock()
	if room, ok := r.rooms[documentID]; ok {
		r.disarmCleanupLocked(room)
		r.mu.Unlock()
		<-room.ready
		if room.loadErr != nil {
			return nil, room.loadErr
		}
		return room, nil
	}

	room := newRoom(documentID)
	r.rooms[documentID] = room
	r.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Registry.LoadRoom",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	updates, err := r.updateLog.LoadAll(ctx, documentID)
	if err == nil && len(updates) > 0 {
		var merged []byte
		if merged, err = crdt.MergeUpdates(updates); err == nil {
			err = room.doc.ApplyUpdate(merged)
		}
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		r.mu.Lock()
		delete(r.rooms, documentID)
		r.mu.Unlock()
		room.loadErr = fmt.Errorf("failed to load document %s: %w", documentID, err)
		room.doc.Destroy()
		close(room.ready)
		return nil, room.loadErr
	}

	close(room.ready)
	log.Printf("Room created for document %s (%d persisted fragments)", documentID, len(updates))
	return room, nil
}

// AddConnection registers a connection id with the room and cancels a
// pending eviction.
func (r *Registry) AddConnection(documentID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[documentID]
	if !ok {
		return
	}
	r.disarmCleanupLocked(room)
	room.connections[connID] = true
	log.Printf("  Connection %s joined room %s (%d connected)", connID, documentID, len(room.connections))
}

// RemoveConnection drops a connection id from the room. When the set becomes
// empty the idle eviction timer is armed.
func (r *Registry) RemoveConnection(documentID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[documentID]
	if !ok {
		return
	}
	delete(room.connections, connID)
	log.Printf("  Connection %s left room %s (%d connected)", connID, documentID, len(room.connections))

	if len(room.connections) == 0 {
		r.armCleanupLocked(room)
	}
}

// ConnectionCount returns the number of connections joined to the room, or
// zero when no room is live.
func (r *Registry) ConnectionCount(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[documentID]
	if !ok {
		return 0
	}
	return len(room.connections)
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// StateVector returns the room replica's encoded state vector.
func (r *Registry) StateVector(documentID string) ([]byte, bool) {
	room, ok := r.lookup(documentID)
	if !ok {
		return nil, false
	}
	return room.doc.StateVector(), true
}

// Diff computes the update the remote peer is missing. ok is false when no
// room is live for the id.
func (r *Registry) Diff(documentID string, remoteStateVector []byte) (diff []byte, ok bool, err error) {
	room, found := r.lookup(documentID)
	if !found {
		return nil, false, nil
	}
	diff, err = room.doc.Diff(remoteStateVector)
	return diff, true, err
}

// ApplyUpdate merges update into the room replica and schedules its
// persistence. Updates for unknown documents are silently ignored; malformed
// update bytes are returned as an error without touching the replica.
func (r *Registry) ApplyUpdate(documentID string, update []byte) error {
	room, ok := r.lookup(documentID)
	if !ok {
		return nil
	}

	if err := room.doc.ApplyUpdate(update); err != nil {
		if errors.Is(err, crdt.ErrDocumentDestroyed) {
			// Room torn down between lookup and apply; same as no room.
			return nil
		}
		return err
	}

	r.mu.Lock()
	if r.rooms[documentID] == room {
		room.pendingUpdates = append(room.pendingUpdates, update)
		r.armPersistLocked(room)
	}
	r.mu.Unlock()
	return nil
}

// Flush forces the room's pending updates to storage, as on a debounce tick.
func (r *Registry) Flush(ctx context.Context, documentID string) {
	if room, ok := r.lookup(documentID); ok {
		r.flush(ctx, room)
	}
}

// Shutdown synchronously flushes and destroys every live room, irrespective
// of connection counts.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	for _, room := range rooms {
		r.disarmCleanupLocked(room)
		if room.persistTimer != nil {
			room.persistTimer.Stop()
			room.persistTimer = nil
		}
	}
	r.mu.Unlock()

	for documentID, room := range rooms {
		r.flush(ctx, room)
		r.reportLostPending(room)
		room.doc.Destroy()
		log.Printf("  Room %s flushed and destroyed", documentID)
	}
	log.Printf("✓ Room registry shut down (%d rooms)", len(rooms))
}

// lookup returns the live, fully loaded room for the id.
func (r *Registry) lookup(documentID string) (*Room, bool) {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-room.ready
	if room.loadErr != nil {
		return nil, false
	}
	return room, true
}

// armPersistLocked arms the persist debounce timer unless already armed.
// Caller holds r.mu.
func (r *Registry) armPersistLocked(room *Room) {
	if room.persistTimer != nil {
		return
	}
	room.persistTimer = time.AfterFunc(r.persistDebounce, func() {
		r.persistTick(room.documentID)
	})
}

// armCleanupLocked (re)arms the idle eviction timer. Caller holds r.mu.
func (r *Registry) armCleanupLocked(room *Room) {
	if room.cleanupTimer != nil {
		room.cleanupTimer.Stop()
	}
	room.cleanupGen++
	gen := room.cleanupGen
	room.cleanupTimer = time.AfterFunc(r.cleanupTimeout, func() {
		r.cleanupRoom(room.documentID, gen)
	})
}

// disarmCleanupLocked cancels a pending eviction. Bumping the generation
// invalidates a callback that already fired but has not taken the mutex yet.
// Caller holds r.mu.
func (r *Registry) disarmCleanupLocked(room *Room) {
	room.cleanupGen++
	if room.cleanupTimer != nil {
		room.cleanupTimer.Stop()
		room.cleanupTimer = nil
	}
}

// persistTick runs on the debounce timer.
func (r *Registry) persistTick(documentID string) {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.flush(context.Background(), room)
}

// flush drains the room's pending updates, merges them into one fragment and
// appends it durably. On append failure the merged fragment is re-queued so
// the next debounce, eviction or shutdown trigger retries it; pending data
// is never silently dropped.
func (r *Registry) flush(ctx context.Context, room *Room) {
	r.mu.Lock()
	if room.persistTimer != nil {
		room.persistTimer.Stop()
		room.persistTimer = nil
	}
	pending := room.pendingUpdates
	room.pendingUpdates = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Registry.Flush",
		attribute.String("document.id", room.documentID),
		attribute.Int("pending.count", len(pending)),
	)
	defer span.End()

	merged, err := crdt.MergeUpdates(pending)
	if err != nil {
		// Fragments were validated when applied; this is unreachable short
		// of memory corruption, but never feed garbage to storage.
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠ Dropping undecodable pending run for document %s: %v", room.documentID, err)
		return
	}

	if err := r.updateLog.Append(ctx, room.documentID, merged); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠ Failed to persist updates for document %s (will retry): %v", room.documentID, err)
		r.mu.Lock()
		room.pendingUpdates = append([][]byte{merged}, room.pendingUpdates...)
		r.mu.Unlock()
		return
	}

	r.compactIfNeeded(ctx, room.documentID)
}

// compactIfNeeded merges the whole fragment run into a single row once the
// count crosses the threshold, keeping room reload cost bounded.
func (r *Registry) compactIfNeeded(ctx context.Context, documentID string) {
	count, err := r.updateLog.Count(ctx, documentID)
	if err != nil {
		log.Printf("⚠ Failed to count update fragments for document %s: %v", documentID, err)
		return
	}
	if count < r.compactionThreshold {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Registry.Compact",
		attribute.String("document.id", documentID),
		attribute.Int64("fragment.count", count),
	)
	defer span.End()

	updates, err := r.updateLog.LoadAll(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠ Failed to load update fragments for compaction of document %s: %v", documentID, err)
		return
	}
	merged, err := crdt.MergeUpdates(updates)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠ Failed to merge update fragments for document %s: %v", documentID, err)
		return
	}
	if err := r.updateLog.Compact(ctx, documentID, merged); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠ Failed to compact update fragments for document %s: %v", documentID, err)
		return
	}
	log.Printf("Compacted %d update fragments into 1 for document %s", len(updates), documentID)
}

// cleanupRoom runs on the idle timer. The generation check plus the re-check
// of the connection set under the mutex guard against a fire/disarm race.
func (r *Registry) cleanupRoom(documentID string, gen uint64) {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	if !ok || room.cleanupGen != gen || len(room.connections) > 0 {
		r.mu.Unlock()
		return
	}
	room.cleanupTimer = nil
	if room.persistTimer != nil {
		room.persistTimer.Stop()
		room.persistTimer = nil
	}
	delete(r.rooms, documentID)
	r.mu.Unlock()

	r.flush(context.Background(), room)
	r.reportLostPending(room)
	room.doc.Destroy()
	log.Printf("Room cleaned up for document %s", documentID)
}

// reportLostPending surfaces pending updates that could not be made durable
// before a room's destruction. The room is destroyed regardless so memory
// stays bounded during a storage outage.
func (r *Registry) reportLostPending(room *Room) {
	r.mu.Lock()
	lost := len(room.pendingUpdates)
	room.pendingUpdates = nil
	r.mu.Unlock()
	if lost > 0 {
		log.Printf("⚠ Discarding %d unpersisted update fragments for document %s after failed final flush", lost, room.documentID)
	}
}
