package crdt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

/*
LEARNING: STATE-BASED CRDT DOCUMENT

A Doc is one replica of a shared shape map. Every write is tagged with a dot
(replica id + sequence) and a hybrid timestamp; per key, the highest
timestamp wins. Because the winner comparison is a total order, any two
replicas that have absorbed the same set of writes hold identical content,
no matter the order or how often a write was delivered.

Sync works on two primitives:
- the state vector: "the highest sequence I have seen per replica"
- the diff: every locally-held write the remote vector does not cover

Deletes are tombstones, not removals, so a delete made offline still beats a
stale re-add after the replicas meet again.
*/

// Doc is a mergeable replicated key-value document. All methods are safe for
// concurrent use. A destroyed Doc rejects further mutation.
type Doc struct {
	mu        sync.RWMutex
	replica   string
	seq       uint64
	clock     Timestamp
	entries   map[string]Entry
	sv        StateVector
	destroyed bool
}

// NewDoc creates an empty replica with a fresh replica id.
func NewDoc() *Doc {
	id := uuid.New().String()
	return &Doc{
		replica: id,
		clock:   Timestamp{WallNanos: time.Now().UnixNano(), Replica: id},
		entries: make(map[string]Entry),
		sv:      StateVector{},
	}
}

// ReplicaID returns this replica's stable origin id.
func (d *Doc) ReplicaID() string {
	return d.replica
}

// tick advances the hybrid clock for a local write. Caller holds d.mu.
func (d *Doc) tick() Timestamp {
	now := time.Now().UnixNano()
	if now > d.clock.WallNanos {
		d.clock.WallNanos = now
		d.clock.Counter = 0
	} else {
		d.clock.Counter++
	}
	return Timestamp{WallNanos: d.clock.WallNanos, Counter: d.clock.Counter, Replica: d.replica}
}

// observe folds a remote timestamp into the local clock so that subsequent
// local writes order after everything already seen. Caller holds d.mu.
func (d *Doc) observe(ts Timestamp) {
	if ts.WallNanos > d.clock.WallNanos {
		d.clock.WallNanos = ts.WallNanos
		d.clock.Counter = ts.Counter
	} else if ts.WallNanos == d.clock.WallNanos && ts.Counter > d.clock.Counter {
		d.clock.Counter = ts.Counter
	}
}

// applyLocal stamps and records one local write, returning the update that
// represents exactly that change.
func (d *Doc) applyLocal(key string, value json.RawMessage, deleted bool) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDocumentDestroyed
	}

	d.seq++
	e := Entry{
		Key:     key,
		Deleted: deleted,
		Dot:     Dot{Replica: d.replica, Seq: d.seq},
		TS:      d.tick(),
	}
	if !deleted {
		e.Value = append(json.RawMessage(nil), value...)
	}
	d.entries[key] = e
	d.sv.Observe(e.Dot)
	return encodeUpdate([]Entry{e}), nil
}

// Set writes value under key and returns the update for the change. The
// value is opaque to the document.
func (d *Doc) Set(key string, value json.RawMessage) ([]byte, error) {
	return d.applyLocal(key, value, false)
}

// Delete tombstones key and returns the update for the change.
func (d *Doc) Delete(key string) ([]byte, error) {
	return d.applyLocal(key, nil, true)
}

// StateVector returns the encoded summary of incorporated history.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Encode()
}

// Diff returns the update containing every local write not covered by the
// remote state vector. A fully caught-up caller gets the valid empty update.
func (d *Doc) Diff(remoteStateVector []byte) ([]byte, error) {
	remote, err := DecodeStateVector(remoteStateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.destroyed {
		return nil, ErrDocumentDestroyed
	}

	var missing []Entry
	for _, e := range d.entries {
		if !remote.Covers(e.Dot) {
			missing = append(missing, e)
		}
	}
	return encodeUpdate(missing), nil
}

// ApplyUpdate merges a remote or replayed update. Already-applied entries
// are no-ops; duplicate and out-of-order delivery is harmless. Malformed
// bytes return ErrMalformedUpdate without touching content.
func (d *Doc) ApplyUpdate(update []byte) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDocumentDestroyed
	}

	for _, e := range entries {
		d.sv.Observe(e.Dot)
		d.observe(e.TS)
		if cur, ok := d.entries[e.Key]; !ok || e.TS.Compare(cur.TS) > 0 {
			d.entries[e.Key] = e
		}
	}
	return nil
}

// Content returns the live key-value mapping, excluding tombstones.
func (d *Doc) Content() map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		out[k] = append(json.RawMessage(nil), e.Value...)
	}
	return out
}

// Get returns the value under key, if present and not deleted.
func (d *Doc) Get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append(json.RawMessage(nil), e.Value...), true
}

// Len returns the number of live keys.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, e := range d.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Destroy releases the document. Further mutations fail with
// ErrDocumentDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.entries = nil
}
