package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shapesync/internal/crdt"

	"github.com/go-playground/assert/v2"
)

// fakeUpdateLog is an in-memory UpdateLog with failure injection.
type fakeUpdateLog struct {
	mu           sync.Mutex
	records      map[string][][]byte
	appendCalls  int
	loadAllCalls int
	compactCalls int
	failAppends  bool
	failLoads    bool
}

func newFakeUpdateLog() *fakeUpdateLog {
	return &fakeUpdateLog{records: make(map[string][][]byte)}
}

func (f *fakeUpdateLog) Append(ctx context.Context, documentID string, update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.failAppends {
		return errors.New("storage unavailable")
	}
	f.records[documentID] = append(f.records[documentID], update)
	return nil
}

func (f *fakeUpdateLog) LoadAll(ctx context.Context, documentID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadAllCalls++
	if f.failLoads {
		return nil, errors.New("storage unavailable")
	}
	return append([][]byte(nil), f.records[documentID]...), nil
}

func (f *fakeUpdateLog) Count(ctx context.Context, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records[documentID])), nil
}

func (f *fakeUpdateLog) Compact(ctx context.Context, documentID string, merged []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compactCalls++
	f.records[documentID] = [][]byte{merged}
	return nil
}

func (f *fakeUpdateLog) setFailAppends(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppends = fail
}

func (f *fakeUpdateLog) setFailLoads(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLoads = fail
}

func (f *fakeUpdateLog) snapshot(documentID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.records[documentID]...)
}

func (f *fakeUpdateLog) stats() (appends, loads, compacts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls, f.loadAllCalls, f.compactCalls
}

func newTestRegistry(log *fakeUpdateLog, debounce, cleanup time.Duration, threshold int64) *Registry {
	return NewRegistry(log, RegistryOptions{
		PersistDebounce:     debounce,
		CleanupTimeout:      cleanup,
		CompactionThreshold: threshold,
	})
}

// clientUpdate produces an update as a remote editor would: a local write on
// its own replica.
func clientUpdate(t *testing.T, client *crdt.Doc, key, value string) []byte {
	t.Helper()
	update, err := client.Set(key, json.RawMessage(value))
	if err != nil {
		t.Fatalf("client Set failed: %v", err)
	}
	return update
}

// contentFromLog replays every stored fragment into a fresh replica.
func contentFromLog(t *testing.T, log *fakeUpdateLog, documentID string) map[string]string {
	t.Helper()
	d := crdt.NewDoc()
	for _, fragment := range log.snapshot(documentID) {
		if err := d.ApplyUpdate(fragment); err != nil {
			t.Fatalf("stored fragment does not apply: %v", err)
		}
	}
	out := make(map[string]string)
	for k, v := range d.Content() {
		out[k] = string(v)
	}
	return out
}

func TestGetOrCreateRoomIsSerializedPerID(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, time.Hour, time.Hour, 1000)

	const n = 16
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := r.GetOrCreateRoom(context.Background(), "doc1")
			if err != nil {
				t.Errorf("GetOrCreateRoom failed: %v", err)
				return
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent joins produced more than one room instance")
		}
	}
	_, loads, _ := log.stats()
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, r.RoomCount())
}

func TestDebounceCoalescesIntoOneAppend(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, 20*time.Millisecond, time.Hour, 1000)

	_, err := r.GetOrCreateRoom(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}

	client := crdt.NewDoc()
	for i := 0; i < 5; i++ {
		u := clientUpdate(t, client, fmt.Sprintf("s%d", i), fmt.Sprintf(`{"x":%d}`, i))
		if err := r.ApplyUpdate("doc1", u); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
	}

	time.Sleep(200 * time.Millisecond)

	appends, _, _ := log.stats()
	assert.Equal(t, 1, appends)
	assert.Equal(t, 1, len(log.snapshot("doc1")))

	// The single merged fragment reproduces all five edits.
	got := contentFromLog(t, log, "doc1")
	assert.Equal(t, 5, len(got))
	assert.Equal(t, `{"x":3}`, got["s3"])
}

func TestIdleEvictionPersistsAndDestroysRoom(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, 10*time.Millisecond, 40*time.Millisecond, 1000)

	room, err := r.GetOrCreateRoom(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	r.AddConnection("doc1", "conn-a")

	client := crdt.NewDoc()
	u := clientUpdate(t, client, "s1", `{"type":"rectangle","x":0,"y":0}`)
	if err := r.ApplyUpdate("doc1", u); err != nil {
		t.Fatal(err)
	}

	r.RemoveConnection("doc1", "conn-a")
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 0, r.RoomCount())

	// A fresh join reconstructs the persisted content.
	room2, err := r.GetOrCreateRoom(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if room2 == room {
		t.Fatal("evicted room instance was reused")
	}
	if _, ok := room2.doc.Get("s1"); !ok {
		t.Fatal("reloaded room is missing the persisted shape")
	}
}

func TestRejoinCancelsEviction(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, time.Hour, 60*time.Millisecond, 1000)

	room, err := r.GetOrCreateRoom(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	r.AddConnection("doc1", "conn-a")

	client := crdt.NewDoc()
	if err := r.ApplyUpdate("doc1", clientUpdate(t, client, "s1", `{"x":1}`)); err != nil {
		t.Fatal(err)
	}

	r.RemoveConnection("doc1", "conn-a")
	time.Sleep(20 * time.Millisecond)

	// Rejoin before the idle timeout fires.
	room2, err := r.GetOrCreateRoom(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	r.AddConnection("doc1", "conn-b")
	if room2 != room {
		t.Fatal("rejoin before eviction created a new room")
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.RoomCount())
	if _, ok := room.doc.Get("s1"); !ok {
		t.Fatal("room lost its in-memory content")
	}
	// The debounce never fired, so the pending update is still in memory.
	appends, _, _ := log.stats()
	assert.Equal(t, 0, appends)
}

func TestPersistFailureRetainsPendingUpdates(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, 10*time.Millisecond, time.Hour, 1000)

	if _, err := r.GetOrCreateRoom(context.Background(), "doc1"); err != nil {
		t.Fatal(err)
	}
	log.setFailAppends(true)

	client := crdt.NewDoc()
	if err := r.ApplyUpdate("doc1", clientUpdate(t, client, "s1", `{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	appends, _, _ := log.stats()
	if appends == 0 {
		t.Fatal("expected a failed append attempt")
	}
	assert.Equal(t, 0, len(log.snapshot("doc1")))

	// Storage recovers; the next trigger persists the retained data.
	log.setFailAppends(false)
	r.Flush(context.Background(), "doc1")

	got := contentFromLog(t, log, "doc1")
	assert.Equal(t, `{"x":1}`, got["s1"])
}

func TestCompactionAtThreshold(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, time.Hour, time.Hour, 5)

	if _, err := r.GetOrCreateRoom(context.Background(), "doc1"); err != nil {
		t.Fatal(err)
	}

	// Force one fragment per edit by flushing explicitly between edits.
	client := crdt.NewDoc()
	for i := 0; i < 5; i++ {
		u := clientUpdate(t, client, fmt.Sprintf("s%d", i), fmt.Sprintf(`{"x":%d}`, i))
		if err := r.ApplyUpdate("doc1", u); err != nil {
			t.Fatal(err)
		}
		r.Flush(context.Background(), "doc1")
	}

	_, _, compacts := log.stats()
	assert.Equal(t, 1, compacts)
	assert.Equal(t, 1, len(log.snapshot("doc1")))

	// The single compacted fragment reproduces the full content.
	got := contentFromLog(t, log, "doc1")
	assert.Equal(t, 5, len(got))
	assert.Equal(t, `{"x":4}`, got["s4"])
}

func TestApplyUpdateForUnknownDocumentIsNoop(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, 10*time.Millisecond, time.Hour, 1000)

	client := crdt.NewDoc()
	if err := r.ApplyUpdate("ghost", clientUpdate(t, client, "s1", `{"x":1}`)); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	assert.Equal(t, 0, r.RoomCount())
}

func TestMalformedUpdateIsReportedNotPersisted(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, 10*time.Millisecond, time.Hour, 1000)

	if _, err := r.GetOrCreateRoom(context.Background(), "doc1"); err != nil {
		t.Fatal(err)
	}

	err := r.ApplyUpdate("doc1", []byte("garbage"))
	if !errors.Is(err, crdt.ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	appends, _, _ := log.stats()
	assert.Equal(t, 0, appends)
}

func TestShutdownFlushesAllRooms(t *testing.T) {
	log := newFakeUpdateLog()
	r := newTestRegistry(log, time.Hour, time.Hour, 1000)

	client := crdt.NewDoc()
	for _, id := range []string{"doc1", "doc2"} {
		if _, err := r.GetOrCreateRoom(context.Background(), id); err != nil {
			t.Fatal(err)
		}
		r.AddConnection(id, "conn-"+id)
		if err := r.ApplyUpdate(id, clientUpdate(t, client, "s-"+id, `{"x":1}`)); err != nil {
			t.Fatal(err)
		}
	}

	r.Shutdown(context.Background())

	assert.Equal(t, 0, r.RoomCount())
	for _, id := range []string{"doc1", "doc2"} {
		got := contentFromLog(t, log, id)
		if _, ok := got["s-"+id]; !ok {
			t.Fatalf("document %s was not flushed on shutdown", id)
		}
	}
}
