package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is one replicated write: a key with its value (or a tombstone), the
// dot that identifies the write, and the timestamp that decides conflicts.
type Entry struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Dot     Dot             `json:"dot"`
	TS      Timestamp       `json:"ts"`
}

// updatePayload is the wire form of an update: a self-describing batch of
// entries. An update with zero entries is valid and means "nothing new".
type updatePayload struct {
	Entries []Entry `json:"entries"`
}

func encodeUpdate(entries []Entry) []byte {
	// Deterministic entry order keeps equal diffs byte-identical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dot.Replica != entries[j].Dot.Replica {
			return entries[i].Dot.Replica < entries[j].Dot.Replica
		}
		return entries[i].Dot.Seq < entries[j].Dot.Seq
	})
	b, err := json.Marshal(updatePayload{Entries: entries})
	if err != nil {
		// Entries are plain data; marshal cannot fail on them.
		panic(err)
	}
	return b
}

func decodeUpdate(update []byte) ([]Entry, error) {
	var p updatePayload
	if err := json.Unmarshal(update, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return p.Entries, nil
}

// EmptyUpdate returns the encoding of an update carrying no entries.
func EmptyUpdate() []byte {
	return encodeUpdate(nil)
}

// IsEmptyUpdate reports whether update decodes to zero entries. Malformed
// bytes count as non-empty so callers surface them through ApplyUpdate.
func IsEmptyUpdate(update []byte) bool {
	entries, err := decodeUpdate(update)
	return err == nil && len(entries) == 0
}

// MergeUpdates combines a sequence of updates into one equivalent update:
// for every key only the winning entry survives, so applying the merged
// update yields the same content as applying all inputs in sequence. Losing
// entries' dots are dropped with them, so a replica loaded from a merged
// fragment can report a smaller state vector than one that applied the run
// sequentially; peers then retransmit entries it already outranks, which the
// idempotent apply absorbs.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	winners := make(map[string]Entry)
	for _, u := range updates {
		entries, err := decodeUpdate(u)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if cur, ok := winners[e.Key]; !ok || e.TS.Compare(cur.TS) > 0 {
				winners[e.Key] = e
			}
		}
	}
	merged := make([]Entry, 0, len(winners))
	for _, e := range winners {
		merged = append(merged, e)
	}
	return encodeUpdate(merged), nil
}

// StateVector summarizes incorporated history: the highest write sequence
// seen from each replica.
type StateVector map[string]uint64

// Observe folds a dot into the vector.
func (sv StateVector) Observe(d Dot) {
	if d.Seq > sv[d.Replica] {
		sv[d.Replica] = d.Seq
	}
}

// Covers reports whether the vector already accounts for the dot.
func (sv StateVector) Covers(d Dot) bool {
	return d.Seq <= sv[d.Replica]
}

// Encode serializes the vector.
func (sv StateVector) Encode() []byte {
	b, err := json.Marshal(sv)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeStateVector parses state vector bytes. nil or empty input decodes to
// the empty vector, meaning "I have seen nothing".
func DecodeStateVector(b []byte) (StateVector, error) {
	if len(b) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := json.Unmarshal(b, &sv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}
