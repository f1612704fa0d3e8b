package crdt

/*
LEARNING: HYBRID TIMESTAMPS FOR LAST-WRITE-WINS

Wall clocks alone cannot order concurrent writes: two replicas can stamp
different values with the same nanosecond. A hybrid timestamp fixes this by
layering a logical counter on top of wall time and using the replica id as
the final tie break, which makes the comparison a total order. Any two
replicas that see the same set of writes therefore agree on the winner.
*/

// Timestamp is a hybrid logical clock reading: wall time, a logical counter
// for writes within the same nanosecond, and the replica id as tie break.
type Timestamp struct {
	WallNanos int64  `json:"wall"`
	Counter   uint64 `json:"ctr"`
	Replica   string `json:"rid"`
}

// Compare returns -1, 0 or 1. The ordering is total: two timestamps are
// equal only if all three components are equal.
func (t Timestamp) Compare(o Timestamp) int {
	if t.WallNanos != o.WallNanos {
		if t.WallNanos < o.WallNanos {
			return -1
		}
		return 1
	}
	if t.Counter != o.Counter {
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	}
	if t.Replica != o.Replica {
		if t.Replica < o.Replica {
			return -1
		}
		return 1
	}
	return 0
}

// Dot identifies one write: the replica that made it and its position in
// that replica's write sequence. Sequence numbers start at 1.
type Dot struct {
	Replica string `json:"rid"`
	Seq     uint64 `json:"seq"`
}
