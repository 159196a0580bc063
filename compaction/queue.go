package compaction

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/rajeshal/opentsdb/core"
)

const queueTreeDegree = 32

// dirtyRowQueue is the time-ordered set of row keys awaiting compaction.
// Whenever a datapoint is written somewhere, the row key it landed in is
// added here; the flush worker periodically claims the oldest entries.
//
// Keys order by their embedded base time first so all rows of the same
// age cluster together, with the full key as the tiebreak. Adding a key
// already present is a no-op. The size counter is kept outside the tree
// so ApproxSize never takes the tree lock; it can transiently lag the
// true cardinality but converges once writers quiesce.
type dirtyRowQueue struct {
	mu   sync.Mutex
	tree *btree.BTreeG[[]byte]
	size atomic.Int64

	metricWidth int
	// skipModulus spreads claim contention between concurrent claimers:
	// each ClaimBatch pass skips keys whose hash falls in one of
	// skipModulus buckets chosen from the clock. Values below 2 disable
	// the skip.
	skipModulus uint64
	clock       core.Clock
}

func newDirtyRowQueue(metricWidth, skipModulus int, clock core.Clock) *dirtyRowQueue {
	if skipModulus < 0 {
		skipModulus = 0
	}
	q := &dirtyRowQueue{
		metricWidth: metricWidth,
		skipModulus: uint64(skipModulus),
		clock:       clock,
	}
	q.tree = btree.NewG(queueTreeDegree, func(a, b []byte) bool {
		return core.CompareRowKeys(a, b, metricWidth) < 0
	})
	return q
}

// Add inserts a row key. Reports whether the key was newly inserted.
func (q *dirtyRowQueue) Add(key []byte) bool {
	q.mu.Lock()
	_, present := q.tree.ReplaceOrInsert(key)
	q.mu.Unlock()
	if !present {
		q.size.Add(1)
	}
	return !present
}

// ClaimBatch removes and returns up to budget keys whose base time is not
// newer than cutoff, in key order. The walk stops at the first key that
// is too young: every key after it is younger still. Removal decides
// ownership; a key that vanished between the walk and the removal belongs
// to another claimer and is simply not returned.
func (q *dirtyRowQueue) ClaimBatch(cutoff int64, budget int) [][]byte {
	if budget <= 0 {
		return nil
	}
	var seed uint64
	if q.skipModulus >= 2 {
		seed = uint64(q.clock.Now().UnixNano()) % q.skipModulus
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates [][]byte
	q.tree.Ascend(func(key []byte) bool {
		if len(candidates) >= budget {
			return false
		}
		if q.skipModulus >= 2 && xxhash.Sum64(key)%q.skipModulus == seed {
			return true // left for another pass, or another claimer
		}
		if int64(core.BaseTime(key, q.metricWidth)) > cutoff {
			return false
		}
		candidates = append(candidates, key)
		return true
	})

	claimed := candidates[:0]
	for _, key := range candidates {
		if _, removed := q.tree.Delete(key); removed {
			q.size.Add(-1)
			claimed = append(claimed, key)
		}
	}
	return claimed
}

// ApproxSize returns the size counter without touching the tree.
func (q *dirtyRowQueue) ApproxSize() int {
	return int(q.size.Load())
}

// Discard drops every queued key and resets the counter, returning how
// many keys were thrown away. Compaction debt is recoverable; the rows
// will be re-queued the next time a writer touches them.
func (q *dirtyRowQueue) Discard() int {
	q.mu.Lock()
	n := q.tree.Len()
	q.tree.Clear(false)
	q.mu.Unlock()
	q.size.Store(0)
	return n
}
