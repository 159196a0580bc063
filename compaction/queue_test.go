package compaction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajeshal/opentsdb/core"
)

func queueKey(baseTime uint32, suffix ...byte) []byte {
	key := []byte{
		0x01, 0x02, 0x03,
		byte(baseTime >> 24), byte(baseTime >> 16), byte(baseTime >> 8), byte(baseTime),
	}
	return append(key, suffix...)
}

func newTestQueue(skipModulus int) *dirtyRowQueue {
	return newDirtyRowQueue(3, skipModulus, core.NewManualClock(time.Unix(1_700_000_000, 0)))
}

func TestQueue_AddIsIdempotent(t *testing.T) {
	q := newTestQueue(0)
	assert.True(t, q.Add(queueKey(100)))
	assert.False(t, q.Add(queueKey(100)))
	assert.True(t, q.Add(queueKey(100, 0x01)))
	assert.Equal(t, 2, q.ApproxSize())
}

func TestQueue_ClaimOrderedByBaseTime(t *testing.T) {
	q := newTestQueue(0)
	// The tag suffixes sort against base-time order on purpose.
	q.Add(queueKey(300, 0x01))
	q.Add(queueKey(100, 0x03))
	q.Add(queueKey(200, 0x02))
	q.Add(queueKey(100, 0x02))

	claimed := q.ClaimBatch(1<<31, 100)
	require.Len(t, claimed, 4)
	last := int64(-1)
	for _, key := range claimed {
		bt := int64(core.BaseTime(key, 3))
		assert.GreaterOrEqual(t, bt, last, "base times must be non-decreasing")
		last = bt
	}
	assert.Equal(t, 0, q.ApproxSize())
}

func TestQueue_ClaimStopsAtCutoff(t *testing.T) {
	q := newTestQueue(0)
	q.Add(queueKey(100))
	q.Add(queueKey(200))
	q.Add(queueKey(300))

	claimed := q.ClaimBatch(250, 100)
	require.Len(t, claimed, 2)
	assert.Equal(t, uint32(100), core.BaseTime(claimed[0], 3))
	assert.Equal(t, uint32(200), core.BaseTime(claimed[1], 3))
	assert.Equal(t, 1, q.ApproxSize())
}

func TestQueue_ClaimHonorsBudget(t *testing.T) {
	q := newTestQueue(0)
	for i := 0; i < 5; i++ {
		q.Add(queueKey(uint32(100 + i)))
	}
	claimed := q.ClaimBatch(1<<31, 2)
	assert.Len(t, claimed, 2)
	assert.Equal(t, 3, q.ApproxSize())
	assert.Empty(t, q.ClaimBatch(1<<31, 0))
}

func TestQueue_RandomizedSkipEventuallyDrainsEverything(t *testing.T) {
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	q := newDirtyRowQueue(3, 3, clock)
	const n = 30
	for i := 0; i < n; i++ {
		q.Add(queueKey(uint32(100 + i)))
	}

	claimed := 0
	for pass := 0; pass < 50 && q.ApproxSize() > 0; pass++ {
		claimed += len(q.ClaimBatch(1<<31, n))
		// A different instant picks a different skip bucket.
		clock.Advance(time.Nanosecond)
	}
	assert.Equal(t, n, claimed)
	assert.Equal(t, 0, q.ApproxSize())
}

func TestQueue_SizeConvergesUnderConcurrency(t *testing.T) {
	q := newTestQueue(0)
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Add(queueKey(uint32(i), byte(w)))
				if i%10 == 0 {
					q.ClaimBatch(1<<31, 3)
				}
			}
		}(w)
	}
	wg.Wait()

	remaining := q.ClaimBatch(1<<31, writers*perWriter)
	assert.Equal(t, 0, q.ApproxSize(), "counter converges to the true cardinality after quiescence")
	seen := make(map[string]bool, len(remaining))
	for _, key := range remaining {
		require.False(t, seen[fmt.Sprintf("%x", key)], "no key is claimed twice")
		seen[fmt.Sprintf("%x", key)] = true
	}
}

func TestQueue_Discard(t *testing.T) {
	q := newTestQueue(0)
	for i := 0; i < 10; i++ {
		q.Add(queueKey(uint32(i)))
	}
	assert.Equal(t, 10, q.Discard())
	assert.Equal(t, 0, q.ApproxSize())
	assert.Empty(t, q.ClaimBatch(1<<31, 100))
}
