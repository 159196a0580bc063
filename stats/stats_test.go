package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCollector(t *testing.T) {
	c := NewMapCollector()
	c.Record("compaction.count", 5, "type=trivial")
	c.Record("compaction.count", 7, "type=complex")
	c.Record("compaction.queue.size", 42)
	c.Record("compaction.queue.size", 40) // last write wins

	v, ok := c.Get("compaction.count", "type=trivial")
	assert.True(t, ok)
	assert.Equal(t, int64(5), v)

	v, ok = c.Get("compaction.count", "type=complex")
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	v, ok = c.Get("compaction.queue.size")
	assert.True(t, ok)
	assert.Equal(t, int64(40), v)

	_, ok = c.Get("compaction.count", "type=other")
	assert.False(t, ok)
}

func TestMapCollector_TagOrderIrrelevant(t *testing.T) {
	c := NewMapCollector()
	c.Record("m", 1, "a=1", "b=2")
	v, ok := c.Get("m", "b=2", "a=1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
}
