package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolReusesBuffers(t *testing.T) {
	bp := NewBufferPool(32)
	buf := bp.Get()
	buf.WriteString("frame bytes")
	bp.Put(buf)

	again := bp.Get()
	assert.Same(t, buf, again)
	assert.Zero(t, again.Len(), "buffers are reset on Put")
}

func TestBufferPoolGrowsWhenDrained(t *testing.T) {
	bp := NewBufferPool()
	const n = 100
	for i := 0; i < n; i++ {
		require.NotNil(t, bp.Get())
	}
	hits, misses, created, size := bp.GetMetrics()
	assert.Equal(t, uint64(n), hits+misses)
	assert.Greater(t, misses, uint64(0), "draining past the pre-warmed set creates new buffers")
	assert.GreaterOrEqual(t, created, misses)
	assert.Equal(t, int64(0), size)
}

func TestGenericPoolRoundTrip(t *testing.T) {
	p := NewGenericPool(func() *[]byte {
		b := make([]byte, 0, 8)
		return &b
	})
	item := p.Get()
	require.NotNil(t, item)
	*item = append(*item, 1, 2, 3)
	p.Put(item)
	assert.NotNil(t, p.Get())
}
