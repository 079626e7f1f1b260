package supervisor

import (
	"sync"
)

// contentsBuffer accumulates raw recording bytes streamed up from a
// recording process. It tolerates duplicate and out-of-order deliveries
// the same way a replaying recording does, but never parses chunks; the
// supervisor only relays bytes.
type contentsBuffer struct {
	mu      sync.Mutex
	buf     []byte
	pending map[uint64][]byte
}

func newContentsBuffer() *contentsBuffer {
	return &contentsBuffer{pending: make(map[uint64][]byte)}
}

// add merges data at offset. Ranges entirely before the committed end are
// dropped, overlapping ranges contribute their new suffix, and ranges past
// the end are parked until the gap fills.
func (c *contentsBuffer) add(offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(offset, data)
	for {
		merged := false
		for off, d := range c.pending {
			if off <= uint64(len(c.buf)) {
				delete(c.pending, off)
				c.mergeLocked(off, d)
				merged = true
			}
		}
		if !merged {
			return nil
		}
	}
}

func (c *contentsBuffer) mergeLocked(offset uint64, data []byte) {
	end := uint64(len(c.buf))
	switch {
	case offset > end:
		// Keep the longest range parked at each offset so a shorter
		// duplicate delivery cannot truncate the relayed recording.
		if have, ok := c.pending[offset]; !ok || len(data) > len(have) {
			c.pending[offset] = data
		}
	case offset+uint64(len(data)) <= end:
		// Entirely duplicate.
	default:
		c.buf = append(c.buf, data[end-offset:]...)
	}
}

// length returns the committed contiguous length.
func (c *contentsBuffer) length() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.buf))
}

// bytesFrom copies everything committed at or past offset.
func (c *contentsBuffer) bytesFrom(offset uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset >= uint64(len(c.buf)) {
		return nil
	}
	out := make([]byte, uint64(len(c.buf))-offset)
	copy(out, c.buf[offset:])
	return out
}
