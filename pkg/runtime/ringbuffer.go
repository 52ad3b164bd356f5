package runtime

import "sync"

// RingBuffer is a fixed-capacity circular buffer of output lines. It lets
// late viewers catch up on recent child output without unbounded memory.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int
	full     bool
}

// NewRingBuffer creates a ring buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultOutputLines
	}
	return &RingBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Append adds a line, overwriting the oldest once full.
func (rb *RingBuffer) Append(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Lines returns the buffered lines in chronological order.
func (rb *RingBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]string, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]string, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
