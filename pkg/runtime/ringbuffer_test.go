package runtime

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferBelowCapacity(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(4)
	assert.Empty(t, rb.Lines())

	rb.Append("one")
	rb.Append("two")
	assert.Equal(t, []string{"one", "two"}, rb.Lines())
}

func TestRingBufferWrapsKeepingNewest(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(3)
	for i := 1; i <= 7; i++ {
		rb.Append(fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-5", "line-6", "line-7"}, rb.Lines())
}

func TestRingBufferExactlyFull(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(3)
	rb.Append("a")
	rb.Append("b")
	rb.Append("c")
	assert.Equal(t, []string{"a", "b", "c"}, rb.Lines())
}

func TestRingBufferDefaultCapacity(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(0)
	for i := 0; i < defaultOutputLines+10; i++ {
		rb.Append("x")
	}
	assert.Len(t, rb.Lines(), defaultOutputLines)
}
