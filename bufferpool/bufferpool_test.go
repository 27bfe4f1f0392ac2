package bufferpool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := New()

	b := p.Get()
	b.WriteString("leftover")
	p.Put(b)

	b = p.Get()
	assert.Equal(t, 0, b.Len(), "recycled buffers are reset before reuse")
}

func TestPutDropsOversizedBuffers(t *testing.T) {
	p := New()

	b := p.Get()
	b.WriteString(strings.Repeat("x", maxRetainedSize+1))
	p.Put(b)

	// The huge buffer was never stored, so whatever Get hands back next
	// must be within the retention cap.
	got := p.Get()
	assert.LessOrEqual(t, got.Cap(), maxRetainedSize)
}
