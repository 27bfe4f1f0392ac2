// Package bufferpool recycles byte buffers across page fetches, so that
// resolving a stream of URLs does not allocate a fresh buffer per
// request.
package bufferpool

import (
	"bytes"
	"sync"
)

// maxRetainedSize is the largest buffer capacity the pool will hold on
// to. Page bodies are read through a size limit well below this, but a
// buffer can still grow past it during charset decoding, and returning
// one of those to the pool would pin the memory indefinitely.
const maxRetainedSize = 1 << 20

// A BufferPool hands out reset byte buffers for page and oembed reads.
type BufferPool struct {
	pool sync.Pool
}

func New() *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() interface{} {
		return new(bytes.Buffer)
	}
	return p
}

// Get returns an empty buffer ready for use.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool, dropping oversized ones.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxRetainedSize {
		return
	}
	p.pool.Put(buf)
}
