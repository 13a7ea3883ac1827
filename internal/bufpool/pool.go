// Package bufpool provides reuse of fixed-size byte buffers to reduce
// allocations on the streaming paths.
package bufpool

import "sync"

// Pool hands out buffers of exactly bufSize bytes.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer obtained from Get for reuse. Undersized buffers
// are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers handed out by this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
