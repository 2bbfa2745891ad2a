package engine

import (
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the size of one staged block.
const DefaultBlockSize = 8 * 1024 * 1024

// BufferPool hands out block-sized buffers and counts how many are checked
// out, which is the engine's resident block count.
type BufferPool struct {
	pool sync.Pool
	size int

	outstanding atomic.Int64
	peak        atomic.Int64
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBlockSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBlockSize
	}
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out.
func (bp *BufferPool) Size() int { return bp.size }

// Get retrieves a full-length buffer. Every Get must be paired with a Put.
func (bp *BufferPool) Get() *[]byte {
	n := bp.outstanding.Add(1)
	for {
		p := bp.peak.Load()
		if n <= p || bp.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b := bp.pool.Get().(*[]byte)
	*b = (*b)[:bp.size]
	return b
}

// Put returns the byte buffer to the pool so it can be reused.
// The caller should not hold onto or read/write to the buffer after calling Put.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil {
		return
	}
	bp.outstanding.Add(-1)
	bp.pool.Put(b)
}

// Outstanding returns the number of buffers currently checked out.
func (bp *BufferPool) Outstanding() int64 { return bp.outstanding.Load() }

// Peak returns the highest Outstanding value observed.
func (bp *BufferPool) Peak() int64 { return bp.peak.Load() }
