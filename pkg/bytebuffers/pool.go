package bytebuffers

import (
	"sync"
	"sync/atomic"
)

const (
	// MaxRetained is the largest capacity a pool keeps, whatever the hint.
	MaxRetained = 1 << 20

	// weight of the newest message length in the running hint, as 1/hintDecay
	hintDecay = 8
)

// Pool hands out the accumulators a channel reassembles messages in.
//
// Fresh buffers start at the size hint: the receive buffer size at first,
// then a running average of the message lengths released back. Buffers that
// grew far past the hint are let go instead of being kept around.
type Pool struct {
	base int
	hint atomic.Int64
	pool sync.Pool
}

// NewPool returns a pool for a channel reading size bytes per native read.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{base: size}
	p.hint.Store(int64(size))
	return p
}

// Hint is the capacity new buffers are created with.
func (p *Pool) Hint() int {
	return int(p.hint.Load())
}

func (p *Pool) Acquire() Buffer {
	if v := p.pool.Get(); v != nil {
		return v.(Buffer)
	}
	return NewBufferWithSize(p.Hint())
}

// Release observes the length of the message buf held and keeps buf for
// reuse when its capacity is in line with the hint.
func (p *Pool) Release(buf Buffer) {
	if buf == nil {
		return
	}
	hint := p.observe(buf.Len())
	if c := buf.Cap(); c > MaxRetained || c > 2*hint+pagesize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

func (p *Pool) observe(n int) int {
	for {
		old := p.hint.Load()
		next := old + (int64(n)-old)/hintDecay
		if next < int64(p.base) {
			next = int64(p.base)
		}
		if next > MaxRetained {
			next = MaxRetained
		}
		if p.hint.CompareAndSwap(old, next) {
			return int(next)
		}
	}
}
