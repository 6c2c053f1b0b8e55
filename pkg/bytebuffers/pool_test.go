package bytebuffers_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/brickingsoft/npipe/pkg/bytebuffers"
	"github.com/stretchr/testify/assert"
)

func TestPool_StartsAtReceiveBufferSize(t *testing.T) {
	pool := bytebuffers.NewPool(3)
	assert.Equal(t, 3, pool.Hint())

	buf := pool.Acquire()
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, os.Getpagesize(), buf.Cap())
}

func TestPool_FollowsMessageLengths(t *testing.T) {
	pagesize := os.Getpagesize()
	pool := bytebuffers.NewPool(16)
	msg := bytes.Repeat([]byte{'m'}, 3*pagesize)
	for i := 0; i < 100; i++ {
		buf := pool.Acquire()
		_, _ = buf.Write(msg)
		pool.Release(buf)
	}
	assert.Greater(t, pool.Hint(), 2*pagesize)
	assert.LessOrEqual(t, pool.Hint(), len(msg))

	// short messages pull the hint back, never below the receive buffer
	for i := 0; i < 200; i++ {
		buf := pool.Acquire()
		_, _ = buf.Write([]byte("a"))
		pool.Release(buf)
	}
	assert.Equal(t, 16, pool.Hint())
}

func TestPool_ReusesReset(t *testing.T) {
	pool := bytebuffers.NewPool(64)
	buf := pool.Acquire()
	_, _ = buf.Write([]byte("hello"))
	pool.Release(buf)

	buf = pool.Acquire()
	assert.Equal(t, 0, buf.Len())
	pool.Release(buf)
}

func TestPool_DropsOversized(t *testing.T) {
	pool := bytebuffers.NewPool(64)
	buf := pool.Acquire()
	_, _ = buf.Write(make([]byte, bytebuffers.MaxRetained+1))
	assert.NotPanics(t, func() { pool.Release(buf) })
	assert.LessOrEqual(t, pool.Hint(), bytebuffers.MaxRetained)
}

func BenchmarkPool(b *testing.B) {
	pool := bytebuffers.NewPool(4096)
	s := []byte("hello world")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Acquire()
		_, _ = buf.Write(s)
		pool.Release(buf)
	}
}
