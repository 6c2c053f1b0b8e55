package bytebuffers

import (
	"errors"
	"math"
	"os"
)

// Buffer is an append-only byte accumulator.
type Buffer interface {
	Len() (n int)
	Cap() (n int)
	Bytes() (p []byte)
	Write(p []byte) (n int, err error)
	// Detach returns a copy of the accumulated bytes, nil when empty.
	Detach() (p []byte)
	Reset()
}

var (
	pagesize = os.Getpagesize()
)

var (
	ErrTooLarge = errors.New("bytebuffers.Buffer: too large")
)

func NewBuffer() Buffer {
	return NewBufferWithSize(pagesize)
}

func NewBufferWithSize(size int) Buffer {
	if size <= 0 {
		size = 1
	}
	b := &buffer{}
	_ = b.grow(size)
	return b
}

type buffer struct {
	b []byte
	w int
}

func (buf *buffer) Len() int { return buf.w }

func (buf *buffer) Cap() int { return cap(buf.b) }

func (buf *buffer) Bytes() []byte { return buf.b[:buf.w] }

func (buf *buffer) Write(p []byte) (n int, err error) {
	pLen := len(p)
	if pLen == 0 {
		return
	}
	if m := buf.w + pLen - len(buf.b); m > 0 {
		if err = buf.grow(m); err != nil {
			return
		}
	}
	n = copy(buf.b[buf.w:], p)
	buf.w += n
	return
}

func (buf *buffer) Detach() (p []byte) {
	if buf.w == 0 {
		return
	}
	p = make([]byte, buf.w)
	copy(p, buf.b[:buf.w])
	return
}

func (buf *buffer) Reset() {
	buf.w = 0
}

// grow extends the backing array by at least n bytes, rounded up to whole pages.
func (buf *buffer) grow(n int) (err error) {
	pages := (n + pagesize - 1) / pagesize
	if n <= 0 || pages > (math.MaxInt-len(buf.b))/pagesize {
		err = ErrTooLarge
		return
	}
	defer func() {
		if recover() != nil {
			err = ErrTooLarge
		}
	}()
	b := make([]byte, len(buf.b)+pages*pagesize)
	copy(b, buf.b[:buf.w])
	buf.b = b
	return
}
