package mempipe

import (
	"context"
	"io"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
)

// End is one side of an in-memory pipe. Everything except the op channels is
// guarded by the namespace lock.
type End struct {
	ns     *Namespace
	pipe   *pipe
	server bool
	mode   aio.Mode

	peer      *End
	attached  bool
	connected bool
	closed    bool
	inbox     [][]byte

	probes      map[*operation]struct{}
	changed     chan struct{}
	outstanding int
	stats       Stats
}

func newEnd(ns *Namespace, p *pipe, server bool, mode aio.Mode) *End {
	return &End{
		ns:      ns,
		pipe:    p,
		server:  server,
		mode:    mode,
		probes:  make(map[*operation]struct{}),
		changed: make(chan struct{}),
	}
}

func (end *End) attach(peer *End) {
	end.peer = peer
	end.attached = true
	end.connected = true
	end.broadcast()
}

// broadcast wakes everything waiting on the end's state.
func (end *End) broadcast() {
	close(end.changed)
	end.changed = make(chan struct{})
}

func (end *End) begin() {
	end.outstanding++
	if end.outstanding > 1 {
		end.stats.Overlaps++
	}
}

func (end *End) finish() {
	end.outstanding--
}

func (end *End) readable() bool {
	return len(end.inbox) > 0
}

// drained reports that no data is buffered and none can arrive any more.
func (end *End) drained() bool {
	return !end.readable() && (!end.connected || end.peer == nil || end.peer.closed)
}

func (end *End) Probe() (aio.Operation, error) {
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	if end.closed {
		return nil, aio.ErrClosed
	}
	end.stats.Probes++
	if !end.attached {
		// probing a listening instance fails at once
		return nil, io.EOF
	}
	end.begin()
	op := &operation{end: end, done: make(chan struct{})}
	switch {
	case end.readable():
		op.complete(nil)
	case end.drained():
		op.complete(io.EOF)
	default:
		end.probes[op] = struct{}{}
	}
	return op, nil
}

// completeProbes finishes every pending probe with err.
func (end *End) completeProbes(err error) {
	for op := range end.probes {
		op.complete(err)
	}
}

func (end *End) Read(ctx context.Context, b []byte) (n int, more bool, err error) {
	end.ns.locker.Lock()
	if end.closed {
		end.ns.locker.Unlock()
		err = aio.ErrClosed
		return
	}
	end.stats.Reads++
	end.begin()
	defer func() {
		end.ns.locker.Lock()
		end.finish()
		end.ns.locker.Unlock()
	}()
	for {
		if end.closed {
			end.ns.locker.Unlock()
			err = aio.ErrCanceled
			return
		}
		if end.readable() {
			n, more = end.take(b)
			end.ns.locker.Unlock()
			return
		}
		if end.drained() {
			end.ns.locker.Unlock()
			err = io.EOF
			return
		}
		changed := end.changed
		end.ns.locker.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			end.ns.locker.Lock()
			end.stats.Cancels++
			end.ns.locker.Unlock()
			err = errors.From(aio.ErrCanceled, errors.WithWrap(ctx.Err()))
			return
		}
		end.ns.locker.Lock()
	}
}

// take copies buffered data into b. Byte mode reads across message
// boundaries, message mode stops at the end of the head message.
func (end *End) take(b []byte) (n int, more bool) {
	if end.mode == aio.MessageMode {
		head := end.inbox[0]
		n = copy(b, head)
		if n < len(head) {
			end.inbox[0] = head[n:]
			more = true
			return
		}
		end.inbox = end.inbox[1:]
		return
	}
	for n < len(b) && len(end.inbox) > 0 {
		head := end.inbox[0]
		c := copy(b[n:], head)
		n += c
		if c < len(head) {
			end.inbox[0] = head[c:]
			break
		}
		end.inbox = end.inbox[1:]
	}
	return
}

func (end *End) Write(ctx context.Context, b []byte) (n int, err error) {
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	if end.closed {
		err = aio.ErrClosed
		return
	}
	end.stats.Writes++
	if err = ctx.Err(); err != nil {
		end.stats.Cancels++
		err = errors.From(aio.ErrCanceled, errors.WithWrap(err))
		return
	}
	if !end.connected || end.peer == nil || end.peer.closed {
		err = aio.ErrBroken
		return
	}
	end.begin()
	defer end.finish()
	if len(b) == 0 {
		return
	}
	msg := make([]byte, len(b))
	copy(msg, b)
	peer := end.peer
	peer.inbox = append(peer.inbox, msg)
	peer.completeProbes(nil)
	peer.broadcast()
	n = len(b)
	return
}

func (end *End) Accept(ctx context.Context) error {
	end.ns.locker.Lock()
	if end.closed {
		end.ns.locker.Unlock()
		return aio.ErrClosed
	}
	if !end.server {
		end.ns.locker.Unlock()
		return aio.ErrUnsupported
	}
	end.stats.Accepts++
	end.begin()
	defer func() {
		end.ns.locker.Lock()
		end.finish()
		end.ns.locker.Unlock()
	}()
	for {
		switch {
		case end.closed:
			end.ns.locker.Unlock()
			return aio.ErrCanceled
		case end.connected:
			end.ns.locker.Unlock()
			return nil
		case end.attached:
			// the client came and went before the instance was accepted
			end.ns.locker.Unlock()
			return aio.ErrBroken
		}
		changed := end.changed
		end.ns.locker.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			end.ns.locker.Lock()
			end.stats.Cancels++
			end.ns.locker.Unlock()
			return errors.From(aio.ErrCanceled, errors.WithWrap(ctx.Err()))
		}
		end.ns.locker.Lock()
	}
}

// SetReadMode fails for message mode on a byte stream pipe, as the native one does.
func (end *End) SetReadMode(mode aio.Mode) error {
	if mode != aio.ByteMode && mode != aio.MessageMode {
		return aio.ErrInvalidMode
	}
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	if end.closed {
		return aio.ErrClosed
	}
	if mode == aio.MessageMode && end.pipe.config.Mode != aio.MessageMode {
		return aio.ErrInvalidMode
	}
	end.mode = mode
	return nil
}

func (end *End) Connected() bool {
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	return end.connected && !end.closed
}

// Stats returns the counters of this end.
func (end *End) Stats() Stats {
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	return end.stats
}

// Close aborts the end's pending operations and disconnects the peer, which
// then reads end of stream once its buffered data is consumed.
func (end *End) Close() error {
	end.ns.locker.Lock()
	defer end.ns.locker.Unlock()
	if end.closed {
		return nil
	}
	end.closed = true
	end.connected = false
	end.inbox = nil
	end.completeProbes(aio.ErrCanceled)
	end.broadcast()
	if end.server {
		end.ns.remove(end)
	}
	if peer := end.peer; peer != nil && !peer.closed {
		peer.connected = false
		if !peer.readable() {
			peer.completeProbes(io.EOF)
		}
		peer.broadcast()
	}
	return nil
}
