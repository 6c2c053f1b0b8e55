package npipe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/npipe/pkg/bytebuffers"
	"github.com/brickingsoft/npipe/pkg/metrics"
	"github.com/brickingsoft/npipe/pkg/semaphores"
	"github.com/containerd/log"
	"golang.org/x/sync/semaphore"
)

// Ownership of the handle.
//
//	Idle     -> Probing   reader takes the handle
//	Idle     -> Writing   writer takes the handle
//	Probing  -> Idle      reader gives it back
//	Probing  -> Yielding  writer asks for it
//	Yielding -> Writing   reader hands it over
//	Yielding -> Probing   writer gave up asking
//	Writing  -> Idle      writer gives it back
//	*        -> Closed
const (
	stateIdle int32 = iota
	stateProbing
	stateYielding
	stateWriting
	stateClosed
)

type ownedHandle struct {
	aio.Handle
}

type channel struct {
	name    string
	role    string
	mode    Mode
	handle  atomic.Pointer[ownedHandle]
	buf     []byte
	rguard  *semaphore.Weighted
	wguard  *semaphore.Weighted
	cguard  *semaphore.Weighted
	state   atomic.Int32
	yield   *semaphores.Semaphores
	granted *semaphores.Semaphores
	resumed *semaphores.Semaphores

	closed    chan struct{}
	closeOnce sync.Once
	attached  atomic.Bool
	abandoned atomic.Pointer[error]
	messages  *bytebuffers.Pool

	log     *log.Entry
	metrics *metrics.Collector
}

func newChannel(name string, role string, options Options) channel {
	return channel{
		name:     name,
		role:     role,
		mode:     options.Mode,
		buf:      make([]byte, options.ReceiveBufferSize),
		rguard:   semaphore.NewWeighted(1),
		wguard:   semaphore.NewWeighted(1),
		cguard:   semaphore.NewWeighted(1),
		yield:    semaphores.New(),
		granted:  semaphores.New(),
		resumed:  semaphores.New(),
		closed:   make(chan struct{}),
		messages: bytebuffers.NewPool(options.ReceiveBufferSize),
		log:      options.Logger.WithFields(log.Fields{"pipe": name, "role": role}),
		metrics:  options.Metrics,
	}
}

func (c *channel) Name() string {
	return c.name
}

func (c *channel) Mode() Mode {
	return c.mode
}

func (c *channel) IsConnected() bool {
	if !c.attached.Load() {
		return false
	}
	h := c.handle.Load()
	return h != nil && h.Connected()
}

func (c *channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// attach installs a freshly connected handle. A handle that arrives after
// Close is closed here and false is returned.
func (c *channel) attach(h aio.Handle) bool {
	owned := &ownedHandle{Handle: h}
	if !c.handle.CompareAndSwap(nil, owned) {
		_ = h.Close()
		return false
	}
	if c.isClosed() {
		if c.handle.CompareAndSwap(owned, nil) {
			_ = h.Close()
		}
		return false
	}
	c.connected()
	return true
}

func (c *channel) connected() {
	if c.attached.CompareAndSwap(false, true) {
		c.metrics.Connected(c.role)
		c.log.Debug("connected")
	}
}

// watch cancels ctx's derived context once the channel is closed. The
// returned stop must be called when the wait is over.
func (c *channel) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *channel) Read(ctx context.Context) (b []byte, err error) {
	if ctx.Err() != nil || c.isClosed() {
		return
	}
	if c.rguard.Acquire(ctx, 1) != nil {
		return
	}
	defer c.rguard.Release(1)

	h := c.handle.Load()
	if h == nil {
		return
	}

	acc := c.messages.Acquire()
	defer c.messages.Release(acc)

	rctx, draining := ctx, false
	for {
		if !c.acquireForRead(rctx) {
			return
		}
		n, more, status, pollErr := c.poll(rctx, h)
		switch status {
		case pollHandedOff:
			continue
		case pollStopped:
			err = pollErr
			return
		}
		if n > 0 {
			if _, err = acc.Write(c.buf[:n]); err != nil {
				err = newOpErr(opRead, c.name, err)
				return
			}
		}
		if c.mode == ByteMode || !more {
			if draining && ctx.Err() != nil {
				c.log.WithField("bytes", acc.Len()).Debug("message drained after cancellation was dropped")
				return
			}
			b = acc.Detach()
			if b != nil {
				c.metrics.Read(c.role, len(b))
			}
			return
		}
		// part of a message is consumed, the rest is read whatever happens
		// to ctx so the next Read starts on a message boundary
		if !draining {
			rctx, draining = context.WithoutCancel(ctx), true
		}
	}
}

type pollStatus int

const (
	pollData pollStatus = iota
	pollHandedOff
	pollStopped
)

// poll runs with the handle owned by the reader and always gives it up
// before returning: back to idle, or to a writer that asked for it.
func (c *channel) poll(ctx context.Context, h aio.Handle) (n int, more bool, status pollStatus, err error) {
	for {
		op, probeErr := h.Probe()
		if probeErr != nil {
			c.releaseFromRead()
			status, err = pollStopped, c.readFault(probeErr)
			return
		}
		c.metrics.Probe(c.role)

	WAIT:
		for {
			select {
			case <-op.Done():
				if opErr := op.Err(); opErr != nil {
					c.releaseFromRead()
					status, err = pollStopped, c.readFault(opErr)
					return
				}
				var readErr error
				n, more, readErr = h.Read(ctx, c.buf)
				c.releaseFromRead()
				if readErr != nil {
					n, more = 0, false
					status, err = pollStopped, c.readFault(readErr)
					return
				}
				status = pollData
				return
			case <-c.yield.C():
				if c.state.Load() != stateYielding {
					continue
				}
				if cancelErr := op.Cancel(); cancelErr != nil {
					status, err = pollStopped, c.abandon(cancelErr)
					return
				}
				if c.state.CompareAndSwap(stateYielding, stateWriting) {
					c.metrics.Handoff(c.role)
					c.granted.Signal()
					status = pollHandedOff
					return
				}
				if c.state.Load() == stateClosed {
					status = pollStopped
					return
				}
				// the writer gave up, probe again without leaving the handle
				break WAIT
			case <-c.closed:
				_ = op.Cancel()
				status = pollStopped
				return
			case <-ctx.Done():
				if cancelErr := op.Cancel(); cancelErr != nil {
					status, err = pollStopped, c.abandon(cancelErr)
					return
				}
				c.releaseFromRead()
				status = pollStopped
				return
			}
		}
	}
}

func (c *channel) acquireForRead(ctx context.Context) bool {
	for {
		switch c.state.Load() {
		case stateIdle:
			if c.state.CompareAndSwap(stateIdle, stateProbing) {
				return true
			}
		case stateClosed:
			return false
		default:
			select {
			case <-c.resumed.C():
			case <-c.closed:
				return false
			case <-ctx.Done():
				return false
			}
		}
	}
}

func (c *channel) releaseFromRead() {
	for {
		switch c.state.Load() {
		case stateProbing:
			if c.state.CompareAndSwap(stateProbing, stateIdle) {
				c.resumed.Signal()
				return
			}
		case stateYielding:
			if c.state.CompareAndSwap(stateYielding, stateWriting) {
				c.metrics.Handoff(c.role)
				c.granted.Signal()
				return
			}
		default:
			return
		}
	}
}

func (c *channel) Write(ctx context.Context, b []byte) (ok bool, err error) {
	if ctx.Err() != nil || c.isClosed() {
		return
	}
	if c.wguard.Acquire(ctx, 1) != nil {
		return
	}
	defer c.wguard.Release(1)

	if !c.attached.Load() {
		err = ErrNotConnected
		return
	}
	h := c.handle.Load()
	if h == nil {
		return
	}

	if acquireErr := c.acquireForWrite(ctx); acquireErr != nil {
		err = c.abandonedErr()
		return
	}
	n, writeErr := h.Write(ctx, b)
	c.releaseFromWrite()
	if writeErr != nil {
		if aio.IsCanceled(writeErr) {
			return
		}
		err = c.fault(opWrite, writeErr)
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.metrics.Written(c.role, n)
	ok = true
	return
}

func (c *channel) acquireForWrite(ctx context.Context) error {
	for {
		switch c.state.Load() {
		case stateIdle:
			if c.state.CompareAndSwap(stateIdle, stateWriting) {
				return nil
			}
		case stateProbing:
			if c.state.CompareAndSwap(stateProbing, stateYielding) {
				c.log.Debug("asking reader to yield")
				c.yield.Signal()
				return c.awaitGrant(ctx)
			}
		case stateClosed:
			return ErrClosed
		default:
			// a hand-off of the previous write is still settling
			select {
			case <-c.resumed.C():
			case <-c.closed:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *channel) awaitGrant(ctx context.Context) error {
	for {
		select {
		case <-c.granted.C():
			if c.state.Load() == stateWriting {
				return nil
			}
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			if c.state.CompareAndSwap(stateYielding, stateProbing) {
				return ctx.Err()
			}
			if c.state.Load() == stateWriting {
				c.releaseFromWrite()
			}
			return ctx.Err()
		}
	}
}

func (c *channel) releaseFromWrite() {
	if c.state.CompareAndSwap(stateWriting, stateIdle) {
		c.resumed.Signal()
	}
}

// readFault turns a read side failure into what Read returns: nothing for
// cancellation and end of stream, the wrapped failure otherwise.
func (c *channel) readFault(err error) error {
	if aio.IsCanceled(err) || aio.IsEndOfStream(err) {
		return nil
	}
	return c.fault(opRead, err)
}

// abandon gives up on a handle whose outstanding operation could not be
// cancelled. Nothing else may be issued against it, so the channel is closed
// and a writer waiting for the handle fails with the returned error.
func (c *channel) abandon(cause error) error {
	err := c.fault(opCancel, cause)
	c.abandoned.CompareAndSwap(nil, &err)
	_ = c.Close()
	return err
}

func (c *channel) abandonedErr() error {
	if err := c.abandoned.Load(); err != nil {
		return *err
	}
	return nil
}

func (c *channel) fault(op string, err error) error {
	c.metrics.Fault(c.role)
	c.log.WithError(err).WithField("op", op).Error("pipe operation failed")
	return newOpErr(op, c.name, err)
}

func (c *channel) Close() (err error) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		close(c.closed)
		if h := c.handle.Swap(nil); h != nil {
			if closeErr := h.Close(); closeErr != nil && !errors.Is(closeErr, aio.ErrClosed) {
				err = newOpErr(opClose, c.name, closeErr)
			}
		}
		if c.attached.Load() {
			c.metrics.Disconnected(c.role)
		}
		_ = c.yield.Close()
		_ = c.granted.Close()
		_ = c.resumed.Close()
		c.log.Debug("closed")
	})
	return
}
