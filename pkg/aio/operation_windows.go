//go:build windows

package aio

import (
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// operation is one overlapped request. overlapped must stay the first field:
// completion packets hand back its address.
type operation struct {
	overlapped windows.Overlapped
	handle     *handle
	qty        uint32
	errno      error
	completed  atomic.Bool
	done       chan struct{}
}

func (op *operation) complete(qty uint32, errno error) {
	if !op.completed.CompareAndSwap(false, true) {
		return
	}
	op.qty = qty
	op.errno = errno
	op.handle.untrack(op)
	close(op.done)
}

func (op *operation) Done() <-chan struct{} {
	return op.done
}

// Err is the probe view of the result: nil means data is ready.
func (op *operation) Err() error {
	switch op.errno {
	case nil, windows.ERROR_MORE_DATA:
		return nil
	default:
		return op.handle.fault(errMetaOpProbe, "ReadFile", op.errno, true)
	}
}

func (op *operation) Cancel() error {
	select {
	case <-op.done:
		return nil
	default:
	}
	if err := op.handle.cancel(op); err != nil {
		return err
	}
	<-op.done
	return nil
}
