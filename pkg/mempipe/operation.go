package mempipe

import "github.com/brickingsoft/npipe/pkg/aio"

type operation struct {
	end       *End
	err       error
	completed bool
	done      chan struct{}
}

// complete runs under the namespace lock.
func (op *operation) complete(err error) {
	if op.completed {
		return
	}
	op.completed = true
	op.err = err
	delete(op.end.probes, op)
	op.end.finish()
	close(op.done)
}

func (op *operation) Done() <-chan struct{} {
	return op.done
}

func (op *operation) Err() error {
	op.end.ns.locker.Lock()
	defer op.end.ns.locker.Unlock()
	return op.err
}

func (op *operation) Cancel() error {
	op.end.ns.locker.Lock()
	if !op.completed {
		op.end.stats.Cancels++
		op.complete(aio.ErrCanceled)
	}
	op.end.ns.locker.Unlock()
	<-op.done
	return nil
}
