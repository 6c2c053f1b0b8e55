//go:build windows

package aio

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/windows"
)

type handle struct {
	fd        windows.Handle
	path      string
	connected atomic.Bool
	// locker guards closing; submissions and cancellations hold it shared so
	// Close never races a syscall on the handle.
	locker    sync.RWMutex
	closing   bool
	opsLocker sync.Mutex
	ops       map[*operation]struct{}
	wg        sync.WaitGroup
}

func newHandle(fd windows.Handle, path string, connected bool) (*handle, error) {
	if err := iocp.associate(fd); err != nil {
		_ = windows.CloseHandle(fd)
		return nil, err
	}
	h := &handle{
		fd:   fd,
		path: path,
		ops:  make(map[*operation]struct{}),
	}
	h.connected.Store(connected)
	return h, nil
}

// submit starts an overlapped request. An immediate failure is returned as is
// and no operation is left behind, since no completion packet follows it.
func (h *handle) submit(fn func(overlapped *windows.Overlapped) error) (*operation, error) {
	h.locker.RLock()
	defer h.locker.RUnlock()
	if h.closing {
		return nil, ErrClosed
	}
	op := &operation{
		handle: h,
		done:   make(chan struct{}),
	}
	h.track(op)
	err := fn(&op.overlapped)
	switch err {
	case nil, windows.ERROR_IO_PENDING, windows.ERROR_MORE_DATA:
		// ERROR_MORE_DATA is a warning status, its completion packet is still queued
		return op, nil
	default:
		op.complete(0, err)
		return nil, err
	}
}

// track keeps op reachable until its completion packet arrives.
func (h *handle) track(op *operation) {
	h.opsLocker.Lock()
	h.ops[op] = struct{}{}
	h.opsLocker.Unlock()
	h.wg.Add(1)
}

func (h *handle) untrack(op *operation) {
	h.opsLocker.Lock()
	delete(h.ops, op)
	h.opsLocker.Unlock()
	h.wg.Done()
}

func (h *handle) cancel(op *operation) error {
	h.locker.RLock()
	defer h.locker.RUnlock()
	if h.closing {
		// Close cancels everything that is outstanding
		return nil
	}
	err := windows.CancelIoEx(h.fd, &op.overlapped)
	if err != nil && err != windows.ERROR_NOT_FOUND {
		return errors.New(
			"cancel failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpCancel),
			errors.WithWrap(os.NewSyscallError("CancelIoEx", err)),
		)
	}
	return nil
}

// await waits for op, cancelling it when ctx ends first. An operation that
// completed before the cancellation took effect keeps its result.
func (h *handle) await(ctx context.Context, op *operation) error {
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return op.Cancel()
	}
}

func (h *handle) fault(op string, syscall string, err error, eof bool) error {
	switch {
	case errors.Is(err, ErrClosed):
		return err
	case err == windows.ERROR_OPERATION_ABORTED:
		return errors.From(ErrCanceled, errors.WithWrap(os.NewSyscallError(syscall, err)))
	case err == windows.ERROR_PIPE_LISTENING:
		if eof {
			return io.EOF
		}
		return errors.From(ErrBroken, errors.WithWrap(os.NewSyscallError(syscall, err)))
	case err == windows.ERROR_BROKEN_PIPE, err == windows.ERROR_NO_DATA, err == windows.ERROR_PIPE_NOT_CONNECTED, err == windows.ERROR_HANDLE_EOF:
		h.connected.Store(false)
		if eof {
			return io.EOF
		}
		return errors.From(ErrBroken, errors.WithWrap(os.NewSyscallError(syscall, err)))
	}
	return errors.New(
		op+" failed",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(os.NewSyscallError(syscall, err)),
	)
}

func (h *handle) Probe() (Operation, error) {
	op, err := h.submit(func(overlapped *windows.Overlapped) error {
		return windows.ReadFile(h.fd, nil, nil, overlapped)
	})
	if err != nil {
		return nil, h.fault(errMetaOpProbe, "ReadFile", err, true)
	}
	return op, nil
}

func (h *handle) Read(ctx context.Context, b []byte) (n int, more bool, err error) {
	op, submitErr := h.submit(func(overlapped *windows.Overlapped) error {
		return windows.ReadFile(h.fd, b, nil, overlapped)
	})
	if submitErr != nil {
		err = h.fault(errMetaOpRead, "ReadFile", submitErr, true)
		return
	}
	if err = h.await(ctx, op); err != nil {
		return
	}
	n = int(op.qty)
	switch op.errno {
	case nil:
	case windows.ERROR_MORE_DATA:
		more = true
	default:
		n = 0
		err = h.fault(errMetaOpRead, "ReadFile", op.errno, true)
	}
	return
}

func (h *handle) Write(ctx context.Context, b []byte) (n int, err error) {
	op, submitErr := h.submit(func(overlapped *windows.Overlapped) error {
		return windows.WriteFile(h.fd, b, nil, overlapped)
	})
	if submitErr != nil {
		err = h.fault(errMetaOpWrite, "WriteFile", submitErr, false)
		return
	}
	if err = h.await(ctx, op); err != nil {
		return
	}
	if op.errno != nil {
		err = h.fault(errMetaOpWrite, "WriteFile", op.errno, false)
		return
	}
	n = int(op.qty)
	return
}

func (h *handle) Accept(ctx context.Context) error {
	if h.connected.Load() {
		return nil
	}
	op, err := h.submit(func(overlapped *windows.Overlapped) error {
		return windows.ConnectNamedPipe(h.fd, overlapped)
	})
	if err != nil {
		if err == windows.ERROR_PIPE_CONNECTED {
			// the client attached between create and connect
			h.connected.Store(true)
			return nil
		}
		return h.fault(errMetaOpAccept, "ConnectNamedPipe", err, false)
	}
	if err = h.await(ctx, op); err != nil {
		return err
	}
	switch op.errno {
	case nil, windows.ERROR_PIPE_CONNECTED:
		h.connected.Store(true)
		return nil
	default:
		return h.fault(errMetaOpAccept, "ConnectNamedPipe", op.errno, false)
	}
}

func (h *handle) SetReadMode(mode Mode) error {
	state := uint32(windows.PIPE_READMODE_BYTE)
	if mode == MessageMode {
		state = windows.PIPE_READMODE_MESSAGE
	}
	h.locker.RLock()
	defer h.locker.RUnlock()
	if h.closing {
		return ErrClosed
	}
	if err := windows.SetNamedPipeHandleState(h.fd, &state, nil, nil); err != nil {
		return errors.New(
			"set read mode failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpSetMode),
			errors.WithWrap(os.NewSyscallError("SetNamedPipeHandleState", err)),
		)
	}
	return nil
}

func (h *handle) Connected() bool {
	return h.connected.Load()
}

func (h *handle) Close() error {
	h.locker.Lock()
	if h.closing {
		h.locker.Unlock()
		return nil
	}
	h.closing = true
	h.locker.Unlock()

	h.connected.Store(false)
	_ = windows.CancelIoEx(h.fd, nil)
	h.wg.Wait()
	err := windows.CloseHandle(h.fd)
	iocp.release()
	if err != nil {
		return errors.New(
			"close failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
			errors.WithWrap(os.NewSyscallError("CloseHandle", err)),
		)
	}
	return nil
}
