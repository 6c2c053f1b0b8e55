//go:build windows

package aio

import (
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/windows"
)

// engine owns the completion port every pipe handle is associated with.
// It starts with the first handle and stops when the last one is closed.
type engine struct {
	locker sync.Mutex
	port   windows.Handle
	refs   int
	loops  int
	wg     sync.WaitGroup
}

var iocp = &engine{loops: 1}

func (eng *engine) associate(fd windows.Handle) error {
	eng.locker.Lock()
	defer eng.locker.Unlock()
	if eng.refs == 0 {
		port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
		if err != nil {
			return errors.New(
				"engine start failed",
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithWrap(os.NewSyscallError("CreateIoCompletionPort", err)),
			)
		}
		eng.port = port
		for i := 0; i < eng.loops; i++ {
			eng.wg.Add(1)
			go eng.loop(port)
		}
	}
	if _, err := windows.CreateIoCompletionPort(fd, eng.port, 0, 0); err != nil {
		if eng.refs == 0 {
			eng.stop()
		}
		return errors.New(
			"associate handle failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithWrap(os.NewSyscallError("CreateIoCompletionPort", err)),
		)
	}
	// completions are taken from the port only, never from the handle's event
	_ = windows.SetFileCompletionNotificationModes(fd, windows.FILE_SKIP_SET_EVENT_ON_HANDLE)
	eng.refs++
	return nil
}

// release drops one handle reference. The handle must already be closed.
func (eng *engine) release() {
	eng.locker.Lock()
	defer eng.locker.Unlock()
	if eng.refs == 0 {
		return
	}
	eng.refs--
	if eng.refs == 0 {
		eng.stop()
	}
}

func (eng *engine) stop() {
	port := eng.port
	for i := 0; i < eng.loops; i++ {
		_ = windows.PostQueuedCompletionStatus(port, 0, 0, nil)
	}
	eng.wg.Wait()
	_ = windows.CloseHandle(port)
	eng.port = 0
}

func (eng *engine) loop(port windows.Handle) {
	defer eng.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		var qty uint32
		var key uintptr
		var overlapped *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(port, &qty, &key, &overlapped, windows.INFINITE)
		if overlapped == nil {
			// exit packet, or the port itself failed
			return
		}
		op := (*operation)(unsafe.Pointer(overlapped))
		op.complete(qty, err)
	}
}
