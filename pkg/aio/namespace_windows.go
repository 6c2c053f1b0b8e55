//go:build windows

package aio

import (
	"context"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"github.com/brickingsoft/errors"
	"golang.org/x/sys/windows"
)

// Default returns the namespace of the local named pipe file system.
func Default() Namespace {
	return native{}
}

type native struct{}

const (
	defaultPipeBufferSize = 4096
	dialRetryInterval     = 10 * time.Millisecond
)

func (native) Create(name string, config ServerConfig) (ServerHandle, error) {
	path := PipePath("", name)
	path16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.New(
			"create pipe failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpCreate),
			errors.WithWrap(err),
		)
	}

	pipeMode := uint32(windows.PIPE_TYPE_BYTE | windows.PIPE_READMODE_BYTE | windows.PIPE_WAIT)
	if config.Mode == MessageMode {
		pipeMode = windows.PIPE_TYPE_MESSAGE | windows.PIPE_READMODE_MESSAGE | windows.PIPE_WAIT
	}
	if config.RejectRemoteClients {
		pipeMode |= windows.PIPE_REJECT_REMOTE_CLIENTS
	}
	instances := uint32(windows.PIPE_UNLIMITED_INSTANCES)
	if config.MaxInstances > 0 && config.MaxInstances < windows.PIPE_UNLIMITED_INSTANCES {
		instances = uint32(config.MaxInstances)
	}
	inSize, outSize := config.InBufferSize, config.OutBufferSize
	if inSize == 0 {
		inSize = defaultPipeBufferSize
	}
	if outSize == 0 {
		outSize = defaultPipeBufferSize
	}

	var sa *windows.SecurityAttributes
	var sd []byte
	if config.SecurityDescriptor != "" {
		sd, err = winio.SddlToSecurityDescriptor(config.SecurityDescriptor)
		if err != nil {
			return nil, errors.New(
				"create pipe failed",
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta(errMetaOpKey, errMetaOpCreate),
				errors.WithWrap(err),
			)
		}
		sa = &windows.SecurityAttributes{
			SecurityDescriptor: (*windows.SECURITY_DESCRIPTOR)(unsafe.Pointer(&sd[0])),
		}
		sa.Length = uint32(unsafe.Sizeof(*sa))
	}

	fd, err := windows.CreateNamedPipe(
		path16,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		pipeMode,
		instances,
		outSize,
		inSize,
		0,
		sa,
	)
	runtime.KeepAlive(sd)
	if err != nil {
		if err == windows.ERROR_PIPE_BUSY {
			return nil, errors.From(ErrBusy, errors.WithWrap(os.NewSyscallError("CreateNamedPipe", err)))
		}
		return nil, errors.New(
			"create pipe failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpCreate),
			errors.WithWrap(os.NewSyscallError("CreateNamedPipe", err)),
		)
	}
	h, err := newHandle(fd, path, false)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Open dials the pipe, retrying while every instance is busy or none exists
// yet, until ctx ends.
func (native) Open(ctx context.Context, name string, config ClientConfig) (Handle, error) {
	path := PipePath(config.ServerName, name)
	path16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.New(
			"open pipe failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpOpen),
			errors.WithWrap(err),
		)
	}
	attrs := uint32(windows.FILE_FLAG_OVERLAPPED | windows.SECURITY_SQOS_PRESENT)
	attrs |= impersonationFlag(config.ImpersonationLevel)

	for {
		fd, openErr := windows.CreateFile(
			path16,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0,
			nil,
			windows.OPEN_EXISTING,
			attrs,
			0,
		)
		if openErr == nil {
			h, hErr := newHandle(fd, path, true)
			if hErr != nil {
				return nil, hErr
			}
			return h, nil
		}
		if openErr != windows.ERROR_PIPE_BUSY && openErr != windows.ERROR_FILE_NOT_FOUND {
			return nil, errors.New(
				"open pipe failed",
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta(errMetaOpKey, errMetaOpOpen),
				errors.WithWrap(os.NewSyscallError("CreateFile", openErr)),
			)
		}
		select {
		case <-ctx.Done():
			return nil, errors.From(ErrCanceled, errors.WithWrap(ctx.Err()))
		case <-time.After(dialRetryInterval):
		}
	}
}

func impersonationFlag(level ImpersonationLevel) uint32 {
	switch level {
	case ImpersonationIdentification:
		return uint32(winio.PipeImpLevelIdentification)
	case ImpersonationImpersonation:
		return uint32(winio.PipeImpLevelImpersonation)
	case ImpersonationDelegation:
		return uint32(winio.PipeImpLevelDelegation)
	default:
		return uint32(winio.PipeImpLevelAnonymous)
	}
}
