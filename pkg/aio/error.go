package aio

import (
	"io"

	"github.com/brickingsoft/errors"
)

var (
	ErrCanceled    = errors.Define("operation canceled")
	ErrBroken      = errors.Define("pipe is broken")
	ErrClosed      = errors.Define("use of closed pipe handle")
	ErrBusy        = errors.Define("all pipe instances are busy")
	ErrUnsupported = errors.Define("named pipes are not supported on this platform")
	ErrInvalidMode = errors.Define("invalid transmission mode")
)

// IsCanceled reports whether err ended an operation without a fault of the pipe:
// cancellation, or a handle closed underneath it.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrClosed)
}

func IsBroken(err error) bool {
	return errors.Is(err, ErrBroken)
}

// IsEndOfStream reports whether a read side error means there is nothing more to read.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrBroken)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "aio"
)

const (
	errMetaOpKey     = "op"
	errMetaOpCreate  = "create"
	errMetaOpOpen    = "open"
	errMetaOpAccept  = "accept"
	errMetaOpProbe   = "probe"
	errMetaOpRead    = "read"
	errMetaOpWrite   = "write"
	errMetaOpCancel  = "cancel"
	errMetaOpSetMode = "set_mode"
	errMetaOpClose   = "close"
)

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
