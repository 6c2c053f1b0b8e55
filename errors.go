package npipe

import (
	"context"

	"github.com/brickingsoft/errors"
)

var (
	ErrClosed        = errors.Define("pipe channel was closed")
	ErrNotConnected  = errors.Define("pipe channel is not connected")
	ErrTimeout       = errors.Define("connect timed out")
	ErrInvalidOption = errors.Define("invalid option")
)

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "npipe"
	errMetaOpKey  = "op"
	errMetaPipe   = "pipe"
)

const (
	opConnect = "connect"
	opCreate  = "create"
	opRead    = "read"
	opWrite   = "write"
	opCancel  = "cancel"
	opClose   = "close"
)

func newOpErr(op string, name string, err error) error {
	return errors.New(
		op+" failed",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaPipe, name),
		errors.WithWrap(err),
	)
}
