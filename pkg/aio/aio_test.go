package aio_test

import (
	"io"
	"testing"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipePath(t *testing.T) {
	assert.Equal(t, `\\.\pipe\demo`, aio.PipePath("", "demo"))
	assert.Equal(t, `\\host\pipe\demo`, aio.PipePath("host", "demo"))
	assert.Equal(t, `\\.\pipe\demo`, aio.PipePath(".", `\demo`))
	assert.Equal(t, `\\other\pipe\x`, aio.PipePath("host", `\\other\pipe\x`))
}

func TestParseMode(t *testing.T) {
	mode, err := aio.ParseMode("message")
	require.NoError(t, err)
	assert.Equal(t, aio.MessageMode, mode)

	mode, err = aio.ParseMode(" Stream ")
	require.NoError(t, err)
	assert.Equal(t, aio.ByteMode, mode)

	_, err = aio.ParseMode("datagram")
	assert.ErrorIs(t, err, aio.ErrInvalidMode)
	assert.Equal(t, "message", aio.MessageMode.String())
}

func TestClassification(t *testing.T) {
	canceled := errors.From(aio.ErrCanceled, errors.WithWrap(io.ErrUnexpectedEOF))
	assert.True(t, aio.IsCanceled(canceled))
	assert.True(t, aio.IsCanceled(aio.ErrClosed))
	assert.False(t, aio.IsCanceled(io.EOF))

	assert.True(t, aio.IsEndOfStream(io.EOF))
	assert.True(t, aio.IsEndOfStream(errors.From(aio.ErrBroken)))
	assert.True(t, aio.IsBroken(errors.New("write failed", errors.WithWrap(aio.ErrBroken))))
	assert.False(t, aio.IsEndOfStream(aio.ErrBusy))
}
