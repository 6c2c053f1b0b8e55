package npipe

import (
	"context"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/rxp/async"
)

// ClientChannel is the client end of a pipe. It is created disconnected and
// opens the pipe on Connect.
type ClientChannel struct {
	channel
	options Options
}

// NewClient
// 创建客户端通道，name 为管道名（不含 \\server\pipe\ 前缀也可）。
func NewClient(name string, opts ...Option) (*ClientChannel, error) {
	if name == "" {
		return nil, invalidOption("name", "pipe name is empty")
	}
	options, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &ClientChannel{
		channel: newChannel(name, roleClient, options),
		options: options,
	}, nil
}

// Connect opens the pipe, waiting up to the connect timeout for an instance
// to become available.
func (c *ClientChannel) Connect(ctx context.Context) (ok bool, err error) {
	if c.IsConnected() {
		ok = true
		return
	}
	if ctx.Err() != nil || c.isClosed() {
		return
	}
	if c.cguard.Acquire(ctx, 1) != nil {
		return
	}
	defer c.cguard.Release(1)
	if c.attached.Load() {
		// a channel connects once, a dropped connection is not reopened
		ok = c.IsConnected()
		return
	}

	timeoutCtx, cancelTimeout := context.WithTimeoutCause(ctx, c.options.ConnectTimeout, ErrTimeout)
	defer cancelTimeout()
	openCtx, stop := c.watch(timeoutCtx)
	defer stop()

	c.log.Debug("connecting")
	h, openErr := c.options.Namespace.Open(openCtx, c.name, aio.ClientConfig{
		ServerName:         c.options.ServerName,
		ImpersonationLevel: c.options.ImpersonationLevel,
	})
	if openErr != nil {
		switch {
		case c.isClosed(), ctx.Err() != nil:
			return
		case errors.Is(context.Cause(timeoutCtx), ErrTimeout):
			err = ErrTimeout
			return
		default:
			err = c.fault(opConnect, openErr)
			return
		}
	}
	if modeErr := h.SetReadMode(c.mode); modeErr != nil {
		_ = h.Close()
		err = c.fault(opConnect, modeErr)
		return
	}
	ok = c.attach(h)
	return
}

// ConnectAsync
// 异步建立连接。已连接时返回立即完成的未来。
func (c *ClientChannel) ConnectAsync(ctx context.Context) async.Future[bool] {
	return c.connectAsync(ctx, c.Connect)
}

var _ Channel = (*ClientChannel)(nil)
