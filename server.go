package npipe

import (
	"context"

	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/rxp/async"
)

// ServerChannel is one instance of a named pipe. The instance exists from
// construction on; Connect waits for a client to attach to it.
type ServerChannel struct {
	channel
	instance aio.ServerHandle
}

// NewServer
// 创建服务端通道，同时创建管道实例。
func NewServer(name string, opts ...Option) (*ServerChannel, error) {
	if name == "" {
		return nil, invalidOption("name", "pipe name is empty")
	}
	options, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	instance, createErr := options.Namespace.Create(name, aio.ServerConfig{
		Mode:                options.Mode,
		MaxInstances:        options.MaxInstances,
		InBufferSize:        options.InBufferSize,
		OutBufferSize:       options.OutBufferSize,
		SecurityDescriptor:  options.SecurityDescriptor,
		RejectRemoteClients: options.RejectRemoteClients,
	})
	if createErr != nil {
		return nil, newOpErr(opCreate, name, createErr)
	}
	s := &ServerChannel{
		channel:  newChannel(name, roleServer, options),
		instance: instance,
	}
	s.handle.Store(&ownedHandle{Handle: instance})
	return s, nil
}

// Connect waits for a client. A client that attached before Connect was
// called counts as connected.
func (s *ServerChannel) Connect(ctx context.Context) (ok bool, err error) {
	if s.IsConnected() {
		ok = true
		return
	}
	if ctx.Err() != nil || s.isClosed() {
		return
	}
	if s.cguard.Acquire(ctx, 1) != nil {
		return
	}
	defer s.cguard.Release(1)
	if s.IsConnected() {
		ok = true
		return
	}

	acceptCtx, stop := s.watch(ctx)
	defer stop()

	s.log.Debug("waiting for client")
	if acceptErr := s.instance.Accept(acceptCtx); acceptErr != nil {
		if s.isClosed() || ctx.Err() != nil || aio.IsCanceled(acceptErr) {
			return
		}
		err = s.fault(opConnect, acceptErr)
		return
	}
	if s.isClosed() {
		return
	}
	s.connected()
	ok = true
	return
}

// ConnectAsync
// 异步建立连接。已连接时返回立即完成的未来。
func (s *ServerChannel) ConnectAsync(ctx context.Context) async.Future[bool] {
	return s.connectAsync(ctx, s.Connect)
}

var _ Channel = (*ServerChannel)(nil)
