package npipe_test

import (
	"context"

	"github.com/brickingsoft/npipe/pkg/aio"
)

// hooks intercept the native calls a channel makes on one end of a pipe.
type hooks struct {
	// afterRead runs once every native read returned.
	afterRead func()
	// cancelGate holds every cancel until it is closed.
	cancelGate chan struct{}
	// cancelErr makes every cancel fail without touching the operation.
	cancelErr error
}

func (hk *hooks) read(ctx context.Context, h aio.Handle, b []byte) (n int, more bool, err error) {
	n, more, err = h.Read(ctx, b)
	if hk.afterRead != nil {
		hk.afterRead()
	}
	return
}

func (hk *hooks) probe(h aio.Handle) (aio.Operation, error) {
	op, err := h.Probe()
	if err != nil || (hk.cancelGate == nil && hk.cancelErr == nil) {
		return op, err
	}
	return &hookedOperation{Operation: op, hooks: hk}, nil
}

type hookedOperation struct {
	aio.Operation
	hooks *hooks
}

func (op *hookedOperation) Cancel() error {
	if op.hooks.cancelGate != nil {
		<-op.hooks.cancelGate
	}
	if op.hooks.cancelErr != nil {
		return op.hooks.cancelErr
	}
	return op.Operation.Cancel()
}

// hookedNamespace applies server hooks to created instances and client hooks
// to opened ends.
type hookedNamespace struct {
	aio.Namespace
	server hooks
	client hooks
}

func (ns *hookedNamespace) Create(name string, config aio.ServerConfig) (aio.ServerHandle, error) {
	h, err := ns.Namespace.Create(name, config)
	if err != nil {
		return nil, err
	}
	return &hookedServer{ServerHandle: h, hooks: &ns.server}, nil
}

func (ns *hookedNamespace) Open(ctx context.Context, name string, config aio.ClientConfig) (aio.Handle, error) {
	h, err := ns.Namespace.Open(ctx, name, config)
	if err != nil {
		return nil, err
	}
	return &hookedClient{Handle: h, hooks: &ns.client}, nil
}

type hookedServer struct {
	aio.ServerHandle
	hooks *hooks
}

func (h *hookedServer) Probe() (aio.Operation, error) {
	return h.hooks.probe(h.ServerHandle)
}

func (h *hookedServer) Read(ctx context.Context, b []byte) (int, bool, error) {
	return h.hooks.read(ctx, h.ServerHandle, b)
}

type hookedClient struct {
	aio.Handle
	hooks *hooks
}

func (h *hookedClient) Probe() (aio.Operation, error) {
	return h.hooks.probe(h.Handle)
}

func (h *hookedClient) Read(ctx context.Context, b []byte) (int, bool, error) {
	return h.hooks.read(ctx, h.Handle, b)
}
