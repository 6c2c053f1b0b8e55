//go:build !windows

package aio

import "context"

// Default returns the platform namespace. Outside Windows there is none.
func Default() Namespace {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Create(string, ServerConfig) (ServerHandle, error) {
	return nil, ErrUnsupported
}

func (unsupported) Open(context.Context, string, ClientConfig) (Handle, error) {
	return nil, ErrUnsupported
}
