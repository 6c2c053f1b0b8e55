// Package aio is the native side of a pipe channel: handles opened for
// overlapped I/O, the single outstanding operation they host, and the
// namespace pipes are created in and opened from.
package aio

import (
	"context"
	"strings"
)

// Mode is the transmission mode of a pipe.
type Mode int

const (
	// ByteMode delivers a continuous byte stream.
	ByteMode Mode = iota
	// MessageMode preserves the boundaries of every write.
	MessageMode
)

func (mode Mode) String() string {
	switch mode {
	case ByteMode:
		return "byte"
	case MessageMode:
		return "message"
	default:
		return "unknown"
	}
}

// ParseMode accepts "byte" (or "stream") and "message".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "byte", "bytes", "stream":
		return ByteMode, nil
	case "message", "msg":
		return MessageMode, nil
	default:
		return ByteMode, ErrInvalidMode
	}
}

// Operation is one outstanding native operation against a handle.
type Operation interface {
	// Done is closed once the operation completed, failed or was cancelled.
	Done() <-chan struct{}
	// Err reports how the operation ended. Only valid after Done is closed.
	Err() error
	// Cancel aborts the operation and waits until the handle released it.
	// A failure here leaves the handle in an unknown state.
	Cancel() error
}

// Handle is an owned pipe end opened for overlapped I/O.
type Handle interface {
	// Probe issues a zero-length read that completes when data is available.
	// End of stream is reported as io.EOF, either directly or through Err.
	Probe() (op Operation, err error)
	// Read reads into b. more reports that the current message has further bytes.
	Read(ctx context.Context, b []byte) (n int, more bool, err error)
	Write(ctx context.Context, b []byte) (n int, err error)
	// SetReadMode switches how reads on this end split the incoming data.
	SetReadMode(mode Mode) error
	Connected() bool
	// Close cancels every outstanding operation, waits for them and releases the handle.
	Close() error
}

// ServerHandle is the server end of a pipe instance.
type ServerHandle interface {
	Handle
	// Accept waits for a client to connect to the instance.
	Accept(ctx context.Context) error
}

type ImpersonationLevel int

const (
	ImpersonationAnonymous ImpersonationLevel = iota
	ImpersonationIdentification
	ImpersonationImpersonation
	ImpersonationDelegation
)

type ServerConfig struct {
	Mode Mode
	// MaxInstances bounds the instances sharing the name, 0 means unlimited.
	MaxInstances  int
	InBufferSize  uint32
	OutBufferSize uint32
	// SecurityDescriptor is an SDDL string, empty keeps the default ACL.
	SecurityDescriptor  string
	RejectRemoteClients bool
}

// ClientConfig configures Open. A client end starts in byte read mode.
type ClientConfig struct {
	ServerName         string
	ImpersonationLevel ImpersonationLevel
}

// Namespace creates server instances and opens client ends by pipe name.
type Namespace interface {
	Create(name string, config ServerConfig) (ServerHandle, error)
	Open(ctx context.Context, name string, config ClientConfig) (Handle, error)
}

const pipePrefix = `\pipe\`

// PipePath expands name to \\server\pipe\name. Names already starting with
// `\\` are kept as they are.
func PipePath(server string, name string) string {
	if strings.HasPrefix(name, `\\`) {
		return name
	}
	if server == "" {
		server = "."
	}
	return `\\` + server + pipePrefix + strings.TrimLeft(name, `\`)
}
