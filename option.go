package npipe

import (
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/npipe/pkg/metrics"
	"github.com/containerd/log"
)

const (
	DefaultReceiveBufferSize = 4096
	DefaultConnectTimeout    = 60 * time.Second
	DefaultServerName        = "."
)

type Options struct {
	Mode                Mode
	ReceiveBufferSize   int
	ConnectTimeout      time.Duration
	ServerName          string
	ImpersonationLevel  aio.ImpersonationLevel
	MaxInstances        int
	InBufferSize        uint32
	OutBufferSize       uint32
	SecurityDescriptor  string
	RejectRemoteClients bool
	Namespace           aio.Namespace
	Logger              *log.Entry
	Metrics             *metrics.Collector
}

type Option func(options *Options) (err error)

func newOptions(opts []Option) (options Options, err error) {
	options = Options{
		Mode:              ByteMode,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		ConnectTimeout:    DefaultConnectTimeout,
		ServerName:        DefaultServerName,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err = opt(&options); err != nil {
			return
		}
	}
	if options.Namespace == nil {
		options.Namespace = aio.Default()
	}
	if options.Logger == nil {
		options.Logger = log.L
	}
	return
}

func invalidOption(name string, cause string) error {
	return errors.From(
		ErrInvalidOption,
		errors.WithMeta("option", name),
		errors.WithWrap(errors.New(cause)),
	)
}

// WithMode
// 设置传输模式，字节流或消息。构造后不可更改。
func WithMode(mode Mode) Option {
	return func(options *Options) (err error) {
		if mode != ByteMode && mode != MessageMode {
			err = invalidOption("mode", "unknown transmission mode")
			return
		}
		options.Mode = mode
		return
	}
}

// WithReceiveBufferSize
// 设置接收缓冲区大小，每次原生读取的最大字节数。
func WithReceiveBufferSize(size int) Option {
	return func(options *Options) (err error) {
		if size < 1 {
			err = invalidOption("receive buffer size", "size must be positive")
			return
		}
		options.ReceiveBufferSize = size
		return
	}
}

// WithConnectTimeout
// 设置客户端连接超时时长。
func WithConnectTimeout(timeout time.Duration) Option {
	return func(options *Options) (err error) {
		if timeout <= 0 {
			err = invalidOption("connect timeout", "timeout must be positive")
			return
		}
		options.ConnectTimeout = timeout
		return
	}
}

// WithServerName
// 设置客户端连接的服务器名，默认本机。
func WithServerName(server string) Option {
	return func(options *Options) (err error) {
		if server == "" {
			server = DefaultServerName
		}
		options.ServerName = server
		return
	}
}

// WithImpersonationLevel
// 设置客户端允许服务端模拟的级别。
func WithImpersonationLevel(level aio.ImpersonationLevel) Option {
	return func(options *Options) (err error) {
		if level < aio.ImpersonationAnonymous || level > aio.ImpersonationDelegation {
			err = invalidOption("impersonation level", "unknown impersonation level")
			return
		}
		options.ImpersonationLevel = level
		return
	}
}

// WithMaxInstances
// 设置服务端同名管道的最大实例数，0 为不限制。
func WithMaxInstances(n int) Option {
	return func(options *Options) (err error) {
		if n < 0 || n > 254 {
			err = invalidOption("max instances", "must be between 0 and 254")
			return
		}
		options.MaxInstances = n
		return
	}
}

// WithBufferSizes
// 设置服务端管道的输入与输出缓冲区大小。
func WithBufferSizes(in uint32, out uint32) Option {
	return func(options *Options) (err error) {
		options.InBufferSize = in
		options.OutBufferSize = out
		return
	}
}

// WithSecurityDescriptor
// 设置服务端管道的访问控制，SDDL 格式。
func WithSecurityDescriptor(sddl string) Option {
	return func(options *Options) (err error) {
		options.SecurityDescriptor = sddl
		return
	}
}

// WithRejectRemoteClients
// 设置服务端拒绝远程客户端。
func WithRejectRemoteClients() Option {
	return func(options *Options) (err error) {
		options.RejectRemoteClients = true
		return
	}
}

// WithNamespace
// 设置管道所在的命名空间，默认为系统命名管道。
func WithNamespace(ns aio.Namespace) Option {
	return func(options *Options) (err error) {
		if ns == nil {
			err = invalidOption("namespace", "namespace is nil")
			return
		}
		options.Namespace = ns
		return
	}
}

// WithLogger
// 设置日志。
func WithLogger(logger *log.Entry) Option {
	return func(options *Options) (err error) {
		options.Logger = logger
		return
	}
}

// WithMetrics
// 设置指标收集器。
func WithMetrics(collector *metrics.Collector) Option {
	return func(options *Options) (err error) {
		options.Metrics = collector
		return
	}
}
