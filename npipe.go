// Package npipe is a duplex channel over a named pipe connection.
//
// Only one native operation may be outstanding on a pipe handle, yet a channel
// lets one reader and one writer run at the same time. The reader keeps a
// zero-length probe read pending to learn when data is available, and a
// writer that needs the handle asks the reader to cancel its probe and hand
// the handle over until the write is done.
package npipe

import (
	"context"

	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/rxp/async"
)

type Mode = aio.Mode

const (
	ByteMode    = aio.ByteMode
	MessageMode = aio.MessageMode
)

const (
	roleClient = "client"
	roleServer = "server"
)

// Channel
// 管道通道，一个读者与一个写者可以同时使用。
type Channel interface {
	// Connect
	// 建立连接。已连接时直接返回 true。
	// 取消或关闭时返回 false 与空错误，客户端超时返回 ErrTimeout。
	Connect(ctx context.Context) (ok bool, err error)
	// ConnectAsync
	// 异步建立连接，结果与 Connect 相同。
	// 注意：必须调用 Future.OnComplete 或 async.AwaitableFuture，否则执行器的协程会一直占用。
	ConnectAsync(ctx context.Context) async.Future[bool]
	// Read
	// 读取下一段数据。字节模式下为当前可读的数据，消息模式下为一条完整的消息。
	// 返回空数据与空错误表示没有更多数据，读者应停止读取。
	Read(ctx context.Context) (b []byte, err error)
	// Write
	// 写入数据。取消或关闭时返回 false 与空错误。
	Write(ctx context.Context, b []byte) (ok bool, err error)
	IsConnected() bool
	Name() string
	Mode() Mode
	// Close
	// 关闭通道，可重复调用。进行中的读写以“没有数据”或 false 结束。
	Close() (err error)
}
