package npipe

import (
	"context"
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp"
	"github.com/brickingsoft/rxp/async"
)

var (
	executors     rxp.Executors
	executorsErr  error
	executorsOnce sync.Once
)

var ErrExecutorsStarted = errors.Define("executors already started")

// Startup
// 启动执行器
//
// ConnectAsync 的结果由 rxp.Executors 交付。
// 默认在首次使用时按默认配置启动，如果需要定制化，则使用 Startup 完成。
// 注意：必须在程序起始位置调用，否则返回 ErrExecutorsStarted。
func Startup(options ...rxp.Option) (err error) {
	started := false
	executorsOnce.Do(func() {
		executors, executorsErr = rxp.New(options...)
		started = true
	})
	if !started {
		err = errors.From(ErrExecutorsStarted, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	err = executorsErr
	return
}

// Shutdown
// 关闭执行器，会等待已提交的任务结束。
func Shutdown() error {
	exec, err := Executors()
	if err != nil {
		return err
	}
	return exec.Close()
}

// Executors
// 获取执行器
func Executors() (rxp.Executors, error) {
	executorsOnce.Do(func() {
		executors, executorsErr = rxp.New()
	})
	return executors, executorsErr
}

// connectAsync runs connect off the caller's goroutine and delivers its
// result through a promise. The promise outlives ctx so a cancelled connect
// still reports false instead of a broken future.
func (c *channel) connectAsync(ctx context.Context, connect func(ctx context.Context) (bool, error)) async.Future[bool] {
	if c.IsConnected() {
		return async.SucceedImmediately(ctx, true)
	}
	promiseCtx := context.WithoutCancel(ctx)
	if _, has := rxp.TryFrom(promiseCtx); !has {
		exec, err := Executors()
		if err != nil {
			return async.FailedImmediately[bool](ctx, newOpErr(opConnect, c.name, err))
		}
		promiseCtx = rxp.With(promiseCtx, exec)
	}
	promise, promiseErr := async.Make[bool](promiseCtx, async.WithWait())
	if promiseErr != nil {
		return async.FailedImmediately[bool](ctx, newOpErr(opConnect, c.name, promiseErr))
	}
	go func() {
		promise.Complete(connect(ctx))
	}()
	return promise.Future()
}
