// Package sequence 提供单 goroutine 顺序执行的任务队列，作为传输上下文与策略上下文
package sequence

import (
	"context"
	"errors"
	"sync"

	"netgate/internal/logger"
)

// ErrStopped 任务队列已停止
var ErrStopped = errors.New("sequence: runner stopped")

// Runner 顺序任务执行器
//
// Post 从不阻塞；任务按投递顺序在同一个 goroutine 中执行。
type Runner struct {
	name string
	log  logger.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New 创建并启动执行器
func New(name string, l logger.Logger) *Runner {
	if l == nil {
		l = logger.NewNop()
	}
	r := &Runner{
		name: name,
		log:  l.With("sequence", name),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Name 执行器名称
func (r *Runner) Name() string { return r.name }

// Post 投递任务，执行器已停止时返回 false
func (r *Runner) Post(task func()) bool {
	if task == nil {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Call 投递任务并等待其执行完成
//
// 不可在本执行器的任务内调用，否则会死锁。
func (r *Runner) Call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if !r.Post(func() {
		defer close(finished)
		task()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop 停止接收新任务，执行完已排队任务后退出
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
}

// Done 执行器退出后关闭
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		tasks := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		for _, task := range tasks {
			r.run(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-r.wake
	}
}

func (r *Runner) run(task func()) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("任务执行 panic", "panic", v)
		}
	}()
	task()
}
