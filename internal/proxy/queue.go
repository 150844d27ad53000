package proxy

import (
	"context"
	"sync"

	"netgate/pkg/traffic"
)

// DefaultMaxBuffered 单个请求在代理中缓冲的响应字节上限
const DefaultMaxBuffered = 1 << 20

type event struct {
	redirect *traffic.RedirectEvent
	head     *traffic.ResponseHead
	chunk    []byte
	done     *traffic.Result
}

// queue 实现 traffic.Client；回调只入队，不在传输上下文中写客户端
//
// 入队从不阻塞（回调在共享的传输上下文中执行），缓冲上限通过 AwaitCapacity 反压到传输层。
type queue struct {
	mu       sync.Mutex
	items    []event
	closed   bool
	buffered int
	limit    int

	wake  chan struct{}
	space chan struct{}
	gone  chan struct{}
	leave sync.Once
}

func newQueue(limit int) *queue {
	if limit <= 0 {
		limit = DefaultMaxBuffered
	}
	return &queue{
		limit: limit,
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		gone:  make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *queue) push(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.buffered += len(ev.chunk)
	if ev.done != nil {
		q.closed = true
	}
	q.mu.Unlock()
	signal(q.wake)
}

// next 阻塞直到有事件；完成事件之后返回 false
func (q *queue) next() (event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.buffered -= len(ev.chunk)
			q.mu.Unlock()
			if ev.chunk != nil {
				signal(q.space)
			}
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return event{}, false
		}
		<-q.wake
	}
}

// Buffered 尚未写回客户端的字节数
func (q *queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// close 处理协程退出，唤醒等待缓冲空间的传输层
func (q *queue) close() {
	q.leave.Do(func() { close(q.gone) })
}

// AwaitCapacity 实现 traffic.FlowController
func (q *queue) AwaitCapacity(ctx context.Context) error {
	for {
		select {
		case <-q.gone:
			return traffic.ErrAborted
		default:
		}
		q.mu.Lock()
		full := q.buffered >= q.limit
		q.mu.Unlock()
		if !full {
			return nil
		}
		select {
		case <-q.space:
		case <-q.gone:
			return traffic.ErrAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FollowRedirects 可见重定向交给浏览器跟随
func (q *queue) FollowRedirects() bool { return false }

func (q *queue) OnReceiveRedirect(ev traffic.RedirectEvent) { q.push(event{redirect: &ev}) }

func (q *queue) OnReceiveResponse(head *traffic.ResponseHead) { q.push(event{head: head}) }

func (q *queue) OnData(chunk []byte) { q.push(event{chunk: chunk}) }

func (q *queue) OnUploadProgress(current, total int64) {}

func (q *queue) OnComplete(res traffic.Result) { q.push(event{done: &res}) }
