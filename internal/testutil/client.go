package testutil

import (
	"sync"
	"testing"
	"time"

	"netgate/pkg/traffic"
)

// RecordingClient 记录调用方可见事件
type RecordingClient struct {
	mu          sync.Mutex
	Redirects   []traffic.RedirectEvent
	Heads       []*traffic.ResponseHead
	Body        []byte
	Results     []traffic.Result
	completions int
	done        chan struct{}

	// OnRedirectHook 在 OnReceiveRedirect 中同步调用
	OnRedirectHook func(ev traffic.RedirectEvent)
	// OnDataHook 在 OnData 中同步调用
	OnDataHook func(chunk []byte)
}

// NewRecordingClient 创建记录器
func NewRecordingClient() *RecordingClient {
	return &RecordingClient{done: make(chan struct{})}
}

func (c *RecordingClient) OnReceiveRedirect(ev traffic.RedirectEvent) {
	c.mu.Lock()
	c.Redirects = append(c.Redirects, ev)
	hook := c.OnRedirectHook
	c.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (c *RecordingClient) OnReceiveResponse(head *traffic.ResponseHead) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Heads = append(c.Heads, head)
}

func (c *RecordingClient) OnData(chunk []byte) {
	c.mu.Lock()
	c.Body = append(c.Body, chunk...)
	hook := c.OnDataHook
	c.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}
}

func (c *RecordingClient) OnUploadProgress(current, total int64) {}

func (c *RecordingClient) OnComplete(result traffic.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Results = append(c.Results, result)
	c.completions++
	if c.completions == 1 {
		close(c.done)
	}
}

// Done 首次完成时关闭
func (c *RecordingClient) Done() <-chan struct{} { return c.done }

// Wait 等待完成并返回首个结果
func (c *RecordingClient) Wait(t testing.TB) traffic.Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Results[0]
}

// Responses 已收到的响应头
func (c *RecordingClient) Responses() []*traffic.ResponseHead {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*traffic.ResponseHead(nil), c.Heads...)
}

// Completions 完成回调次数
func (c *RecordingClient) Completions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completions
}

// Snapshot 返回已收到的重定向与数据副本
func (c *RecordingClient) Snapshot() (redirects []traffic.RedirectEvent, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]traffic.RedirectEvent(nil), c.Redirects...), append([]byte(nil), c.Body...)
}
