package traffic

import (
	"context"
	"net/url"
)

// Result 请求最终结果，Err 为空表示成功
type Result struct {
	Err           error
	ReceivedBytes int64
}

// OK 是否成功
func (r Result) OK() bool { return r.Err == nil }

// RedirectEvent 调用方可见的重定向通知
type RedirectEvent struct {
	Info       RedirectInfo
	Head       *ResponseHead // 策略重定向时为空
	Chain      []*url.URL    // 截至本次重定向的链（含 NewURL）
	FromServer bool
}

// Client 请求事件接收方
//
// 网关对外暴露与真实传输层相同的形态：调用方与传输层都不感知拦截的存在。
// 每个请求的 OnComplete 恰好调用一次。
type Client interface {
	OnReceiveRedirect(ev RedirectEvent)
	OnReceiveResponse(head *ResponseHead)
	OnData(chunk []byte)
	OnUploadProgress(current, total int64)
	OnComplete(result Result)
}

// RedirectFollower 可选接口，由自行跟随重定向的调用方实现（例如正向代理交给浏览器跟随）
//
// FollowRedirects 返回 false 时，网关把调用方可见的重定向投递出去后即以成功结束请求，
// 不再向新地址发起尝试。对调用方不可见的子资源策略重定向仍由网关跟随。
type RedirectFollower interface {
	FollowRedirects() bool
}

// FollowsRedirects 网关是否替 client 跟随可见的重定向
func FollowsRedirects(c Client) bool {
	if f, ok := c.(RedirectFollower); ok {
		return f.FollowRedirects()
	}
	return true
}

// FlowController 可选接口，由消费速度有限的调用方实现
//
// 传输层每读取一块数据前调用 AwaitCapacity，调用方缓冲已满时阻塞，
// 直到有空间、调用方离开（返回错误）或 ctx 结束。
type FlowController interface {
	AwaitCapacity(ctx context.Context) error
}

// AwaitCapacity client 实现 FlowController 时等待其缓冲有空间，否则立即返回
func AwaitCapacity(ctx context.Context, c Client) error {
	if fc, ok := c.(FlowController); ok {
		return fc.AwaitCapacity(ctx)
	}
	return nil
}

// Loader 单次加载的控制句柄
type Loader interface {
	// Cancel 取消加载，可在任意 goroutine 调用，重复调用无副作用
	Cancel()
}

// LoaderFactory 创建加载
//
// 传输层实现需保证每个 Loader 恰好产生一个终结事件：
// OnReceiveRedirect（传输层不自动跟随重定向）或 OnComplete。
type LoaderFactory interface {
	CreateLoader(ctx context.Context, req *Request, client Client) (Loader, error)
}

// LoaderFunc 适配函数
type LoaderFunc func()

// Cancel 实现 Loader
func (f LoaderFunc) Cancel() {
	if f != nil {
		f()
	}
}
