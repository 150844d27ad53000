// Package intercept 定义可插拔的请求拦截契约
package intercept

import (
	"context"
	"net/url"
	"strings"

	"netgate/pkg/traffic"
)

// Interceptor 请求拦截器
//
// Evaluate 在策略执行上下文中同步调用，只能通过 info 修改请求，
// 返回错误或 panic 时该次评估按放行处理。
type Interceptor interface {
	Evaluate(ctx context.Context, info *RequestInfo) error
}

// InterceptorFunc 函数适配器
type InterceptorFunc func(ctx context.Context, info *RequestInfo) error

// Evaluate 实现 Interceptor
func (f InterceptorFunc) Evaluate(ctx context.Context, info *RequestInfo) error {
	return f(ctx, info)
}

// RequestInfo 拦截器可见的请求视图
//
// 视图持有请求快照的副本，修改只记录在视图内，由框架拷回。
type RequestInfo struct {
	req *traffic.Request

	blocked     bool
	redirectURL *url.URL
	headerEdits traffic.Header
	referrer    *string
	changed     bool
}

// NewRequestInfo 基于请求快照构造视图
func NewRequestInfo(snapshot *traffic.Request) *RequestInfo {
	return &RequestInfo{req: snapshot.Clone()}
}

func (i *RequestInfo) RequestURL() *url.URL    { return traffic.CloneURL(i.req.URL) }
func (i *RequestInfo) FirstPartyURL() *url.URL { return traffic.CloneURL(i.req.FirstPartyURL) }
func (i *RequestInfo) Initiator() *url.URL     { return traffic.CloneURL(i.req.Initiator) }
func (i *RequestInfo) ResourceType() traffic.ResourceType {
	return i.req.ResourceType
}
func (i *RequestInfo) NavigationType() traffic.NavigationType {
	return i.req.NavigationType
}
func (i *RequestInfo) HTTPMethod() string { return i.req.Method }
func (i *RequestInfo) Referrer() string   { return i.req.Referrer }
func (i *RequestInfo) HasUserGesture() bool {
	return i.req.HasUserGesture
}

// Body 请求体只读副本
func (i *RequestInfo) Body() []byte {
	if i.req.Body == nil {
		return nil
	}
	return append([]byte(nil), i.req.Body...)
}

// Headers 原始请求头副本
func (i *RequestInfo) Headers() traffic.Header { return i.req.Headers.Clone() }

// SetHeader 设置请求头，同名头部整体替换；Referer 单独记录
func (i *RequestInfo) SetHeader(name, value string) {
	if strings.EqualFold(name, "referer") {
		v := value
		i.referrer = &v
		i.changed = true
		return
	}
	if i.headerEdits == nil {
		i.headerEdits = make(traffic.Header)
	}
	i.headerEdits.Set(name, value)
	i.changed = true
}

// Block 设置是否阻止请求
func (i *RequestInfo) Block(shouldBlock bool) {
	if i.blocked != shouldBlock {
		i.blocked = shouldBlock
		i.changed = true
	}
}

// RedirectTo 重定向到新地址，nil 或与当前地址相同时忽略
func (i *RequestInfo) RedirectTo(u *url.URL) {
	if u == nil {
		return
	}
	if i.req.URL != nil && i.req.URL.String() == u.String() {
		return
	}
	i.redirectURL = traffic.CloneURL(u)
	i.changed = true
}

// Changed 是否发生过修改
func (i *RequestInfo) Changed() bool { return i.changed }

// Blocked 当前是否标记为阻止
func (i *RequestInfo) Blocked() bool { return i.blocked }

// Verdict 将视图中的修改折算为裁决
//
// 阻止优先于重定向，重定向优先于头部修改。
func (i *RequestInfo) Verdict() Verdict {
	switch {
	case !i.changed:
		return Allow{}
	case i.blocked:
		return Block{Reason: BlockReasonInterceptor}
	case i.redirectURL != nil:
		return Redirect{URL: traffic.CloneURL(i.redirectURL)}
	default:
		a := Allow{Referrer: i.referrer}
		if len(i.headerEdits) > 0 {
			a.Headers = i.headerEdits.Clone()
		}
		return a
	}
}
