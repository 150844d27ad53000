package traffic

import (
	"context"
	"errors"
)

var (
	// ErrAccessDenied 协议访问策略拒绝
	ErrAccessDenied = errors.New("net: access denied")
	// ErrBlockedByClient 拦截器阻止
	ErrBlockedByClient = errors.New("net: blocked by client")
	// ErrTooManyRedirects 重定向次数超限
	ErrTooManyRedirects = errors.New("net: too many redirects")
	// ErrAborted 请求被取消
	ErrAborted = errors.New("net: aborted")
)

// 错误分类名称
const (
	KindSuccess          = "success"
	KindAccessDenied     = "access_denied"
	KindBlockedByClient  = "blocked_by_client"
	KindTooManyRedirects = "too_many_redirects"
	KindAborted          = "aborted"
	KindTransport        = "transport"
)

// Kind 返回错误的稳定分类名称
func Kind(err error) string {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrBlockedByClient):
		return KindBlockedByClient
	case errors.Is(err, ErrTooManyRedirects):
		return KindTooManyRedirects
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	default:
		return KindTransport
	}
}
