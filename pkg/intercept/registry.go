package intercept

import (
	"context"
	"fmt"
	"sync/atomic"

	"netgate/pkg/traffic"
)

type slot struct {
	interceptor Interceptor
}

// Registry 拦截器槽位：profile 级先评估，page 级仅在 profile 级未做修改时评估
//
// 设置即替换，不排队；可在任意 goroutine 调用。
type Registry struct {
	profile atomic.Pointer[slot]
	page    atomic.Pointer[slot]
}

// NewRegistry 创建空的拦截器槽位
func NewRegistry() *Registry { return &Registry{} }

// SetProfileInterceptor 设置 profile 级拦截器，nil 表示清除
func (r *Registry) SetProfileInterceptor(i Interceptor) { r.profile.Store(wrap(i)) }

// SetPageInterceptor 设置 page 级拦截器，nil 表示清除
func (r *Registry) SetPageInterceptor(i Interceptor) { r.page.Store(wrap(i)) }

func wrap(i Interceptor) *slot {
	if i == nil {
		return nil
	}
	return &slot{interceptor: i}
}

// Active 是否注册了任一拦截器
func (r *Registry) Active() bool {
	return r.profile.Load() != nil || r.page.Load() != nil
}

// PanicError 拦截器 panic 被转换成的错误
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("interceptor panic: %v", e.Value) }

// Evaluate 依次评估两个槽位，只允许一个槽位生效
//
// 任一拦截器报错或 panic 时返回 Allow{} 与该错误。
func (r *Registry) Evaluate(ctx context.Context, snapshot *traffic.Request) (Verdict, error) {
	for _, s := range []*slot{r.profile.Load(), r.page.Load()} {
		if s == nil {
			continue
		}
		info := NewRequestInfo(snapshot)
		if err := safeEvaluate(ctx, s.interceptor, info); err != nil {
			return Allow{}, err
		}
		if info.Changed() {
			return info.Verdict(), nil
		}
	}
	return Allow{}, nil
}

func safeEvaluate(ctx context.Context, i Interceptor, info *RequestInfo) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return i.Evaluate(ctx, info)
}
