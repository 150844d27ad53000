package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"netgate/pkg/traffic"
)

// Script 某个 URL 的模拟响应
type Script struct {
	Status     int
	Header     http.Header
	Chunks     []string
	Err        error  // 非空时以该错误结束
	RedirectTo string // 非空时返回重定向
	Hold       bool   // 发送完数据后保持挂起直到被取消
}

// ScriptedTransport 按脚本响应的传输层，事件在独立 goroutine 中产生
type ScriptedTransport struct {
	mu        sync.Mutex
	scripts   map[string]Script
	fallback  *Script
	requests  []*traffic.Request
	cancelled int
	CreateErr error
}

// NewScriptedTransport 创建模拟传输层
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{scripts: make(map[string]Script)}
}

// Handle 为 URL 设置脚本
func (s *ScriptedTransport) Handle(rawURL string, sc Script) *ScriptedTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[rawURL] = sc
	return s
}

// Fallback 为未登记的 URL 设置脚本
func (s *ScriptedTransport) Fallback(sc Script) *ScriptedTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = &sc
	return s
}

// Requests 已创建加载的请求副本
func (s *ScriptedTransport) Requests() []*traffic.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*traffic.Request(nil), s.requests...)
}

// URLs 已创建加载的 URL 列表
func (s *ScriptedTransport) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.URLString())
	}
	return out
}

// Cancelled 被取消的加载数
func (s *ScriptedTransport) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// CreateLoader 实现 traffic.LoaderFactory
func (s *ScriptedTransport) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	s.mu.Lock()
	if s.CreateErr != nil {
		s.mu.Unlock()
		return nil, s.CreateErr
	}
	s.requests = append(s.requests, req.Clone())
	sc, ok := s.scripts[req.URLString()]
	if !ok {
		if s.fallback == nil {
			s.mu.Unlock()
			return nil, errors.New("scripted transport: no script for " + req.URLString())
		}
		sc = *s.fallback
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	l := traffic.LoaderFunc(func() {
		once.Do(func() {
			s.mu.Lock()
			s.cancelled++
			s.mu.Unlock()
			cancel()
		})
	})

	go func() {
		defer cancel()
		if ctx.Err() != nil {
			client.OnComplete(traffic.Result{Err: traffic.ErrAborted})
			return
		}
		if sc.RedirectTo != "" {
			loc, err := req.URL.Parse(sc.RedirectTo)
			if err != nil {
				client.OnComplete(traffic.Result{Err: err})
				return
			}
			status := sc.Status
			if status == 0 {
				status = http.StatusFound
			}
			head := &traffic.ResponseHead{StatusCode: status, Header: http.Header{"Location": {loc.String()}}}
			client.OnReceiveRedirect(traffic.RedirectEvent{
				Info:       traffic.NewRedirectInfo(req, status, loc),
				Head:       head,
				FromServer: true,
			})
			return
		}
		status := sc.Status
		if status == 0 {
			status = http.StatusOK
		}
		client.OnReceiveResponse(&traffic.ResponseHead{StatusCode: status, Header: sc.Header.Clone()})
		var n int64
		for _, chunk := range sc.Chunks {
			if ctx.Err() != nil {
				client.OnComplete(traffic.Result{Err: traffic.ErrAborted, ReceivedBytes: n})
				return
			}
			client.OnData([]byte(chunk))
			n += int64(len(chunk))
		}
		if sc.Hold {
			<-ctx.Done()
			client.OnComplete(traffic.Result{Err: traffic.ErrAborted, ReceivedBytes: n})
			return
		}
		client.OnComplete(traffic.Result{Err: sc.Err, ReceivedBytes: n})
	}()
	return l, nil
}

// MustParse 解析 URL，失败时 panic
func MustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
