package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"netgate/pkg/traffic"
)

// ErrUnsupportedScheme 没有为该协议注册传输层
var ErrUnsupportedScheme = errors.New("transport: unsupported scheme")

// Mux 按 URL 协议分发到具体传输层
type Mux struct {
	mu       sync.RWMutex
	backends map[string]traffic.LoaderFactory
}

// NewMux 创建空的分发器
func NewMux() *Mux {
	return &Mux{backends: make(map[string]traffic.LoaderFactory)}
}

// NewDefaultMux http/https 走 net/http，file 与 data 走本地实现
func NewDefaultMux(h *HTTP, fileRoot string) *Mux {
	m := NewMux()
	m.Handle("http", h)
	m.Handle("https", h)
	m.Handle("file", &File{Root: fileRoot})
	m.Handle("data", Data{})
	return m
}

// Handle 注册协议对应的传输层
func (m *Mux) Handle(scheme string, f traffic.LoaderFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[strings.ToLower(scheme)] = f
}

// CreateLoader 实现 traffic.LoaderFactory
func (m *Mux) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("%w: empty url", ErrUnsupportedScheme)
	}
	m.mu.RLock()
	f, ok := m.backends[strings.ToLower(req.URL.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.URL.Scheme)
	}
	return f.CreateLoader(ctx, req, client)
}
