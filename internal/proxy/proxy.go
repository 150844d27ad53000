// Package proxy 正向 HTTP 代理：每个请求都经由加载工厂提交
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"netgate/internal/logger"
	"netgate/pkg/traffic"
)

// DefaultMaxBody 请求体上限
const DefaultMaxBody = 32 << 20

// hopHeaders 逐跳头部，不向上游或客户端转发
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options 代理参数
type Options struct {
	Loader  traffic.LoaderFactory
	MaxBody int64
	// MaxBuffered 每个请求等待写回客户端的响应字节上限，超出时暂停读取上游
	MaxBuffered int
	Logger      logger.Logger
}

// Proxy 实现 http.Handler
type Proxy struct {
	loader      traffic.LoaderFactory
	maxBody     int64
	maxBuffered int
	log         logger.Logger
}

// New 创建代理
func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	return &Proxy{loader: opts.Loader, maxBody: opts.MaxBody, maxBuffered: opts.MaxBuffered, log: opts.Logger}
}

// ServeHTTP 实现 http.Handler
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		// 不做 TLS 拦截
		http.Error(w, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Host == "" || !r.URL.IsAbs() {
		http.Error(w, "absolute URI required", http.StatusBadRequest)
		return
	}

	req, err := p.toRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := p.log.With("url", req.URLString(), "method", req.Method)

	q := newQueue(p.maxBuffered)
	defer q.close()
	l, err := p.loader.CreateLoader(r.Context(), req, q)
	if err != nil {
		log.Err(err, "提交请求失败")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	defer l.Cancel()

	p.relay(w, q, log)
}

// relay 在处理协程中按序写回事件
func (p *Proxy) relay(w http.ResponseWriter, q *queue, log logger.Logger) {
	wroteHead := false
	flusher, _ := w.(http.Flusher)
	for {
		ev, ok := q.next()
		if !ok {
			return
		}
		switch {
		case ev.redirect != nil:
			if wroteHead {
				continue
			}
			// 交给浏览器跟随，网关不会再请求新地址
			info := ev.redirect.Info
			w.Header().Set("Location", info.NewURL.String())
			w.WriteHeader(info.StatusCode)
			log.Debug("返回重定向", "location", info.NewURL.String(), "status", info.StatusCode, "server", ev.redirect.FromServer)
			return
		case ev.head != nil:
			copyHeader(w.Header(), ev.head.Header)
			w.WriteHeader(ev.head.StatusCode)
			wroteHead = true
		case ev.chunk != nil:
			if _, err := w.Write(ev.chunk); err != nil {
				log.Debug("写回客户端失败", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case ev.done != nil:
			if err := ev.done.Err; err != nil {
				if wroteHead {
					log.Warn("响应中途失败", "error", err, "bytes", ev.done.ReceivedBytes)
					panic(http.ErrAbortHandler)
				}
				log.Info("请求未完成", "result", traffic.Kind(err), "error", err)
				http.Error(w, err.Error(), statusFor(err))
			}
			return
		}
	}
}

func statusFor(err error) int {
	switch traffic.Kind(err) {
	case traffic.KindAccessDenied, traffic.KindBlockedByClient:
		return http.StatusForbidden
	case traffic.KindTooManyRedirects:
		return http.StatusLoopDetected
	case traffic.KindAborted:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (p *Proxy) toRequest(r *http.Request) (*traffic.Request, error) {
	u := *r.URL
	req := traffic.NewRequest(r.Method, &u)

	h := r.Header.Clone()
	removeHopHeaders(h)
	req.Referrer = h.Get("Referer")
	h.Del("Referer")
	req.Headers = traffic.HeaderFromHTTP(h)

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > p.maxBody {
			return nil, fmt.Errorf("body exceeds %d bytes", p.maxBody)
		}
		if len(body) > 0 {
			req.Body = body
		}
	}

	classify(req, r.Header)
	return req, nil
}

// classify 按 Sec-Fetch-* 推断资源类型、导航类型、发起方与手势
func classify(req *traffic.Request, h http.Header) {
	mode := strings.ToLower(h.Get("Sec-Fetch-Mode"))
	dest := h.Get("Sec-Fetch-Dest")
	switch {
	case mode == "websocket":
		req.ResourceType = traffic.ResourceWebSocket
	case dest != "":
		req.ResourceType = traffic.ParseResourceType(dest)
	case mode == "navigate":
		req.ResourceType = traffic.ResourceMainFrame
	}
	if mode == "navigate" && !req.IsNavigation() {
		req.ResourceType = traffic.ResourceMainFrame
	}
	req.HasUserGesture = h.Get("Sec-Fetch-User") == "?1"

	if o := originOf(h.Get("Origin")); o != nil {
		req.Initiator = o
	} else if o := originOf(h.Get("Referer")); o != nil {
		req.Initiator = o
	}
	if h.Get("Sec-Fetch-Site") == "none" {
		// 用户在地址栏输入或书签打开
		req.Initiator = nil
		req.NavigationType = traffic.NavigationTyped
	} else if req.IsNavigation() {
		if req.Method == http.MethodPost {
			req.NavigationType = traffic.NavigationFormSubmit
		} else if req.Initiator != nil {
			req.NavigationType = traffic.NavigationLink
		}
	}

	if req.IsMainFrame() {
		req.FirstPartyURL = traffic.CloneURL(req.URL)
	} else if req.Initiator != nil {
		req.FirstPartyURL = traffic.CloneURL(req.Initiator)
	}
}

func originOf(raw string) *url.URL {
	if raw == "" || raw == "null" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

// Server 代理监听器
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer 创建代理监听器
func NewServer(addr string, p *Proxy, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           p,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: l,
	}
}

// Run 监听直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("代理开始监听", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
