// Package transport 真实传输层实现：net/http、file:、data: 以及按协议分发的 Mux
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"netgate/internal/logger"
	"netgate/pkg/traffic"
)

const defaultChunkSize = 32 * 1024

// HTTPOptions net/http 传输层参数
type HTTPOptions struct {
	Timeout   time.Duration
	Transport http.RoundTripper
	ChunkSize int
	Logger    logger.Logger
}

// HTTP 基于 net/http 的传输层，不自动跟随重定向
type HTTP struct {
	client    *http.Client
	chunkSize int
	log       logger.Logger
}

// NewHTTP 创建 net/http 传输层
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &HTTP{
		client: &http.Client{
			Transport: rt,
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		chunkSize: opts.ChunkSize,
		log:       opts.Logger,
	}
}

// CreateLoader 实现 traffic.LoaderFactory
func (h *HTTP) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	if req.URL == nil {
		return nil, errors.New("transport: request without url")
	}
	ctx, cancel := context.WithCancel(ctx)
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	hreq.Header = req.Headers.HTTP()
	if req.Referrer != "" {
		hreq.Header.Set("Referer", req.Referrer)
	}

	go h.run(ctx, cancel, req, hreq, client)
	return traffic.LoaderFunc(cancel), nil
}

func (h *HTTP) run(ctx context.Context, cancel context.CancelFunc, req *traffic.Request, hreq *http.Request, client traffic.Client) {
	defer cancel()
	resp, err := h.client.Do(hreq)
	if err != nil {
		client.OnComplete(traffic.Result{Err: abortOr(ctx, err)})
		return
	}
	defer resp.Body.Close()
	if n := int64(len(req.Body)); n > 0 {
		client.OnUploadProgress(n, n)
	}

	head := &traffic.ResponseHead{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Header:        resp.Header.Clone(),
		ContentLength: resp.ContentLength,
	}
	if isRedirect(resp.StatusCode) {
		if loc, err := resp.Location(); err == nil {
			h.log.Debug("收到服务端重定向", "url", req.URLString(), "location", loc.String(), "status", resp.StatusCode)
			client.OnReceiveRedirect(traffic.RedirectEvent{
				Info:       traffic.NewRedirectInfo(req, resp.StatusCode, loc),
				Head:       head,
				FromServer: true,
			})
			return
		}
	}

	client.OnReceiveResponse(head)
	n, err := stream(ctx, resp.Body, h.chunkSize, client)
	client.OnComplete(traffic.Result{Err: err, ReceivedBytes: n})
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// stream 按块读取并回调 OnData，调用方缓冲满时暂停读取
func stream(ctx context.Context, r io.Reader, chunkSize int, client traffic.Client) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, traffic.ErrAborted
		}
		if err := traffic.AwaitCapacity(ctx, client); err != nil {
			return total, abortOr(ctx, err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			client.OnData(append([]byte(nil), buf[:n]...))
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, abortOr(ctx, err)
		}
	}
}

func abortOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return traffic.ErrAborted
	}
	return err
}
