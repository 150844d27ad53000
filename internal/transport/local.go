package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"netgate/pkg/traffic"
)

// ErrOutsideRoot file: 请求的路径不在允许的根目录内
var ErrOutsideRoot = errors.New("transport: path outside root")

// File 读取本地文件的 file: 传输层
type File struct {
	// Root 非空时只允许访问该目录下的文件
	Root      string
	ChunkSize int
}

// CreateLoader 实现 traffic.LoaderFactory
func (f *File) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	path := filepath.FromSlash(req.URL.Path)
	if f.Root != "" {
		rel, err := filepath.Rel(f.Root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, path)
		}
	}
	size := f.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		fh, err := os.Open(path)
		if err != nil {
			client.OnComplete(traffic.Result{Err: err})
			return
		}
		defer fh.Close()
		st, err := fh.Stat()
		if err != nil {
			client.OnComplete(traffic.Result{Err: err})
			return
		}
		if st.IsDir() {
			client.OnComplete(traffic.Result{Err: fmt.Errorf("transport: %s is a directory", path)})
			return
		}
		h := http.Header{}
		if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
			h.Set("Content-Type", ct)
		}
		client.OnReceiveResponse(&traffic.ResponseHead{StatusCode: http.StatusOK, Status: "200 OK", Header: h, ContentLength: st.Size()})
		n, err := stream(ctx, fh, size, client)
		client.OnComplete(traffic.Result{Err: err, ReceivedBytes: n})
	}()
	return traffic.LoaderFunc(cancel), nil
}

// Data 解析 data: URL 的传输层
type Data struct{}

// CreateLoader 实现 traffic.LoaderFactory
func (Data) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	mediaType, payload, err := ParseDataURL(req.URL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		if ctx.Err() != nil {
			client.OnComplete(traffic.Result{Err: traffic.ErrAborted})
			return
		}
		h := http.Header{"Content-Type": {mediaType}}
		client.OnReceiveResponse(&traffic.ResponseHead{StatusCode: http.StatusOK, Status: "200 OK", Header: h, ContentLength: int64(len(payload))})
		if len(payload) > 0 {
			client.OnData(payload)
		}
		client.OnComplete(traffic.Result{ReceivedBytes: int64(len(payload))})
	}()
	return traffic.LoaderFunc(cancel), nil
}

// ParseDataURL 解析 data:[<mediatype>][;base64],<data>
func ParseDataURL(u *url.URL) (mediaType string, payload []byte, err error) {
	if u == nil || !strings.EqualFold(u.Scheme, "data") {
		return "", nil, errors.New("transport: not a data url")
	}
	raw := u.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(u.String(), u.Scheme+":")
	}
	meta, data, ok := strings.Cut(raw, ",")
	if !ok {
		return "", nil, errors.New("transport: malformed data url")
	}
	isBase64 := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		isBase64 = true
		meta = meta[:len(meta)-len(";base64")]
	}
	if meta == "" {
		meta = "text/plain;charset=US-ASCII"
	}
	decoded, err := url.PathUnescape(data)
	if err != nil {
		return "", nil, fmt.Errorf("transport: data url: %w", err)
	}
	if isBase64 {
		b, err := base64.StdEncoding.DecodeString(decoded)
		if err != nil {
			return "", nil, fmt.Errorf("transport: data url: %w", err)
		}
		return meta, b, nil
	}
	return meta, []byte(decoded), nil
}
