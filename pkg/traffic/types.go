package traffic

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Header 封装通用的头部操作，键大小写不敏感，同名头部只保留最后一次写入
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Has 判断 Header 是否存在
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 深拷贝
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge 用 edits 中的值整体替换同名头部，不做追加
func (h Header) Merge(edits Header) {
	for k, v := range edits {
		h.Set(k, v)
	}
}

// Keys 返回排序后的键列表
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HTTP 转换为 net/http 头部（规范化键名）
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// HeaderFromHTTP 从 net/http 头部构造，多值头部取最后一个
func HeaderFromHTTP(src http.Header) Header {
	out := make(Header, len(src))
	for k, vs := range src {
		if len(vs) == 0 {
			continue
		}
		out.Set(k, vs[len(vs)-1])
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID             string         // 逻辑请求唯一ID
	URL            *url.URL       // 目标URL
	FirstPartyURL  *url.URL       // 顶层文档URL
	Initiator      *url.URL       // 发起方 origin，浏览器发起的导航为空
	Method         string         // HTTP方法
	Headers        Header         // 请求头（不含 Referer）
	Referrer       string         // Referer 单独存放
	Body           []byte         // 请求体原始数据
	ResourceType   ResourceType   // 资源类型
	NavigationType NavigationType // 导航类型
	HasUserGesture bool
}

// NewRequest 创建初始化请求对象
func NewRequest(method string, u *url.URL) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:     u,
		Method:  strings.ToUpper(method),
		Headers: make(Header),
	}
}

// Clone 深拷贝请求，跨执行上下文传递时只传递副本
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.URL = cloneURL(r.URL)
	out.FirstPartyURL = cloneURL(r.FirstPartyURL)
	out.Initiator = cloneURL(r.Initiator)
	out.Headers = r.Headers.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// IsNavigation 是否为框架级导航（主框架或子框架文档）
func (r *Request) IsNavigation() bool {
	return r.ResourceType == ResourceMainFrame || r.ResourceType == ResourceSubFrame
}

// IsMainFrame 是否为主框架文档请求
func (r *Request) IsMainFrame() bool {
	return r.ResourceType == ResourceMainFrame
}

// URLString 返回目标URL字符串
func (r *Request) URLString() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.URL.String()
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// CloneURL 深拷贝 URL
func CloneURL(u *url.URL) *url.URL { return cloneURL(u) }

// ResponseHead 响应头信息
type ResponseHead struct {
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64
}

// Clone 深拷贝响应头
func (h *ResponseHead) Clone() *ResponseHead {
	if h == nil {
		return nil
	}
	out := *h
	out.Header = h.Header.Clone()
	return &out
}
