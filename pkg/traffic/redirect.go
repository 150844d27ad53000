package traffic

import (
	"net/http"
	"net/url"
	"strings"
)

// RedirectInfo 一次重定向后请求应如何改写
type RedirectInfo struct {
	StatusCode  int
	NewURL      *url.URL
	NewMethod   string
	NewReferrer string
	DropBody    bool
}

// NewRedirectInfo 按 HTTP 重定向语义计算新请求的方法、请求体与 Referer
//
// 301/302 仅把 POST 改写为 GET；303 把除 GET/HEAD 外的方法改写为 GET；
// 307/308 保留方法和请求体。
func NewRedirectInfo(req *Request, status int, location *url.URL) RedirectInfo {
	info := RedirectInfo{
		StatusCode:  status,
		NewURL:      cloneURL(location),
		NewMethod:   req.Method,
		NewReferrer: redirectReferrer(req.Referrer, location),
	}
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		if req.Method == http.MethodPost {
			info.NewMethod = http.MethodGet
			info.DropBody = true
		}
	case http.StatusSeeOther:
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			info.NewMethod = http.MethodGet
			info.DropBody = true
		}
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		if req.Method == http.MethodPost {
			info.NewMethod = http.MethodGet
			info.DropBody = true
		}
	}
	return info
}

// PolicyRedirectInfo 拦截器发起的软重定向
//
// 默认视为 303 且总是改写为 GET；preserveMethod 为真时按 307 处理。
func PolicyRedirectInfo(req *Request, location *url.URL, preserveMethod bool) RedirectInfo {
	if preserveMethod {
		return NewRedirectInfo(req, http.StatusTemporaryRedirect, location)
	}
	info := NewRedirectInfo(req, http.StatusSeeOther, location)
	info.NewMethod = http.MethodGet
	info.DropBody = true
	return info
}

// ApplyRedirect 将重定向结果写回请求
func (r *Request) ApplyRedirect(info RedirectInfo) {
	prevHost := ""
	if r.URL != nil {
		prevHost = strings.ToLower(r.URL.Host)
	}
	r.URL = cloneURL(info.NewURL)
	r.Method = info.NewMethod
	r.Referrer = info.NewReferrer
	r.NavigationType = NavigationRedirect
	if info.DropBody {
		r.Body = nil
		r.Headers.Del("content-type")
		r.Headers.Del("content-length")
		r.Headers.Del("content-encoding")
	}
	if r.URL != nil && strings.ToLower(r.URL.Host) != prevHost {
		r.Headers.Del("authorization")
	}
}

// redirectReferrer 从 https 降级到 http 时不发送 Referer
func redirectReferrer(referrer string, target *url.URL) string {
	if referrer == "" || target == nil {
		return referrer
	}
	ref, err := url.Parse(referrer)
	if err != nil {
		return ""
	}
	if strings.EqualFold(ref.Scheme, "https") && strings.EqualFold(target.Scheme, "http") {
		return ""
	}
	return referrer
}
