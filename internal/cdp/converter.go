package cdp

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"

	"netgate/pkg/traffic"
)

// ToRequest 将暂停的 CDP 请求转换为中立 Request
func ToRequest(ev *fetch.RequestPausedReply) (*traffic.Request, error) {
	u, err := url.Parse(ev.Request.URL)
	if err != nil {
		return nil, err
	}
	req := traffic.NewRequest(ev.Request.Method, u)
	req.ID = string(ev.RequestID)
	req.ResourceType = traffic.ParseResourceType(string(ev.ResourceType))

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	req.Referrer = req.Headers.Get("referer")
	req.Headers.Del("referer")

	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}

	if o := originOf(req.Headers.Get("origin")); o != nil {
		req.Initiator = o
	} else if o := originOf(req.Referrer); o != nil {
		req.Initiator = o
	}
	if req.IsMainFrame() {
		req.FirstPartyURL = traffic.CloneURL(req.URL)
	}
	return req, nil
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

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目，按键名排序
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, k := range h.Keys() {
		entries = append(entries, fetch.HeaderEntry{Name: canonical(k), Value: h[k]})
	}
	return entries
}

// canonical 转回首字母大写形式，CDP 对大小写不敏感但日志更易读
func canonical(k string) string {
	parts := strings.Split(k, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
