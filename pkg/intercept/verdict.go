package intercept

import (
	"net/url"

	"netgate/pkg/traffic"
)

// Verdict 单次尝试的裁决：Allow / Block / Redirect 之一
type Verdict interface {
	isVerdict()
	String() string
}

// BlockReason 阻止原因
type BlockReason string

const (
	BlockReasonInterceptor BlockReason = "interceptor"
	BlockReasonRule        BlockReason = "rule"
)

// Allow 放行，可附带头部覆盖与 Referer 覆盖
type Allow struct {
	Headers  traffic.Header
	Referrer *string
}

// Block 阻止
type Block struct {
	Reason BlockReason
}

// Redirect 重定向到新地址
type Redirect struct {
	URL *url.URL
}

func (Allow) isVerdict()    {}
func (Block) isVerdict()    {}
func (Redirect) isVerdict() {}

func (a Allow) String() string {
	if a.Unchanged() {
		return "allow"
	}
	return "allow_modified"
}
func (Block) String() string    { return "block" }
func (Redirect) String() string { return "redirect" }

// Unchanged 是否为无修改放行
func (a Allow) Unchanged() bool { return len(a.Headers) == 0 && a.Referrer == nil }

// Apply 将放行裁决中的修改合并进请求，重复应用结果不变
func (a Allow) Apply(req *traffic.Request) {
	if req.Headers == nil {
		req.Headers = make(traffic.Header)
	}
	edits := a.Headers
	if edits.Has("Referer") {
		edits = edits.Clone()
		req.Referrer = edits.Get("Referer")
		edits.Del("Referer")
	}
	req.Headers.Merge(edits)
	if a.Referrer != nil {
		req.Referrer = *a.Referrer
	}
}
