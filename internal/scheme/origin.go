package scheme

import (
	"net/url"
	"strings"
	"sync/atomic"
)

var opaqueNonce atomic.Uint64

// Origin 请求来源 origin
//
// 零值表示没有来源（浏览器发起的首个导航）。no_access 协议与无 host 的 URL
// 产生不透明 origin，每次生成都携带新的 nonce，因此与任何其他 origin 都不相等。
type Origin struct {
	Scheme string
	Host   string
	Port   string
	nonce  uint64
}

// OriginOf 计算 URL 的 origin
func OriginOf(u *url.URL, t *Table) Origin {
	if u == nil || u.Scheme == "" {
		return Origin{}
	}
	scheme := normalize(u.Scheme)
	d, _ := t.Lookup(scheme)
	if d.Flags.Has(NoAccess) {
		return Origin{Scheme: scheme, nonce: opaqueNonce.Add(1)}
	}
	if d.Flags.Has(Local) {
		// 本地协议整体视为同一个 origin
		return Origin{Scheme: scheme}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{Scheme: scheme, nonce: opaqueNonce.Add(1)}
	}
	return Origin{Scheme: scheme, Host: host, Port: effectivePort(scheme, u.Port())}
}

// IsZero 是否为空来源
func (o Origin) IsZero() bool { return o.Scheme == "" }

// Opaque 是否为不透明 origin
func (o Origin) Opaque() bool { return o.nonce != 0 }

// SameAs 同源判断，不透明 origin 只与自身相等
func (o Origin) SameAs(other Origin) bool {
	if o.IsZero() || other.IsZero() {
		return false
	}
	if o.Opaque() || other.Opaque() {
		return o.nonce == other.nonce
	}
	return o.Scheme == other.Scheme && o.Host == other.Host && o.Port == other.Port
}

func (o Origin) String() string {
	switch {
	case o.IsZero():
		return ""
	case o.Opaque():
		return "null"
	case o.Host == "":
		return o.Scheme + "://"
	case o.Port == "":
		return o.Scheme + "://" + o.Host
	default:
		return o.Scheme + "://" + o.Host + ":" + o.Port
	}
}

func effectivePort(scheme, port string) string {
	switch {
	case port == "":
		return ""
	case (scheme == "http" || scheme == "ws") && port == "80":
		return ""
	case (scheme == "https" || scheme == "wss") && port == "443":
		return ""
	}
	return port
}
