package traffic

import "strings"

// ResourceType 资源类型，未知类型统一落到 ResourceUnknown
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourceMainFrame
	ResourceSubFrame
	ResourceStylesheet
	ResourceScript
	ResourceImage
	ResourceFont
	ResourceMedia
	ResourceWorker
	ResourceSharedWorker
	ResourceServiceWorker
	ResourcePrefetch
	ResourceFavicon
	ResourceXHR
	ResourcePing
	ResourceCSPReport
	ResourceWebSocket
	ResourceOther
)

var resourceNames = [...]string{
	ResourceUnknown:       "unknown",
	ResourceMainFrame:     "main_frame",
	ResourceSubFrame:      "sub_frame",
	ResourceStylesheet:    "stylesheet",
	ResourceScript:        "script",
	ResourceImage:         "image",
	ResourceFont:          "font",
	ResourceMedia:         "media",
	ResourceWorker:        "worker",
	ResourceSharedWorker:  "shared_worker",
	ResourceServiceWorker: "service_worker",
	ResourcePrefetch:      "prefetch",
	ResourceFavicon:       "favicon",
	ResourceXHR:           "xhr",
	ResourcePing:          "ping",
	ResourceCSPReport:     "csp_report",
	ResourceWebSocket:     "websocket",
	ResourceOther:         "other",
}

func (t ResourceType) String() string {
	if t < 0 || int(t) >= len(resourceNames) {
		return resourceNames[ResourceUnknown]
	}
	return resourceNames[t]
}

// resourceAliases 兼容 CDP 与 Sec-Fetch-Dest 的命名
var resourceAliases = map[string]ResourceType{
	"document":           ResourceMainFrame,
	"iframe":             ResourceSubFrame,
	"frame":              ResourceSubFrame,
	"style":              ResourceStylesheet,
	"audio":              ResourceMedia,
	"video":              ResourceMedia,
	"track":              ResourceMedia,
	"texttrack":          ResourceMedia,
	"sharedworker":       ResourceSharedWorker,
	"serviceworker":      ResourceServiceWorker,
	"fetch":              ResourceXHR,
	"eventsource":        ResourceXHR,
	"empty":              ResourceXHR,
	"report":             ResourceCSPReport,
	"cspviolationreport": ResourceCSPReport,
	"manifest":           ResourceOther,
	"preflight":          ResourceOther,
	"signedexchange":     ResourceOther,
}

// ParseResourceType 解析资源类型名称，无法识别时返回 ResourceUnknown
func ParseResourceType(s string) ResourceType {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range resourceNames {
		if name == key {
			return ResourceType(i)
		}
	}
	if t, ok := resourceAliases[key]; ok {
		return t
	}
	return ResourceUnknown
}

// MarshalText 以名称形式序列化
func (t ResourceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText 从名称反序列化
func (t *ResourceType) UnmarshalText(b []byte) error {
	*t = ParseResourceType(string(b))
	return nil
}

// NavigationType 导航类型
type NavigationType int

const (
	NavigationOther NavigationType = iota
	NavigationLink
	NavigationTyped
	NavigationFormSubmit
	NavigationBackForward
	NavigationReload
	NavigationRedirect
)

var navigationNames = [...]string{
	NavigationOther:       "other",
	NavigationLink:        "link",
	NavigationTyped:       "typed",
	NavigationFormSubmit:  "form_submit",
	NavigationBackForward: "back_forward",
	NavigationReload:      "reload",
	NavigationRedirect:    "redirect",
}

func (n NavigationType) String() string {
	if n < 0 || int(n) >= len(navigationNames) {
		return navigationNames[NavigationOther]
	}
	return navigationNames[n]
}

// ParseNavigationType 解析导航类型名称，无法识别时返回 NavigationOther
func ParseNavigationType(s string) NavigationType {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range navigationNames {
		if name == key {
			return NavigationType(i)
		}
	}
	return NavigationOther
}
