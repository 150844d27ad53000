package model

import "time"

type ProfileID string
type RuleID string

// ProfileConfig 创建 profile 时的参数
type ProfileConfig struct {
	Name             string `json:"name" yaml:"name"`
	MaxRedirects     int    `json:"maxRedirects" yaml:"maxRedirects"`
	VerdictTimeoutMS int    `json:"verdictTimeoutMS" yaml:"verdictTimeoutMS"`
	RulesFile        string `json:"rulesFile" yaml:"rulesFile"`
}

// 规则相关类型位于 pkg/rulespec

type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

// 事件类型
const (
	EventStarted          = "started"
	EventDenied           = "denied"
	EventBlocked          = "blocked"
	EventRedirected       = "redirected"
	EventForwarded        = "forwarded"
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventAborted          = "aborted"
	EventDegraded         = "degraded"
	EventInterceptorError = "interceptor_error"
)

// Event 请求生命周期事件
type Event struct {
	Type      string    `json:"type"`
	Profile   ProfileID `json:"profile"`
	RequestID string    `json:"requestID"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Resource  string    `json:"resource,omitempty"`
	Attempt   int       `json:"attempt"`
	Status    int       `json:"status,omitempty"`
	Redirects []string  `json:"redirects,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal 是否为请求的终止事件
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventAborted:
		return true
	}
	return false
}

// PendingItem 活动请求快照
type PendingItem struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Resource  string    `json:"resource"`
	Attempt   int       `json:"attempt"`
	Redirects int       `json:"redirects"`
	Started   time.Time `json:"started"`
}

// ProfileInfo profile 概要
type ProfileInfo struct {
	ID          ProfileID `json:"id"`
	Name        string    `json:"name"`
	Rules       int       `json:"rules"`
	Subscribers int       `json:"subscribers"`
	Created     time.Time `json:"created"`
}
