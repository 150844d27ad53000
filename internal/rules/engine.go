// Package rules 基于声明式规则的 profile 拦截器
package rules

import (
	"context"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"netgate/internal/logger"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/rulespec"
	"netgate/pkg/traffic"
)

// Engine 规则引擎，实现 intercept.Interceptor
type Engine struct {
	rules atomic.Pointer[[]rulespec.Rule]
	log   logger.Logger

	mu    sync.Mutex
	stats model.EngineStats
}

// New 创建规则引擎
func New(rs rulespec.RuleSet, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	e := &Engine{log: l, stats: model.EngineStats{ByRule: make(map[model.RuleID]int64)}}
	e.Update(rs)
	return e
}

// Update 替换规则集，按优先级从高到低排列
func (e *Engine) Update(rs rulespec.RuleSet) {
	sorted := append([]rulespec.Rule(nil), rs.Rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	e.rules.Store(&sorted)
	e.log.Info("更新规则集", "version", rs.Version, "count", len(sorted))
}

// Len 当前规则数
func (e *Engine) Len() int { return len(*e.rules.Load()) }

// Ctx 匹配所需的请求字段
type Ctx struct {
	URL         string
	Method      string
	Headers     map[string]string
	Query       map[string]string
	Cookies     map[string]string
	Body        string
	ContentType string
	Resource    traffic.ResourceType
	Initiator   string
}

// Result 命中的规则
type Result struct {
	Rules []*rulespec.Rule
}

// Eval 返回命中的规则，最高优先级在前
//
// short_circuit 规则命中后停止扫描；aggregate 规则命中后继续。
func (e *Engine) Eval(ctx Ctx) *Result {
	rules := *e.rules.Load()
	if len(rules) == 0 {
		return nil
	}
	var res Result
	for i := range rules {
		r := &rules[i]
		if !matchRule(ctx, r.Match) {
			continue
		}
		res.Rules = append(res.Rules, r)
		if r.Mode != rulespec.ModeAggregate {
			break
		}
	}
	if len(res.Rules) == 0 {
		return nil
	}
	return &res
}

// Evaluate 实现 intercept.Interceptor
func (e *Engine) Evaluate(ctx context.Context, info *intercept.RequestInfo) error {
	res := e.Eval(ctxFromInfo(info))
	e.record(res)
	if res == nil {
		return nil
	}

	setKeys := make(map[string]bool)
	for _, r := range res.Rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.log.Debug("规则命中", "rule", string(r.ID), "url", info.RequestURL().String())
		if r.Action.Fail != nil {
			info.Block(true)
			return nil
		}
		rw := r.Action.Rewrite
		if rw == nil {
			continue
		}
		if rw.URL != nil && !info.Blocked() {
			if u, err := info.RequestURL().Parse(*rw.URL); err == nil {
				info.RedirectTo(u)
			} else {
				e.log.Err(err, "规则中的重写地址无效", "rule", string(r.ID))
			}
		}
		for k, v := range rw.Headers {
			lk := strings.ToLower(k)
			if setKeys[lk] {
				continue
			}
			setKeys[lk] = true
			info.SetHeader(k, v)
		}
		if rw.Referrer != nil && !setKeys["referer"] {
			setKeys["referer"] = true
			info.SetHeader("Referer", *rw.Referrer)
		}
	}
	return nil
}

// Stats 返回命中统计副本
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineStats{Total: e.stats.Total, Matched: e.stats.Matched, ByRule: make(map[model.RuleID]int64, len(e.stats.ByRule))}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *Engine) record(res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	if res == nil {
		return
	}
	e.stats.Matched++
	for _, r := range res.Rules {
		e.stats.ByRule[r.ID]++
	}
}

func ctxFromInfo(info *intercept.RequestInfo) Ctx {
	u := info.RequestURL()
	h := info.Headers()
	c := Ctx{
		Method:      info.HTTPMethod(),
		Headers:     map[string]string(h),
		Query:       make(map[string]string),
		Cookies:     make(map[string]string),
		Body:        string(info.Body()),
		ContentType: h.Get("content-type"),
		Resource:    info.ResourceType(),
	}
	if u != nil {
		c.URL = u.String()
		for k, vs := range u.Query() {
			if len(vs) > 0 {
				c.Query[k] = vs[len(vs)-1]
			}
		}
	}
	if ini := info.Initiator(); ini != nil {
		c.Initiator = ini.String()
	}
	if raw := h.Get("cookie"); raw != "" {
		r := &http.Request{Header: http.Header{"Cookie": {raw}}}
		for _, ck := range r.Cookies() {
			c.Cookies[ck.Name] = ck.Value
		}
	}
	return c
}

func matchRule(ctx Ctx, m rulespec.Match) bool {
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && noneOf(ctx, m.NoneOf)
	}
	return ok
}

func allOf(ctx Ctx, cs []rulespec.Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx Ctx, cs []rulespec.Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(ctx Ctx, cs []rulespec.Condition) bool { return !anyOf(ctx, cs) }

func cond(ctx Ctx, c rulespec.Condition) bool {
	switch c.Type {
	case rulespec.ConditionURL:
		return matchURL(ctx.URL, c)
	case rulespec.ConditionInitiator:
		return matchURL(ctx.Initiator, c)
	case rulespec.ConditionMethod:
		for _, v := range c.Values {
			if strings.EqualFold(ctx.Method, v) {
				return true
			}
		}
		return false
	case rulespec.ConditionResource:
		for _, v := range c.Values {
			if traffic.ParseResourceType(v) == ctx.Resource {
				return true
			}
		}
		return false
	case rulespec.ConditionHeader:
		v, ok := ctx.Headers[strings.ToLower(c.Key)]
		return ok && compare(v, c)
	case rulespec.ConditionQuery:
		v, ok := ctx.Query[c.Key]
		return ok && compare(v, c)
	case rulespec.ConditionCookie:
		v, ok := ctx.Cookies[c.Key]
		return ok && compare(v, c)
	case rulespec.ConditionText:
		return ctx.Body != "" && compare(ctx.Body, c)
	case rulespec.ConditionJSON:
		return matchJSON(ctx.Body, c.Path, c)
	case rulespec.ConditionPointer:
		path, ok := pointerToPath(c.Pointer)
		return ok && matchJSON(ctx.Body, path, c)
	default:
		return false
	}
}

func matchURL(s string, c rulespec.Condition) bool {
	if s == "" {
		return false
	}
	switch c.Mode {
	case "prefix":
		return strings.HasPrefix(s, c.Pattern)
	case "regex":
		return matchRegex(s, c.Pattern)
	case "exact":
		return s == c.Pattern
	default:
		return glob(s, c.Pattern)
	}
}

func compare(v string, c rulespec.Condition) bool {
	switch c.Op {
	case rulespec.OpEquals:
		return v == c.Value
	case rulespec.OpContains:
		return strings.Contains(v, c.Value)
	case rulespec.OpRegex:
		return matchRegex(v, c.Value)
	default:
		return true
	}
}

func matchJSON(body, path string, c rulespec.Condition) bool {
	if body == "" || path == "" || !gjson.Valid(body) {
		return false
	}
	r := gjson.Get(body, path)
	if !r.Exists() {
		return false
	}
	v := r.String()
	if r.IsObject() || r.IsArray() {
		v = r.Raw
	}
	return compare(v, c)
}

// pointerToPath 把 JSON Pointer（RFC 6901）转换为 gjson 路径
func pointerToPath(ptr string) (string, bool) {
	if ptr == "" || ptr[0] != '/' {
		return "", false
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, t := range tokens {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		tokens[i] = escapePath(t)
	}
	return strings.Join(tokens, "."), true
}

func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var regexCache = &reCache{m: make(map[string]*regexp.Regexp)}

type reCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

func (c *reCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
