package loader

import (
	"context"
	"net/url"
	"time"

	"netgate/internal/logger"
	"netgate/internal/notifier"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/traffic"
)

type state int

const (
	stateCreated state = iota
	stateAwaitingVerdict
	stateForwarding
	stateStreaming
	stateRedirecting
	stateBlocked
	stateCompleted
	stateFailed
	stateCancelling
	stateDisposed
)

var stateNames = [...]string{
	stateCreated:         "created",
	stateAwaitingVerdict: "awaiting_verdict",
	stateForwarding:      "forwarding",
	stateStreaming:       "streaming",
	stateRedirecting:     "redirecting",
	stateBlocked:         "blocked",
	stateCompleted:       "completed",
	stateFailed:          "failed",
	stateCancelling:      "cancelling",
	stateDisposed:        "disposed",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// pendingRequest 单个逻辑请求的状态机
//
// 除 handle.Cancel 与 attemptClient 外，所有方法只在传输上下文中执行。
type pendingRequest struct {
	f      *Factory
	id     string
	req    *traffic.Request
	client traffic.Client
	log    logger.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc
	stopWatch func() bool

	state     state
	attempt   int
	chain     []*url.URL
	notifier  *notifier.Notifier
	timer     *time.Timer
	loader    traffic.Loader
	delivered bool
	// follow 为 false 时可见重定向投递后即结束
	follow bool

	status  int
	bytes   int64
	started time.Time
}

// restart 开始一次新的尝试：访问检查、拦截、转发
func (p *pendingRequest) restart() {
	p.attempt++
	p.state = stateCreated
	p.log.Debug("开始请求尝试", "attempt", p.attempt, "url", p.req.URLString(), "method", p.req.Method)

	if !p.f.accessPermitted(p.req) {
		p.log.Info("协议访问策略拒绝请求", "url", p.req.URLString())
		p.emit(model.EventDenied, nil)
		p.fail(traffic.ErrAccessDenied)
		return
	}

	if !p.f.cfg.Interceptors.Active() {
		p.forward(intercept.Allow{})
		return
	}

	p.state = stateAwaitingVerdict
	attempt := p.attempt
	p.notifier = notifier.Notify(p.f.notifierConfig(), p.req, func(out notifier.Outcome) {
		p.onVerdict(attempt, out)
	})
	if d := p.f.cfg.VerdictTimeout; d > 0 {
		p.timer = time.AfterFunc(d, func() {
			p.f.runner.Post(func() { p.onVerdictTimeout(attempt) })
		})
	}
}

func (p *pendingRequest) onVerdict(attempt int, out notifier.Outcome) {
	if p.state != stateAwaitingVerdict || attempt != p.attempt {
		p.log.Debug("丢弃过期裁决", "attempt", attempt, "state", p.state.String())
		return
	}
	p.stopTimer()
	p.notifier = nil

	if out.Err != nil {
		p.emit(model.EventInterceptorError, func(ev *model.Event) { ev.Error = out.Err.Error() })
	}
	p.log.Debug("收到裁决", "attempt", attempt, "verdict", verdictName(out.Verdict), "duration", out.Duration)

	switch v := out.Verdict.(type) {
	case intercept.Block:
		p.state = stateBlocked
		p.emit(model.EventBlocked, func(ev *model.Event) { ev.Result = string(v.Reason) })
		p.fail(traffic.ErrBlockedByClient)
	case intercept.Redirect:
		p.policyRedirect(v.URL)
	case intercept.Allow:
		p.forward(v)
	default:
		p.forward(intercept.Allow{})
	}
}

// onVerdictTimeout 等待裁决超时：放弃本次评估并按原样放行
func (p *pendingRequest) onVerdictTimeout(attempt int) {
	if p.state != stateAwaitingVerdict || attempt != p.attempt {
		return
	}
	p.log.Warn("等待裁决超时，降级放行", "attempt", attempt, "timeout", p.f.cfg.VerdictTimeout)
	p.timer = nil
	p.notifier.Cancel()
	p.notifier = nil
	p.emit(model.EventDegraded, nil)
	p.forward(intercept.Allow{})
}

func (p *pendingRequest) policyRedirect(target *url.URL) {
	p.state = stateRedirecting
	info := traffic.PolicyRedirectInfo(p.req, target, p.f.cfg.PreservePolicyRedirectMethod)
	if !p.appendChain(info.NewURL) {
		return
	}
	p.emit(model.EventRedirected, func(ev *model.Event) { ev.Status = info.StatusCode })
	if p.req.IsNavigation() {
		// 导航请求的重定向对调用方可见
		p.client.OnReceiveRedirect(traffic.RedirectEvent{Info: info, Chain: p.chainCopy()})
		if !p.follow {
			p.status = info.StatusCode
			p.surfaced()
			return
		}
	}
	p.req.ApplyRedirect(info)
	p.restart()
}

// surfaced 调用方自行跟随重定向，本次请求到此结束
func (p *pendingRequest) surfaced() {
	p.log.Debug("重定向交给调用方跟随", "status", p.status)
	p.state = stateCompleted
	p.finish(traffic.Result{ReceivedBytes: p.bytes})
}

func (p *pendingRequest) forward(allow intercept.Allow) {
	p.state = stateForwarding
	allow.Apply(p.req)
	p.emit(model.EventForwarded, nil)

	attempt := p.attempt
	l, err := p.f.cfg.Transport.CreateLoader(p.ctx, p.req.Clone(), &attemptClient{p: p, attempt: attempt})
	if err != nil {
		p.log.Err(err, "创建传输加载失败", "url", p.req.URLString())
		p.fail(err)
		return
	}
	p.loader = l
	p.state = stateStreaming
}

func (p *pendingRequest) onResponse(attempt int, head *traffic.ResponseHead) {
	if !p.streaming(attempt) {
		return
	}
	p.status = head.StatusCode
	p.client.OnReceiveResponse(head)
}

func (p *pendingRequest) onData(attempt int, chunk []byte) {
	if !p.streaming(attempt) {
		return
	}
	p.bytes += int64(len(chunk))
	p.client.OnData(chunk)
}

func (p *pendingRequest) onUploadProgress(attempt int, current, total int64) {
	if !p.streaming(attempt) {
		return
	}
	p.client.OnUploadProgress(current, total)
}

// onServerRedirect 服务端重定向与策略重定向一样重新进入 restart，调用方自行跟随时除外
func (p *pendingRequest) onServerRedirect(attempt int, ev traffic.RedirectEvent) {
	if attempt != p.attempt {
		return
	}
	if p.state == stateCancelling {
		p.loader = nil
		p.teardown()
		return
	}
	if p.state != stateStreaming {
		return
	}
	p.loader = nil
	p.state = stateRedirecting
	if ev.Head != nil {
		p.status = ev.Head.StatusCode
	}
	if !p.appendChain(ev.Info.NewURL) {
		return
	}
	p.emit(model.EventRedirected, func(e *model.Event) { e.Status = ev.Info.StatusCode })
	ev.Chain = p.chainCopy()
	ev.FromServer = true
	p.client.OnReceiveRedirect(ev)
	if !p.follow {
		p.surfaced()
		return
	}
	p.req.ApplyRedirect(ev.Info)
	p.restart()
}

func (p *pendingRequest) onTransportComplete(attempt int, res traffic.Result) {
	if attempt != p.attempt {
		return
	}
	if p.state == stateCancelling {
		// 调用方已离开，传输层的结果直接丢弃
		p.log.Debug("传输层确认取消", "err", res.Err)
		p.loader = nil
		p.teardown()
		return
	}
	if p.state != stateStreaming {
		return
	}
	p.loader = nil
	if res.Err != nil {
		p.log.Err(res.Err, "传输层返回错误", "url", p.req.URLString())
		p.fail(res.Err)
		return
	}
	p.state = stateCompleted
	p.finish(traffic.Result{ReceivedBytes: p.bytes})
}

// cancel 调用方取消
func (p *pendingRequest) cancel() {
	if p.delivered || p.state == stateDisposed {
		return
	}
	p.log.Debug("调用方取消请求", "state", p.state.String())
	if p.state == stateStreaming && p.loader != nil {
		p.deliver(traffic.Result{Err: traffic.ErrAborted, ReceivedBytes: p.bytes})
		p.state = stateCancelling
		p.loader.Cancel()
		return
	}
	p.finish(traffic.Result{Err: traffic.ErrAborted, ReceivedBytes: p.bytes})
}

func (p *pendingRequest) appendChain(u *url.URL) bool {
	if len(p.chain) >= p.f.cfg.MaxRedirects {
		p.log.Warn("重定向次数超限", "max", p.f.cfg.MaxRedirects, "url", u.String())
		p.fail(traffic.ErrTooManyRedirects)
		return false
	}
	p.chain = append(p.chain, traffic.CloneURL(u))
	return true
}

func (p *pendingRequest) chainCopy() []*url.URL {
	out := make([]*url.URL, len(p.chain))
	for i, u := range p.chain {
		out[i] = traffic.CloneURL(u)
	}
	return out
}

func (p *pendingRequest) streaming(attempt int) bool {
	return attempt == p.attempt && p.state == stateStreaming
}

func (p *pendingRequest) fail(err error) {
	if p.state != stateBlocked {
		p.state = stateFailed
	}
	p.finish(traffic.Result{Err: err, ReceivedBytes: p.bytes})
}

// finish 所有结束路径的唯一入口
func (p *pendingRequest) finish(res traffic.Result) {
	p.deliver(res)
	p.teardown()
}

// deliver 向调用方投递完成回调，至多一次
func (p *pendingRequest) deliver(res traffic.Result) {
	if p.delivered {
		return
	}
	p.delivered = true

	typ := model.EventCompleted
	switch {
	case res.Err == nil:
	case traffic.Kind(res.Err) == traffic.KindAborted:
		typ = model.EventAborted
	default:
		typ = model.EventFailed
	}
	p.emit(typ, func(ev *model.Event) {
		ev.Result = traffic.Kind(res.Err)
		ev.Bytes = res.ReceivedBytes
		ev.Status = p.status
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		for _, u := range p.chain {
			ev.Redirects = append(ev.Redirects, u.String())
		}
	})
	p.log.Info("请求结束", "result", traffic.Kind(res.Err), "attempts", p.attempt, "bytes", res.ReceivedBytes, "elapsed", time.Since(p.started))
	p.client.OnComplete(res)
}

func (p *pendingRequest) teardown() {
	if p.state == stateDisposed {
		return
	}
	p.stopTimer()
	if p.notifier != nil {
		p.notifier.Cancel()
		p.notifier = nil
	}
	if p.loader != nil {
		p.loader.Cancel()
		p.loader = nil
	}
	if p.stopWatch != nil {
		p.stopWatch()
	}
	p.cancelCtx()
	p.state = stateDisposed
	p.f.remove(p)
}

func (p *pendingRequest) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *pendingRequest) emit(typ string, fill func(ev *model.Event)) {
	ev := model.Event{
		Type:      typ,
		Profile:   p.f.cfg.Profile,
		RequestID: p.id,
		URL:       p.req.URLString(),
		Method:    p.req.Method,
		Resource:  p.req.ResourceType.String(),
		Attempt:   p.attempt,
		Time:      time.Now(),
	}
	if fill != nil {
		fill(&ev)
	}
	p.f.publish(ev)
}

func (p *pendingRequest) item() model.PendingItem {
	return model.PendingItem{
		ID:        p.id,
		Stage:     p.state.String(),
		URL:       p.req.URLString(),
		Method:    p.req.Method,
		Resource:  p.req.ResourceType.String(),
		Attempt:   p.attempt,
		Redirects: len(p.chain),
		Started:   p.started,
	}
}

// attemptClient 把传输层回调投递回传输上下文，并按尝试编号过滤过期事件
type attemptClient struct {
	p       *pendingRequest
	attempt int
}

func (c *attemptClient) post(task func()) {
	if !c.p.f.runner.Post(task) {
		c.p.log.Warn("传输上下文已停止，丢弃传输层事件", "attempt", c.attempt)
	}
}

func (c *attemptClient) OnReceiveRedirect(ev traffic.RedirectEvent) {
	c.post(func() { c.p.onServerRedirect(c.attempt, ev) })
}

func (c *attemptClient) OnReceiveResponse(head *traffic.ResponseHead) {
	c.post(func() { c.p.onResponse(c.attempt, head) })
}

func (c *attemptClient) OnData(chunk []byte) {
	buf := append([]byte(nil), chunk...)
	c.post(func() { c.p.onData(c.attempt, buf) })
}

func (c *attemptClient) OnUploadProgress(current, total int64) {
	c.post(func() { c.p.onUploadProgress(c.attempt, current, total) })
}

// AwaitCapacity 把调用方的流控传给传输层，在传输层 goroutine 中调用
func (c *attemptClient) AwaitCapacity(ctx context.Context) error {
	return traffic.AwaitCapacity(ctx, c.p.client)
}

func (c *attemptClient) OnComplete(res traffic.Result) {
	c.post(func() { c.p.onTransportComplete(c.attempt, res) })
}

func verdictName(v intercept.Verdict) string {
	if v == nil {
		return "allow"
	}
	return v.String()
}
