// Package cdp 通过 Chrome DevTools Protocol 的 Fetch 域把浏览器请求交给网关裁决
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/semaphore"

	"netgate/internal/logger"
	"netgate/pkg/intercept"
	"netgate/pkg/traffic"
)

// ErrNoTarget 没有可附加的目标
var ErrNoTarget = errors.New("cdp: no target")

// commandTimeout 裁决之后发送 Fetch 命令的时限，与 ProcessTimeout 分开计时
const commandTimeout = time.Second

// Decider 对外部持有的请求给出裁决，loader.Factory 实现了它
type Decider interface {
	Decide(ctx context.Context, req *traffic.Request) (intercept.Verdict, error)
}

// fetchClient CDP Fetch 域中用到的方法
type fetchClient interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
}

// Options 参数
type Options struct {
	DevToolsURL string
	// Target 目标ID，为空时选第一个 page
	Target  string
	Decider Decider
	// Concurrency 同时处理的暂停请求上限，超出时直接放行
	Concurrency int64
	// ProcessTimeout 单个请求的处理时限
	ProcessTimeout time.Duration
	Logger         logger.Logger
}

// Stats 处理计数
type Stats struct {
	Continued int64 `json:"continued"`
	Failed    int64 `json:"failed"`
	Fulfilled int64 `json:"fulfilled"`
	Degraded  int64 `json:"degraded"`
}

// Manager 附加到一个 DevTools 目标并处理暂停的请求
type Manager struct {
	opts Options
	log  logger.Logger
	sem  *semaphore.Weighted

	continued atomic.Int64
	failed    atomic.Int64
	fulfilled atomic.Int64
	degraded  atomic.Int64
}

// New 创建 CDP 管理器
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 64
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 3 * time.Second
	}
	return &Manager{
		opts: opts,
		log:  opts.Logger.With("devtools", opts.DevToolsURL),
		sem:  semaphore.NewWeighted(opts.Concurrency),
	}
}

// Stats 返回处理计数
func (m *Manager) Stats() Stats {
	return Stats{
		Continued: m.continued.Load(),
		Failed:    m.failed.Load(),
		Fulfilled: m.fulfilled.Load(),
		Degraded:  m.degraded.Load(),
	}
}

// Run 附加目标、启用请求阶段拦截并消费事件，直到 ctx 取消或事件流中断
func (m *Manager) Run(ctx context.Context) error {
	conn, target, err := m.attach(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	log := m.log.With("target", target)

	client := cdp.NewClient(conn)
	p := "*"
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}},
	})
	if err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}
	log.Info("已启用请求拦截")

	rp, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("subscribe request paused: %w", err)
	}
	defer rp.Close()

	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("停止消费拦截事件流")
				return nil
			}
			log.Err(err, "接收拦截事件失败")
			return err
		}
		m.dispatch(ctx, client.Fetch, ev)
	}
}

func (m *Manager) attach(ctx context.Context) (*rpcc.Conn, string, error) {
	dt := devtool.New(m.opts.DevToolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if m.opts.Target != "" {
			if t.ID == m.opts.Target {
				sel = t
				break
			}
			continue
		}
		if t.Type == devtool.Page {
			sel = t
			break
		}
	}
	if sel == nil {
		return nil, "", ErrNoTarget
	}
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, "", fmt.Errorf("dial target: %w", err)
	}
	m.log.Info("附加目标", "target", sel.ID, "url", sel.URL)
	return conn, sel.ID, nil
}

// dispatch 并发处理，队列已满时降级放行
func (m *Manager) dispatch(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply) {
	if !m.sem.TryAcquire(1) {
		m.degradeAndContinue(ctx, f, ev, "并发队列已满")
		return
	}
	go func() {
		defer m.sem.Release(1)
		m.handle(ctx, f, ev)
	}()
}

// commandContext 发送 Fetch 命令用的上下文，不受裁决超时影响
func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
}

// handle 裁决一次暂停的请求并执行结果
func (m *Manager) handle(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply) {
	log := m.log.With("requestID", string(ev.RequestID))

	req, err := ToRequest(ev)
	if err != nil {
		m.degradeAndContinue(ctx, f, ev, "无法解析请求URL")
		return
	}
	dctx, cancelDecide := context.WithTimeout(ctx, m.opts.ProcessTimeout)
	v, err := m.opts.Decider.Decide(dctx, req)
	cancelDecide()

	ctx, cancel := commandContext(ctx)
	defer cancel()
	switch {
	case errors.Is(err, traffic.ErrAccessDenied):
		m.fail(ctx, f, ev, network.ErrorReasonAccessDenied, log)
		return
	case err != nil:
		m.degradeAndContinue(ctx, f, ev, err.Error())
		return
	}

	switch v := v.(type) {
	case intercept.Block:
		m.fail(ctx, f, ev, network.ErrorReasonBlockedByClient, log)
	case intercept.Redirect:
		m.redirect(ctx, f, ev, req, v, log)
	case intercept.Allow:
		m.allow(ctx, f, ev, req, v, log)
	default:
		m.allow(ctx, f, ev, req, intercept.Allow{}, log)
	}
}

func (m *Manager) fail(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply, reason network.ErrorReason, log logger.Logger) {
	if err := f.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: reason}); err != nil {
		log.Err(err, "终止请求失败")
		return
	}
	m.failed.Add(1)
	log.Debug("终止请求", "reason", reason, "url", ev.Request.URL)
}

// redirect 导航请求以 307 响应交给浏览器跟随；子资源直接改写URL，对页面不可见
func (m *Manager) redirect(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply, req *traffic.Request, v intercept.Redirect, log logger.Logger) {
	target := v.URL.String()
	if req.IsNavigation() {
		err := f.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
			RequestID:       ev.RequestID,
			ResponseCode:    http.StatusTemporaryRedirect,
			ResponseHeaders: []fetch.HeaderEntry{{Name: "Location", Value: target}},
		})
		if err != nil {
			log.Err(err, "返回重定向失败")
			return
		}
		m.fulfilled.Add(1)
		log.Debug("导航重定向", "location", target)
		return
	}
	if err := f.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID, URL: &target}); err != nil {
		log.Err(err, "改写请求URL失败")
		return
	}
	m.continued.Add(1)
	log.Debug("子资源静默重定向", "location", target)
}

func (m *Manager) allow(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply, req *traffic.Request, v intercept.Allow, log logger.Logger) {
	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if !v.Unchanged() {
		v.Apply(req)
		h := req.Headers.Clone()
		if req.Referrer != "" {
			h.Set("Referer", req.Referrer)
		}
		args.Headers = ToHeaderEntries(h)
	}
	if err := f.ContinueRequest(ctx, args); err != nil {
		log.Err(err, "放行请求失败")
		return
	}
	m.continued.Add(1)
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ctx context.Context, f fetchClient, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", string(ev.RequestID))
	// 原 ctx 已到期时仍需放行，避免请求永久挂起
	ctx, cancel := commandContext(ctx)
	defer cancel()
	if err := f.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Err(err, "降级放行失败", "requestID", string(ev.RequestID))
		return
	}
	m.degraded.Add(1)
}
