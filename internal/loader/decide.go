package loader

import (
	"context"
	"time"

	"github.com/google/uuid"

	"netgate/internal/logger"
	"netgate/internal/notifier"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/traffic"
)

// Decide 为由外部传输层持有的请求（例如 CDP 暂停的请求）执行一次访问检查与拦截
//
// 访问被拒时返回 traffic.ErrAccessDenied；等待裁决超过 VerdictTimeout 时降级为放行。
// 重定向的跟随与重定向链上限由外部传输层负责。
// 每次裁决产生 started 与恰好一个终止事件：裁决交还给外部传输层即视为 completed，
// 拒绝或阻止为 failed，ctx 结束为 aborted。
func (f *Factory) Decide(ctx context.Context, req *traffic.Request) (intercept.Verdict, error) {
	if f.closed.Load() {
		return nil, ErrFactoryShutdown
	}
	snapshot := req.Clone()
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	d := &decision{f: f, req: snapshot, ch: make(chan decisionResult, 1)}
	d.log = f.log.With("requestID", snapshot.ID)

	if !f.runner.Post(d.start) {
		return nil, ErrFactoryShutdown
	}

	var timeout <-chan time.Time
	if v := f.cfg.VerdictTimeout; v > 0 {
		t := time.NewTimer(v)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-d.ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.verdict, nil
	case <-timeout:
		d.log.Warn("等待裁决超时，降级放行", "url", snapshot.URLString())
		f.runner.Post(d.degrade)
		return intercept.Allow{}, nil
	case <-ctx.Done():
		f.runner.Post(d.abort)
		return nil, ctx.Err()
	}
}

type decisionResult struct {
	verdict intercept.Verdict
	err     error
}

// decision 一次 Decide 的状态，除 ch 外只在传输上下文中读写
type decision struct {
	f        *Factory
	req      *traffic.Request
	log      logger.Logger
	ch       chan decisionResult
	notifier *notifier.Notifier
	settled  bool
}

func (d *decision) start() {
	d.emit(model.EventStarted, nil)
	if !d.f.accessPermitted(d.req) {
		d.log.Info("协议访问策略拒绝请求", "url", d.req.URLString())
		d.emit(model.EventDenied, nil)
		d.settle(model.EventFailed, traffic.ErrAccessDenied, nil)
		d.ch <- decisionResult{err: traffic.ErrAccessDenied}
		return
	}
	if !d.f.cfg.Interceptors.Active() {
		d.verdict(intercept.Allow{})
		return
	}
	d.notifier = notifier.Notify(d.f.notifierConfig(), d.req, d.onOutcome)
}

func (d *decision) onOutcome(out notifier.Outcome) {
	if d.settled {
		return
	}
	d.notifier = nil
	if out.Err != nil {
		d.emit(model.EventInterceptorError, func(ev *model.Event) { ev.Error = out.Err.Error() })
	}
	v := out.Verdict
	if v == nil {
		v = intercept.Allow{}
	}
	d.verdict(v)
}

func (d *decision) verdict(v intercept.Verdict) {
	switch v := v.(type) {
	case intercept.Block:
		d.emit(model.EventBlocked, func(ev *model.Event) { ev.Result = string(v.Reason) })
		d.settle(model.EventFailed, traffic.ErrBlockedByClient, nil)
	case intercept.Redirect:
		d.emit(model.EventRedirected, nil)
		d.settle(model.EventCompleted, nil, func(ev *model.Event) {
			if v.URL != nil {
				ev.Redirects = []string{v.URL.String()}
			}
		})
	default:
		d.emit(model.EventForwarded, nil)
		d.settle(model.EventCompleted, nil, nil)
	}
	d.ch <- decisionResult{verdict: v}
}

// degrade 裁决超时，按原样放行
func (d *decision) degrade() {
	if d.settled {
		return
	}
	d.cancelNotifier()
	d.emit(model.EventDegraded, nil)
	d.settle(model.EventCompleted, nil, nil)
}

// abort 调用方离开
func (d *decision) abort() {
	if d.settled {
		return
	}
	d.cancelNotifier()
	d.settle(model.EventAborted, traffic.ErrAborted, nil)
}

func (d *decision) cancelNotifier() {
	if d.notifier != nil {
		d.notifier.Cancel()
		d.notifier = nil
	}
}

// settle 发布终止事件，至多一次
func (d *decision) settle(typ string, err error, fill func(ev *model.Event)) {
	if d.settled {
		return
	}
	d.settled = true
	d.emit(typ, func(ev *model.Event) {
		ev.Result = traffic.Kind(err)
		if err != nil {
			ev.Error = err.Error()
		}
		if fill != nil {
			fill(ev)
		}
	})
}

func (d *decision) emit(typ string, fill func(ev *model.Event)) {
	ev := model.Event{
		Type:      typ,
		Profile:   d.f.cfg.Profile,
		RequestID: d.req.ID,
		URL:       d.req.URLString(),
		Method:    d.req.Method,
		Resource:  d.req.ResourceType.String(),
		Attempt:   1,
		Time:      time.Now(),
	}
	if fill != nil {
		fill(&ev)
	}
	d.f.publish(ev)
}
