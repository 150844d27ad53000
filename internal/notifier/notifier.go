// Package notifier 把请求快照投递到策略上下文执行拦截器，再把裁决投递回传输上下文
package notifier

import (
	"context"
	"sync/atomic"
	"time"

	"netgate/internal/logger"
	"netgate/internal/sequence"
	"netgate/pkg/intercept"
	"netgate/pkg/traffic"
)

// Outcome 一次评估的结果；Err 不为空时 Verdict 恒为 Allow{}
type Outcome struct {
	Verdict  intercept.Verdict
	Err      error
	Duration time.Duration
}

// Config 通知器依赖
type Config struct {
	Registry  *intercept.Registry
	Policy    *sequence.Runner // 拦截器执行上下文
	Transport *sequence.Runner // 请求所在上下文
	Timeout   time.Duration    // 传给拦截器的 context 超时，0 表示不限
	Logger    logger.Logger
}

// Notifier 自持有的单次通知任务
//
// 传输侧只持有 Cancel 能力；通知器在投递（或因取消而跳过）完成回调后即结束，
// 策略侧从不触碰传输侧对象。
type Notifier struct {
	cfg      Config
	snapshot *traffic.Request
	deliver  atomic.Pointer[func(Outcome)]
}

// Notify 在传输上下文中调用：复制快照并投递到策略上下文
//
// completion 至多在传输上下文中执行一次；Cancel 之后不再执行。
func Notify(cfg Config, snapshot *traffic.Request, completion func(Outcome)) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	n := &Notifier{cfg: cfg, snapshot: snapshot.Clone()}
	n.deliver.Store(&completion)

	if !cfg.Policy.Post(n.evaluate) {
		// 策略上下文已停止：按放行处理
		n.cfg.Logger.Warn("策略上下文不可用，直接放行", "url", n.snapshot.URLString())
		n.postBack(Outcome{Verdict: intercept.Allow{}, Err: sequence.ErrStopped})
	}
	return n
}

// Cancel 在传输上下文中调用，清除回调引用
func (n *Notifier) Cancel() {
	n.deliver.Store(nil)
}

// Cancelled 是否已取消或已投递
func (n *Notifier) Cancelled() bool {
	return n.deliver.Load() == nil
}

func (n *Notifier) evaluate() {
	if n.Cancelled() {
		return
	}
	ctx := context.Background()
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	verdict, err := n.cfg.Registry.Evaluate(ctx, n.snapshot)
	out := Outcome{Verdict: verdict, Err: err, Duration: time.Since(start)}
	if err != nil {
		n.cfg.Logger.Err(err, "拦截器执行失败，按放行处理", "url", n.snapshot.URLString())
		out.Verdict = intercept.Allow{}
	}
	n.postBack(out)
}

func (n *Notifier) postBack(out Outcome) {
	if n.Cancelled() {
		return
	}
	n.cfg.Transport.Post(func() {
		if cb := n.deliver.Swap(nil); cb != nil {
			(*cb)(out)
		}
	})
}
