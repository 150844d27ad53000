// Package loader 拦截网关核心：逐请求状态机与加载工厂
package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netgate/internal/logger"
	"netgate/internal/notifier"
	"netgate/internal/scheme"
	"netgate/internal/sequence"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/traffic"
)

// DefaultMaxRedirects 默认重定向链上限
const DefaultMaxRedirects = 20

// ErrFactoryShutdown 工厂已关闭
var ErrFactoryShutdown = errors.New("loader: factory shut down")

// Observer 接收请求生命周期事件，在传输上下文中同步调用，实现方不得阻塞
type Observer interface {
	Observe(ev model.Event)
}

// ObserverFunc 适配函数
type ObserverFunc func(ev model.Event)

// Observe 实现 Observer
func (f ObserverFunc) Observe(ev model.Event) { f(ev) }

// Config 工厂依赖与参数
type Config struct {
	Transport       traffic.LoaderFactory
	Policy          *scheme.Policy
	Interceptors    *intercept.Registry
	TransportRunner *sequence.Runner
	PolicyRunner    *sequence.Runner

	MaxRedirects   int
	VerdictTimeout time.Duration // 0 表示不限
	// PreservePolicyRedirectMethod 拦截器重定向时保留方法与请求体
	PreservePolicyRedirectMethod bool

	Profile   model.ProfileID
	Observers []Observer
	Logger    logger.Logger
}

// Factory 创建并跟踪 pendingRequest
//
// live 与 shutdown 只在传输上下文中读写。
type Factory struct {
	cfg    Config
	runner *sequence.Runner
	log    logger.Logger

	live     map[string]*pendingRequest
	shutdown bool

	closed    atomic.Bool
	drained   chan struct{}
	drainOnce sync.Once
}

// New 创建加载工厂
func New(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.Interceptors == nil {
		cfg.Interceptors = intercept.NewRegistry()
	}
	if cfg.Policy == nil {
		cfg.Policy = scheme.NewPolicy(scheme.NewDefaultTable(), nil)
	}
	return &Factory{
		cfg:     cfg,
		runner:  cfg.TransportRunner,
		log:     cfg.Logger.With("profile", string(cfg.Profile)),
		live:    make(map[string]*pendingRequest),
		drained: make(chan struct{}),
	}
}

// Interceptors 返回拦截器注册表
func (f *Factory) Interceptors() *intercept.Registry { return f.cfg.Interceptors }

// AddObserver 追加事件观察者，需在创建请求前调用
func (f *Factory) AddObserver(o Observer) {
	f.cfg.Observers = append(f.cfg.Observers, o)
}

// CreateLoader 为请求创建 pendingRequest，可在任意 goroutine 调用
//
// 返回的 Loader.Cancel 视为调用方离开；ctx 取消效果相同。
// client 的回调都在传输上下文中执行。
func (f *Factory) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	if f.closed.Load() {
		return nil, ErrFactoryShutdown
	}
	r := req.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingRequest{
		f:         f,
		id:        r.ID,
		req:       r,
		client:    client,
		log:       f.log.With("requestID", r.ID),
		ctx:       pctx,
		cancelCtx: cancel,
		follow:    traffic.FollowsRedirects(client),
		started:   time.Now(),
	}
	h := &handle{f: f, p: p}
	p.stopWatch = context.AfterFunc(ctx, h.Cancel)

	if !f.runner.Post(func() { f.start(p) }) {
		p.stopWatch()
		cancel()
		return nil, ErrFactoryShutdown
	}
	return h, nil
}

func (f *Factory) start(p *pendingRequest) {
	if f.shutdown {
		p.log.Warn("工厂已关闭，拒绝新请求", "url", p.req.URLString())
		p.finish(traffic.Result{Err: traffic.ErrAborted})
		return
	}
	f.live[p.id] = p
	p.log.Debug("创建请求", "url", p.req.URLString(), "method", p.req.Method, "resource", p.req.ResourceType.String())
	p.emit(model.EventStarted, nil)
	p.restart()
}

func (f *Factory) remove(p *pendingRequest) {
	delete(f.live, p.id)
	if f.shutdown && len(f.live) == 0 {
		f.drainOnce.Do(func() { close(f.drained) })
	}
}

// Live 返回活动请求快照；不可在传输上下文中调用
func (f *Factory) Live(ctx context.Context) ([]model.PendingItem, error) {
	var items []model.PendingItem
	err := f.runner.Call(ctx, func() {
		items = make([]model.PendingItem, 0, len(f.live))
		for _, p := range f.live {
			items = append(items, p.item())
		}
	})
	return items, err
}

// Shutdown 取消全部活动请求并等待它们释放
//
// ctx 到期时强制释放剩余请求并返回 ctx 的错误。
func (f *Factory) Shutdown(ctx context.Context) error {
	if f.closed.CompareAndSwap(false, true) {
		posted := f.runner.Post(func() {
			f.shutdown = true
			f.log.Info("关闭加载工厂", "live", len(f.live))
			for _, p := range f.snapshot() {
				p.cancel()
			}
			if len(f.live) == 0 {
				f.drainOnce.Do(func() { close(f.drained) })
			}
		})
		if !posted {
			f.drainOnce.Do(func() { close(f.drained) })
		}
	}

	select {
	case <-f.drained:
		return nil
	case <-ctx.Done():
		f.runner.Post(func() {
			for _, p := range f.snapshot() {
				p.log.Warn("传输层未确认取消，强制释放")
				p.teardown()
			}
		})
		return ctx.Err()
	}
}

func (f *Factory) snapshot() []*pendingRequest {
	list := make([]*pendingRequest, 0, len(f.live))
	for _, p := range f.live {
		list = append(list, p)
	}
	return list
}

func (f *Factory) accessPermitted(req *traffic.Request) bool {
	var source scheme.Origin
	if req.Initiator != nil {
		source = scheme.OriginOf(req.Initiator, f.cfg.Policy.Table())
	}
	return f.cfg.Policy.IsNavigationPermitted(source, req.URL, req.IsMainFrame(), req.HasUserGesture) == scheme.Allowed
}

func (f *Factory) notifierConfig() notifier.Config {
	return notifier.Config{
		Registry:  f.cfg.Interceptors,
		Policy:    f.cfg.PolicyRunner,
		Transport: f.runner,
		Timeout:   f.cfg.VerdictTimeout,
		Logger:    f.log,
	}
}

func (f *Factory) publish(ev model.Event) {
	for _, o := range f.cfg.Observers {
		o.Observe(ev)
	}
}

type handle struct {
	f    *Factory
	p    *pendingRequest
	once sync.Once
}

// Cancel 实现 traffic.Loader
func (h *handle) Cancel() {
	h.once.Do(func() {
		h.f.runner.Post(h.p.cancel)
	})
}
