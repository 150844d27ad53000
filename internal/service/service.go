// Package service 组装执行上下文、profile 与全局观察者，实现 pkg/api.Service
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"netgate/internal/loader"
	"netgate/internal/logger"
	"netgate/internal/profile"
	"netgate/internal/scheme"
	"netgate/internal/sequence"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/rulespec"
	"netgate/pkg/traffic"
)

var (
	// ErrProfileNotFound profile 不存在
	ErrProfileNotFound = errors.New("service: profile not found")
	// ErrClosed 服务已关闭
	ErrClosed = errors.New("service: closed")
)

// Options 服务参数
type Options struct {
	Transport traffic.LoaderFactory
	Policy    *scheme.Policy

	MaxRedirects                 int
	VerdictTimeout               time.Duration
	PreservePolicyRedirectMethod bool

	// Observers 所有 profile 共享的观察者
	Observers   []loader.Observer
	EventBuffer int
	Logger      logger.Logger
}

// Service 拦截网关服务
type Service struct {
	transport *sequence.Runner
	policy    *sequence.Runner
	profiles  *profile.Manager
	log       logger.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New 创建服务并启动传输与策略两个执行上下文
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	tr := sequence.New("transport", opts.Logger)
	pol := sequence.New("policy", opts.Logger)
	return &Service{
		transport: tr,
		policy:    pol,
		profiles: profile.NewManager(profile.Deps{
			Transport:                    opts.Transport,
			Policy:                       opts.Policy,
			TransportRunner:              tr,
			PolicyRunner:                 pol,
			MaxRedirects:                 opts.MaxRedirects,
			VerdictTimeout:               opts.VerdictTimeout,
			PreservePolicyRedirectMethod: opts.PreservePolicyRedirectMethod,
			Observers:                    opts.Observers,
			EventBuffer:                  opts.EventBuffer,
			Logger:                       opts.Logger,
		}),
		log:    opts.Logger,
		closed: make(chan struct{}),
	}
}

func (s *Service) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CreateProfile 创建 profile
func (s *Service) CreateProfile(id model.ProfileID, cfg model.ProfileConfig) (model.ProfileID, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	p, err := s.profiles.Create(id, cfg)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// DestroyProfile 销毁 profile，进行中的请求以 Aborted 结束
func (s *Service) DestroyProfile(ctx context.Context, id model.ProfileID) error {
	ok, err := s.profiles.Delete(ctx, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return err
}

// Profiles 列出 profile
func (s *Service) Profiles() []model.ProfileInfo {
	list := s.profiles.List()
	out := make([]model.ProfileInfo, 0, len(list))
	for _, p := range list {
		out = append(out, p.Info())
	}
	return out
}

// Profile 获取 profile
func (s *Service) Profile(id model.ProfileID) (*profile.Profile, error) {
	p, ok := s.profiles.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, nil
}

// Factory 获取 profile 的加载工厂
func (s *Service) Factory(id model.ProfileID) (*loader.Factory, error) {
	p, err := s.Profile(id)
	if err != nil {
		return nil, err
	}
	return p.Factory, nil
}

// SetProfileInterceptor 设置 profile 级拦截器，nil 表示清除
func (s *Service) SetProfileInterceptor(id model.ProfileID, i intercept.Interceptor) error {
	p, err := s.Profile(id)
	if err != nil {
		return err
	}
	p.Factory.Interceptors().SetProfileInterceptor(i)
	s.log.Info("设置 profile 拦截器", "profile", string(id), "clear", i == nil)
	return nil
}

// SetPageInterceptor 设置页面级拦截器，nil 表示清除
func (s *Service) SetPageInterceptor(id model.ProfileID, i intercept.Interceptor) error {
	p, err := s.Profile(id)
	if err != nil {
		return err
	}
	p.Factory.Interceptors().SetPageInterceptor(i)
	s.log.Info("设置页面拦截器", "profile", string(id), "clear", i == nil)
	return nil
}

// LoadRules 加载规则集并作为 profile 拦截器
func (s *Service) LoadRules(id model.ProfileID, rs rulespec.RuleSet) error {
	p, err := s.Profile(id)
	if err != nil {
		return err
	}
	return p.LoadRules(rs)
}

// RuleStats 规则命中统计
func (s *Service) RuleStats(id model.ProfileID) (model.EngineStats, error) {
	p, err := s.Profile(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return p.Rules.Stats(), nil
}

// LiveRequests 进行中的请求
func (s *Service) LiveRequests(ctx context.Context, id model.ProfileID) ([]model.PendingItem, error) {
	p, err := s.Profile(id)
	if err != nil {
		return nil, err
	}
	return p.Factory.Live(ctx)
}

// SubscribeEvents 订阅 profile 事件，返回的函数用于取消订阅
func (s *Service) SubscribeEvents(id model.ProfileID) (<-chan model.Event, func(), error) {
	p, err := s.Profile(id)
	if err != nil {
		return nil, nil, err
	}
	sub := p.Events.Subscribe()
	return sub.C, sub.Close, nil
}

// CreateLoader 通过 profile 发起请求
func (s *Service) CreateLoader(ctx context.Context, id model.ProfileID, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	p, err := s.Profile(id)
	if err != nil {
		return nil, err
	}
	return p.Factory.CreateLoader(ctx, req, client)
}

// Decide 为外部传输层持有的请求裁决
func (s *Service) Decide(ctx context.Context, id model.ProfileID, req *traffic.Request) (intercept.Verdict, error) {
	p, err := s.Profile(id)
	if err != nil {
		return nil, err
	}
	return p.Factory.Decide(ctx, req)
}

// Close 关闭全部 profile 并停止执行上下文
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.profiles.CloseAll(ctx)
		s.policy.Stop()
		s.transport.Stop()
		s.log.Info("网关服务已关闭")
	})
	return s.closeErr
}
