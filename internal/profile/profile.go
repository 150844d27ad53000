// Package profile 管理 profile：每个 profile 独占一个加载工厂、拦截器槽位、规则引擎和事件中心
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"netgate/internal/events"
	"netgate/internal/loader"
	"netgate/internal/logger"
	"netgate/internal/rules"
	"netgate/internal/scheme"
	"netgate/internal/sequence"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/rulespec"
	"netgate/pkg/traffic"
)

// ErrExists 同 ID 的 profile 已存在
var ErrExists = errors.New("profile: already exists")

// Deps 所有 profile 共享的依赖
type Deps struct {
	Transport       traffic.LoaderFactory
	Policy          *scheme.Policy
	TransportRunner *sequence.Runner
	PolicyRunner    *sequence.Runner

	// Defaults 未在 ProfileConfig 中设置的参数
	MaxRedirects                 int
	VerdictTimeout               time.Duration
	PreservePolicyRedirectMethod bool

	// Observers 全局观察者，例如请求日志与指标
	Observers   []loader.Observer
	EventBuffer int
	Logger      logger.Logger
}

// Profile 一组共享拦截配置的请求
type Profile struct {
	ID      model.ProfileID
	Config  model.ProfileConfig
	Created time.Time

	Factory *loader.Factory
	Rules   *rules.Engine
	Events  *events.Hub

	log logger.Logger
}

func newProfile(id model.ProfileID, cfg model.ProfileConfig, d Deps) (*Profile, error) {
	l := d.Logger.With("profile", string(id))
	engine := rules.New(rulespec.RuleSet{}, l)
	if cfg.RulesFile != "" {
		rs, err := rulespec.LoadFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		engine.Update(rs)
	}
	hub := events.NewHub(d.EventBuffer, l)

	timeout := d.VerdictTimeout
	if cfg.VerdictTimeoutMS > 0 {
		timeout = time.Duration(cfg.VerdictTimeoutMS) * time.Millisecond
	}
	maxRedirects := d.MaxRedirects
	if cfg.MaxRedirects > 0 {
		maxRedirects = cfg.MaxRedirects
	}
	observers := append([]loader.Observer{hub}, d.Observers...)

	reg := intercept.NewRegistry()
	if engine.Len() > 0 {
		reg.SetProfileInterceptor(engine)
	}
	f := loader.New(loader.Config{
		Transport:                    d.Transport,
		Policy:                       d.Policy,
		Interceptors:                 reg,
		TransportRunner:              d.TransportRunner,
		PolicyRunner:                 d.PolicyRunner,
		MaxRedirects:                 maxRedirects,
		VerdictTimeout:               timeout,
		PreservePolicyRedirectMethod: d.PreservePolicyRedirectMethod,
		Profile:                      id,
		Observers:                    observers,
		Logger:                       d.Logger,
	})
	return &Profile{
		ID:      id,
		Config:  cfg,
		Created: time.Now(),
		Factory: f,
		Rules:   engine,
		Events:  hub,
		log:     l,
	}, nil
}

// LoadRules 替换规则集并把规则引擎装入 profile 槽位
func (p *Profile) LoadRules(rs rulespec.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	p.Rules.Update(rs)
	p.Factory.Interceptors().SetProfileInterceptor(p.Rules)
	return nil
}

// Info 概要信息
func (p *Profile) Info() model.ProfileInfo {
	return model.ProfileInfo{
		ID:          p.ID,
		Name:        p.Config.Name,
		Rules:       p.Rules.Len(),
		Subscribers: p.Events.Len(),
		Created:     p.Created,
	}
}

// close 终止所有进行中的请求并关闭事件订阅
func (p *Profile) close(ctx context.Context) error {
	err := p.Factory.Shutdown(ctx)
	p.Events.Close()
	return err
}

// Manager 全局 profile 管理器
type Manager struct {
	mu       sync.RWMutex
	profiles map[model.ProfileID]*Profile
	deps     Deps
	log      logger.Logger
}

// NewManager 创建 profile 管理器
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return &Manager{
		profiles: make(map[model.ProfileID]*Profile),
		deps:     d,
		log:      d.Logger,
	}
}

// Create 创建并注册 profile；id 为空时自动生成
func (m *Manager) Create(id model.ProfileID, cfg model.ProfileConfig) (*Profile, error) {
	if id == "" {
		id = model.ProfileID(uuid.NewString())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	p, err := newProfile(id, cfg, m.deps)
	if err != nil {
		return nil, err
	}
	m.profiles[id] = p
	m.log.Info("创建 profile", "profile", string(id), "name", cfg.Name)
	return p, nil
}

// Get 获取 profile
func (m *Manager) Get(id model.ProfileID) (*Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok
}

// Delete 注销并关闭 profile，进行中的请求以 Aborted 结束
func (m *Manager) Delete(ctx context.Context, id model.ProfileID) (bool, error) {
	m.mu.Lock()
	p, ok := m.profiles[id]
	delete(m.profiles, id)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	m.log.Info("销毁 profile", "profile", string(id))
	return true, p.close(ctx)
}

// List 返回所有 profile，按创建时间排序
func (m *Manager) List() []*Profile {
	m.mu.RLock()
	list := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		list = append(list, p)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Created.Before(list[j].Created) })
	return list
}

// CloseAll 关闭全部 profile
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := m.profiles
	m.profiles = make(map[model.ProfileID]*Profile)
	m.mu.Unlock()

	var errs []error
	for id, p := range all {
		if err := p.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
