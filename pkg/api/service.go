package api

import (
	"context"

	"netgate/internal/service"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/rulespec"
	"netgate/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// CreateProfile 创建 profile，id 为空时自动生成
	CreateProfile(id model.ProfileID, cfg model.ProfileConfig) (model.ProfileID, error)

	// DestroyProfile 销毁 profile
	DestroyProfile(ctx context.Context, id model.ProfileID) error

	// Profiles 列出 profile
	Profiles() []model.ProfileInfo

	// SetProfileInterceptor 设置 profile 级拦截器
	SetProfileInterceptor(id model.ProfileID, i intercept.Interceptor) error

	// SetPageInterceptor 设置页面级拦截器
	SetPageInterceptor(id model.ProfileID, i intercept.Interceptor) error

	// LoadRules 加载规则配置
	LoadRules(id model.ProfileID, rs rulespec.RuleSet) error

	// RuleStats 获取规则统计信息
	RuleStats(id model.ProfileID) (model.EngineStats, error)

	// LiveRequests 进行中的请求
	LiveRequests(ctx context.Context, id model.ProfileID) ([]model.PendingItem, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.ProfileID) (<-chan model.Event, func(), error)

	// CreateLoader 通过 profile 发起请求
	CreateLoader(ctx context.Context, id model.ProfileID, req *traffic.Request, client traffic.Client) (traffic.Loader, error)

	// Decide 为外部传输层持有的请求裁决
	Decide(ctx context.Context, id model.ProfileID, req *traffic.Request) (intercept.Verdict, error)

	// Close 关闭服务
	Close(ctx context.Context) error
}

// NewService 创建并返回服务接口实现
func NewService(opts service.Options) Service {
	return service.New(opts)
}

// Profile 绑定到单个 profile 的服务视图
//
// 实现 traffic.LoaderFactory 与 CDP 前端需要的 Decide，前端无需感知 profile。
type Profile struct {
	svc Service
	id  model.ProfileID
}

// Bind 把服务绑定到 profile
func Bind(s Service, id model.ProfileID) Profile {
	return Profile{svc: s, id: id}
}

// ID 绑定的 profile
func (p Profile) ID() model.ProfileID { return p.id }

// CreateLoader 实现 traffic.LoaderFactory
func (p Profile) CreateLoader(ctx context.Context, req *traffic.Request, client traffic.Client) (traffic.Loader, error) {
	return p.svc.CreateLoader(ctx, p.id, req, client)
}

// Decide 为外部传输层持有的请求裁决
func (p Profile) Decide(ctx context.Context, req *traffic.Request) (intercept.Verdict, error) {
	return p.svc.Decide(ctx, p.id, req)
}
