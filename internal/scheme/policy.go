package scheme

import (
	"net/url"
)

// Decision 访问判定结果
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allow"
	}
	return "deny"
}

// LocalGrant 外部授权检查：某来源是否被显式允许读取指定本地路径
type LocalGrant interface {
	CanReadLocal(source Origin, target *url.URL) bool
}

// LocalGrantFunc 函数适配器
type LocalGrantFunc func(source Origin, target *url.URL) bool

// CanReadLocal 实现 LocalGrant
func (f LocalGrantFunc) CanReadLocal(source Origin, target *url.URL) bool { return f(source, target) }

// Policy 基于协议表的访问策略，判定只依赖协议表本身
type Policy struct {
	table *Table
	grant LocalGrant
}

// NewPolicy 创建访问策略，grant 可为空
func NewPolicy(t *Table, grant LocalGrant) *Policy {
	if t == nil {
		t = NewDefaultTable()
	}
	return &Policy{table: t, grant: grant}
}

// Table 协议表
func (p *Policy) Table() *Table { return p.table }

// IsCrossOriginAccessPermitted 协议级跨源访问矩阵
//
//  1. 显式 Override 优先
//  2. 目标为 local，来源既非 local 也没有 local_access_allowed 时拒绝（来源为豁免协议除外）
//  3. 来源为 local，目标非 local 且来源没有 local_access_allowed 时拒绝（目标为豁免协议除外）
func (p *Policy) IsCrossOriginAccessPermitted(sourceScheme, targetScheme string) bool {
	if allow, ok := p.table.Override(sourceScheme, targetScheme); ok {
		return allow
	}
	src, _ := p.table.Lookup(sourceScheme)
	tgt, _ := p.table.Lookup(targetScheme)
	if src.Name == tgt.Name {
		return true
	}
	if tgt.Flags.Has(Local) && !src.Flags.Has(Local) &&
		!src.Flags.Has(LocalAccessAllowed) && !src.Flags.Has(LocalSandboxExempt) {
		return false
	}
	if src.Flags.Has(Local) && !tgt.Flags.Has(Local) &&
		!src.Flags.Has(LocalAccessAllowed) && !tgt.Flags.Has(LocalSandboxExempt) {
		return false
	}
	return true
}

// IsNavigationPermitted 判断来源是否可以加载目标
//
// 空目标与空来源总是放行；同源总是放行。被矩阵拒绝的本地目标可由 LocalGrant 单独授权；
// 带用户手势的主框架导航可以从本地内容离开到非本地目标。
func (p *Policy) IsNavigationPermitted(source Origin, target *url.URL, isMainFrame, hasUserGesture bool) Decision {
	if target == nil || target.String() == "" {
		return Allowed
	}
	if source.IsZero() {
		return Allowed
	}
	if source.SameAs(OriginOf(target, p.table)) {
		return Allowed
	}
	if p.IsCrossOriginAccessPermitted(source.Scheme, target.Scheme) {
		return Allowed
	}
	if _, overridden := p.table.Override(source.Scheme, target.Scheme); overridden {
		return Denied
	}
	tgt, _ := p.table.Lookup(target.Scheme)
	if tgt.Flags.Has(Local) {
		if p.grant != nil && p.grant.CanReadLocal(source, target) {
			return Allowed
		}
		return Denied
	}
	if isMainFrame && hasUserGesture {
		return Allowed
	}
	return Denied
}
