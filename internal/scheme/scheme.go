// Package scheme 维护 URL 协议的能力标记并据此做跨源访问判定
package scheme

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Flags 协议能力标记
type Flags uint16

const (
	Secure Flags = 1 << iota
	Local
	NoAccess
	LocalAccessAllowed
	CORSEnabled
	ServiceWorkersAllowed
	ViewSourceAllowed
	// LocalSandboxExempt 不受本地沙箱两条规则约束（data:、qrc: 一类）
	LocalSandboxExempt
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Secure, "secure"},
	{Local, "local"},
	{NoAccess, "no_access"},
	{LocalAccessAllowed, "local_access_allowed"},
	{CORSEnabled, "cors_enabled"},
	{ServiceWorkersAllowed, "service_workers_allowed"},
	{ViewSourceAllowed, "view_source_allowed"},
	{LocalSandboxExempt, "local_sandbox_exempt"},
}

// Has 是否包含全部指定标记
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseFlag 解析单个标记名称
func ParseFlag(name string) (Flags, error) {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "-", "_")))
	for _, fn := range flagNames {
		if fn.name == key {
			return fn.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown scheme flag %q", name)
}

// Descriptor 协议描述，注册后只读
type Descriptor struct {
	Name  string
	Flags Flags
}

var (
	// ErrSchemeRegistered 协议重复注册
	ErrSchemeRegistered = errors.New("scheme: already registered")
	// ErrRegistryFrozen 注册表已冻结
	ErrRegistryFrozen = errors.New("scheme: registry frozen")
)

// Override 对特定 (source, target) 组合的显式放行或拒绝，优先于通用矩阵
type Override struct {
	Source string
	Target string
	Allow  bool
}

// Registrar 进程启动阶段收集协议注册，Freeze 后得到只读 Table
type Registrar struct {
	mu        sync.Mutex
	schemes   map[string]Descriptor
	overrides map[[2]string]bool
	frozen    bool
}

// NewRegistrar 创建注册器
func NewRegistrar() *Registrar {
	return &Registrar{
		schemes:   make(map[string]Descriptor),
		overrides: make(map[[2]string]bool),
	}
}

// Register 注册协议，重复注册返回 ErrSchemeRegistered
func (r *Registrar) Register(name string, flags Flags) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("scheme: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.schemes[key]; ok {
		return fmt.Errorf("%w: %s", ErrSchemeRegistered, key)
	}
	r.schemes[key] = Descriptor{Name: key, Flags: flags}
	return nil
}

// AddOverride 添加 (source, target) 显式规则，后添加的覆盖先添加的
func (r *Registrar) AddOverride(o Override) error {
	src, tgt := normalize(o.Source), normalize(o.Target)
	if src == "" || tgt == "" {
		return fmt.Errorf("scheme: override requires source and target")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.overrides[[2]string{src, tgt}] = o.Allow
	return nil
}

// Freeze 冻结注册器并返回只读 Table，之后的注册均失败
func (r *Registrar) Freeze() *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	t := &Table{
		schemes:   make(map[string]Descriptor, len(r.schemes)),
		overrides: make(map[[2]string]bool, len(r.overrides)),
	}
	for k, v := range r.schemes {
		t.schemes[k] = v
	}
	for k, v := range r.overrides {
		t.overrides[k] = v
	}
	return t
}

// Table 只读协议表，可被多个上下文无锁并发读取
type Table struct {
	schemes   map[string]Descriptor
	overrides map[[2]string]bool
}

// Lookup 按名称查找（大小写不敏感），未注册的协议返回零标记
func (t *Table) Lookup(name string) (Descriptor, bool) {
	key := normalize(name)
	d, ok := t.schemes[key]
	if !ok {
		return Descriptor{Name: key}, false
	}
	return d, true
}

// Override 查找显式规则
func (t *Table) Override(source, target string) (allow bool, ok bool) {
	allow, ok = t.overrides[[2]string{normalize(source), normalize(target)}]
	return
}

// Names 已注册协议名称（排序）
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.schemes))
	for k := range t.schemes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), ":"))
}

// DefaultDescriptors 内置协议表
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Name: "http", Flags: CORSEnabled | ViewSourceAllowed},
		{Name: "https", Flags: Secure | CORSEnabled | ServiceWorkersAllowed | ViewSourceAllowed},
		{Name: "ws", Flags: CORSEnabled},
		{Name: "wss", Flags: Secure | CORSEnabled},
		{Name: "file", Flags: Local | ViewSourceAllowed},
		{Name: "qrc", Flags: Local | Secure | LocalSandboxExempt},
		{Name: "data", Flags: NoAccess | LocalSandboxExempt},
		{Name: "about", Flags: NoAccess},
		{Name: "blob", Flags: 0},
		{Name: "javascript", Flags: NoAccess},
	}
}

// NewDefaultTable 使用内置协议表构造并冻结
func NewDefaultTable() *Table {
	r := NewRegistrar()
	for _, d := range DefaultDescriptors() {
		_ = r.Register(d.Name, d.Flags)
	}
	return r.Freeze()
}
