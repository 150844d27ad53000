package scheme

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchemeSpec 协议表配置项
type SchemeSpec struct {
	Name  string   `yaml:"name"`
	Flags []string `yaml:"flags"`
}

// OverrideSpec 显式访问规则配置项
type OverrideSpec struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Allow  bool   `yaml:"allow"`
}

// PolicyData 访问策略数据
type PolicyData struct {
	// IncludeDefaults 为真时先注册内置协议，配置中的同名协议视为重复注册
	IncludeDefaults bool           `yaml:"includeDefaults"`
	Schemes         []SchemeSpec   `yaml:"schemes"`
	Overrides       []OverrideSpec `yaml:"overrides"`
}

// Build 按策略数据构造并冻结协议表
func (d PolicyData) Build() (*Table, error) {
	r := NewRegistrar()
	if d.IncludeDefaults {
		for _, desc := range DefaultDescriptors() {
			if err := r.Register(desc.Name, desc.Flags); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range d.Schemes {
		var flags Flags
		for _, name := range s.Flags {
			f, err := ParseFlag(name)
			if err != nil {
				return nil, fmt.Errorf("scheme %q: %w", s.Name, err)
			}
			flags |= f
		}
		if err := r.Register(s.Name, flags); err != nil {
			return nil, err
		}
	}
	for _, o := range d.Overrides {
		if err := r.AddOverride(Override{Source: o.Source, Target: o.Target, Allow: o.Allow}); err != nil {
			return nil, err
		}
	}
	return r.Freeze(), nil
}

// LoadFile 从 YAML 文件加载访问策略数据
func LoadFile(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scheme policy: %w", err)
	}
	var data PolicyData
	if err := yaml.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse scheme policy: %w", err)
	}
	return data.Build()
}
