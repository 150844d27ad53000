// Package rulespec 声明式拦截规则
package rulespec

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"netgate/pkg/model"
)

type RuleMode string

const (
	ModeShortCircuit RuleMode = "short_circuit"
	ModeAggregate    RuleMode = "aggregate"
)

type ConditionType string

const (
	ConditionURL       ConditionType = "url"
	ConditionMethod    ConditionType = "method"
	ConditionHeader    ConditionType = "header"
	ConditionQuery     ConditionType = "query"
	ConditionCookie    ConditionType = "cookie"
	ConditionText      ConditionType = "text"
	ConditionJSON      ConditionType = "json"
	ConditionPointer   ConditionType = "json_pointer"
	ConditionResource  ConditionType = "resource"
	ConditionInitiator ConditionType = "initiator"
)

type ConditionOp string

const (
	OpExists   ConditionOp = ""
	OpEquals   ConditionOp = "equals"
	OpContains ConditionOp = "contains"
	OpRegex    ConditionOp = "regex"
)

// Condition 单个匹配条件
//
// url 条件使用 Mode（glob/prefix/regex/exact）与 Pattern；
// method、resource 使用 Values；其余条件使用 Key/Path/Pointer 取值后按 Op 比较 Value。
type Condition struct {
	Type    ConditionType `json:"type" yaml:"type"`
	Mode    string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Pattern string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Values  []string      `json:"values,omitempty" yaml:"values,omitempty"`
	Key     string        `json:"key,omitempty" yaml:"key,omitempty"`
	Path    string        `json:"path,omitempty" yaml:"path,omitempty"`
	Pointer string        `json:"pointer,omitempty" yaml:"pointer,omitempty"`
	Op      ConditionOp   `json:"op,omitempty" yaml:"op,omitempty"`
	Value   string        `json:"value,omitempty" yaml:"value,omitempty"`
}

type Match struct {
	AllOf  []Condition `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	AnyOf  []Condition `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	NoneOf []Condition `json:"noneOf,omitempty" yaml:"noneOf,omitempty"`
}

// Rewrite 改写请求：URL 变化视为重定向，Headers 覆盖同名头部
type Rewrite struct {
	URL      *string           `json:"url,omitempty" yaml:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Referrer *string           `json:"referrer,omitempty" yaml:"referrer,omitempty"`
}

// Fail 阻止请求
type Fail struct {
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type Action struct {
	Rewrite *Rewrite `json:"rewrite,omitempty" yaml:"rewrite,omitempty"`
	Fail    *Fail    `json:"fail,omitempty" yaml:"fail,omitempty"`
}

type Rule struct {
	ID       model.RuleID `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name"`
	Priority int          `json:"priority" yaml:"priority"`
	Mode     RuleMode     `json:"mode" yaml:"mode"`
	Match    Match        `json:"match" yaml:"match"`
	Action   Action       `json:"action" yaml:"action"`
}

type RuleSet struct {
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// Validate 检查规则集
func (rs RuleSet) Validate() error {
	seen := make(map[model.RuleID]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		switch r.Mode {
		case "", ModeShortCircuit, ModeAggregate:
		default:
			return fmt.Errorf("rule %s: unknown mode %q", r.ID, r.Mode)
		}
		if r.Action.Rewrite == nil && r.Action.Fail == nil {
			return fmt.Errorf("rule %s: %w", r.ID, ErrEmptyAction)
		}
	}
	return nil
}

// ErrEmptyAction 规则没有任何动作
var ErrEmptyAction = errors.New("rule has no action")

// Parse 解析 YAML（JSON 亦可）规则集
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadFile 从文件加载规则集
func LoadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}
