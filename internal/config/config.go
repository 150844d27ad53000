// Package config 网关配置，YAML 格式
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"netgate/internal/logger"
	"netgate/internal/scheme"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite  SqliteConfig  `yaml:"sqlite"`
	Log     LogConfig     `yaml:"log"`
	Gateway GatewayConfig `yaml:"gateway"`
	Proxy   ListenConfig  `yaml:"proxy"`
	Admin   ListenConfig  `yaml:"admin"`
	CDP     CDPConfig     `yaml:"cdp"`
	Rules   RulesConfig   `yaml:"rules"`
}

// SqliteConfig 请求日志数据库
type SqliteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dsn     string `yaml:"dsn"`
	Prefix  string `yaml:"prefix"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string        `yaml:"level"`
	Writer []string      `yaml:"writer"`
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig 滚动日志文件
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// GatewayConfig 拦截网关
type GatewayConfig struct {
	Profile          string `yaml:"profile"`
	MaxRedirects     int    `yaml:"maxRedirects"`
	VerdictTimeoutMS int    `yaml:"verdictTimeoutMS"` // 0 表示不限
	// PreservePolicyRedirectMethod 拦截器重定向时保留方法与请求体（307），默认改为 GET（303）
	PreservePolicyRedirectMethod bool `yaml:"preservePolicyRedirectMethod"`
	// FileRoot file: 请求允许访问的根目录，为空时不限
	FileRoot    string `yaml:"fileRoot"`
	HTTPTimeout string `yaml:"httpTimeout"`
	// PolicyFile 非空时从该文件加载协议表，忽略 Policy
	PolicyFile string            `yaml:"policyFile"`
	Policy     scheme.PolicyData `yaml:"policy"`
}

// ListenConfig 监听地址
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CDPConfig DevTools 前端
type CDPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DevToolsURL      string `yaml:"devToolsURL"`
	Target           string `yaml:"target"`
	Concurrency      int64  `yaml:"concurrency"`
	ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
}

// RulesConfig 默认 profile 的规则文件
type RulesConfig struct {
	File string `yaml:"file"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Enabled: true,
			Dsn:     "netgate.sqlite3",
			Prefix:  "netgate_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console"},
			File: LogFileConfig{
				Path:       "logs/netgate.log",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
		Gateway: GatewayConfig{
			Profile:          "default",
			MaxRedirects:     20,
			VerdictTimeoutMS: 3000,
			HTTPTimeout:      "60s",
			Policy:           scheme.PolicyData{IncludeDefaults: true},
		},
		Proxy: ListenConfig{Enabled: true, Listen: "127.0.0.1:8080"},
		Admin: ListenConfig{Enabled: true, Listen: "127.0.0.1:9090"},
		CDP: CDPConfig{
			DevToolsURL:      "http://127.0.0.1:9222",
			Concurrency:      64,
			ProcessTimeoutMS: 3000,
		},
	}
}

// Load 在默认配置上叠加 YAML 文件并校验；path 为空时只返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.MaxRedirects < 0 {
		errs = append(errs, errors.New("gateway.maxRedirects must not be negative"))
	}
	if c.Gateway.VerdictTimeoutMS < 0 {
		errs = append(errs, errors.New("gateway.verdictTimeoutMS must not be negative"))
	}
	if c.Gateway.Profile == "" {
		errs = append(errs, errors.New("gateway.profile is required"))
	}
	if _, err := c.HTTPTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("gateway.httpTimeout: %w", err))
	}
	if c.Sqlite.Enabled && c.Sqlite.Dsn == "" {
		errs = append(errs, errors.New("sqlite.dsn is required when sqlite is enabled"))
	}
	if c.Proxy.Enabled && c.Proxy.Listen == "" {
		errs = append(errs, errors.New("proxy.listen is required"))
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		errs = append(errs, errors.New("admin.listen is required"))
	}
	if c.CDP.Enabled && c.CDP.DevToolsURL == "" {
		errs = append(errs, errors.New("cdp.devToolsURL is required"))
	}
	for _, w := range c.Log.Writer {
		if w == "file" && c.Log.File.Path == "" {
			errs = append(errs, errors.New("log.file.path is required for the file writer"))
		}
	}
	return errors.Join(errs...)
}

// VerdictTimeout 等待裁决的时限
func (c *Config) VerdictTimeout() time.Duration {
	return time.Duration(c.Gateway.VerdictTimeoutMS) * time.Millisecond
}

// HTTPTimeout net/http 传输层整体超时，空字符串表示不限
func (c *Config) HTTPTimeout() (time.Duration, error) {
	if c.Gateway.HTTPTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Gateway.HTTPTimeout)
}

// SchemeTable 构造协议表
func (c *Config) SchemeTable() (*scheme.Table, error) {
	if c.Gateway.PolicyFile != "" {
		return scheme.LoadFile(c.Gateway.PolicyFile)
	}
	return c.Gateway.Policy.Build()
}

// LoggerOptions 转换为日志构造参数
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:   c.Log.Level,
		Writers: c.Log.Writer,
		File: logger.FileOptions{
			Path:       c.Log.File.Path,
			MaxSizeMB:  c.Log.File.MaxSizeMB,
			MaxBackups: c.Log.File.MaxBackups,
			MaxAgeDays: c.Log.File.MaxAgeDays,
			Compress:   c.Log.File.Compress,
		},
	}
}
