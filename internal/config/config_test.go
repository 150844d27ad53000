package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netgate/internal/scheme"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Gateway.MaxRedirects)
	assert.Equal(t, 3*time.Second, cfg.VerdictTimeout())
	assert.True(t, cfg.Sqlite.Enabled)

	table, err := cfg.SchemeTable()
	require.NoError(t, err)
	_, ok := table.Lookup("https")
	assert.True(t, ok)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeFile(t, "netgate.yaml", `
log:
  level: debug
gateway:
  maxRedirects: 5
  verdictTimeoutMS: 0
  preservePolicyRedirectMethod: true
  policy:
    includeDefaults: true
    schemes:
      - name: app
        flags: [secure, cors_enabled]
    overrides:
      - source: app
        target: file
        allow: true
proxy:
  listen: ":3128"
cdp:
  enabled: true
rules:
  file: rules.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"console"}, cfg.Log.Writer)
	assert.Equal(t, 5, cfg.Gateway.MaxRedirects)
	assert.Zero(t, cfg.VerdictTimeout())
	assert.True(t, cfg.Gateway.PreservePolicyRedirectMethod)
	assert.Equal(t, ":3128", cfg.Proxy.Listen)
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.CDP.DevToolsURL)
	assert.Equal(t, "rules.yaml", cfg.Rules.File)

	table, err := cfg.SchemeTable()
	require.NoError(t, err)
	_, ok := table.Lookup("app")
	assert.True(t, ok)
	allow, ok := table.Override("app", "file")
	assert.True(t, ok)
	assert.True(t, allow)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
gateway:
  maxRedirects: -1
  profile: ""
  httpTimeout: soon
sqlite:
  dsn: ""
log:
  writer: [file]
  file:
    path: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{"maxRedirects", "gateway.profile", "httpTimeout", "sqlite.dsn", "log.file.path"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSchemeTableDuplicate(t *testing.T) {
	cfg := NewConfig()
	cfg.Gateway.Policy.Schemes = append(cfg.Gateway.Policy.Schemes, scheme.SchemeSpec{Name: "https"})
	_, err := cfg.SchemeTable()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoggerOptions(t *testing.T) {
	cfg := NewConfig()
	opts := cfg.LoggerOptions()
	assert.Equal(t, cfg.Log.Level, opts.Level)
	assert.Equal(t, cfg.Log.File.Path, opts.File.Path)
}
