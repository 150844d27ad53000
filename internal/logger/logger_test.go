package logger

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Writers: []string{"console"}, Console: &buf})
	require.NoError(t, err)

	l.With("requestID", "r1").Info("请求被阻止", "url", "https://example.com/")
	l.Err(errors.New("boom"), "transport failed")

	out := buf.String()
	assert.Contains(t, out, "请求被阻止")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "transport failed")
	assert.Contains(t, out, "boom")
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Writers: []string{"console"}, Console: &buf})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netgate.log")
	l, err := New(Options{Writers: []string{"file"}, File: FileOptions{Path: path, MaxSizeMB: 1}})
	require.NoError(t, err)
	l.Info("hello")
	assert.FileExists(t, path)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Writers: []string{"syslog"}})
	assert.Error(t, err)

	_, err = New(Options{Writers: []string{"file"}})
	assert.Error(t, err)
}

func TestNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.With("a", 1).Error("x", "k", "v")
}
