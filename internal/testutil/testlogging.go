package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netgate/internal/logger"
)

// NewTestLogger 创建输出到 testing.T 的日志实例
func NewTestLogger(t testing.TB) logger.Logger {
	z := zerolog.New(zerolog.ConsoleWriter{Out: testWriter{t}, TimeFormat: time.RFC3339, NoColor: true}).
		Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return logger.FromZerolog(z)
}

type testWriter struct {
	t testing.TB
}

func (tw testWriter) Write(p []byte) (n int, err error) {
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
