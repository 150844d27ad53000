package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// FileOptions 滚动日志文件配置
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options 日志构造选项
type Options struct {
	Level   string
	Writers []string // console / file
	File    FileOptions
	Console io.Writer // 为空时使用 os.Stdout
}

type zlogger struct {
	z zerolog.Logger
}

// New 根据配置创建 zerolog 日志实例
func New(opts Options) (Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = lv
	}

	writers := make([]io.Writer, 0, len(opts.Writers))
	for _, w := range opts.Writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			out := opts.Console
			if out == nil {
				out = os.Stdout
			}
			writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime})
		case "file":
			if opts.File.Path == "" {
				return nil, fmt.Errorf("log writer %q requires a file path", w)
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File.Path,
				MaxSize:    opts.File.MaxSizeMB,
				MaxBackups: opts.File.MaxBackups,
				MaxAge:     opts.File.MaxAgeDays,
				Compress:   opts.File.Compress,
			})
		case "":
		default:
			return nil, fmt.Errorf("unknown log writer %q", w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime})
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlogger{z: z}, nil
}

// FromZerolog 包装已有的 zerolog 实例
func FromZerolog(z zerolog.Logger) Logger {
	return &zlogger{z: z}
}

// NewNop 创建丢弃所有输出的日志实例
func NewNop() Logger {
	return &zlogger{z: zerolog.Nop()}
}

func (l *zlogger) Debug(msg string, kv ...any) { l.z.Debug().Fields(kv).Msg(msg) }
func (l *zlogger) Info(msg string, kv ...any)  { l.z.Info().Fields(kv).Msg(msg) }
func (l *zlogger) Warn(msg string, kv ...any)  { l.z.Warn().Fields(kv).Msg(msg) }
func (l *zlogger) Error(msg string, kv ...any) { l.z.Error().Fields(kv).Msg(msg) }

func (l *zlogger) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(kv).Msg(msg)
}

// With 返回附带固定字段的子日志实例
func (l *zlogger) With(kv ...any) Logger {
	return &zlogger{z: l.z.With().Fields(kv).Logger()}
}
