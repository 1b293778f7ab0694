package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，参数以键值对形式交替传入
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// Err 记录带 error 的错误日志
	Err(err error, msg string, kv ...any)
	// With 返回附带固定字段的子日志器
	With(kv ...any) Logger
}

// Options 日志选项
type Options struct {
	Level   string
	Writer  []string // console / file
	File    string
	MaxSize int // MB
	MaxAge  int // 天
	Backups int
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 基于 zerolog 创建日志器
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			writers = append(writers, newFileWriter(opts))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &zeroLogger{zl: zl}
}

// NewWithWriter 输出到指定 writer，主要用于测试
func NewWithWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lv = zerolog.DebugLevel
	}
	return &zeroLogger{zl: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

func newFileWriter(opts Options) io.Writer {
	file := opts.File
	if file == "" {
		file = filepath.Join("logs", "netlens.log")
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 50
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxAge:     opts.MaxAge,
		MaxBackups: opts.Backups,
		Compress:   true,
	}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.emit(l.zl.Debug(), msg, kv) }

func (l *zeroLogger) Info(msg string, kv ...any) { l.emit(l.zl.Info(), msg, kv) }

func (l *zeroLogger) Warn(msg string, kv ...any) { l.emit(l.zl.Warn(), msg, kv) }

func (l *zeroLogger) Error(msg string, kv ...any) { l.emit(l.zl.Error(), msg, kv) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.emit(l.zl.Error().Err(err), msg, kv)
}

func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(normalize(kv)).Logger()}
}

func (l *zeroLogger) emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	if len(kv) > 0 {
		ev = ev.Fields(normalize(kv))
	}
	ev.Msg(msg)
}

// normalize 保证键值对成对出现，奇数个参数时补一个占位值
func normalize(kv []any) []any {
	if len(kv)%2 == 0 {
		return kv
	}
	out := make([]any, 0, len(kv)+1)
	out = append(out, kv...)
	return append(out, "(MISSING)")
}

type nopLogger struct{}

// NewNop 返回丢弃所有输出的日志器
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)      {}
func (nopLogger) Info(string, ...any)       {}
func (nopLogger) Warn(string, ...any)       {}
func (nopLogger) Error(string, ...any)      {}
func (nopLogger) Err(error, string, ...any) {}
func (n nopLogger) With(...any) Logger      { return n }
