// Package logging provides structured logging for the sync core.
//
// Calls take a message plus optional context maps. Error takes the failure
// separately and always emits it under "error".
// Output is produced by zap; file output is rotated by lumberjack.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger built by NewWithOptions.
type Options struct {
	Level      LogLevel
	Format     string // "json" or "console"
	File       string // empty writes to stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured logging backed by zap.
type Logger struct {
	zl     *zap.Logger
	level  zap.AtomicLevel
	closer io.Closer
}

var (
	// global logger instance
	global atomic.Pointer[Logger]
	once   sync.Once
)

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.LevelKey = "level"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New creates a JSON logger writing to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	level := zap.NewAtomicLevelAt(minLevel.zapLevel())
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(out), level)
	return &Logger{zl: zap.New(core), level: level}
}

// NewWithOptions creates a logger from configuration. When File is set the
// output is rotated by size and age.
func NewWithOptions(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	var encoder zapcore.Encoder
	if opts.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	var sink zapcore.WriteSyncer
	var closer io.Closer
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		sink = zapcore.AddSync(lj)
		closer = lj
	} else {
		sink = zapcore.Lock(os.Stdout)
	}

	return &Logger{
		zl:     zap.New(zapcore.NewCore(encoder, sink, level)),
		level:  level,
		closer: closer,
	}
}

// NewFromCore wraps an existing zap core. Used by tests with zaptest/observer.
func NewFromCore(core zapcore.Core) *Logger {
	return &Logger{zl: zap.New(core), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// Init initializes the global logger once.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global.Store(New(out, minLevel))
	})
}

// SetGlobal replaces the global logger and returns the previous one.
func SetGlobal(l *Logger) *Logger {
	once.Do(func() {})
	return global.Swap(l)
}

// Get returns the global logger instance.
func Get() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	Init(os.Stdout, LevelInfo)
	return global.Load()
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Close flushes and releases the log file, if any.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// fields flattens context maps into zap fields in key order.
func fields(context []map[string]interface{}) []zap.Field {
	if len(context) == 0 {
		return nil
	}
	merged := context[0]
	if len(context) > 1 {
		merged = make(map[string]interface{})
		for _, c := range context {
			for k, v := range c {
				merged[k] = v
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	return out
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.zl.Debug(message, fields(context)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.zl.Info(message, fields(context)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.zl.Warn(message, fields(context)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	f := fields(context)
	if err != nil {
		f = append(f, zap.Error(err))
	}
	l.zl.Error(message, f...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	f := append(fields(context), zap.String("error_code", code))
	if err != nil {
		f = append(f, zap.Error(err))
	}
	l.zl.Error(message, f...)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
