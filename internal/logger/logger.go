package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	mu    sync.RWMutex
	sugar = mustBuild("text", "stdout")
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
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

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(level string) {
	currentLevel.SetLevel(ParseLevel(level).zapLevel())
}

// GetLevel returns the level currently in effect.
func GetLevel() Level {
	switch currentLevel.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Configure rebuilds the underlying zap logger.
//
// format is "text" (console encoder) or "json"; output is "stdout", "stderr"
// or a file path. The level is shared with SetLevel.
func Configure(level, logFormat, logOutput string) error {
	if logFormat == "" {
		logFormat = "text"
	}
	if logOutput == "" {
		logOutput = "stdout"
	}

	l, err := build(logFormat, logOutput)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	SetLevel(level)

	mu.Lock()
	old := sugar
	sugar = l
	mu.Unlock()

	_ = old.Sync()
	return nil
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return sugar.Sync()
}

func build(logFormat, logOutput string) (*zap.SugaredLogger, error) {
	encoding := "console"
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	switch strings.ToLower(logFormat) {
	case "text":
	case "json":
		encoding = "json"
		encoderCfg.TimeKey = "timestamp"
		encoderCfg.LevelKey = "level"
		encoderCfg.MessageKey = "message"
		encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderCfg.EncodeDuration = zapcore.SecondsDurationEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}

	cfg := zap.Config{
		Level:             currentLevel,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{logOutput},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func mustBuild(logFormat, logOutput string) *zap.SugaredLogger {
	l, err := build(logFormat, logOutput)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}
