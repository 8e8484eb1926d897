package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coldbell/clmm/backend/internal/config"
)

// New builds the service logger. The returned close function flushes the
// logger and closes the rotating file, if any.
func New(serviceName string, cfg config.LogConfig) (*zap.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	sink, closeSink, err := openSink(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := zap.New(
		zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).With(zap.String("service", serviceName))

	closeFn := func() error {
		_ = logger.Sync()
		return closeSink()
	}
	return logger, closeFn, nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig), nil
	case "json":
		return zapcore.NewJSONEncoder(encoderConfig), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

func openSink(serviceName string, cfg config.LogConfig) (zapcore.WriteSyncer, func() error, error) {
	noop := func() error { return nil }
	output := strings.ToLower(strings.TrimSpace(cfg.Output))

	switch output {
	case "", "console":
		return zapcore.Lock(os.Stdout), noop, nil
	case "file", "both":
		rotator, err := newRotator(serviceName, cfg)
		if err != nil {
			return nil, nil, err
		}
		file := zapcore.AddSync(rotator)
		if output == "file" {
			return file, rotator.Close, nil
		}
		return zapcore.NewMultiWriteSyncer(zapcore.Lock(os.Stdout), file), rotator.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

func newRotator(serviceName string, cfg config.LogConfig) (*lumberjack.Logger, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		path = filepath.Join(".docker", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
