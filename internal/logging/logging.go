// Package logging builds the zap loggers used throughout planrun.
//
// Loggers write structured JSON (or console lines for local use) to
// stdout. When an OTLP logger provider is available the same records
// are teed to it through the otelzap bridge, so log search lines up
// with traces from the same run.
package logging

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const otelScopeName = "github.com/fyrsmithlabs/planrun"

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Format is json or console. Empty means json.
	Format string
}

// New builds the process logger.
// provider can be nil to disable OTEL log export.
func New(cfg Config, provider log.LoggerProvider) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	switch cfg.Format {
	case "", "json", "console":
	default:
		return nil, fmt.Errorf("invalid log format %q (expected json or console)", cfg.Format)
	}

	cores := make([]zapcore.Core, 0, 2)
	cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(os.Stdout), level))

	if provider != nil {
		cores = append(cores, otelzap.NewCore(otelScopeName,
			otelzap.WithLoggerProvider(provider),
		))
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger.With(zap.String("service", "planrun")), nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes any buffered log entries.
// Harmless stdout sync errors (EINVAL, ENOTTY on Linux) are swallowed
// so deferred Sync calls don't mask the real exit path.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// isStdoutSyncError checks if error is a harmless stdout/stderr sync error.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
