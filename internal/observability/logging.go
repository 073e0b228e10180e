// Package observability provides the shared zap loggers for the CLI and
// the dashboard server.
//
// Logs go to stderr so that machine-readable command output on stdout
// stays clean.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It is initialized by
// InitCLILogger; before that it is a no-op logger so that library code
// can log unconditionally.
var CLILogger = zap.NewNop()

// ServerLogger is the logger used by the dashboard HTTP server.
var ServerLogger = zap.NewNop()

// InitCLILogger configures the process-wide loggers.
//
// version is attached to every entry for log correlation. verbose
// lowers the level to debug.
func InitCLILogger(version string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to the no-op logger rather than failing startup.
		return
	}

	CLILogger = logger.With(zap.String("version", version))
	ServerLogger = CLILogger.Named("server")
}

// Sync flushes buffered log entries. Best effort; stderr sync errors
// are expected on some platforms and ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
