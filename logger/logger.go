// Package logger provides structured logging for imapsession.
//
// This package wraps Go's standard library slog. The connect machine and
// the response stream log through the global logger unless a component is
// handed its own *slog.Logger.
//
// # Initialization
//
// Initialize the logger once at program startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// # Usage
//
//	logger.Info("Connected", "host", host, "greeting", greeting.String())
//	logger.Debug("Command completed", "tag", tag, "frames", n)
//
// Supported levels are debug, info, warn and error. Output formats are
// json and console.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/migadu/imapsession/config"
)

var (
	// Global logger instance
	globalLogger *slog.Logger
)

// Initialize sets up the global logger based on configuration. When the
// output is a file, the opened file is returned so the caller can close it.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	var (
		logFile *os.File
		out     io.Writer
	)

	switch output := cfg.Output; output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			out = os.Stderr
		} else {
			logFile = f
			out = f
		}
	}

	globalLogger = New(out, cfg)
	slog.SetDefault(globalLogger)

	return logFile, nil
}

// New builds a logger writing to w with the format and level from cfg.
func New(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
