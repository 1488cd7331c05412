package cmd

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"usbloopback/config"
)

const logFileName = "usbloopback.log"

// parseLevel maps a config level name to a slog level, defaulting to info
func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.LoggingConfig, debug bool, stdout io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler

	if cfg.BasePath != "" {
		if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
			log.Printf("Warning: failed to create log directory: %v", err)
			handler = slog.NewTextHandler(stdout, opts)
		} else {
			writer := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.BasePath, logFileName),
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				Compress:   cfg.Compress,
			}
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		handler = slog.NewTextHandler(stdout, opts)
	}

	return slog.New(handler)
}
