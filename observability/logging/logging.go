package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes where and how much the service logs. The zero value writes INFO
// JSON lines to stdout.
type Options struct {
	Level string `yaml:"level"`
	// File enables size based rotation into the named file in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	// Output overrides stdout, mainly for tests.
	Output io.Writer `yaml:"-"`
}

// ParseLevel maps a level name onto slog levels, defaulting to INFO.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided. The dev environment
// gets a colourised console handler instead.
func Setup(service, env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if file := strings.TrimSpace(opts.File); file != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			MaxAge:     positiveOr(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}
	level := ParseLevel(opts.Level)
	env = strings.TrimSpace(env)

	var handler slog.Handler
	if strings.EqualFold(env, "dev") {
		handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if len(groups) > 0 {
					return attr
				}
				switch attr.Key {
				case slog.TimeKey:
					return slog.Attr{Key: "timestamp", Value: attr.Value}
				case slog.LevelKey:
					return slog.String("severity", strings.ToUpper(attr.Value.String()))
				case slog.MessageKey:
					return slog.Attr{Key: "message", Value: attr.Value}
				}
				return attr
			},
		})
	}

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	handler = handler.WithAttrs(attrs)

	base := slog.New(handler)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
