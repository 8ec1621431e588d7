package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures the options applied when the global logger is configured.
type Config struct {
	Level   string    // optional log level ("debug", "info", "warn", "error")
	Output  io.Writer // optional writer (defaults to stderr, console formatted)
	Service string    // optional service name attached to every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global zerolog logger exactly once. Later calls
// are no-ops, so packages can safely call through the package-level helpers
// before main has run Configure with the real settings.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		}

		service := cfg.Service
		if service == "" {
			service = "streamfox"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// SetLevel adjusts the global level after configuration, e.g. when a debug
// flag is parsed after the first log line has already been emitted.
func SetLevel(level string) {
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(parsed)
	}
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger for call sites that want to attach
// structured fields directly.
func Base() zerolog.Logger {
	return logger()
}

// Debug logs debug level messages (package-level)
func Debug(format string, v ...any) {
	l := logger()
	l.Debug().Msgf(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...any) {
	l := logger()
	l.Info().Msgf(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...any) {
	l := logger()
	l.Warn().Msgf(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...any) {
	l := logger()
	l.Error().Msgf(format, v...)
}
