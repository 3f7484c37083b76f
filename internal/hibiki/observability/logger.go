// Package observability provides structured logging helpers for Hibiki.
//
// It wraps log/slog with trace ID propagation, optional rotating file output
// and a matching zerolog logger for libraries (mautrix) that log through
// zerolog, so every component writes to the same sinks at the same level.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bdobrica/Hibiki/common/trace"
)

const (
	maxLogSizeMB  = 20
	maxLogBackups = 5
	maxLogAgeDays = 14
)

// Options selects the log level ("debug", "info", "warn", "error"), the
// format ("json" or "text") and an optional file that receives a copy of
// every line, rotated by size.
type Options struct {
	Level  string
	Format string
	File   string
}

var (
	mu     sync.RWMutex
	output io.Writer = os.Stderr
	level            = slog.LevelInfo
)

// Setup configures the global slog logger. The returned closer flushes and
// closes the log file, if any; it is never nil.
func Setup(opts Options) (io.Closer, error) {
	lvl := ParseLevel(opts.Level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
		err    error
	)
	if path := strings.TrimSpace(opts.File); path != "" {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
			err = mkErr
		} else {
			file := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    maxLogSizeMB,
				MaxBackups: maxLogBackups,
				MaxAge:     maxLogAgeDays,
				Compress:   true,
			}
			out = io.MultiWriter(os.Stderr, file)
			closer = file
		}
	}

	mu.Lock()
	output = out
	level = lvl
	mu.Unlock()

	slog.SetDefault(slog.New(NewHandler(opts.Format, out, lvl)))
	return closer, err
}

// NewHandler builds a slog handler for format writing to out.
func NewHandler(format string, out io.Writer, lvl slog.Level) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.NewTextHandler(out, handlerOpts)
}

// ParseLevel maps a level name to a slog.Level; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// Zerolog returns a zerolog logger writing to the configured sinks at the
// configured level, tagged with component.
func Zerolog(component string) zerolog.Logger {
	mu.RLock()
	out, lvl := output, level
	mu.RUnlock()

	return zerolog.New(out).
		Level(zerologLevel(lvl)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l <= slog.LevelInfo:
		return zerolog.InfoLevel
	case l <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
