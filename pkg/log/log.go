package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// leveler is shared by every handler this package hands out, so the level
// can be changed after loggers have been captured by other packages.
var leveler = func() *slog.LevelVar {
	l := new(slog.LevelVar)
	l.Set(slog.LevelInfo)
	return l
}()

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(slog.New(newHandler(os.Stderr, false)))
}

func newHandler(w io.Writer, json bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: leveler}
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Set replaces the process logger output format.
func Set(w io.Writer, json bool) {
	defaultLogger.Store(slog.New(newHandler(w, json)))
}

func SetLevel(l slog.Level) { leveler.Set(l) }

// ParseLevel maps the cli level names onto slog levels. "trace" maps below
// debug so gated verbose paths still have a distinct level.
func ParseLevel(s string) (slog.Level, bool) {
	switch s {
	case "trace":
		return slog.LevelDebug - 4, true
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

func Logger() *slog.Logger { return defaultLogger.Load() }

func Debug(msg string, v ...any) { defaultLogger.Load().Debug(msg, v...) }
func Info(msg string, v ...any)  { defaultLogger.Load().Info(msg, v...) }
func Warn(msg string, v ...any)  { defaultLogger.Load().Warn(msg, v...) }
func Error(msg string, v ...any) { defaultLogger.Load().Error(msg, v...) }

func IsOutput(l slog.Level) bool {
	return defaultLogger.Load().Enabled(context.Background(), l)
}
