// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"unicode/utf8"
)

const logFileName = "server.log"

type Config struct {
	DataDir string
	DevMode bool
	Level   slog.Level
}

// Init installs the default logger. Dev mode logs human-readable text at
// debug level to stderr; otherwise JSON goes to stderr and to
// <DataDir>/server.log. The returned closer releases the log file.
func Init(cfg Config) (io.Closer, error) {
	if cfg.DevMode {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		slog.SetDefault(slog.New(h))
		return nopCloser{}, nil
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level})
	slog.SetDefault(slog.New(h))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// LogPanic logs a recovered panic value together with the stack.
func LogPanic(r any, msg string) {
	slog.Error(msg, "panic", r, "stack", string(debug.Stack()))
}
