package agent

import (
	"context"
	"log/slog"
)

// LogTerminal records input sequences in the log instead of writing them
// anywhere. It never shows a prompt, so every dispatch reconciles on the
// first poll. Used in development without tmux.
type LogTerminal struct {
	log *slog.Logger
}

// NewLogTerminal returns a LogTerminal writing to log.
func NewLogTerminal(log *slog.Logger) *LogTerminal {
	return &LogTerminal{log: log}
}

func (t *LogTerminal) SendKeys(ctx context.Context, target string, keys Keys) error {
	t.log.InfoContext(ctx, "keys", "target", target, "keys", keys.String())
	return nil
}

func (t *LogTerminal) Capture(ctx context.Context, target string) (string, error) {
	return "", nil
}

func (t *LogTerminal) Alive(ctx context.Context, target string) (bool, error) {
	return true, nil
}
