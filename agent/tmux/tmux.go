// Package tmux implements agent.Terminal on top of tmux sessions.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/claudego/server/agent"
)

// Binary is the tmux executable name.
const Binary = "tmux"

const defaultCaptureLines = 50

var (
	ErrNoServer          = errors.New("no tmux server running")
	ErrSessionNotFound   = errors.New("tmux session not found")
	ErrInvalidTargetName = errors.New("invalid tmux target")
)

var validTargetRe = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validateTarget(target string) error {
	if target == "" || !validTargetRe.MatchString(target) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidTargetName, target, validTargetRe.String())
	}
	return nil
}

// runner executes tmux with args and returns trimmed stdout.
type runner func(ctx context.Context, args ...string) (string, error)

// Tmux drives agent processes running in tmux sessions.
type Tmux struct {
	captureLines int
	run          runner
}

// Options configures a Tmux terminal.
type Options struct {
	// CaptureLines is how much scrollback Capture returns.
	CaptureLines int
}

// New returns a Tmux terminal using the tmux binary on PATH.
func New(opts Options) *Tmux {
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = defaultCaptureLines
	}
	return &Tmux{captureLines: opts.CaptureLines, run: execTmux}
}

// execTmux always passes -u so tmux uses UTF-8 regardless of locale.
func execTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, Binary, append([]string{"-u"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// SendKeys writes keys in order. Consecutive named keys share one
// send-keys call; literal text is sent with -l so tmux does not interpret
// words like "Enter" inside it.
func (t *Tmux) SendKeys(ctx context.Context, target string, keys agent.Keys) error {
	if err := validateTarget(target); err != nil {
		return err
	}

	var named []string
	flush := func() error {
		if len(named) == 0 {
			return nil
		}
		args := append([]string{"send-keys", "-t", target}, named...)
		named = named[:0]
		_, err := t.run(ctx, args...)
		return err
	}

	for _, k := range keys {
		if k.Name != "" {
			named = append(named, k.Name)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if _, err := t.run(ctx, "send-keys", "-t", target, "-l", k.Literal); err != nil {
			return err
		}
	}
	return flush()
}

// Capture returns the visible pane plus recent scrollback.
func (t *Tmux) Capture(ctx context.Context, target string) (string, error) {
	if err := validateTarget(target); err != nil {
		return "", err
	}
	return t.run(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", t.captureLines))
}

// Alive reports whether the tmux session exists.
func (t *Tmux) Alive(ctx context.Context, target string) (bool, error) {
	if err := validateTarget(target); err != nil {
		return false, err
	}
	_, err := t.run(ctx, "has-session", "-t", "="+target)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var _ agent.Terminal = (*Tmux)(nil)
