package keystroke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultPollAttempts = 10
)

// Options configures a Translator.
type Options struct {
	Keys         KeyMap
	Sentinels    []string
	PollInterval time.Duration
	PollAttempts int
}

// Translator writes resolutions to agent terminals and reconciles the
// result against the rendered prompt.
type Translator struct {
	term     agent.Terminal
	keys     KeyMap
	detector *Detector
	interval time.Duration
	attempts int

	// Writes and polls to one target are serialized so that the keys of
	// two resolutions never interleave in the same prompt.
	targetsMu sync.Mutex
	targets   map[string]*sync.Mutex
}

// New returns a Translator over term. Zero options take defaults.
func New(term agent.Terminal, opts Options) (*Translator, error) {
	if opts.Keys == (KeyMap{}) {
		opts.Keys = DefaultKeyMap()
	}
	if err := opts.Keys.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Sentinels) == 0 {
		opts.Sentinels = DefaultSentinels
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}

	detector, err := NewDetector(opts.Sentinels)
	if err != nil {
		return nil, err
	}
	return &Translator{
		term:     term,
		keys:     opts.Keys,
		detector: detector,
		interval: opts.PollInterval,
		attempts: opts.PollAttempts,
		targets:  make(map[string]*sync.Mutex),
	}, nil
}

func (t *Translator) lock(target string) func() {
	t.targetsMu.Lock()
	mu, ok := t.targets[target]
	if !ok {
		mu = &sync.Mutex{}
		t.targets[target] = mu
	}
	t.targetsMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Forget drops per-target state once a target is gone.
func (t *Translator) Forget(target string) {
	t.targetsMu.Lock()
	delete(t.targets, target)
	t.targetsMu.Unlock()
}

// Dispatch writes the keys for u's resolution to target exactly once and
// then polls until the prompt disappears. If it is still shown after the
// bounded number of polls, ErrDeliveryTimeout is returned; the write is
// never repeated.
func (t *Translator) Dispatch(ctx context.Context, target string, u interaction.Unit) error {
	keys, err := Sequence(u, t.keys)
	if err != nil {
		return err
	}

	unlock := t.lock(target)
	defer unlock()

	log := slog.With("target", target, "unitId", u.ID)
	if err := t.term.SendKeys(ctx, target, keys); err != nil {
		return fmt.Errorf("send keys for %s: %w", u.ID, err)
	}
	log.Debug("keys dispatched", "keys", keys.String())

	return t.reconcile(ctx, log, target, u)
}

func (t *Translator) reconcile(ctx context.Context, log *slog.Logger, target string, u interaction.Unit) error {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= t.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		screen, err := t.term.Capture(ctx, target)
		if err != nil {
			log.Warn("capture failed", "attempt", attempt, "error", err)
		} else if !t.detector.Outstanding(screen, u) {
			log.Debug("prompt consumed", "attempts", attempt)
			return nil
		}
		timer.Reset(t.interval)
	}

	log.Warn("prompt still outstanding after dispatch", "attempts", t.attempts)
	return fmt.Errorf("%w: %s still shows the prompt for %s after %d polls",
		errdefs.ErrDeliveryTimeout, target, u.ID, t.attempts)
}

// SendText types free text followed by the confirm key.
func (t *Translator) SendText(ctx context.Context, target, text string) error {
	unlock := t.lock(target)
	defer unlock()

	keys := agent.Keys{agent.Literal(text), agent.Named(t.keys.Confirm)}
	if err := t.term.SendKeys(ctx, target, keys); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// PromptVisible reports whether target currently shows any selection
// prompt.
func (t *Translator) PromptVisible(ctx context.Context, target string) (bool, error) {
	screen, err := t.term.Capture(ctx, target)
	if err != nil {
		return false, err
	}
	_, ok := t.detector.Sentinel(screen)
	return ok, nil
}
