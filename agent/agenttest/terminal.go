// Package agenttest provides an in-memory agent.Terminal for tests.
package agenttest

import (
	"context"
	"slices"
	"sync"

	"github.com/claudego/server/agent"
)

// Write is one recorded SendKeys call.
type Write struct {
	Target string
	Keys   agent.Keys
}

// Terminal records input and serves scripted screens.
type Terminal struct {
	mu       sync.Mutex
	writes   []Write
	screens  map[string]string
	dead     map[string]bool
	sendErr  error
	sticky   bool
	captures int
}

// New returns a terminal whose targets are alive and blank. By default a
// write clears the target's screen, as if the prompt consumed the keys.
func New() *Terminal {
	return &Terminal{
		screens: make(map[string]string),
		dead:    make(map[string]bool),
	}
}

// SetScreen sets what Capture returns for target.
func (t *Terminal) SetScreen(target, screen string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.screens[target] = screen
}

// Sticky keeps screens unchanged after writes, simulating a process that
// ignores its input.
func (t *Terminal) Sticky(sticky bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sticky = sticky
}

// FailSends makes every SendKeys return err.
func (t *Terminal) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Kill marks target as terminated.
func (t *Terminal) Kill(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead[target] = true
}

// Writes returns the recorded writes in order.
func (t *Terminal) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.writes)
}

// Captures returns how many times Capture was called.
func (t *Terminal) Captures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captures
}

func (t *Terminal) SendKeys(ctx context.Context, target string, keys agent.Keys) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.writes = append(t.writes, Write{Target: target, Keys: slices.Clone(keys)})
	if !t.sticky {
		delete(t.screens, target)
	}
	return nil
}

func (t *Terminal) Capture(ctx context.Context, target string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.captures++
	return t.screens[target], nil
}

func (t *Terminal) Alive(ctx context.Context, target string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead[target], nil
}

var _ agent.Terminal = (*Terminal)(nil)
