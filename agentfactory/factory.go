// Package agentfactory creates a Terminal by backend type (used at server startup).
package agentfactory

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/agent/tmux"
)

var errUnknownBackend = errors.New("unknown backend type")

// New returns a Terminal for the given backend. Returns error if the backend is not supported.
func New(t agent.BackendType) (agent.Terminal, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", errUnknownBackend, t)
	}
	switch t {
	case agent.BackendTmux:
		return tmux.New(tmux.Options{}), nil
	case agent.BackendLog:
		return agent.NewLogTerminal(slog.Default().With("backend", "log")), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownBackend, t)
	}
}
