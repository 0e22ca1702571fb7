// Package keystroke turns resolutions into the input an agent's selection
// prompt expects and checks that the prompt consumed it.
package keystroke

import (
	"fmt"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
)

// KeyMap names the keys of the agent's selection prompts.
type KeyMap struct {
	Down    string `json:"down" yaml:"down" toml:"down"`
	Toggle  string `json:"toggle" yaml:"toggle" toml:"toggle"`
	Confirm string `json:"confirm" yaml:"confirm" toml:"confirm"`
	Reject  string `json:"reject" yaml:"reject" toml:"reject"`

	// ReviewConfirm is pressed after the last answer of a multi-question
	// set, where the prompt shows a review step. Empty disables it.
	ReviewConfirm string `json:"review_confirm" yaml:"review_confirm" toml:"review_confirm"`
}

// DefaultKeyMap matches the agent's interactive prompts.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Down:          "Down",
		Toggle:        "Space",
		Confirm:       "Enter",
		Reject:        "Escape",
		ReviewConfirm: "Enter",
	}
}

// Validate reports a missing required key.
func (km KeyMap) Validate() error {
	for name, v := range map[string]string{"down": km.Down, "toggle": km.Toggle, "confirm": km.Confirm, "reject": km.Reject} {
		if v == "" {
			return fmt.Errorf("keymap: %s key required", name)
		}
	}
	return nil
}

// Sequence computes the keys that apply u's resolution to its prompt. The
// prompt's cursor starts on the first option.
func Sequence(u interaction.Unit, km KeyMap) (agent.Keys, error) {
	res := u.Resolution
	if res == nil {
		return nil, fmt.Errorf("%w: unit %s has no resolution", errdefs.ErrInvalidArgument, u.ID)
	}

	var keys agent.Keys
	down := func(n int) {
		for range n {
			keys = append(keys, agent.Named(km.Down))
		}
	}

	switch res.Kind {
	case interaction.ResolveApprove:
		keys = append(keys, agent.Named(km.Confirm))
	case interaction.ResolveReject:
		keys = append(keys, agent.Named(km.Reject))
	case interaction.ResolveOption:
		down(res.Option)
		keys = append(keys, agent.Named(km.Confirm))
	case interaction.ResolveOptions:
		cursor := 0
		for _, idx := range res.Options {
			down(idx - cursor)
			keys = append(keys, agent.Named(km.Toggle))
			cursor = idx
		}
		keys = append(keys, agent.Named(km.Confirm))
	case interaction.ResolveOther:
		// The free-text row follows the listed options.
		down(len(u.Question.Options))
		keys = append(keys, agent.Literal(res.Text), agent.Named(km.Confirm))
	default:
		return nil, fmt.Errorf("%w: resolution kind %q", errdefs.ErrInvalidArgument, res.Kind)
	}

	if u.SetSize > 1 && u.LastInSet() && km.ReviewConfirm != "" {
		keys = append(keys, agent.Named(km.ReviewConfirm))
	}
	return keys, nil
}
