package agent

import (
	"context"
	"strings"
)

// Key is one item of an input sequence: either a named key understood by
// the terminal (Enter, Down, Space, Escape) or literal text.
type Key struct {
	Name    string `json:"name,omitempty"`
	Literal string `json:"literal,omitempty"`
}

// Named returns a named key.
func Named(name string) Key {
	return Key{Name: name}
}

// Literal returns a key that types text verbatim.
func Literal(text string) Key {
	return Key{Literal: text}
}

func (k Key) String() string {
	if k.Name != "" {
		return k.Name
	}
	return "'" + k.Literal + "'"
}

// Keys is an ordered input sequence.
type Keys []Key

func (ks Keys) String() string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = k.String()
	}
	return strings.Join(parts, " ")
}

// Terminal is the input and rendered output of running agent processes,
// addressed by target name.
type Terminal interface {
	// SendKeys writes keys to the target's input in order.
	SendKeys(ctx context.Context, target string, keys Keys) error

	// Capture returns the currently rendered screen of the target.
	Capture(ctx context.Context, target string) (string, error)

	// Alive reports whether the target process still exists.
	Alive(ctx context.Context, target string) (bool, error)
}
