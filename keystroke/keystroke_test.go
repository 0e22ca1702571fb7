package keystroke

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/agent/agenttest"
	"github.com/claudego/server/content"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func question(index, setSize int, multi bool, res interaction.Resolution) interaction.Unit {
	return interaction.Unit{
		ID:      content.QuestionID("toolu_k", index),
		Kind:    interaction.KindQuestion,
		SetID:   "toolu_k",
		Index:   index,
		SetSize: setSize,
		Question: &content.Question{
			Text:        "Pick a color?",
			Options:     []content.Option{{Label: "Red"}, {Label: "Blue"}, {Label: "Green"}},
			MultiSelect: multi,
		},
		Answered:   true,
		Resolution: &res,
	}
}

func plan(res interaction.Resolution) interaction.Unit {
	return interaction.Unit{ID: "plan-toolu_p", Kind: interaction.KindPlan, SetSize: 1, Plan: &content.Plan{Text: "p"}, Answered: true, Resolution: &res}
}

func names(keys agent.Keys) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func TestSequence(t *testing.T) {
	km := DefaultKeyMap()
	tests := []struct {
		name string
		unit interaction.Unit
		want []string
	}{
		{"first option", question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOption, Option: 0}), []string{"Enter"}},
		{"third option", question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOption, Option: 2}), []string{"Down", "Down", "Enter"}},
		{"multi select", question(0, 1, true, interaction.Resolution{Kind: interaction.ResolveOptions, Options: []int{0, 2}}),
			[]string{"Space", "Down", "Down", "Space", "Enter"}},
		{"other text", question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOther, Text: "Teal"}),
			[]string{"Down", "Down", "Down", "'Teal'", "Enter"}},
		{"first of two", question(0, 2, false, interaction.Resolution{Kind: interaction.ResolveOption, Option: 1}), []string{"Down", "Enter"}},
		{"last of two adds review", question(1, 2, false, interaction.Resolution{Kind: interaction.ResolveOption, Option: 1}), []string{"Down", "Enter", "Enter"}},
		{"plan approve", plan(interaction.Resolution{Kind: interaction.ResolveApprove}), []string{"Enter"}},
		{"plan reject", plan(interaction.Resolution{Kind: interaction.ResolveReject}), []string{"Escape"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := Sequence(tt.unit, km)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(keys))
		})
	}
}

func TestSequence_Unresolved(t *testing.T) {
	u := question(0, 1, false, interaction.Resolution{})
	u.Resolution = nil
	_, err := Sequence(u, DefaultKeyMap())
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestSequence_NoReviewKey(t *testing.T) {
	km := DefaultKeyMap()
	km.ReviewConfirm = ""
	keys, err := Sequence(question(1, 2, false, interaction.Resolution{Kind: interaction.ResolveOption}), km)
	require.NoError(t, err)
	assert.Equal(t, []string{"Enter"}, names(keys))
}

func TestKeyMap_Validate(t *testing.T) {
	require.NoError(t, DefaultKeyMap().Validate())
	km := DefaultKeyMap()
	km.Toggle = ""
	assert.Error(t, km.Validate())
}

func TestDetector(t *testing.T) {
	d, err := NewDetector(DefaultSentinels)
	require.NoError(t, err)

	q := question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOption})
	q.Question.Text = "Which database should the service use for persistent session storage?"

	prompt := "  Which database should the service use for\n  persistent session storage?\n ❯ 1. Postgres\n   2. SQLite\n Enter to select · ↑/↓ to navigate"
	assert.True(t, d.Outstanding(prompt, q))

	other := "  Which port?\n ❯ 1. 8080\n Enter to select"
	assert.False(t, d.Outstanding(other, q), "next question shows the sentinel with different text")
	assert.False(t, d.Outstanding("> ", q))

	p := plan(interaction.Resolution{Kind: interaction.ResolveApprove})
	assert.True(t, d.Outstanding("Would you like to proceed?\n ❯ 1. Yes", p))
	assert.False(t, d.Outstanding("● Plan approved", p))

	s, ok := d.Sentinel("xx Enter to select yy")
	assert.True(t, ok)
	assert.Equal(t, "Enter to select", s)

	_, err = NewDetector([]string{"("})
	assert.Error(t, err)
	_, err = NewDetector(nil)
	assert.Error(t, err)
}

func newTranslator(t *testing.T, term agent.Terminal) *Translator {
	t.Helper()
	tr, err := New(term, Options{PollInterval: time.Millisecond, PollAttempts: 5})
	require.NoError(t, err)
	return tr
}

func TestTranslator_Dispatch(t *testing.T) {
	term := agenttest.New()
	term.SetScreen("claude-s1", "Pick a color?\n Enter to select")
	tr := newTranslator(t, term)

	u := question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOption, Option: 1})
	require.NoError(t, tr.Dispatch(context.Background(), "claude-s1", u))

	writes := term.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "claude-s1", writes[0].Target)
	assert.Equal(t, []string{"Down", "Enter"}, names(writes[0].Keys))
	assert.Equal(t, 1, term.Captures())
}

// The prompt never clears: the keys are written once and the caller gets
// ErrDeliveryTimeout after the bounded poll.
func TestTranslator_PromptStillShowing(t *testing.T) {
	term := agenttest.New()
	term.Sticky(true)
	term.SetScreen("claude-s1", "Pick a color?\n Enter to select")
	tr := newTranslator(t, term)

	u := question(0, 1, false, interaction.Resolution{Kind: interaction.ResolveOption})
	err := tr.Dispatch(context.Background(), "claude-s1", u)
	assert.ErrorIs(t, err, errdefs.ErrDeliveryTimeout)
	assert.Len(t, term.Writes(), 1)
	assert.Equal(t, 5, term.Captures())
}

func TestTranslator_SendFailure(t *testing.T) {
	term := agenttest.New()
	term.FailSends(errors.New("pane gone"))
	tr := newTranslator(t, term)

	err := tr.Dispatch(context.Background(), "claude-s1", plan(interaction.Resolution{Kind: interaction.ResolveApprove}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errdefs.ErrDeliveryTimeout)
	assert.Equal(t, 0, term.Captures())
}

func TestTranslator_ContextCancelled(t *testing.T) {
	term := agenttest.New()
	term.Sticky(true)
	term.SetScreen("claude-s1", "Would you like to proceed?")
	tr, err := New(term, Options{PollInterval: time.Hour, PollAttempts: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Dispatch(ctx, "claude-s1", plan(interaction.Resolution{Kind: interaction.ResolveApprove}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, term.Writes(), 1)
}

func TestTranslator_SendText(t *testing.T) {
	term := agenttest.New()
	tr := newTranslator(t, term)

	require.NoError(t, tr.SendText(context.Background(), "claude-s1", "hello"))
	writes := term.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, agent.Keys{agent.Literal("hello"), agent.Named("Enter")}, writes[0].Keys)
}

func TestTranslator_PromptVisible(t *testing.T) {
	term := agenttest.New()
	tr := newTranslator(t, term)

	visible, err := tr.PromptVisible(context.Background(), "claude-s1")
	require.NoError(t, err)
	assert.False(t, visible)

	term.SetScreen("claude-s1", "Enter to select")
	visible, err = tr.PromptVisible(context.Background(), "claude-s1")
	require.NoError(t, err)
	assert.True(t, visible)
}
