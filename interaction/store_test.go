package interaction

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/claudego/server/content"
	"github.com/claudego/server/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func questionSet(t *testing.T, toolUseID string, input string) *content.QuestionSet {
	t.Helper()
	set, err := content.DeriveQuestionSet(&content.ToolUse{ID: toolUseID, Name: "AskUserQuestion", Input: json.RawMessage(input)})
	require.NoError(t, err)
	return set
}

func twoQuestionStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	set := questionSet(t, "toolu_1", `{"questions":[
		{"question":"Q1","options":[{"label":"A"},{"label":"B"}]},
		{"question":"Q2","options":[{"label":"X"},{"label":"Y"}]}
	]}`)
	for _, u := range QuestionUnits(set, counter()) {
		require.NoError(t, s.Register(u))
	}
	return s
}

func ids(seq func(func(Unit) bool)) []string {
	var out []string
	for u := range seq {
		out = append(out, u.ID)
	}
	return out
}

func TestStore_Register_Duplicate(t *testing.T) {
	s := twoQuestionStore(t)

	err := s.Register(Unit{ID: "toolu_1-q0", Kind: KindQuestion})
	assert.ErrorIs(t, err, errdefs.ErrDuplicateID)
	assert.Equal(t, 2, s.Len())
}

func TestStore_Register_ResetsAnsweredState(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Register(Unit{ID: "plan-x", Kind: KindPlan, Answered: true}))

	u, ok := s.Get("plan-x")
	require.True(t, ok)
	assert.False(t, u.Answered)
}

func TestStore_ResolveAdvancesSet(t *testing.T) {
	s := twoQuestionStore(t)

	assert.Equal(t, []string{"toolu_1-q0", "toolu_1-q1"}, ids(s.Pending()))

	next, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption, Option: 0})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "toolu_1-q1", next.ID)

	q1, _ := s.Get("toolu_1-q0")
	q2, _ := s.Get("toolu_1-q1")
	assert.True(t, q1.Answered)
	assert.Equal(t, &Resolution{Kind: ResolveOption, Option: 0}, q1.Resolution)
	assert.False(t, q2.Answered)
	assert.Equal(t, []string{"toolu_1-q1"}, ids(s.Pending()))

	next, err = s.Resolve("toolu_1-q1", Resolution{Kind: ResolveOption, Option: 1})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Empty(t, ids(s.Pending()))
}

func TestStore_Resolve_Errors(t *testing.T) {
	s := twoQuestionStore(t)

	_, err := s.Resolve("missing", Resolution{Kind: ResolveOption})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = s.Resolve("toolu_1-q1", Resolution{Kind: ResolveOption})
	assert.ErrorIs(t, err, errdefs.ErrStaleActiveUnit, "second question before first")

	_, err = s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption, Option: 5})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	q1, _ := s.Get("toolu_1-q0")
	assert.False(t, q1.Answered, "rejected resolution must not mutate")

	_, err = s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption, Option: 1})
	require.NoError(t, err)

	_, err = s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption, Option: 0})
	assert.ErrorIs(t, err, errdefs.ErrAlreadyAnswered)

	q1, _ = s.Get("toolu_1-q0")
	assert.Equal(t, 1, q1.Resolution.Option, "first resolution is kept")
}

func TestStore_MultiSelect(t *testing.T) {
	s := NewStore()
	set := questionSet(t, "toolu_m", `{"questions":[
		{"question":"Which?","multiSelect":true,"options":[{"label":"Auth"},{"label":"API"},{"label":"DB"}]}
	]}`)
	for _, u := range QuestionUnits(set, counter()) {
		require.NoError(t, s.Register(u))
	}

	_, err := s.Resolve("toolu_m-q0", Resolution{Kind: ResolveOption, Option: 0})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = s.Resolve("toolu_m-q0", Resolution{Kind: ResolveOptions})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = s.Resolve("toolu_m-q0", Resolution{Kind: ResolveOptions, Options: []int{2, 0, 2}})
	require.NoError(t, err)

	u, _ := s.Get("toolu_m-q0")
	assert.Equal(t, []int{0, 2}, u.Resolution.Options)

	_, err = s.Resolve("toolu_m-q0", Resolution{Kind: ResolveOptions, Options: []int{1}})
	assert.ErrorIs(t, err, errdefs.ErrAlreadyAnswered)
}

func TestStore_Plan(t *testing.T) {
	s := NewStore()
	plan, err := content.DerivePlan(&content.ToolUse{ID: "toolu_p", Name: "ExitPlanMode", Input: json.RawMessage(`{"plan":"do it"}`)})
	require.NoError(t, err)
	require.NoError(t, s.Register(PlanUnit(plan, 1)))

	_, err = s.Resolve("plan-toolu_p", Resolution{Kind: ResolveOption})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	next, err := s.Resolve("plan-toolu_p", Resolution{Kind: ResolveReject})
	require.NoError(t, err)
	assert.Nil(t, next)

	u, _ := s.Get("plan-toolu_p")
	assert.True(t, u.Answered)
	assert.Equal(t, ResolveReject, u.Resolution.Kind)
}

func TestStore_Other(t *testing.T) {
	s := twoQuestionStore(t)

	_, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOther})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOther, Text: "Green"})
	require.NoError(t, err)
}

func TestStore_Settle(t *testing.T) {
	s := twoQuestionStore(t)
	require.NoError(t, s.Register(PlanUnit(&content.Plan{ID: "plan-toolu_2", ToolUseID: "toolu_2", Text: "p"}, 10)))

	_, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption, Option: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"toolu_1-q1"}, s.Settle("toolu_1"))
	assert.Equal(t, []string{"plan-toolu_2"}, ids(s.Pending()))

	q0, _ := s.Get("toolu_1-q0")
	assert.Equal(t, ResolveOption, q0.Resolution.Kind, "earlier answers are kept")
	q1, _ := s.Get("toolu_1-q1")
	assert.True(t, q1.Answered)
	assert.Equal(t, ResolveExternal, q1.Resolution.Kind)

	assert.Empty(t, s.Settle("toolu_1"))
	assert.Empty(t, s.Settle("unknown"))
}

func TestStore_Resolve_ExternalRejected(t *testing.T) {
	s := twoQuestionStore(t)

	_, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveExternal})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
	assert.Len(t, slices.Collect(s.Pending()), 2)
}

func TestStore_Pending_Restartable(t *testing.T) {
	s := twoQuestionStore(t)
	pending := s.Pending()

	assert.Equal(t, ids(pending), ids(pending))

	_, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption})
	require.NoError(t, err)
	assert.Equal(t, []string{"toolu_1-q1"}, ids(pending), "re-iteration reflects the latest state")
}

func TestStore_Monotonic(t *testing.T) {
	s := twoQuestionStore(t)
	_, err := s.Resolve("toolu_1-q0", Resolution{Kind: ResolveOption})
	require.NoError(t, err)

	attempts := []Resolution{
		{Kind: ResolveOption, Option: 1},
		{Kind: ResolveOther, Text: "x"},
		{Kind: ResolveApprove},
	}
	for _, res := range attempts {
		_, _ = s.Resolve("toolu_1-q0", res)
		u, _ := s.Get("toolu_1-q0")
		assert.True(t, u.Answered)
	}
	_ = s.Register(Unit{ID: "toolu_1-q0", Kind: KindQuestion})
	u, _ := s.Get("toolu_1-q0")
	assert.True(t, u.Answered, "re-registering must not reset state")
}

func TestQuestionUnits_Sequence(t *testing.T) {
	set := questionSet(t, "toolu_s", `{"questions":[
		{"question":"a","options":[{"label":"1"}]},
		{"question":"b","options":[{"label":"1"}]},
		{"question":"c","options":[{"label":"1"}]}
	]}`)
	units := QuestionUnits(set, counter())

	seqs := make([]uint64, len(units))
	for i, u := range units {
		seqs[i] = u.Seq
		assert.Equal(t, 3, u.SetSize)
		assert.Equal(t, i == 2, u.LastInSet())
	}
	assert.True(t, slices.IsSorted(seqs))
}
