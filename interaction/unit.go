// Package interaction holds the per-session record of every question and
// plan, keyed by id, with monotonic answered state.
package interaction

import (
	"fmt"
	"slices"

	"github.com/claudego/server/content"
	"github.com/claudego/server/errdefs"
)

// Kind distinguishes the interaction unit variants.
type Kind string

const (
	KindQuestion Kind = "question"
	KindPlan     Kind = "plan"
)

// ResolutionKind tags the payload of a Resolution.
type ResolutionKind string

const (
	ResolveOption  ResolutionKind = "option"  // single-select index
	ResolveOptions ResolutionKind = "options" // multi-select index set
	ResolveOther   ResolutionKind = "other"   // free-text answer
	ResolveApprove ResolutionKind = "approve"
	ResolveReject  ResolutionKind = "reject"

	// ResolveExternal marks a unit the user answered in the agent's own
	// terminal. It is applied by Store.Settle and never dispatched.
	ResolveExternal ResolutionKind = "external"
)

// Resolution is the decision applied to a unit.
type Resolution struct {
	Kind    ResolutionKind `json:"kind"`
	Option  int            `json:"option,omitempty"`
	Options []int          `json:"options,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// Unit is a question or a plan. Seq is the session-wide arrival order used
// for FIFO selection against permission requests.
type Unit struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Seq   uint64 `json:"seq"`
	SetID string `json:"set_id"`

	// Index and SetSize place a question within its QuestionSet.
	Index   int `json:"index"`
	SetSize int `json:"set_size"`

	Question *content.Question `json:"question,omitempty"`
	Plan     *content.Plan     `json:"plan,omitempty"`

	Answered   bool        `json:"answered"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// LastInSet reports whether the unit is the final question of its set.
func (u Unit) LastInSet() bool {
	return u.Kind == KindQuestion && u.Index == u.SetSize-1
}

// QuestionUnits turns a QuestionSet into units. Seq values are assigned by
// the caller through next.
func QuestionUnits(set *content.QuestionSet, next func() uint64) []Unit {
	units := make([]Unit, len(set.Questions))
	for i := range set.Questions {
		q := set.Questions[i]
		units[i] = Unit{
			ID:       q.ID,
			Kind:     KindQuestion,
			Seq:      next(),
			SetID:    set.ToolUseID,
			Index:    i,
			SetSize:  len(set.Questions),
			Question: &q,
		}
	}
	return units
}

// PlanUnit turns a Plan into a unit.
func PlanUnit(plan *content.Plan, seq uint64) Unit {
	p := *plan
	return Unit{
		ID:      plan.ID,
		Kind:    KindPlan,
		Seq:     seq,
		SetID:   plan.ToolUseID,
		SetSize: 1,
		Plan:    &p,
	}
}

// Validate checks that res fits the unit. Multi-select indices are sorted
// and deduplicated in place.
func (u Unit) Validate(res *Resolution) error {
	switch u.Kind {
	case KindPlan:
		if res.Kind != ResolveApprove && res.Kind != ResolveReject {
			return fmt.Errorf("%w: plan %s accepts approve or reject, got %q", errdefs.ErrInvalidArgument, u.ID, res.Kind)
		}
		return nil
	case KindQuestion:
	default:
		return fmt.Errorf("%w: unit %s has unknown kind %q", errdefs.ErrInvalidArgument, u.ID, u.Kind)
	}

	n := len(u.Question.Options)
	switch res.Kind {
	case ResolveOption:
		if u.Question.MultiSelect {
			return fmt.Errorf("%w: question %s is multi-select; submit a selection", errdefs.ErrInvalidArgument, u.ID)
		}
		if res.Option < 0 || res.Option >= n {
			return fmt.Errorf("%w: option %d out of range [0,%d)", errdefs.ErrInvalidArgument, res.Option, n)
		}
	case ResolveOptions:
		if !u.Question.MultiSelect {
			return fmt.Errorf("%w: question %s is single-select", errdefs.ErrInvalidArgument, u.ID)
		}
		if len(res.Options) == 0 {
			return fmt.Errorf("%w: empty selection for question %s", errdefs.ErrInvalidArgument, u.ID)
		}
		slices.Sort(res.Options)
		res.Options = slices.Compact(res.Options)
		for _, i := range res.Options {
			if i < 0 || i >= n {
				return fmt.Errorf("%w: option %d out of range [0,%d)", errdefs.ErrInvalidArgument, i, n)
			}
		}
	case ResolveOther:
		if res.Text == "" {
			return fmt.Errorf("%w: empty answer for question %s", errdefs.ErrInvalidArgument, u.ID)
		}
	default:
		return fmt.Errorf("%w: question %s cannot be resolved with %q", errdefs.ErrInvalidArgument, u.ID, res.Kind)
	}
	return nil
}
