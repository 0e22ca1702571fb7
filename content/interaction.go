package content

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claudego/server/errdefs"
)

// Option is a display-only choice of a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one question of a QuestionSet.
type Question struct {
	ID          string   `json:"id"`
	Header      string   `json:"header,omitempty"`
	Text        string   `json:"question"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// QuestionSet is derived from one AskUserQuestion tool use. Question order
// is fixed at creation.
type QuestionSet struct {
	ToolUseID string     `json:"tool_use_id"`
	Questions []Question `json:"questions"`
}

// Plan is derived from one ExitPlanMode tool use.
type Plan struct {
	ID        string `json:"id"`
	ToolUseID string `json:"tool_use_id"`
	Text      string `json:"plan"`
}

// QuestionID derives the id of the i-th question of a tool use.
func QuestionID(toolUseID string, i int) string {
	return fmt.Sprintf("%s-q%d", toolUseID, i)
}

// PlanID derives the id of the plan produced by a tool use.
func PlanID(toolUseID string) string {
	return "plan-" + toolUseID
}

type askUserQuestionInput struct {
	Questions []Question `json:"questions"`
}

type exitPlanModeInput struct {
	Plan string `json:"plan"`
}

// DeriveQuestionSet builds the QuestionSet of an AskUserQuestion tool use.
func DeriveQuestionSet(tu *ToolUse) (*QuestionSet, error) {
	if tu.Kind() != ToolAskUserQuestion {
		return nil, fmt.Errorf("%w: tool %q does not ask questions", errdefs.ErrInvalidArgument, tu.Name)
	}
	var in askUserQuestionInput
	if err := json.Unmarshal(tu.Input, &in); err != nil {
		return nil, fmt.Errorf("%w: AskUserQuestion %s: %v", errdefs.ErrInvalidArgument, tu.ID, err)
	}
	if len(in.Questions) == 0 {
		return nil, fmt.Errorf("%w: AskUserQuestion %s has no questions", errdefs.ErrInvalidArgument, tu.ID)
	}

	set := &QuestionSet{ToolUseID: tu.ID, Questions: make([]Question, len(in.Questions))}
	for i, q := range in.Questions {
		if len(q.Options) == 0 {
			return nil, fmt.Errorf("%w: question %d of %s has no options", errdefs.ErrInvalidArgument, i, tu.ID)
		}
		q.ID = QuestionID(tu.ID, i)
		set.Questions[i] = q
	}
	return set, nil
}

// DerivePlan builds the Plan of an ExitPlanMode tool use. A missing plan
// body is allowed; the prompt still needs a decision.
func DerivePlan(tu *ToolUse) (*Plan, error) {
	if tu.Kind() != ToolExitPlanMode {
		return nil, fmt.Errorf("%w: tool %q is not a plan", errdefs.ErrInvalidArgument, tu.Name)
	}
	var in exitPlanModeInput
	if len(tu.Input) > 0 {
		if err := json.Unmarshal(tu.Input, &in); err != nil {
			return nil, fmt.Errorf("%w: ExitPlanMode %s: %v", errdefs.ErrInvalidArgument, tu.ID, err)
		}
	}
	return &Plan{ID: PlanID(tu.ID), ToolUseID: tu.ID, Text: strings.TrimSpace(in.Plan)}, nil
}
