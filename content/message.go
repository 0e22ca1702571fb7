// Package content models transcript messages and the interaction units
// embedded in them.
package content

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/claudego/server/errdefs"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// BlockKind tags the variant held by a Block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is a tagged union over the content block variants. Exactly one of
// Text, ToolUse or ToolResult is meaningful, selected by Kind.
type Block struct {
	Kind       BlockKind   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// ToolUseBlock returns a tool-use block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Kind: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultBlock returns a tool-result block.
func ToolResultBlock(toolUseID string, isError bool) Block {
	return Block{Kind: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, IsError: isError}}
}

// ToolKind is the closed set of tool names that produce interaction units.
type ToolKind int

const (
	ToolOther ToolKind = iota
	ToolAskUserQuestion
	ToolExitPlanMode
)

// ToolUse is a tool invocation carried by an assistant message.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`

	// Units lists the ids of interaction units derived from this block.
	// The units themselves live in the interaction store.
	Units []string `json:"units,omitempty"`
}

// ToolResult records that the agent finished a tool use. Only the
// reference is kept; the output itself is not part of the transcript.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Kind classifies the tool by name. Unknown names have no interaction semantics.
func (t *ToolUse) Kind() ToolKind {
	return KindOf(t.Name)
}

// KindOf classifies a tool name.
func KindOf(name string) ToolKind {
	switch name {
	case "AskUserQuestion":
		return ToolAskUserQuestion
	case "ExitPlanMode":
		return ToolExitPlanMode
	default:
		return ToolOther
	}
}

// Message is one transcript entry.
type Message struct {
	UUID      string    `json:"uuid"`
	Role      Role      `json:"role"`
	Pending   bool      `json:"pending,omitempty"`
	Content   []Block   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy so that callers may not alias the transcript arena.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]Block, len(m.Content))
	for i, b := range m.Content {
		out.Content[i] = b
		if b.ToolUse != nil {
			tu := *b.ToolUse
			tu.Units = append([]string(nil), b.ToolUse.Units...)
			out.Content[i].ToolUse = &tu
		}
		if b.ToolResult != nil {
			tr := *b.ToolResult
			out.Content[i].ToolResult = &tr
		}
	}
	return out
}

// ToolUses returns the tool-use blocks of the message in order.
func (m Message) ToolUses() []*ToolUse {
	var out []*ToolUse
	for _, b := range m.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			out = append(out, b.ToolUse)
		}
	}
	return out
}

// ToolResults returns the tool-result blocks of the message in order.
func (m Message) ToolResults() []*ToolResult {
	var out []*ToolResult
	for _, b := range m.Content {
		if b.Kind == BlockToolResult && b.ToolResult != nil {
			out = append(out, b.ToolResult)
		}
	}
	return out
}

// Validate checks the structural requirements of a message.
func (m Message) Validate() error {
	if m.UUID == "" {
		return fmt.Errorf("%w: message uuid required", errdefs.ErrInvalidArgument)
	}
	if !m.Role.valid() {
		return fmt.Errorf("%w: message %s has unknown role %q", errdefs.ErrInvalidArgument, m.UUID, m.Role)
	}
	seen := make(map[string]bool)
	for _, tu := range m.ToolUses() {
		if tu.ID == "" {
			return fmt.Errorf("%w: tool_use without id in message %s", errdefs.ErrInvalidArgument, m.UUID)
		}
		if seen[tu.ID] {
			return fmt.Errorf("%w: tool_use %s repeated in message %s", errdefs.ErrDuplicateID, tu.ID, m.UUID)
		}
		seen[tu.ID] = true
	}
	for _, tr := range m.ToolResults() {
		if tr.ToolUseID == "" {
			return fmt.Errorf("%w: tool_result without tool_use_id in message %s", errdefs.ErrInvalidArgument, m.UUID)
		}
	}
	return nil
}
