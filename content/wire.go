package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/claudego/server/errdefs"
)

// wireBlock is a content block as the agent writes it.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// wireMessage is the injection format: {"type","uuid","content","pending"}.
type wireMessage struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Pending   bool            `json:"pending,omitempty"`
	Content   json.RawMessage `json:"content"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// transcriptEntry is one line of the agent's JSONL transcript.
type transcriptEntry struct {
	Type      string    `json:"type"`
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseMessages decodes a batch of injected messages. Decoding stops at the
// first malformed item.
func ParseMessages(data json.RawMessage) ([]Message, error) {
	var raw []wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: messages: %v", errdefs.ErrInvalidArgument, err)
	}

	msgs := make([]Message, 0, len(raw))
	for i, w := range raw {
		blocks, err := parseBlocks(w.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msg := Message{
			UUID:    w.UUID,
			Role:    Role(w.Type),
			Pending: w.Pending,
			Content: blocks,
		}
		if w.Timestamp != nil {
			msg.Timestamp = *w.Timestamp
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ParseTranscriptLine decodes one transcript line. ok is false for entries
// that carry neither a visible message nor a tool result (summaries,
// system entries, thinking).
func ParseTranscriptLine(line []byte) (msg Message, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, false, nil
	}

	var e transcriptEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return Message{}, false, fmt.Errorf("%w: transcript line: %v", errdefs.ErrInvalidArgument, err)
	}
	if e.Type != string(RoleUser) && e.Type != string(RoleAssistant) {
		return Message{}, false, nil
	}

	blocks, err := parseBlocks(e.Message.Content)
	if err != nil {
		return Message{}, false, err
	}
	if len(blocks) == 0 {
		return Message{}, false, nil
	}

	role := Role(e.Message.Role)
	if role == "" {
		role = Role(e.Type)
	}
	return Message{
		UUID:      e.UUID,
		Role:      role,
		Content:   blocks,
		Timestamp: e.Timestamp,
	}, true, nil
}

// parseBlocks accepts either a plain string or an array of blocks. Block
// types other than text, tool_use and tool_result (thinking, images) are
// dropped. A tool_result keeps only its tool_use_id and error flag.
func parseBlocks(data json.RawMessage) ([]Block, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("%w: content: %v", errdefs.ErrInvalidArgument, err)
		}
		if text == "" {
			return nil, nil
		}
		return []Block{TextBlock(text)}, nil
	}

	var raw []wireBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: content: %v", errdefs.ErrInvalidArgument, err)
	}

	blocks := make([]Block, 0, len(raw))
	for _, b := range raw {
		switch BlockKind(b.Type) {
		case BlockText:
			if b.Text != "" {
				blocks = append(blocks, TextBlock(b.Text))
			}
		case BlockToolUse:
			blocks = append(blocks, ToolUseBlock(b.ID, b.Name, b.Input))
		case BlockToolResult:
			if b.ToolUseID != "" {
				blocks = append(blocks, ToolResultBlock(b.ToolUseID, b.IsError))
			}
		}
	}
	return blocks, nil
}
