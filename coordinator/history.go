package coordinator

import (
	"time"

	"github.com/claudego/server/content"
	"github.com/claudego/server/interaction"
	"github.com/claudego/server/permission"
)

// RecordType identifies a history record.
type RecordType string

const (
	RecordMessage    RecordType = "message"
	RecordResolution RecordType = "resolution"
	RecordPermission RecordType = "permission"
	RecordDecision   RecordType = "decision"
	RecordInput      RecordType = "input"
)

// Record is one line of a session's persisted history. Messages and
// resolutions are replayed when a session is attached again; permission
// records are kept for the audit trail only since their hooks are gone.
type Record struct {
	Type       RecordType              `json:"type"`
	At         time.Time               `json:"at"`
	Message    *content.Message        `json:"message,omitempty"`
	UnitID     string                  `json:"unit_id,omitempty"`
	Resolution *interaction.Resolution `json:"resolution,omitempty"`
	Request    *permission.Request     `json:"request,omitempty"`
	Text       string                  `json:"text,omitempty"`
}

func messageRecord(msg content.Message) Record {
	return Record{Type: RecordMessage, At: time.Now(), Message: &msg}
}

func resolutionRecord(u interaction.Unit) Record {
	return Record{Type: RecordResolution, At: time.Now(), UnitID: u.ID, Resolution: u.Resolution}
}

func permissionRecord(t RecordType, req permission.Request) Record {
	return Record{Type: t, At: time.Now(), Request: &req}
}

func inputRecord(text string) Record {
	return Record{Type: RecordInput, At: time.Now(), Text: text}
}
