// Package permission queues tool-permission requests and resolves them
// independently of the transcript.
package permission

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/claudego/server/errdefs"
)

// Decision is the outcome of a permission request.
type Decision string

const (
	Approve     Decision = "approve"
	Deny        Decision = "deny"
	AlwaysAllow Decision = "always_allow"

	// Cancelled marks a request withdrawn by its producer before anyone
	// decided it.
	Cancelled Decision = "cancelled"
)

// ParseDecision accepts the decision names used on the wire, including the
// allow/always_allow spelling of the hook protocol.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "approve", "allow":
		return Approve, nil
	case "deny":
		return Deny, nil
	case "always_allow", "always-allow", "always":
		return AlwaysAllow, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", errdefs.ErrInvalidArgument, s)
	}
}

// Allows reports whether the tool may run.
func (d Decision) Allows() bool {
	return d == Approve || d == AlwaysAllow
}

// Request is a tool-permission request.
type Request struct {
	ToolUseID  string          `json:"tool_use_id"`
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Seq        uint64          `json:"seq"`
	Resolved   bool            `json:"resolved"`
	Decision   Decision        `json:"decision,omitempty"`
}

// Rules is the standing-rule lookup consulted on enqueue.
type Rules interface {
	Allowed(toolName string) bool
	Allow(toolName string) error
}

// Channel holds one session's permission requests in arrival order.
//
// Channel is not safe for concurrent use; the session coordinator
// serializes access.
type Channel struct {
	requests []*Request
	byID     map[string]int
	rules    Rules
}

// NewChannel returns an empty channel using rules for always-allow
// decisions. A nil rules keeps rules in memory only.
func NewChannel(rules Rules) *Channel {
	if rules == nil {
		rules = NewMemoryRules()
	}
	return &Channel{byID: make(map[string]int), rules: rules}
}

// Enqueue appends req. A request matching a standing rule is recorded as
// already approved and never becomes pending; autoApproved reports that.
func (c *Channel) Enqueue(req Request) (autoApproved bool, err error) {
	if req.ToolUseID == "" {
		return false, fmt.Errorf("%w: tool_use_id required", errdefs.ErrInvalidArgument)
	}
	if _, exists := c.byID[req.ToolUseID]; exists {
		return false, fmt.Errorf("%w: permission request %s", errdefs.ErrDuplicateID, req.ToolUseID)
	}

	req.Resolved = false
	req.Decision = ""
	if c.rules.Allowed(req.ToolName) {
		req.Resolved = true
		req.Decision = Approve
		autoApproved = true
	}

	c.byID[req.ToolUseID] = len(c.requests)
	c.requests = append(c.requests, &req)
	return autoApproved, nil
}

// Resolve decides a pending request. AlwaysAllow additionally records a
// standing rule for the request's tool.
func (c *Channel) Resolve(toolUseID string, d Decision) (Request, error) {
	switch d {
	case Approve, Deny, AlwaysAllow:
	default:
		return Request{}, fmt.Errorf("%w: decision %q", errdefs.ErrInvalidArgument, d)
	}

	req, err := c.pending(toolUseID)
	if err != nil {
		return Request{}, err
	}

	if d == AlwaysAllow {
		if err := c.rules.Allow(req.ToolName); err != nil {
			return Request{}, fmt.Errorf("record standing rule for %s: %w", req.ToolName, err)
		}
	}

	req.Resolved = true
	req.Decision = d
	return *req, nil
}

// Withdraw cancels a pending request whose producer stopped waiting.
func (c *Channel) Withdraw(toolUseID string) (Request, error) {
	req, err := c.pending(toolUseID)
	if err != nil {
		return Request{}, err
	}
	req.Resolved = true
	req.Decision = Cancelled
	return *req, nil
}

func (c *Channel) pending(toolUseID string) (*Request, error) {
	i, ok := c.byID[toolUseID]
	if !ok || c.requests[i].Resolved {
		return nil, fmt.Errorf("%w: pending permission request %s", errdefs.ErrNotFound, toolUseID)
	}
	return c.requests[i], nil
}

// Get returns a copy of the request with the given id.
func (c *Channel) Get(toolUseID string) (Request, bool) {
	i, ok := c.byID[toolUseID]
	if !ok {
		return Request{}, false
	}
	return *c.requests[i], true
}

// ListPending returns the unresolved requests in arrival order.
func (c *Channel) ListPending() []Request {
	out := make([]Request, 0)
	for _, r := range c.requests {
		if !r.Resolved {
			out = append(out, *r)
		}
	}
	return out
}

// First returns the earliest unresolved request.
func (c *Channel) First() (Request, bool) {
	for _, r := range c.requests {
		if !r.Resolved {
			return *r, true
		}
	}
	return Request{}, false
}
