package api

import (
	"encoding/json"
	"time"

	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/permission"
)

// Inject payload types.
const (
	InjectMessages          = "messages"
	InjectPermissionRequest = "permission_request"
)

// InjectRequest is the body of POST /dev/inject/{sessionId}. Data holds a
// message array for "messages" and a PermissionPayload for
// "permission_request".
type InjectRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// InjectResponse reports the outcome of every injected item.
type InjectResponse struct {
	Results []coordinator.IngestResult `json:"results"`
}

// PermissionPayload is a permission request on the HTTP wire. ReceivedAt
// is in epoch milliseconds.
type PermissionPayload struct {
	ToolUseID  string          `json:"tool_use_id"`
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ReceivedAt int64           `json:"received_at"`
}

func (p PermissionPayload) request() permission.Request {
	req := permission.Request{
		ToolUseID: p.ToolUseID,
		SessionID: p.SessionID,
		ToolName:  p.ToolName,
		ToolInput: p.ToolInput,
	}
	if p.ReceivedAt > 0 {
		req.ReceivedAt = time.UnixMilli(p.ReceivedAt)
	}
	return req
}

func payloadFromRequest(req permission.Request) PermissionPayload {
	return PermissionPayload{
		ToolUseID:  req.ToolUseID,
		SessionID:  req.SessionID,
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ReceivedAt: req.ReceivedAt.UnixMilli(),
	}
}

// HookRequest is the PreToolUse hook input forwarded by the hook bridge.
type HookRequest struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name,omitempty"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID     string          `json:"tool_use_id"`
}

// Hook decisions returned to the bridge. HookAsk hands the decision back
// to the agent's own prompt.
const (
	HookAllow = "allow"
	HookDeny  = "deny"
	HookAsk   = "ask"
)

type HookResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
}

type errorResponse struct {
	Error string `json:"error"`
}
