// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import (
	"errors"

	"github.com/claudego/server/content"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/interaction"
	"github.com/claudego/server/permission"
	"github.com/sourcegraph/jsonrpc2"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	CodeNotFound           int64 = -32001
	CodeDuplicateID        int64 = -32002
	CodeAlreadyAnswered    int64 = -32003
	CodeStaleActiveUnit    int64 = -32004
	CodeDeliveryTimeout    int64 = -32005
	CodeSessionUnavailable int64 = -32006
)

// ErrorCode maps an error to its JSON-RPC code.
func ErrorCode(err error) int64 {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, errdefs.ErrDuplicateID):
		return CodeDuplicateID
	case errors.Is(err, errdefs.ErrAlreadyAnswered):
		return CodeAlreadyAnswered
	case errors.Is(err, errdefs.ErrStaleActiveUnit):
		return CodeStaleActiveUnit
	case errors.Is(err, errdefs.ErrDeliveryTimeout):
		return CodeDeliveryTimeout
	case errors.Is(err, errdefs.ErrInvalidArgument):
		return jsonrpc2.CodeInvalidParams
	default:
		return jsonrpc2.CodeInternalError
	}
}

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type AttachResult struct {
	Created bool               `json:"created"`
	State   *coordinator.State `json:"state"`
}

type SessionSummary struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Alive     bool   `json:"alive"`
	Version   uint64 `json:"version"`
	Pending   int    `json:"pending"`
}

type SessionListResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

type TranscriptResult struct {
	SessionID  string             `json:"session_id"`
	Version    uint64             `json:"version"`
	Transcript []content.Message  `json:"transcript"`
	Units      []interaction.Unit `json:"units"`
}

type ResolveParams struct {
	SessionID  string                 `json:"session_id"`
	UnitID     string                 `json:"unit_id"`
	Resolution interaction.Resolution `json:"resolution"`
}

type ToggleParams struct {
	SessionID string `json:"session_id"`
	UnitID    string `json:"unit_id"`
	Index     int    `json:"index"`
}

type ToggleResult struct {
	Selection []int `json:"selection"`
}

type SubmitParams struct {
	SessionID string `json:"session_id"`
	UnitID    string `json:"unit_id"`
	// Options nil submits the toggled selection.
	Options []int `json:"options"`
}

type PermissionResolveParams struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Decision  string `json:"decision"` // "approve"/"allow", "deny", "always_allow"
}

type PermissionListResult struct {
	Requests []permission.Request `json:"requests"`
}

type MessageParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type MessageResult struct {
	UUID string `json:"uuid"`
}

// Server → Client

// MethodSessionChanged carries a coordinator.Change for every committed
// mutation of an attached session.
const MethodSessionChanged = "session.changed"
