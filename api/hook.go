package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/claudego/server/content"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/logger"
	"github.com/claudego/server/permission"
)

// DefaultHookTimeout bounds how long a hook request waits for a decision.
const DefaultHookTimeout = 10 * time.Minute

// HookHandler serves the agent-side permission hook and the pending query.
type HookHandler struct {
	manager *coordinator.Manager
	timeout time.Duration
}

// NewHookHandler creates a hook handler. A zero timeout uses
// DefaultHookTimeout.
func NewHookHandler(manager *coordinator.Manager, timeout time.Duration) *HookHandler {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &HookHandler{manager: manager, timeout: timeout}
}

// Permission handles POST /hook/permission. The request is enqueued and
// the handler blocks until it is decided. If nobody decides before the
// timeout, or the hook goes away, the request is withdrawn and "ask"
// returned so that the agent falls back to its own prompt.
//
// AskUserQuestion and ExitPlanMode are allowed without a request: they
// surface as units from the transcript and are answered there.
func (h *HookHandler) Permission(w http.ResponseWriter, r *http.Request) {
	var req HookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SessionID == "" || req.ToolUseID == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "session_id, tool_use_id and tool_name are required")
		return
	}

	if content.KindOf(req.ToolName) != content.ToolOther {
		slog.Debug("hook passed interactive tool", "session", req.SessionID, "tool", req.ToolName)
		writeJSON(w, http.StatusOK, HookResponse{Decision: HookAllow})
		return
	}

	ctx := r.Context()
	s, _, err := h.manager.Attach(ctx, req.SessionID)
	if err != nil {
		writeErr(w, err)
		return
	}

	decision, err := s.Enqueue(ctx, permission.Request{
		ToolUseID: req.ToolUseID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	d := h.wait(ctx, s, req.ToolUseID, decision)
	writeJSON(w, http.StatusOK, hookResponse(d))
}

func (h *HookHandler) wait(ctx context.Context, s *coordinator.Session, toolUseID string, decision <-chan permission.Decision) permission.Decision {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case d := <-decision:
		return d
	case <-timer.C:
	case <-ctx.Done():
	}

	// A decision may land between the timeout and the withdraw.
	if err := s.WithdrawPermission(context.WithoutCancel(ctx), toolUseID); err != nil {
		select {
		case d := <-decision:
			return d
		default:
		}
	}
	return permission.Cancelled
}

func hookResponse(d permission.Decision) HookResponse {
	switch {
	case d.Allows():
		return HookResponse{Decision: HookAllow}
	case d == permission.Deny:
		return HookResponse{Decision: HookDeny, Reason: "denied from the control panel"}
	default:
		return HookResponse{Decision: HookAsk}
	}
}

// Pending handles GET /hook/pending?session_id=
func (h *HookHandler) Pending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	s, err := h.manager.Get(sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}

	pending := s.PendingPermissions()
	out := make([]PermissionPayload, 0, len(pending))
	for _, req := range pending {
		out = append(out, payloadFromRequest(req))
	}
	writeJSON(w, http.StatusOK, out)
}

// InjectHandler feeds synthetic messages and permission requests into a
// session. Registered only in dev mode.
type InjectHandler struct {
	manager *coordinator.Manager
}

func NewInjectHandler(manager *coordinator.Manager) *InjectHandler {
	return &InjectHandler{manager: manager}
}

// Inject handles POST /dev/inject/{sessionId}
func (h *InjectHandler) Inject(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "sessionId")

	var req InjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	results, err := h.inject(r.Context(), sessionID, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InjectResponse{Results: results})
}

func (h *InjectHandler) inject(ctx context.Context, sessionID string, req InjectRequest) ([]coordinator.IngestResult, error) {
	switch req.Type {
	case InjectMessages:
		msgs, err := content.ParseMessages(req.Data)
		if err != nil {
			return nil, err
		}
		s, _, err := h.manager.Attach(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return s.Ingest(ctx, msgs), nil

	case InjectPermissionRequest:
		var p PermissionPayload
		if err := unmarshalData(req.Data, &p); err != nil {
			return nil, err
		}
		if p.SessionID != "" && p.SessionID != sessionID {
			return nil, fmt.Errorf("%w: session_id %q does not match %q", errdefs.ErrInvalidArgument, p.SessionID, sessionID)
		}
		s, _, err := h.manager.Attach(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		// Injected requests have no producer waiting on the decision.
		if _, err := s.Enqueue(ctx, p.request()); err != nil {
			return []coordinator.IngestResult{rejected(p.ToolUseID, err)}, nil
		}
		return []coordinator.IngestResult{{ID: p.ToolUseID, Accepted: true}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown inject type %q", errdefs.ErrInvalidArgument, logger.Truncate(req.Type, 32))
	}
}

func rejected(id string, err error) coordinator.IngestResult {
	return coordinator.IngestResult{ID: id, Error: err.Error(), Err: err}
}
