package api

import (
	"log/slog"
	"net/http"

	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/session"
)

// SessionHandler exposes the persisted session index.
type SessionHandler struct {
	store   session.Store
	manager *coordinator.Manager
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(store session.Store, manager *coordinator.Manager) *SessionHandler {
	return &SessionHandler{store: store, manager: manager}
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.List()
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
	})
}

// Delete handles DELETE /sessions/{id}. The session is detached first so
// that no further history is written to the removed directory.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "id")
	if !coordinator.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if _, found, err := h.store.Get(sessionID); err != nil || !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	h.manager.Remove(r.Context(), sessionID)
	if err := h.store.Delete(r.Context(), sessionID); err != nil {
		slog.Error("failed to delete session", "sessionId", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
