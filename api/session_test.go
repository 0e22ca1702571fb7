package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claudego/server/agent/agenttest"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/session"
)

func newSessionRouter(t *testing.T) (http.Handler, *session.FileStore, *coordinator.Manager) {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := coordinator.NewManager(coordinator.Options{
		Terminal:     agenttest.New(),
		Store:        store,
		TargetPrefix: "claude-",
		ReapInterval: time.Hour,
	})
	t.Cleanup(manager.Shutdown)

	return NewRouter(Options{Manager: manager, Store: store, Token: testToken}), store, manager
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestSessionHandler_List(t *testing.T) {
	router, _, manager := newSessionRouter(t)
	manager.Attach(ctx, "one")
	manager.Attach(ctx, "two")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/sessions/", nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Sessions []session.SessionMeta `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	for _, s := range resp.Sessions {
		if s.Target != "claude-"+s.ID {
			t.Errorf("unexpected target %q for %s", s.Target, s.ID)
		}
		if !s.Alive {
			t.Errorf("expected %s to be alive", s.ID)
		}
	}
}

func TestSessionHandler_Delete(t *testing.T) {
	router, store, manager := newSessionRouter(t)
	if _, _, err := manager.Attach(ctx, "gone"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodDelete, "/sessions/gone", nil)))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}

	sessions, _ := store.List()
	if len(sessions) != 0 {
		t.Errorf("expected 0 sessions after delete, got %d", len(sessions))
	}
	if _, err := manager.Get("gone"); err == nil {
		t.Error("expected session to be detached")
	}
}

func TestSessionHandler_Delete_NotFound(t *testing.T) {
	router, _, _ := newSessionRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodDelete, "/sessions/missing", nil)))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestSessionHandler_RequiresAuth(t *testing.T) {
	router, _, _ := newSessionRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}
