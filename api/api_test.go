package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudego/server/agent/agenttest"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/keystroke"
	"github.com/claudego/server/permission"
)

const testToken = "test-token"

var ctx = context.Background()

type testEnv struct {
	manager *coordinator.Manager
	server  *httptest.Server
	client  *Client
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	term := agenttest.New()
	tr, err := keystroke.New(term, keystroke.Options{PollInterval: time.Millisecond, PollAttempts: 3})
	require.NoError(t, err)

	manager := coordinator.NewManager(coordinator.Options{
		Terminal:     term,
		Dispatcher:   tr,
		TargetPrefix: "claude-",
		ReapInterval: time.Hour,
	})
	t.Cleanup(manager.Shutdown)

	opts.Manager = manager
	opts.Token = testToken
	server := httptest.NewServer(NewRouter(opts))
	t.Cleanup(server.Close)

	return &testEnv{
		manager: manager,
		server:  server,
		client:  NewClient(server.URL, testToken, nil),
	}
}

func messagesRequest(t *testing.T, msgs string) InjectRequest {
	t.Helper()
	require.True(t, json.Valid([]byte(msgs)))
	return InjectRequest{Type: InjectMessages, Data: json.RawMessage(msgs)}
}

func permissionRequest(t *testing.T, p PermissionPayload) InjectRequest {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return InjectRequest{Type: InjectPermissionRequest, Data: data}
}

const askMessages = `[
	{"type":"user","uuid":"u1","content":"pick a database"},
	{"type":"assistant","uuid":"a1","content":[
		{"type":"text","text":"One question first."},
		{"type":"tool_use","id":"toolu_1","name":"AskUserQuestion","input":{"questions":[
			{"question":"Which database?","options":[{"label":"Postgres"},{"label":"SQLite"}],"multiSelect":false}]}}
	]}
]`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"})

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/hook/pending", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestInject_Messages(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true})

	resp, err := env.client.Inject(ctx, "sess", messagesRequest(t, askMessages))
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.True(t, r.Accepted, r.ID)
	}

	s, err := env.manager.Get("sess")
	require.NoError(t, err)
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "toolu_1-q0", pending[0].ID)
	assert.Equal(t, "Which database?", pending[0].Question.Text)

	// The same uuid again is reported per item, not as a request failure.
	resp, err = env.client.Inject(ctx, "sess", messagesRequest(t, `[{"type":"user","uuid":"u1","content":"again"}]`))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Accepted)
	assert.Contains(t, resp.Results[0].Error, "duplicate")
}

func TestInject_BadRequests(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true})

	tests := []struct {
		name string
		sess string
		req  InjectRequest
	}{
		{"unknown type", "sess", InjectRequest{Type: "bogus", Data: json.RawMessage(`[]`)}},
		{"messages not an array", "sess", InjectRequest{Type: InjectMessages, Data: json.RawMessage(`{"uuid":"x"}`)}},
		{"permission without data", "sess", InjectRequest{Type: InjectPermissionRequest}},
		{"session mismatch", "sess", InjectRequest{Type: InjectPermissionRequest, Data: json.RawMessage(`{"tool_use_id":"t","session_id":"other","tool_name":"Bash"}`)}},
		{"invalid session id", "bad..id/", InjectRequest{Type: InjectMessages, Data: json.RawMessage(`[]`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.Inject(ctx, tt.sess, tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "(400)")
		})
	}
}

func TestInject_DisabledOutsideDevMode(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: false})

	_, err := env.client.Inject(ctx, "sess", messagesRequest(t, `[]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestInject_PermissionAndPending(t *testing.T) {
	env := newTestEnv(t, Options{DevMode: true})

	received := time.UnixMilli(1_700_000_000_123)
	resp, err := env.client.Inject(ctx, "sess", permissionRequest(t, PermissionPayload{
		ToolUseID:  "toolu_p",
		SessionID:  "sess",
		ToolName:   "Bash",
		ToolInput:  json.RawMessage(`{"command":"ls"}`),
		ReceivedAt: received.UnixMilli(),
	}))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Accepted)

	pending, err := env.client.Pending(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "toolu_p", pending[0].ToolUseID)
	assert.Equal(t, "sess", pending[0].SessionID)
	assert.Equal(t, received.UnixMilli(), pending[0].ReceivedAt)
	assert.JSONEq(t, `{"command":"ls"}`, string(pending[0].ToolInput))

	// Duplicate tool use id.
	resp, err = env.client.Inject(ctx, "sess", permissionRequest(t, PermissionPayload{ToolUseID: "toolu_p", ToolName: "Bash"}))
	require.NoError(t, err)
	assert.False(t, resp.Results[0].Accepted)
}

func TestPending_UnknownSession(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.client.Pending(ctx, "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(404)")
}

func waitPending(t *testing.T, env *testEnv, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := env.manager.Get(sessionID)
		return err == nil && len(s.PendingPermissions()) == 1
	}, time.Second, time.Millisecond)
}

func TestHookPermission_Decided(t *testing.T) {
	tests := []struct {
		decision permission.Decision
		want     string
	}{
		{permission.Approve, HookAllow},
		{permission.AlwaysAllow, HookAllow},
		{permission.Deny, HookDeny},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			env := newTestEnv(t, Options{HookTimeout: 5 * time.Second})

			done := make(chan HookResponse, 1)
			go func() {
				resp, err := env.client.Permission(ctx, HookRequest{
					SessionID: "sess",
					ToolUseID: "toolu_h",
					ToolName:  "Bash",
					ToolInput: json.RawMessage(`{"command":"rm -rf build"}`),
				})
				assert.NoError(t, err)
				done <- resp
			}()

			waitPending(t, env, "sess")
			s, err := env.manager.Get("sess")
			require.NoError(t, err)
			_, err = s.ResolvePermission(ctx, "toolu_h", tt.decision)
			require.NoError(t, err)

			select {
			case resp := <-done:
				assert.Equal(t, tt.want, resp.Decision)
			case <-time.After(2 * time.Second):
				t.Fatal("hook did not return")
			}
		})
	}
}

func TestHookPermission_TimeoutAsks(t *testing.T) {
	env := newTestEnv(t, Options{HookTimeout: 20 * time.Millisecond})

	resp, err := env.client.Permission(ctx, HookRequest{SessionID: "sess", ToolUseID: "toolu_t", ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, HookAsk, resp.Decision)

	s, err := env.manager.Get("sess")
	require.NoError(t, err)
	assert.Empty(t, s.PendingPermissions())
}

func TestHookPermission_ClientGoneWithdraws(t *testing.T) {
	env := newTestEnv(t, Options{HookTimeout: time.Minute})

	reqCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := env.client.Permission(reqCtx, HookRequest{SessionID: "sess", ToolUseID: "toolu_c", ToolName: "Bash"})
		errc <- err
	}()

	waitPending(t, env, "sess")
	cancel()
	require.Error(t, <-errc)

	require.Eventually(t, func() bool {
		s, err := env.manager.Get("sess")
		return err == nil && len(s.PendingPermissions()) == 0
	}, time.Second, time.Millisecond)
}

func TestHookPermission_StandingRule(t *testing.T) {
	env := newTestEnv(t, Options{HookTimeout: time.Minute})

	go env.client.Permission(ctx, HookRequest{SessionID: "sess", ToolUseID: "toolu_1", ToolName: "Read"})
	waitPending(t, env, "sess")
	s, err := env.manager.Get("sess")
	require.NoError(t, err)
	_, err = s.ResolvePermission(ctx, "toolu_1", permission.AlwaysAllow)
	require.NoError(t, err)

	resp, err := env.client.Permission(ctx, HookRequest{SessionID: "sess", ToolUseID: "toolu_2", ToolName: "Read"})
	require.NoError(t, err)
	assert.Equal(t, HookAllow, resp.Decision)
}

func TestHookPermission_InteractiveToolsAllowed(t *testing.T) {
	env := newTestEnv(t, Options{HookTimeout: time.Minute})

	for _, tool := range []string{"AskUserQuestion", "ExitPlanMode"} {
		resp, err := env.client.Permission(ctx, HookRequest{SessionID: "sess", ToolUseID: "toolu_" + tool, ToolName: tool})
		require.NoError(t, err)
		assert.Equal(t, HookAllow, resp.Decision, tool)
	}

	_, err := env.manager.Get("sess")
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "no session is attached for interactive tools")
}

func TestHookPermission_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.client.Permission(ctx, HookRequest{SessionID: "sess", ToolName: "Bash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(400)")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/hook/permission", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errdefs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", errdefs.ErrDuplicateID), http.StatusConflict},
		{fmt.Errorf("%w: x", errdefs.ErrAlreadyAnswered), http.StatusConflict},
		{fmt.Errorf("%w: x", errdefs.ErrStaleActiveUnit), http.StatusConflict},
		{fmt.Errorf("%w: x", errdefs.ErrDeliveryTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: x", errdefs.ErrInvalidArgument), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), tt.err.Error())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
