package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/config"
	"github.com/claudego/server/permission"
	"github.com/claudego/server/session"
)

const testToken = "test-token"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AuthToken = testToken
	cfg.DataDir = t.TempDir()
	cfg.Backend = agent.BackendLog
	cfg.PollInterval = time.Millisecond
	cfg.PollAttempts = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*server, *httptest.Server) {
	t.Helper()
	srv, err := newServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.handler)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

// execute runs the root command with fresh flag state.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	configPath, clientServerURL, clientToken = "", "", ""
	injectFile, injectPermission, pendingJSON = "", false, false

	var out bytes.Buffer
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewServer_Health(t *testing.T) {
	_, ts := startServer(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestNewServer_DataDirLocked(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	_, err := newServer(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrDataDirLocked), err.Error())
}

func TestNewServer_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "screen"

	_, err := newServer(cfg)
	require.Error(t, err)

	// The data directory was released again.
	srv, err := newServer(testConfigWithDir(t, cfg.DataDir))
	require.NoError(t, err)
	srv.Close()
}

func testConfigWithDir(t *testing.T, dir string) *config.Config {
	cfg := testConfig(t)
	cfg.DataDir = dir
	return cfg
}

func TestNewServer_TailsTranscripts(t *testing.T) {
	cfg := testConfig(t)
	cfg.TranscriptsDir = t.TempDir()
	srv, _ := startServer(t, cfg)

	line := `{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[` +
		`{"type":"tool_use","id":"toolu_1","name":"ExitPlanMode","input":{"plan":"ship it"}}]}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TranscriptsDir, "tailed.jsonl"), []byte(line), 0o644))

	require.Eventually(t, func() bool {
		s, err := srv.manager.Get("tailed")
		return err == nil && len(s.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s, _ := srv.manager.Get("tailed")
	assert.Equal(t, "plan-toolu_1", s.Pending()[0].ID)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "claudego dev\n", out)
}

func TestInjectAndPendingCommands(t *testing.T) {
	cfg := testConfig(t)
	cfg.DevMode = true
	srv, ts := startServer(t, cfg)

	messages := `[{"type":"user","uuid":"u1","content":"hello"}]`
	out, err := execute(t, strings.NewReader(messages), "inject", "demo", "--server", ts.URL, "--token", testToken)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ u1")

	out, err = execute(t, strings.NewReader(messages), "inject", "demo", "--server", ts.URL, "--token", testToken)
	require.Error(t, err)
	assert.Contains(t, out, "✗ u1")

	perm := `{"tool_use_id":"toolu_p","tool_name":"Bash","tool_input":{"command":"make test"}}`
	_, err = execute(t, strings.NewReader(perm), "inject", "demo", "--permission", "--server", ts.URL, "--token", testToken)
	require.NoError(t, err)

	out, err = execute(t, nil, "pending", "demo", "--server", ts.URL, "--token", testToken)
	require.NoError(t, err)
	assert.Contains(t, out, "toolu_p")
	assert.Contains(t, out, "Bash")

	out, err = execute(t, nil, "pending", "demo", "--json", "--server", ts.URL, "--token", testToken)
	require.NoError(t, err)
	var pending []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)

	s, err := srv.manager.Get("demo")
	require.NoError(t, err)
	assert.Len(t, s.Transcript(), 1)
}

func TestInjectCommand_InvalidPayload(t *testing.T) {
	_, err := execute(t, strings.NewReader("not json"), "inject", "demo", "--server", "http://127.0.0.1:1", "--token", testToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestHookPermissionCommand(t *testing.T) {
	cfg := testConfig(t)
	srv, ts := startServer(t, cfg)

	hookInput := `{"session_id":"hooked","hook_event_name":"PreToolUse","tool_name":"Bash",` +
		`"tool_input":{"command":"rm -rf dist"},"tool_use_id":"toolu_h"}`

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, strings.NewReader(hookInput), "hook", "permission", "--server", ts.URL, "--token", testToken)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		s, err := srv.manager.Get("hooked")
		return err == nil && len(s.PendingPermissions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s, _ := srv.manager.Get("hooked")
	_, err := s.ResolvePermission(context.Background(), "toolu_h", permission.Deny)
	require.NoError(t, err)

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook command did not return")
	}
	require.NoError(t, r.err)

	var got hookOutput
	require.NoError(t, json.Unmarshal([]byte(r.out), &got))
	assert.Equal(t, "PreToolUse", got.HookSpecificOutput.HookEventName)
	assert.Equal(t, "deny", got.HookSpecificOutput.PermissionDecision)
}

func TestHookPermissionCommand_ServerUnavailable(t *testing.T) {
	hookInput := `{"session_id":"s","tool_name":"Bash","tool_use_id":"toolu_x"}`
	out, err := execute(t, strings.NewReader(hookInput), "hook", "permission", "--server", "http://127.0.0.1:1", "--token", testToken)
	require.NoError(t, err)

	var got hookOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ask", got.HookSpecificOutput.PermissionDecision)
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 9000

	cmd := serveCmd
	require.NoError(t, cmd.Flags().Set("backend", "log"))
	require.NoError(t, cmd.Flags().Set("dev", "true"))
	t.Cleanup(func() {
		cmd.Flags().Set("backend", "")
		cmd.Flags().Set("dev", "false")
		cmd.Flags().Lookup("backend").Changed = false
		cmd.Flags().Lookup("dev").Changed = false
	})

	applyServeFlags(cmd, cfg)
	assert.Equal(t, agent.BackendLog, cfg.Backend)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 9000, cfg.Port, "unset flags leave the config alone")
}
