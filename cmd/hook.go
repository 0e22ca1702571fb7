package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/claudego/server/api"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Agent hook bridges",
	RunE:  requireSubcommand,
}

var hookPermissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "PreToolUse hook that asks the control panel for a decision",
	Long: `Forward a PreToolUse hook event to the server and wait for a decision.

Install as the agent's PreToolUse hook command. The hook JSON is read from
stdin and the hook response is written to stdout:

  {"hookSpecificOutput":{"hookEventName":"PreToolUse",
   "permissionDecision":"allow"|"deny"|"ask", ...}}

If the server cannot be reached or nobody decides in time, the decision
is "ask" and the agent shows its own prompt. AskUserQuestion and
ExitPlanMode are always allowed; they are answered from the panel.`,
	Args: cobra.NoArgs,
	RunE: runHookPermission,
}

func init() {
	hookCmd.AddCommand(hookPermissionCmd)
	rootCmd.AddCommand(hookCmd)
}

type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

func runHookPermission(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return errors.New("hook input must be piped on stdin")
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read hook input: %w", err)
	}
	var req api.HookRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse hook input: %w", err)
	}

	resp := api.HookResponse{Decision: api.HookAsk}
	client, err := newClient()
	if err == nil {
		resp, err = client.Permission(cmd.Context(), req)
	}
	if err != nil {
		// The agent must not be blocked by a missing server.
		fmt.Fprintf(cmd.ErrOrStderr(), "claudego: %v\n", err)
		resp = api.HookResponse{Decision: api.HookAsk, Reason: "control panel unavailable"}
	}

	return writeHookOutput(cmd.OutOrStdout(), resp)
}

func writeHookOutput(w io.Writer, resp api.HookResponse) error {
	return json.NewEncoder(w).Encode(hookOutput{
		HookSpecificOutput: hookSpecificOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       resp.Decision,
			PermissionDecisionReason: resp.Reason,
		},
	})
}
